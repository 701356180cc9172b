package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/cachebash/backend/internal/crypto"
	"github.com/cachebash/backend/internal/loops"
)

// reconcileTimeout bounds one internal reconciliation request.
const reconcileTimeout = 120 * time.Second

// handleInternal runs a named control loop on demand. Cloud Scheduler (or
// an operator) drives these; the embedded scheduler covers deployments
// without one.
func (s *Server) handleInternal(w http.ResponseWriter, r *http.Request) {
	if !s.internalAuthorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "unauthorized"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), reconcileTimeout)
	defer cancel()

	job := mux.Vars(r)["job"]
	var (
		stats []loops.LoopStats
		err   error
	)
	run := func(fn func(context.Context) (loops.LoopStats, error)) {
		if err != nil {
			return
		}
		var st loops.LoopStats
		st, err = fn(ctx)
		stats = append(stats, st)
	}

	switch job {
	case "wake":
		run(s.runner.WakeDaemon)
	case "cleanup":
		run(s.runner.ExpireRelay)
		run(s.runner.ProcessDeadLetters)
	case "reconcile-orphans":
		run(s.runner.ReviveOrphans)
	case "reconcile-dreams":
		run(s.runner.TimeoutDreams)
	case "reconcile-sync":
		run(s.runner.ProcessSyncQueue)
	case "stale-sessions":
		run(s.runner.ArchiveStaleSessions)
	case "health-check":
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
		return
	default:
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "unknown job " + job})
		return
	}

	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": err.Error(),
			"stats": stats,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"stats": stats})
}

// internalAuthorized does a constant-time bearer comparison against
// INTERNAL_API_KEY. An unset key disables the surface entirely.
func (s *Server) internalAuthorized(r *http.Request) bool {
	expected := s.cfg.Internal.APIKey
	if expected == "" {
		return false
	}
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		return false
	}
	return crypto.ConstantTimeEqual(token, expected)
}
