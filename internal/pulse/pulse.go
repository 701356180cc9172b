// Package pulse owns program sessions: creation, heartbeats, progress
// updates, compliance tracking, and archival.
package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cachebash/backend/internal/auth"
	"github.com/cachebash/backend/internal/core"
	"github.com/cachebash/backend/internal/events"
	"github.com/cachebash/backend/internal/lifecycle"
	"github.com/cachebash/backend/internal/store"
	"github.com/cachebash/backend/internal/tools"
)

// Service implements the pulse tools.
type Service struct {
	store   store.Store
	emitter events.Emitter
	// strict rejects legacy session-id shapes instead of warning.
	strict bool

	now func() time.Time
}

// NewService wires the module. strict follows SESSION_ID_MODE.
func NewService(st store.Store, emitter events.Emitter, strict bool) *Service {
	return &Service{store: st, emitter: emitter, strict: strict, now: time.Now}
}

// Register adds the pulse tools to the shared registry.
func (s *Service) Register(r *tools.Registry) {
	r.Register(tools.Definition{
		Name:        "create_session",
		Description: "Start a program session",
	}, s.CreateSession)
	r.Register(tools.Definition{
		Name:        "update_session",
		Description: "Update progress, heartbeat, or finish a session",
	}, s.UpdateSession)
	r.Register(tools.Definition{
		Name:        "heartbeat",
		Description: "Bump a session's heartbeat",
	}, s.Heartbeat)
	r.Register(tools.Definition{
		Name:        "list_sessions",
		Description: "List non-archived sessions, most recently updated first",
	}, s.ListSessions)
	r.Register(tools.Definition{
		Name:        "derez_session",
		Description: "Archive a session; terminal",
	}, s.DerezSession)
	r.Register(tools.Definition{
		Name:        "report_context_health",
		Description: "Report context-window pressure for a session",
	}, s.ReportContextHealth)
}

// CreateSession starts a session in active status with a fresh compliance
// machine.
func (s *Service) CreateSession(ctx context.Context, ac *auth.Context, args map[string]interface{}) (interface{}, error) {
	sessionID, err := tools.RequiredString(args, "sessionId")
	if err != nil {
		return nil, err
	}
	info := ValidateSessionID(sessionID, s.strict)
	if !info.Valid {
		if s.strict {
			return nil, tools.Invalid("sessionId", "must match {program}[-{env}].{task}")
		}
		return nil, tools.Invalid("sessionId", "unrecognized session id shape")
	}
	if info.Legacy {
		slog.Warn("legacy session id shape", "sessionId", sessionID, "program", ac.ProgramID)
	}

	programID := ac.ProgramID
	if p := tools.String(args, "programId"); p != "" && core.IsPrivilegedProgram(ac.ProgramID) {
		programID = p
	}

	// created -> active is the only legal session birth.
	next, err := lifecycle.Transition(core.KindSession, core.StatusCreated, core.StatusActive)
	if err != nil {
		return nil, err
	}

	compliance := newCompliance(s.now().UTC())
	data := map[string]interface{}{
		"programId":     programID,
		"status":        string(next),
		"name":          tools.String(args, "name"),
		"currentAction": tools.String(args, "currentAction"),
		"progress":      0,
		"schemaVersion": core.SchemaVersion,
		"compliance":    complianceMap(compliance),
		"createdAt":     store.ServerTimestamp,
		"lastUpdate":    store.ServerTimestamp,
		"lastHeartbeat": store.ServerTimestamp,
	}
	if dreamID := tools.String(args, "dreamId"); dreamID != "" {
		data["dreamId"] = dreamID
	}

	if err := s.store.Create(ctx, core.SessionPath(ac.TenantUID, sessionID), data); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	if s.emitter != nil {
		s.emitter.Emit(ac.TenantUID, core.EventSessionStarted, programID, map[string]interface{}{
			"sessionId": sessionID, "legacyId": info.Legacy,
		})
	}
	return map[string]interface{}{"sessionId": sessionID, "status": string(next)}, nil
}

// UpdateSession bumps heartbeat/progress/action and routes status changes
// through the lifecycle engine.
func (s *Service) UpdateSession(ctx context.Context, ac *auth.Context, args map[string]interface{}) (interface{}, error) {
	sessionID, err := tools.RequiredString(args, "sessionId")
	if err != nil {
		return nil, err
	}
	path := core.SessionPath(ac.TenantUID, sessionID)

	var status string
	err = s.store.RunTransaction(ctx, func(tx store.Tx) error {
		doc, err := tx.Get(path)
		if err != nil {
			return err
		}
		var sess core.Session
		if err := doc.DataTo(&sess); err != nil {
			return fmt.Errorf("decode session %s: %w", sessionID, err)
		}

		update := map[string]interface{}{
			"lastUpdate":    store.ServerTimestamp,
			"lastHeartbeat": store.ServerTimestamp,
		}
		if action := tools.String(args, "currentAction"); action != "" {
			update["currentAction"] = action
		}
		if progress, ok := tools.Int(args, "progress"); ok {
			update["progress"] = progress
		}
		if name := tools.String(args, "name"); name != "" {
			update["name"] = name
		}

		status = string(sess.Status)
		if want := tools.String(args, "status"); want != "" && want != status {
			next, err := lifecycle.Transition(core.KindSession, sess.Status, core.Status(want))
			if err != nil {
				return err
			}
			update["status"] = string(next)
			status = string(next)
		}

		// Compliance bookkeeping rides along with updates.
		if sess.Compliance != nil {
			now := s.now().UTC()
			if item := tools.String(args, "bootItem"); item != "" {
				applyBootItem(sess.Compliance, item, now)
			}
			if tools.Bool(args, "journaled") {
				applyJournal(sess.Compliance, now)
			}
			reviewJournaling(sess.Compliance, now)
			update["compliance"] = complianceMap(sess.Compliance)
		}

		return tx.Merge(path, update)
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"sessionId": sessionID, "status": status}, nil
}

// Heartbeat is the lightweight liveness bump.
func (s *Service) Heartbeat(ctx context.Context, ac *auth.Context, args map[string]interface{}) (interface{}, error) {
	sessionID, err := tools.RequiredString(args, "sessionId")
	if err != nil {
		return nil, err
	}
	path := core.SessionPath(ac.TenantUID, sessionID)
	if _, err := s.store.Get(ctx, path); err != nil {
		return nil, err
	}
	if err := s.store.Merge(ctx, path, map[string]interface{}{
		"lastHeartbeat": store.ServerTimestamp,
		"lastUpdate":    store.ServerTimestamp,
	}); err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	return map[string]interface{}{"sessionId": sessionID, "ok": true}, nil
}

// ListSessions returns non-archived sessions ordered by lastUpdate desc.
func (s *Service) ListSessions(ctx context.Context, ac *auth.Context, args map[string]interface{}) (interface{}, error) {
	q := store.Query{OrderBy: "lastUpdate", Desc: true, Limit: 100}
	if v := tools.String(args, "programId"); v != "" {
		q.Filters = append(q.Filters, store.Where("programId", store.OpEqual, v))
	}
	if v := tools.String(args, "status"); v != "" {
		q.Filters = append(q.Filters, store.Where("status", store.OpEqual, v))
	}

	docs, err := s.store.Query(ctx, core.SessionsPath(ac.TenantUID), q)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}

	out := make([]*core.Session, 0, len(docs))
	for _, doc := range docs {
		var sess core.Session
		if err := doc.DataTo(&sess); err != nil {
			slog.Warn("skipping malformed session", "path", doc.Path, "error", err)
			continue
		}
		if sess.Archived && !tools.Bool(args, "includeArchived") {
			continue
		}
		sess.ID = doc.ID
		out = append(out, &sess)
	}
	return map[string]interface{}{"sessions": out, "count": len(out)}, nil
}

// DerezSession archives a session after routing through the lifecycle
// engine.
func (s *Service) DerezSession(ctx context.Context, ac *auth.Context, args map[string]interface{}) (interface{}, error) {
	sessionID, err := tools.RequiredString(args, "sessionId")
	if err != nil {
		return nil, err
	}
	path := core.SessionPath(ac.TenantUID, sessionID)

	err = s.store.RunTransaction(ctx, func(tx store.Tx) error {
		doc, err := tx.Get(path)
		if err != nil {
			return err
		}
		var sess core.Session
		if err := doc.DataTo(&sess); err != nil {
			return fmt.Errorf("decode session %s: %w", sessionID, err)
		}
		next, err := lifecycle.Transition(core.KindSession, sess.Status, core.StatusDerezzed)
		if err != nil {
			return err
		}
		return tx.Merge(path, map[string]interface{}{
			"status":   string(next),
			"archived": true,
		})
	})
	if err != nil {
		return nil, err
	}

	if s.emitter != nil {
		s.emitter.Emit(ac.TenantUID, core.EventSessionArchived, ac.ProgramID, map[string]interface{}{
			"sessionId": sessionID, "reason": "derez",
		})
	}
	return map[string]interface{}{"sessionId": sessionID, "status": string(core.StatusDerezzed)}, nil
}

// ReportContextHealth records the session's self-reported context pressure.
func (s *Service) ReportContextHealth(ctx context.Context, ac *auth.Context, args map[string]interface{}) (interface{}, error) {
	sessionID, err := tools.RequiredString(args, "sessionId")
	if err != nil {
		return nil, err
	}
	used, _ := tools.Int(args, "tokensUsed")
	budget, _ := tools.Int(args, "tokensBudget")
	compactions, _ := tools.Int(args, "compactions")

	path := core.SessionPath(ac.TenantUID, sessionID)
	if _, err := s.store.Get(ctx, path); err != nil {
		return nil, err
	}
	if err := s.store.Merge(ctx, path, map[string]interface{}{
		"compliance": map[string]interface{}{
			"contextHealth": map[string]interface{}{
				"tokensUsed":   used,
				"tokensBudget": budget,
				"compactions":  compactions,
				"reportedAt":   store.ServerTimestamp,
			},
		},
		"lastUpdate": store.ServerTimestamp,
	}); err != nil {
		return nil, fmt.Errorf("report context health: %w", err)
	}

	pressure := 0.0
	if budget > 0 {
		pressure = float64(used) / float64(budget)
	}
	return map[string]interface{}{"sessionId": sessionID, "pressure": pressure}, nil
}

// complianceMap serializes the compliance block for a store write.
func complianceMap(block *core.ComplianceBlock) map[string]interface{} {
	raw, err := json.Marshal(block)
	if err != nil {
		return map[string]interface{}{"state": string(block.State)}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{"state": string(block.State)}
	}
	return out
}
