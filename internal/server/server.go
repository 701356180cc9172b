// Package server assembles the HTTP surface: both transports, the internal
// reconciliation endpoints, health, metrics, and the event stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cachebash/backend/internal/auth"
	"github.com/cachebash/backend/internal/config"
	"github.com/cachebash/backend/internal/events"
	"github.com/cachebash/backend/internal/loops"
	"github.com/cachebash/backend/internal/rest"
	"github.com/cachebash/backend/internal/store"
)

const (
	readTimeout  = 30 * time.Second
	writeTimeout = 30 * time.Second
	idleTimeout  = 120 * time.Second
)

// Server owns the HTTP listener and routing.
type Server struct {
	cfg      *config.Config
	store    store.Store
	bus      *events.Bus
	resolver *auth.Resolver
	runner   *loops.Runner
	logger   *log.Logger

	http *http.Server
}

// New wires the routes. mcpHandler serves /v1/mcp; restHandler mounts the
// tool mirror.
func New(cfg *config.Config, st store.Store, bus *events.Bus, resolver *auth.Resolver,
	runner *loops.Runner, mcpHandler http.Handler, restHandler *rest.Handler) *Server {

	s := &Server{
		cfg:      cfg,
		store:    st,
		bus:      bus,
		resolver: resolver,
		runner:   runner,
		logger:   log.New(os.Stdout, "[SERVER] ", log.LstdFlags),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.Handle("/v1/mcp", mcpHandler)
	restHandler.Mount(r)

	r.HandleFunc("/v1/events/stream", s.handleEventStream).Methods(http.MethodGet)
	r.HandleFunc("/v1/internal/{job}", s.handleInternal).Methods(http.MethodPost)

	s.http = &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      s.accessLog(r),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s
}

// ListenAndServe blocks until the listener stops.
func (s *Server) ListenAndServe() error {
	s.logger.Printf("listening on %s", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleHealth reports process and store connectivity.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// Not-found is a healthy answer; anything transport-shaped is not.
	storeOK := true
	if _, err := s.store.Get(ctx, "tenants/_healthcheck"); err != nil && !errors.Is(err, store.ErrNotFound) {
		storeOK = false
	}

	status := http.StatusOK
	state := "ok"
	if !storeOK {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, status, map[string]interface{}{
		"status": state,
		"store":  storeOK,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
