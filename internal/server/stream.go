package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin dashboards are expected; auth happens on the bearer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
)

// handleEventStream upgrades to a websocket and tails the caller's tenant
// event stream. Events are metadata-only by construction, so the tail leaks
// no task or message content.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	bearer := r.Header.Get("Authorization")
	bearer = strings.TrimPrefix(bearer, "Bearer ")
	if bearer == "" {
		// Browser websocket clients cannot set Authorization headers.
		bearer = r.URL.Query().Get("token")
	}

	ac := s.resolver.Resolve(r.Context(), bearer)
	if ac == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "authentication required"})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	// Reader goroutine: drains client frames and signals close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event := <-sub:
			if event == nil || event.TenantID != ac.TenantUID {
				continue
			}
			payload, err := event.JSON()
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
