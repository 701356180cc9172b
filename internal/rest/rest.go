// Package rest mirrors every tool onto plain HTTP routes for clients that
// do not speak MCP. All routes funnel through the same gate pipeline.
package rest

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/cachebash/backend/internal/gate"
)

const maxBodyBytes = 1 << 20

// Envelope is the uniform REST response shape.
type Envelope struct {
	Success bool           `json:"success"`
	Data    interface{}    `json:"data,omitempty"`
	Error   *EnvelopeError `json:"error,omitempty"`
	Meta    Meta           `json:"meta"`
}

type EnvelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Meta struct {
	Timestamp string `json:"timestamp"`
}

// Handler serves the /v1 REST mirror.
type Handler struct {
	gate *gate.Gate
	now  func() time.Time
}

// NewHandler wires the REST transport.
func NewHandler(g *gate.Gate) *Handler {
	return &Handler{gate: g, now: time.Now}
}

// Mount registers the tool mirror on the router.
func (h *Handler) Mount(r *mux.Router) {
	r.HandleFunc("/v1/tasks", h.tool("create_task", nil)).Methods(http.MethodPost)
	r.HandleFunc("/v1/tasks", h.tool("get_tasks", nil)).Methods(http.MethodGet)
	r.HandleFunc("/v1/tasks/{id}", h.tool("get_task", pathArg("id", "taskId"))).Methods(http.MethodGet)
	r.HandleFunc("/v1/tasks/{id}/claim", h.tool("claim_task", pathArg("id", "taskId"))).Methods(http.MethodPost)
	r.HandleFunc("/v1/tasks/{id}/complete", h.tool("complete_task", pathArg("id", "taskId"))).Methods(http.MethodPost)
	r.HandleFunc("/v1/tasks/{id}", h.tool("derez_task", pathArg("id", "taskId"))).Methods(http.MethodDelete)

	r.HandleFunc("/v1/messages", h.tool("send_message", nil)).Methods(http.MethodPost)
	r.HandleFunc("/v1/messages", h.tool("get_messages", nil)).Methods(http.MethodGet)

	r.HandleFunc("/v1/sessions", h.tool("create_session", nil)).Methods(http.MethodPost)
	r.HandleFunc("/v1/sessions", h.tool("list_sessions", nil)).Methods(http.MethodGet)
	r.HandleFunc("/v1/sessions/{id}", h.tool("update_session", pathArg("id", "sessionId"))).
		Methods(http.MethodPost, http.MethodPatch)
	r.HandleFunc("/v1/sessions/{id}/heartbeat", h.tool("heartbeat", pathArg("id", "sessionId"))).Methods(http.MethodPost)
	r.HandleFunc("/v1/sessions/{id}", h.tool("derez_session", pathArg("id", "sessionId"))).Methods(http.MethodDelete)
	r.HandleFunc("/v1/sessions/{id}/context-health", h.tool("report_context_health", pathArg("id", "sessionId"))).
		Methods(http.MethodPost)

	r.HandleFunc("/v1/questions", h.tool("ask_question", nil)).Methods(http.MethodPost)
	r.HandleFunc("/v1/questions/{id}/response", h.tool("get_response", pathArg("id", "questionId"))).Methods(http.MethodGet)
	r.HandleFunc("/v1/alerts", h.tool("send_alert", nil)).Methods(http.MethodPost)

	r.HandleFunc("/v1/dreams", h.tool("dream_peek", nil)).Methods(http.MethodGet)
	r.HandleFunc("/v1/dreams/{id}/activate", h.tool("dream_activate", pathArg("id", "dreamId"))).Methods(http.MethodPost)

	r.HandleFunc("/v1/ops/metrics", h.tool("get_operational_metrics", nil)).Methods(http.MethodGet)
}

// argFiller copies route variables into the tool args.
type argFiller func(r *http.Request, args map[string]interface{})

func pathArg(routeVar, argName string) argFiller {
	return func(r *http.Request, args map[string]interface{}) {
		if v := mux.Vars(r)[routeVar]; v != "" {
			args[argName] = v
		}
	}
}

// tool adapts one registered tool to an HTTP handler. GET requests read
// args from the query string; mutating methods read a JSON body.
func (h *Handler) tool(name string, fill argFiller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if gerr := h.gate.PreAuth(clientIP(r)); gerr != nil {
			h.writeError(w, gerr)
			return
		}

		args, err := decodeArgs(r)
		if err != nil {
			h.writeError(w, &gate.Error{Code: gate.CodeValidation, Message: "invalid JSON body"})
			return
		}
		if fill != nil {
			fill(r, args)
		}

		result, gerr := h.gate.Invoke(r.Context(), gate.Request{
			Bearer:   bearerToken(r),
			ClientIP: clientIP(r),
			Tool:     name,
			Args:     args,
			Endpoint: "rest",
		})
		if gerr != nil {
			h.writeError(w, gerr)
			return
		}

		status := http.StatusOK
		if r.Method == http.MethodPost && createdStatus[name] {
			status = http.StatusCreated
		}
		h.write(w, status, Envelope{Success: true, Data: result, Meta: h.meta()})
	}
}

// createdStatus marks tools whose REST mirror returns 201.
var createdStatus = map[string]bool{
	"create_task":    true,
	"create_session": true,
	"send_message":   true,
	"ask_question":   true,
	"send_alert":     true,
}

func decodeArgs(r *http.Request) (map[string]interface{}, error) {
	args := map[string]interface{}{}

	if r.Method == http.MethodGet || r.Method == http.MethodDelete {
		for key, vals := range r.URL.Query() {
			if len(vals) == 0 {
				continue
			}
			args[key] = coerceQueryValue(vals[0])
		}
		return args, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(body, &args); err != nil {
		return nil, err
	}
	return args, nil
}

// coerceQueryValue maps query strings onto the JSON types handlers expect.
func coerceQueryValue(s string) interface{} {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	return s
}

func (h *Handler) writeError(w http.ResponseWriter, gerr *gate.Error) {
	if gerr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(gerr.RetryAfter.Seconds())))
	}
	h.write(w, gerr.HTTPStatus(), Envelope{
		Success: false,
		Error:   &EnvelopeError{Code: gerr.Code, Message: gerr.Message},
		Meta:    h.meta(),
	})
}

func (h *Handler) write(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func (h *Handler) meta() Meta {
	return Meta{Timestamp: h.now().UTC().Format(time.RFC3339)}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}
