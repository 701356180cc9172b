// Package tools holds the flat tool registry shared by both transports.
// Every tool is a function (auth context, args) -> result; the gate wraps
// each invocation uniformly.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cachebash/backend/internal/auth"
)

// Handler executes one tool call. args is the decoded JSON object from the
// transport; handlers validate their own parameters.
type Handler func(ctx context.Context, ac *auth.Context, args map[string]interface{}) (interface{}, error)

// Definition describes a registered tool for tools/list.
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

// Registry maps tool names to handlers. Registration happens at startup;
// lookups run on every request.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	defs     map[string]Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		defs:     make(map[string]Definition),
	}
}

// Register adds a tool. Re-registering a name panics: duplicate tool names
// are a wiring bug.
func (r *Registry) Register(def Definition, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[def.Name]; ok {
		panic(fmt.Sprintf("tools: duplicate registration of %q", def.Name))
	}
	r.handlers[def.Name] = h
	r.defs[def.Name] = def
}

// Get returns the handler for a tool name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// List returns the registered definitions sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the registered tool names sorted.
func (r *Registry) Names() []string {
	defs := r.List()
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.Name
	}
	return out
}
