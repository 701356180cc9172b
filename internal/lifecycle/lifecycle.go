// Package lifecycle is the single gate on status writes. It is pure: no
// store access, no clock, no side effects. Every module that changes an
// entity's status must route the change through Transition.
package lifecycle

import (
	"fmt"

	"github.com/cachebash/backend/internal/core"
)

// TransitionError reports a rejected status change.
type TransitionError struct {
	Kind core.Kind
	From core.Status
	To   core.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("lifecycle: invalid transition %s: %s -> %s", e.Kind, e.From, e.To)
}

// transitions maps, per entity kind, each status to the statuses it may
// move to. Tables are total on the status set: a status with no outbound
// edges maps to an empty list. Tasks and sprint stories retry
// (failed -> created); sessions and dreams do not. Dreams never enter
// blocked. active -> created on tasks is the orphan-revival edge.
var transitions = map[core.Kind]map[core.Status][]core.Status{
	core.KindTask: {
		core.StatusCreated:    {core.StatusActive, core.StatusDerezzed},
		core.StatusActive:     {core.StatusCompleting, core.StatusDone, core.StatusFailed, core.StatusBlocked, core.StatusCreated, core.StatusDerezzed},
		core.StatusBlocked:    {core.StatusCreated, core.StatusActive, core.StatusFailed, core.StatusDerezzed},
		core.StatusCompleting: {core.StatusDone, core.StatusFailed, core.StatusDerezzed},
		core.StatusDone:       {core.StatusDerezzed},
		core.StatusFailed:     {core.StatusCreated, core.StatusDerezzed},
		core.StatusDerezzed:   {},
	},
	core.KindSession: {
		core.StatusCreated:    {core.StatusActive, core.StatusDerezzed},
		core.StatusActive:     {core.StatusBlocked, core.StatusCompleting, core.StatusDone, core.StatusFailed, core.StatusDerezzed},
		core.StatusBlocked:    {core.StatusActive, core.StatusFailed, core.StatusDerezzed},
		core.StatusCompleting: {core.StatusDone, core.StatusFailed, core.StatusDerezzed},
		core.StatusDone:       {core.StatusDerezzed},
		core.StatusFailed:     {core.StatusDerezzed},
		core.StatusDerezzed:   {},
	},
	core.KindDream: {
		core.StatusCreated:    {core.StatusActive, core.StatusDerezzed},
		core.StatusActive:     {core.StatusCompleting, core.StatusDone, core.StatusFailed, core.StatusDerezzed},
		core.StatusBlocked:    {},
		core.StatusCompleting: {core.StatusDone, core.StatusFailed, core.StatusDerezzed},
		core.StatusDone:       {core.StatusDerezzed},
		core.StatusFailed:     {core.StatusDerezzed},
		core.StatusDerezzed:   {},
	},
	core.KindSprintStory: {
		core.StatusCreated:    {core.StatusActive, core.StatusDerezzed},
		core.StatusActive:     {core.StatusCompleting, core.StatusDone, core.StatusFailed, core.StatusBlocked, core.StatusCreated, core.StatusDerezzed},
		core.StatusBlocked:    {core.StatusCreated, core.StatusActive, core.StatusFailed, core.StatusDerezzed},
		core.StatusCompleting: {core.StatusDone, core.StatusFailed, core.StatusDerezzed},
		core.StatusDone:       {core.StatusDerezzed},
		core.StatusFailed:     {core.StatusCreated, core.StatusDerezzed},
		core.StatusDerezzed:   {},
	},
}

// ValidateTransition reports whether kind may move from one status to
// another. Unknown kinds and unknown statuses are never valid.
func ValidateTransition(kind core.Kind, from, to core.Status) bool {
	table, ok := transitions[kind]
	if !ok {
		return false
	}
	allowed, ok := table[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Transition applies a status change, returning the new status or a
// *TransitionError when the table rejects it.
func Transition(kind core.Kind, from, to core.Status) (core.Status, error) {
	if !ValidateTransition(kind, from, to) {
		return from, &TransitionError{Kind: kind, From: from, To: to}
	}
	return to, nil
}

// IsTerminal reports whether the status has no outbound edges for any kind.
func IsTerminal(s core.Status) bool {
	return s == core.StatusDerezzed
}

// AllowedFrom returns the outbound edges for a status (copy).
func AllowedFrom(kind core.Kind, from core.Status) []core.Status {
	table, ok := transitions[kind]
	if !ok {
		return nil
	}
	allowed := table[from]
	out := make([]core.Status, len(allowed))
	copy(out, allowed)
	return out
}
