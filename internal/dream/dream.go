// Package dream manages budgeted overnight runs: peeking at queued dreams
// and activating them. Budget accrual happens in dispatch when child tasks
// complete; timeout and kill handling run in control loops.
package dream

import (
	"context"
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

// BudgetInvalidator drops cached budget verdicts when a dream's admission
// state changes. Satisfied by gate.BudgetCache.
type BudgetInvalidator interface {
	Invalidate(tenantUID, programID string)
}

// Service implements the dream tools.
type Service struct {
	store   store.Store
	emitter events.Emitter
	budgets BudgetInvalidator

	now func() time.Time
}

// NewService wires the module. budgets may be nil in tests.
func NewService(st store.Store, emitter events.Emitter, budgets BudgetInvalidator) *Service {
	return &Service{store: st, emitter: emitter, budgets: budgets, now: time.Now}
}

// Register adds the dream tools to the shared registry.
func (s *Service) Register(r *tools.Registry) {
	r.Register(tools.Definition{
		Name:        "dream_peek",
		Description: "List dreams queued for activation",
	}, s.Peek)
	r.Register(tools.Definition{
		Name:        "dream_activate",
		Description: "Activate a queued dream",
	}, s.Activate)
}

// Peek lists created dreams, oldest first, so the dream runner can choose
// what to activate.
func (s *Service) Peek(ctx context.Context, ac *auth.Context, args map[string]interface{}) (interface{}, error) {
	q := store.Query{
		Filters: []store.Filter{
			store.Where("type", store.OpEqual, string(core.TaskTypeDream)),
			store.Where("status", store.OpEqual, string(core.StatusCreated)),
		},
		OrderBy: "createdAt",
		Limit:   50,
	}
	if agent := tools.String(args, "agent"); agent != "" {
		q.Filters = append(q.Filters, store.Where("dream.agent", store.OpEqual, agent))
	}

	docs, err := s.store.Query(ctx, core.TasksPath(ac.TenantUID), q)
	if err != nil {
		return nil, fmt.Errorf("query dreams: %w", err)
	}

	out := make([]*core.Task, 0, len(docs))
	for _, doc := range docs {
		var task core.Task
		if err := doc.DataTo(&task); err != nil {
			slog.Warn("skipping malformed dream", "path", doc.Path, "error", err)
			continue
		}
		task.ID = doc.ID
		out = append(out, &task)
	}
	return map[string]interface{}{"dreams": out, "count": len(out)}, nil
}

// Activate transitions a dream created -> active. The budget cache entry
// for the dream's agent is invalidated so admission reflects the new state
// immediately. The timeout loop fails the dream once startedAt plus
// timeout_hours has passed.
func (s *Service) Activate(ctx context.Context, ac *auth.Context, args map[string]interface{}) (interface{}, error) {
	dreamID, err := tools.RequiredString(args, "dreamId")
	if err != nil {
		return nil, err
	}
	path := core.TaskPath(ac.TenantUID, dreamID)

	var agent string
	var deadline time.Time
	err = s.store.RunTransaction(ctx, func(tx store.Tx) error {
		doc, err := tx.Get(path)
		if err != nil {
			return err
		}
		var task core.Task
		if err := doc.DataTo(&task); err != nil {
			return fmt.Errorf("decode dream %s: %w", dreamID, err)
		}
		if task.Type != core.TaskTypeDream || task.Dream == nil {
			return tools.Invalid("dreamId", "not a dream task")
		}

		next, err := lifecycle.Transition(core.KindDream, task.Status, core.StatusActive)
		if err != nil {
			return err
		}

		agent = task.Dream.Agent
		deadline = s.now().UTC().Add(time.Duration(task.Dream.TimeoutHours * float64(time.Hour)))
		return tx.Merge(path, map[string]interface{}{
			"status":    string(next),
			"startedAt": store.ServerTimestamp,
		})
	})
	if err != nil {
		return nil, err
	}

	if s.budgets != nil && agent != "" {
		s.budgets.Invalidate(ac.TenantUID, agent)
	}
	if s.emitter != nil {
		s.emitter.Emit(ac.TenantUID, core.EventDreamActivated, ac.ProgramID, map[string]interface{}{
			"dreamId": dreamID, "agent": agent, "deadline": deadline,
		})
	}
	return map[string]interface{}{
		"dreamId":  dreamID,
		"status":   string(core.StatusActive),
		"deadline": deadline,
	}, nil
}
