// Package dispatch owns the durable task plane: create, list, claim,
// complete, derez. Claims run in a store transaction; first writer wins and
// later claimants observe contention as a success-shaped result.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cachebash/backend/internal/auth"
	"github.com/cachebash/backend/internal/core"
	"github.com/cachebash/backend/internal/crypto"
	"github.com/cachebash/backend/internal/events"
	"github.com/cachebash/backend/internal/lifecycle"
	"github.com/cachebash/backend/internal/mirror"
	"github.com/cachebash/backend/internal/store"
	"github.com/cachebash/backend/internal/tools"
	"github.com/cachebash/backend/internal/webhooks"
)

// Service implements the dispatch tools.
type Service struct {
	store    store.Store
	emitter  events.Emitter
	notifier webhooks.Notifier
	queue    *mirror.Queue

	now func() time.Time
}

// NewService wires the module. notifier and queue may be nil in tests.
func NewService(st store.Store, emitter events.Emitter, notifier webhooks.Notifier, queue *mirror.Queue) *Service {
	return &Service{store: st, emitter: emitter, notifier: notifier, queue: queue, now: time.Now}
}

// Register adds the dispatch tools to the shared registry.
func (s *Service) Register(r *tools.Registry) {
	r.Register(tools.Definition{
		Name:        "create_task",
		Description: "Create a durable work unit for a target program",
	}, s.CreateTask)
	r.Register(tools.Definition{
		Name:        "get_tasks",
		Description: "List tasks filtered by target, status, type, or priority",
	}, s.GetTasks)
	r.Register(tools.Definition{
		Name:        "get_task",
		Description: "Fetch a single task by id",
	}, s.GetTask)
	r.Register(tools.Definition{
		Name:        "claim_task",
		Description: "Atomically claim a created task for a session",
	}, s.ClaimTask)
	r.Register(tools.Definition{
		Name:        "complete_task",
		Description: "Finish an active task as done or failed, recording cost",
	}, s.CompleteTask)
	r.Register(tools.Definition{
		Name:        "derez_task",
		Description: "Archive a task; terminal",
	}, s.DerezTask)
}

// CreateTask writes a new task with status created. Content fields are
// encrypted with the caller's key when encrypt is set.
func (s *Service) CreateTask(ctx context.Context, ac *auth.Context, args map[string]interface{}) (interface{}, error) {
	title, err := tools.RequiredString(args, "title")
	if err != nil {
		return nil, err
	}
	target, err := tools.RequiredString(args, "target")
	if err != nil {
		return nil, err
	}
	taskType, err := tools.OneOf(args, "type", string(core.TaskTypeTask),
		string(core.TaskTypeTask), string(core.TaskTypeQuestion), string(core.TaskTypeDream),
		string(core.TaskTypeSprint), string(core.TaskTypeSprintStory))
	if err != nil {
		return nil, err
	}
	priority, err := tools.OneOf(args, "priority", string(core.PriorityNormal),
		string(core.PriorityLow), string(core.PriorityNormal), string(core.PriorityHigh))
	if err != nil {
		return nil, err
	}
	action, err := tools.OneOf(args, "action", string(core.ActionQueue),
		string(core.ActionInterrupt), string(core.ActionSprint), string(core.ActionParallel),
		string(core.ActionQueue), string(core.ActionBacklog))
	if err != nil {
		return nil, err
	}

	instructions := tools.String(args, "instructions")
	encrypted := tools.Bool(args, "encrypt")
	if encrypted {
		if title, err = crypto.Encrypt(title, ac.EncryptionKey); err != nil {
			return nil, fmt.Errorf("encrypt title: %w", err)
		}
		if instructions != "" {
			if instructions, err = crypto.Encrypt(instructions, ac.EncryptionKey); err != nil {
				return nil, fmt.Errorf("encrypt instructions: %w", err)
			}
		}
	}

	id := uuid.NewString()
	data := map[string]interface{}{
		"type":          taskType,
		"title":         title,
		"instructions":  instructions,
		"context":       tools.String(args, "context"),
		"status":        string(core.StatusCreated),
		"source":        ac.ProgramID,
		"target":        target,
		"priority":      priority,
		"action":        action,
		"encrypted":     encrypted,
		"schemaVersion": core.SchemaVersion,
		"createdAt":     store.ServerTimestamp,
	}
	if src := tools.String(args, "source"); src != "" {
		data["source"] = src
	}
	for _, key := range []string{"replyTo", "threadId", "traceId", "spanId", "parentSpanId", "dreamId"} {
		if v := tools.String(args, key); v != "" {
			data[key] = v
		}
	}
	if blocked := tools.StringSlice(args, "blockedBy"); len(blocked) > 0 {
		data["blockedBy"] = blocked
	}
	if ttl, ok := tools.Int(args, "ttl"); ok && ttl > 0 {
		data["ttl"] = ttl
	}
	if sub := tools.Map(args, "question"); sub != nil && taskType == string(core.TaskTypeQuestion) {
		data["question"] = sub
	}
	if sub := tools.Map(args, "sprint"); sub != nil {
		data["sprint"] = sub
	}
	if taskType == string(core.TaskTypeDream) {
		dream := tools.Map(args, "dream")
		if dream == nil {
			return nil, tools.Invalid("dream", "required for type=dream")
		}
		if _, ok := tools.Float(dream, "budget_cap_usd"); !ok {
			return nil, tools.Invalid("dream.budget_cap_usd", "required number")
		}
		if _, ok := dream["budget_consumed_usd"]; !ok {
			dream["budget_consumed_usd"] = 0.0
		}
		data["dream"] = dream
	}
	if retry := tools.Map(args, "retry"); retry != nil {
		data["retry"] = retry
	}

	if err := s.store.Create(ctx, core.TaskPath(ac.TenantUID, id), data); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	if s.notifier != nil {
		// Webhook body carries the plaintext title only for unencrypted
		// tasks; ciphertext is useless to the dispatcher.
		hookTitle := title
		if encrypted {
			hookTitle = ""
		}
		s.notifier.NotifyTaskCreated(webhooks.TaskNotification{
			TaskID:   id,
			Target:   target,
			Priority: priority,
			Title:    hookTitle,
		})
	}
	if s.queue != nil {
		s.queue.Enqueue(ac.TenantUID, mirror.OpTaskCreated, map[string]interface{}{
			"taskId": id, "target": target, "type": taskType,
		})
	}
	if s.emitter != nil {
		s.emitter.Emit(ac.TenantUID, core.EventTaskCreated, ac.ProgramID, map[string]interface{}{
			"taskId": id, "target": target, "type": taskType, "priority": priority,
		})
	}

	return map[string]interface{}{"taskId": id}, nil
}

// GetTasks lists tasks newest-first, decrypting content for encrypted tasks.
func (s *Service) GetTasks(ctx context.Context, ac *auth.Context, args map[string]interface{}) (interface{}, error) {
	q := store.Query{OrderBy: "createdAt", Desc: true}
	for argKey, field := range map[string]string{
		"target": "target", "status": "status", "type": "type", "priority": "priority",
	} {
		if v := tools.String(args, argKey); v != "" {
			q.Filters = append(q.Filters, store.Where(field, store.OpEqual, v))
		}
	}
	if limit, ok := tools.Int(args, "limit"); ok && limit > 0 {
		q.Limit = int(limit)
	} else {
		q.Limit = 50
	}

	docs, err := s.store.Query(ctx, core.TasksPath(ac.TenantUID), q)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}

	out := make([]*core.Task, 0, len(docs))
	for _, doc := range docs {
		task, err := s.decodeTask(doc, ac)
		if err != nil {
			slog.Warn("skipping malformed task", "path", doc.Path, "error", err)
			continue
		}
		if task.Archived && !tools.Bool(args, "includeArchived") {
			continue
		}
		out = append(out, task)
	}
	return map[string]interface{}{"tasks": out, "count": len(out)}, nil
}

// GetTask fetches one task by id.
func (s *Service) GetTask(ctx context.Context, ac *auth.Context, args map[string]interface{}) (interface{}, error) {
	id, err := tools.RequiredString(args, "taskId")
	if err != nil {
		return nil, err
	}
	doc, err := s.store.Get(ctx, core.TaskPath(ac.TenantUID, id))
	if err != nil {
		return nil, err
	}
	task, err := s.decodeTask(doc, ac)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"task": task}, nil
}

// ClaimResult is the claim outcome; contention is success-shaped, never an
// error.
type ClaimResult struct {
	Outcome      string `json:"outcome"`
	TaskID       string `json:"taskId"`
	SessionID    string `json:"sessionId,omitempty"`
	CurrentOwner string `json:"currentOwner,omitempty"`
}

// ClaimTask transitions created -> active inside a transaction and records
// a claim event either way.
func (s *Service) ClaimTask(ctx context.Context, ac *auth.Context, args map[string]interface{}) (interface{}, error) {
	taskID, err := tools.RequiredString(args, "taskId")
	if err != nil {
		return nil, err
	}
	sessionID, err := tools.RequiredString(args, "sessionId")
	if err != nil {
		return nil, err
	}

	taskPath := core.TaskPath(ac.TenantUID, taskID)
	var result ClaimResult

	err = s.store.RunTransaction(ctx, func(tx store.Tx) error {
		doc, err := tx.Get(taskPath)
		if err != nil {
			return err
		}
		var task core.Task
		if err := doc.DataTo(&task); err != nil {
			return fmt.Errorf("decode task %s: %w", taskID, err)
		}

		if task.Status != core.StatusCreated {
			result = ClaimResult{
				Outcome:      core.ClaimOutcomeContention,
				TaskID:       taskID,
				CurrentOwner: task.SessionID,
			}
			return s.writeClaimEvent(tx, ac.TenantUID, result, sessionID)
		}

		next, err := lifecycle.Transition(task.LifecycleKind(), task.Status, core.StatusActive)
		if err != nil {
			return err
		}
		if err := tx.Merge(taskPath, map[string]interface{}{
			"status":        string(next),
			"sessionId":     sessionID,
			"startedAt":     store.ServerTimestamp,
			"lastHeartbeat": store.ServerTimestamp,
		}); err != nil {
			return err
		}

		result = ClaimResult{Outcome: core.ClaimOutcomeClaimed, TaskID: taskID, SessionID: sessionID}
		return s.writeClaimEvent(tx, ac.TenantUID, result, sessionID)
	})
	if err != nil {
		return nil, err
	}

	if s.emitter != nil && result.Outcome == core.ClaimOutcomeClaimed {
		s.emitter.Emit(ac.TenantUID, core.EventTaskClaimed, ac.ProgramID, map[string]interface{}{
			"taskId": taskID, "sessionId": sessionID,
		})
	}
	return result, nil
}

func (s *Service) writeClaimEvent(tx store.Tx, tenantUID string, result ClaimResult, sessionID string) error {
	id := uuid.NewString()
	expires := s.now().UTC().Add(core.ClaimEventTTL)
	return tx.Create(core.ClaimEventsPath(tenantUID)+"/"+id, map[string]interface{}{
		"taskId":       result.TaskID,
		"sessionId":    sessionID,
		"outcome":      result.Outcome,
		"currentOwner": result.CurrentOwner,
		"createdAt":    store.ServerTimestamp,
		"expiresAt":    expires,
	})
}

// CompleteTask transitions active/completing -> done|failed, merges cost
// fields, and accrues the cost onto the owning dream when one exists.
func (s *Service) CompleteTask(ctx context.Context, ac *auth.Context, args map[string]interface{}) (interface{}, error) {
	taskID, err := tools.RequiredString(args, "taskId")
	if err != nil {
		return nil, err
	}
	completed, err := tools.OneOf(args, "status", string(core.StatusDone),
		string(core.StatusDone), string(core.StatusFailed))
	if err != nil {
		return nil, err
	}

	taskPath := core.TaskPath(ac.TenantUID, taskID)
	costUSD, hasCost := tools.Float(args, "cost_usd")

	var dreamID string
	err = s.store.RunTransaction(ctx, func(tx store.Tx) error {
		doc, err := tx.Get(taskPath)
		if err != nil {
			return err
		}
		var task core.Task
		if err := doc.DataTo(&task); err != nil {
			return fmt.Errorf("decode task %s: %w", taskID, err)
		}
		dreamID = task.DreamID

		next, err := lifecycle.Transition(task.LifecycleKind(), task.Status, core.Status(completed))
		if err != nil {
			return err
		}

		update := map[string]interface{}{
			"status":      string(next),
			"completedAt": store.ServerTimestamp,
		}
		if result := tools.String(args, "result"); result != "" {
			update["result"] = result
		}
		if n, ok := tools.Int(args, "tokens_in"); ok {
			update["tokens_in"] = n
		}
		if n, ok := tools.Int(args, "tokens_out"); ok {
			update["tokens_out"] = n
		}
		if hasCost {
			update["cost_usd"] = costUSD
		}
		if err := tx.Merge(taskPath, update); err != nil {
			return err
		}

		if dreamID != "" && hasCost && costUSD > 0 {
			if err := tx.Merge(core.TaskPath(ac.TenantUID, dreamID), map[string]interface{}{
				"dream": map[string]interface{}{
					"budget_consumed_usd": store.IncrementFloat(costUSD),
				},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.queue != nil {
		s.queue.Enqueue(ac.TenantUID, mirror.OpTaskCompleted, map[string]interface{}{
			"taskId": taskID, "status": completed,
		})
	}
	if s.emitter != nil {
		s.emitter.Emit(ac.TenantUID, core.EventTaskCompleted, ac.ProgramID, map[string]interface{}{
			"taskId": taskID, "status": completed, "dreamId": dreamID,
		})
	}
	return map[string]interface{}{"taskId": taskID, "status": completed}, nil
}

// DerezTask archives a task; derezzed is terminal.
func (s *Service) DerezTask(ctx context.Context, ac *auth.Context, args map[string]interface{}) (interface{}, error) {
	taskID, err := tools.RequiredString(args, "taskId")
	if err != nil {
		return nil, err
	}
	taskPath := core.TaskPath(ac.TenantUID, taskID)

	err = s.store.RunTransaction(ctx, func(tx store.Tx) error {
		doc, err := tx.Get(taskPath)
		if err != nil {
			return err
		}
		var task core.Task
		if err := doc.DataTo(&task); err != nil {
			return fmt.Errorf("decode task %s: %w", taskID, err)
		}
		next, err := lifecycle.Transition(task.LifecycleKind(), task.Status, core.StatusDerezzed)
		if err != nil {
			return err
		}
		return tx.Merge(taskPath, map[string]interface{}{
			"status":   string(next),
			"archived": true,
		})
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"taskId": taskID, "status": string(core.StatusDerezzed)}, nil
}

// decodeTask unmarshals and decrypts a task document.
func (s *Service) decodeTask(doc *store.Doc, ac *auth.Context) (*core.Task, error) {
	var task core.Task
	if err := doc.DataTo(&task); err != nil {
		return nil, err
	}
	task.ID = doc.ID

	if task.Encrypted && len(ac.EncryptionKey) > 0 {
		if pt, err := crypto.Decrypt(task.Title, ac.EncryptionKey); err == nil {
			task.Title = pt
		}
		if task.Instructions != "" {
			if pt, err := crypto.Decrypt(task.Instructions, ac.EncryptionKey); err == nil {
				task.Instructions = pt
			}
		}
		if task.Question != nil {
			if pt, err := crypto.Decrypt(task.Question.Prompt, ac.EncryptionKey); err == nil {
				task.Question.Prompt = pt
			}
			if task.Question.Response != "" {
				if pt, err := crypto.Decrypt(task.Question.Response, ac.EncryptionKey); err == nil {
					task.Question.Response = pt
				}
			}
		}
	}
	return &task, nil
}
