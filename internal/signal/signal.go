// Package signal is the human-agent bridge: question tasks with optional
// content encryption, response polling, and short-TTL alerts surfaced on
// both the relay plane and the task plane.
package signal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cachebash/backend/internal/auth"
	"github.com/cachebash/backend/internal/core"
	"github.com/cachebash/backend/internal/crypto"
	"github.com/cachebash/backend/internal/events"
	"github.com/cachebash/backend/internal/store"
	"github.com/cachebash/backend/internal/tools"
)

// alertTarget is the program surface alerts are addressed to.
const alertTarget = "mobile"

// Service implements the signal tools.
type Service struct {
	store   store.Store
	emitter events.Emitter

	now func() time.Time
}

// NewService wires the module.
func NewService(st store.Store, emitter events.Emitter) *Service {
	return &Service{store: st, emitter: emitter, now: time.Now}
}

// Register adds the signal tools to the shared registry.
func (s *Service) Register(r *tools.Registry) {
	r.Register(tools.Definition{
		Name:        "ask_question",
		Description: "Ask the human user a question, optionally encrypted",
	}, s.AskQuestion)
	r.Register(tools.Definition{
		Name:        "get_response",
		Description: "Poll a question for its response",
	}, s.GetResponse)
	r.Register(tools.Definition{
		Name:        "send_alert",
		Description: "Raise a short-lived alert on the relay and task surfaces",
	}, s.SendAlert)
}

// AskQuestion writes a question task. Prompt and options go to the mobile
// surface; encrypt protects the prompt with the caller's derived key.
func (s *Service) AskQuestion(ctx context.Context, ac *auth.Context, args map[string]interface{}) (interface{}, error) {
	prompt, err := tools.RequiredString(args, "prompt")
	if err != nil {
		return nil, err
	}

	encrypted := tools.Bool(args, "encrypt")
	if encrypted {
		if prompt, err = crypto.Encrypt(prompt, ac.EncryptionKey); err != nil {
			return nil, fmt.Errorf("encrypt prompt: %w", err)
		}
	}

	id := uuid.NewString()
	question := map[string]interface{}{"prompt": prompt}
	if options := tools.StringSlice(args, "options"); len(options) > 0 {
		question["options"] = options
	}

	data := map[string]interface{}{
		"type":          string(core.TaskTypeQuestion),
		"title":         tools.String(args, "title"),
		"question":      question,
		"status":        string(core.StatusCreated),
		"source":        ac.ProgramID,
		"target":        alertTarget,
		"priority":      string(core.PriorityHigh),
		"encrypted":     encrypted,
		"schemaVersion": core.SchemaVersion,
		"createdAt":     store.ServerTimestamp,
	}
	if sid := tools.String(args, "sessionId"); sid != "" {
		data["sessionId"] = sid
	}

	if err := s.store.Create(ctx, core.TaskPath(ac.TenantUID, id), data); err != nil {
		return nil, fmt.Errorf("create question: %w", err)
	}
	return map[string]interface{}{"questionId": id}, nil
}

// GetResponse polls a question task, decrypting the response when present.
func (s *Service) GetResponse(ctx context.Context, ac *auth.Context, args map[string]interface{}) (interface{}, error) {
	id, err := tools.RequiredString(args, "questionId")
	if err != nil {
		return nil, err
	}

	doc, err := s.store.Get(ctx, core.TaskPath(ac.TenantUID, id))
	if err != nil {
		return nil, err
	}
	var task core.Task
	if err := doc.DataTo(&task); err != nil {
		return nil, fmt.Errorf("decode question %s: %w", id, err)
	}
	if task.Type != core.TaskTypeQuestion || task.Question == nil {
		return nil, tools.Invalid("questionId", "not a question task")
	}

	result := map[string]interface{}{
		"questionId": id,
		"status":     string(task.Status),
		"answered":   task.Question.Response != "",
	}
	if task.Question.Response != "" {
		response := task.Question.Response
		if task.Encrypted {
			if pt, err := crypto.Decrypt(response, ac.EncryptionKey); err == nil {
				response = pt
			}
		}
		result["response"] = response
		if task.Question.RespondedAt != nil {
			result["respondedAt"] = task.Question.RespondedAt
		}
	}
	return result, nil
}

// SendAlert raises a 1-hour-TTL DIRECTIVE on the relay plane and mirrors a
// surfaceable task, so the user sees the alert on either surface.
func (s *Service) SendAlert(ctx context.Context, ac *auth.Context, args map[string]interface{}) (interface{}, error) {
	message, err := tools.RequiredString(args, "message")
	if err != nil {
		return nil, err
	}
	alertType, err := tools.OneOf(args, "alertType", "info", "info", "warning", "critical")
	if err != nil {
		return nil, err
	}

	expiresAt := s.now().UTC().Add(core.AlertTTLSeconds * time.Second)
	messageID := uuid.NewString()
	taskID := uuid.NewString()

	batch := s.store.Batch()
	batch.Set(core.MessagePath(ac.TenantUID, messageID), map[string]interface{}{
		"message_type":        string(core.MsgDirective),
		"payload":             map[string]interface{}{"alert": message, "alertType": alertType},
		"source":              ac.ProgramID,
		"target":              alertTarget,
		"status":              core.RelayPending,
		"ttl":                 int64(core.AlertTTLSeconds),
		"expiresAt":           expiresAt,
		"deliveryAttempts":    0,
		"maxDeliveryAttempts": core.DefaultMaxDeliveryAttempts,
		"schemaVersion":       core.SchemaVersion,
		"createdAt":           store.ServerTimestamp,
	})
	batch.Set(core.TaskPath(ac.TenantUID, taskID), map[string]interface{}{
		"type":          string(core.TaskTypeTask),
		"title":         fmt.Sprintf("[%s] %s", alertType, message),
		"status":        string(core.StatusCreated),
		"source":        ac.ProgramID,
		"target":        alertTarget,
		"priority":      string(core.PriorityHigh),
		"action":        string(core.ActionInterrupt),
		"schemaVersion": core.SchemaVersion,
		"createdAt":     store.ServerTimestamp,
	})
	if err := batch.Commit(ctx); err != nil {
		return nil, fmt.Errorf("send alert: %w", err)
	}

	if s.emitter != nil {
		s.emitter.Emit(ac.TenantUID, core.EventAlertRaised, ac.ProgramID, map[string]interface{}{
			"alertType": alertType, "messageId": messageID, "taskId": taskID,
		})
	}
	return map[string]interface{}{"messageId": messageID, "taskId": taskID}, nil
}
