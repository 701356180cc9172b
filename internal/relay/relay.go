// Package relay is the ephemeral message plane: TTL-bounded inter-program
// messages with at-most-once retrieval, multicast group expansion, and
// delivery-attempt tracking. Expiry and dead-lettering run in control loops.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cachebash/backend/internal/auth"
	"github.com/cachebash/backend/internal/core"
	"github.com/cachebash/backend/internal/events"
	"github.com/cachebash/backend/internal/store"
	"github.com/cachebash/backend/internal/tools"
)

// Service implements the relay tools.
type Service struct {
	store   store.Store
	emitter events.Emitter

	now func() time.Time
}

// NewService wires the module.
func NewService(st store.Store, emitter events.Emitter) *Service {
	return &Service{store: st, emitter: emitter, now: time.Now}
}

// Register adds the relay tools to the shared registry.
func (s *Service) Register(r *tools.Registry) {
	r.Register(tools.Definition{
		Name:        "send_message",
		Description: "Send an ephemeral message to a program or multicast group",
	}, s.SendMessage)
	r.Register(tools.Definition{
		Name:        "get_messages",
		Description: "Retrieve and mark delivered the caller's pending messages",
	}, s.GetMessages)
}

// SendMessage writes one document per resolved target. Group targets share
// a multicastId for correlation.
func (s *Service) SendMessage(ctx context.Context, ac *auth.Context, args map[string]interface{}) (interface{}, error) {
	target, err := tools.RequiredString(args, "target")
	if err != nil {
		return nil, err
	}
	msgType := core.MessageType(tools.String(args, "message_type"))
	if msgType == "" {
		msgType = core.MsgDirective
	}
	if !core.ValidMessageType(msgType) {
		return nil, tools.Invalid("message_type", fmt.Sprintf("unknown type %q", msgType))
	}

	ttl := int64(core.DefaultRelayTTLSeconds)
	if n, ok := tools.Int(args, "ttl"); ok && n > 0 {
		ttl = n
	}
	maxAttempts := core.DefaultMaxDeliveryAttempts
	if n, ok := tools.Int(args, "maxDeliveryAttempts"); ok && n > 0 {
		maxAttempts = int(n)
	}

	targets := core.ResolveTargets(target)
	multicastID := ""
	if core.IsGroup(target) {
		multicastID = uuid.NewString()
	}

	expiresAt := s.now().UTC().Add(time.Duration(ttl) * time.Second)
	source := ac.ProgramID
	if src := tools.String(args, "source"); src != "" {
		source = src
	}

	batch := s.store.Batch()
	ids := make([]string, 0, len(targets))
	for _, t := range targets {
		id := uuid.NewString()
		ids = append(ids, id)
		doc := map[string]interface{}{
			"message_type":        string(msgType),
			"payload":             args["payload"],
			"source":              source,
			"target":              t,
			"status":              core.RelayPending,
			"ttl":                 ttl,
			"expiresAt":           expiresAt,
			"deliveryAttempts":    0,
			"maxDeliveryAttempts": maxAttempts,
			"schemaVersion":       core.SchemaVersion,
			"createdAt":           store.ServerTimestamp,
		}
		if multicastID != "" {
			doc["multicastId"] = multicastID
			doc["multicastSource"] = target
		}
		if sid := tools.String(args, "sessionId"); sid != "" {
			doc["sessionId"] = sid
		}
		for _, key := range []string{"priority", "replyTo", "threadId", "traceId", "spanId", "parentSpanId"} {
			if v := tools.String(args, key); v != "" {
				doc[key] = v
			}
		}
		batch.Set(core.MessagePath(ac.TenantUID, id), doc)
	}
	if err := batch.Commit(ctx); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	if s.emitter != nil {
		s.emitter.Emit(ac.TenantUID, core.EventMessageSent, source, map[string]interface{}{
			"messageType": string(msgType),
			"target":      target,
			"fanout":      len(targets),
			"multicastId": multicastID,
		})
	}

	result := map[string]interface{}{
		"messageIds": ids,
		"targets":    targets,
	}
	if multicastID != "" {
		result["multicastId"] = multicastID
	}
	return result, nil
}

// GetMessages returns the caller's pending messages and marks each
// delivered inside a transaction that re-checks status, so concurrent
// pollers cannot observe the same pending->delivered flip.
func (s *Service) GetMessages(ctx context.Context, ac *auth.Context, args map[string]interface{}) (interface{}, error) {
	program := ac.ProgramID
	if p := tools.String(args, "program"); p != "" && core.IsPrivilegedProgram(ac.ProgramID) {
		program = p
	}

	q := store.Query{
		Filters: []store.Filter{store.Where("target", store.OpEqual, program)},
		OrderBy: "createdAt",
		Limit:   100,
	}
	if !tools.Bool(args, "includeDelivered") {
		q.Filters = append(q.Filters, store.Where("status", store.OpEqual, core.RelayPending))
	}
	if sid := tools.String(args, "sessionId"); sid != "" {
		q.Filters = append(q.Filters, store.Where("sessionId", store.OpEqual, sid))
	}
	since, ok, err := tools.Time(args, "since")
	if err != nil {
		return nil, err
	}
	if ok {
		q.Filters = append(q.Filters, store.Where("createdAt", store.OpGreaterEqual, since))
	}

	docs, err := s.store.Query(ctx, core.RelayPath(ac.TenantUID), q)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}

	out := make([]*core.RelayMessage, 0, len(docs))
	for _, doc := range docs {
		var msg core.RelayMessage
		if err := doc.DataTo(&msg); err != nil {
			slog.Warn("skipping malformed relay message", "path", doc.Path, "error", err)
			continue
		}
		msg.ID = doc.ID

		if msg.Status != core.RelayPending {
			out = append(out, &msg) // includeDelivered path
			continue
		}

		// Transactional mark-as-delivered: a message whose status changed
		// between the query and this transaction is another poller's.
		won := false
		err := s.store.RunTransaction(ctx, func(tx store.Tx) error {
			cur, err := tx.Get(doc.Path)
			if err != nil {
				return err
			}
			if status, _ := cur.Data["status"].(string); status != core.RelayPending {
				return nil
			}
			won = true
			return tx.Merge(doc.Path, map[string]interface{}{
				"status":      core.RelayDelivered,
				"deliveredAt": store.ServerTimestamp,
			})
		})
		if err != nil {
			slog.Warn("mark-delivered failed", "path", doc.Path, "error", err)
			continue
		}
		if won {
			msg.Status = core.RelayDelivered
			out = append(out, &msg)
		}
	}

	return map[string]interface{}{"messages": out, "count": len(out)}, nil
}
