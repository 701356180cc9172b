package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// RedisPubSubClient is the minimal pub/sub surface the bridge needs.
// Kept narrow so tests can stub it without a Redis server.
type RedisPubSubClient interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// DefaultRedisChannel carries every coordination event; consumers filter by
// tenant and type after decoding.
const DefaultRedisChannel = "cachebash:events"

// wireEvent tags each published event with its origin so a bridge never
// re-delivers its own messages.
type wireEvent struct {
	Origin string `json:"origin"`
	Event  *Event `json:"event"`
}

// RedisBridge mirrors the in-process bus over Redis Pub/Sub so the live
// event tail works across replicas. Local delivery never depends on Redis:
// publish failures degrade to local-only fan-out.
type RedisBridge struct {
	mu      sync.Mutex
	local   *Bus
	client  RedisPubSubClient
	channel string
	origin  string
	unsub   func()
	closed  bool
}

// NewRedisBridge wires a bus to a Redis channel and starts relaying remote
// events into it.
func NewRedisBridge(local *Bus, client RedisPubSubClient, channel string) (*RedisBridge, error) {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	b := &RedisBridge{
		local:   local,
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
	}

	unsub, err := client.Subscribe(context.Background(), channel, b.onRemote)
	if err != nil {
		return nil, fmt.Errorf("events: redis subscribe %s: %w", channel, err)
	}
	b.unsub = unsub
	return b, nil
}

// Emit delivers locally, then mirrors to Redis. A Redis failure is logged
// and the event stays local.
func (b *RedisBridge) Emit(tenantID, eventType, source string, data map[string]interface{}) {
	event := NewEvent(tenantID, eventType, source, data)
	b.local.Publish(event)

	payload, err := json.Marshal(wireEvent{Origin: b.origin, Event: event})
	if err != nil {
		slog.Warn("redis bridge marshal failed", "type", eventType, "error", err)
		return
	}
	if err := b.client.Publish(context.Background(), b.channel, payload); err != nil {
		slog.Warn("redis bridge publish failed, local-only delivery", "type", eventType, "error", err)
	}
}

func (b *RedisBridge) onRemote(raw []byte) {
	var we wireEvent
	if err := json.Unmarshal(raw, &we); err != nil {
		slog.Warn("redis bridge decode failed", "error", err)
		return
	}
	if we.Origin == b.origin || we.Event == nil {
		return
	}
	b.local.Publish(we.Event)
}

// Close stops relaying remote events.
func (b *RedisBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.unsub != nil {
		b.unsub()
	}
	return nil
}

var _ Emitter = (*RedisBridge)(nil)
