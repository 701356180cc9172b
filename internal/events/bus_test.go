package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusTypedSubscription(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe("TASK_CLAIMED")
	defer bus.Unsubscribe(ch)

	bus.Emit("tenant-1", "TASK_CLAIMED", "dispatch", map[string]interface{}{"taskId": "t1"})
	bus.Emit("tenant-1", "MESSAGE_SENT", "relay", nil)

	select {
	case evt := <-ch:
		assert.Equal(t, "TASK_CLAIMED", evt.Type)
		assert.Equal(t, "tenant-1", evt.TenantID)
		assert.Equal(t, "t1", evt.Data["taskId"])
	case <-time.After(time.Second):
		t.Fatal("expected a TASK_CLAIMED event")
	}

	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %s", evt.Type)
	default:
	}
}

func TestBusAllSubscription(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	bus.Emit("tenant-1", "PROGRAM_WAKE", "wake", nil)
	bus.Emit("tenant-2", "RELAY_DEAD_LETTERED", "relay", nil)

	var types []string
	for i := 0; i < 2; i++ {
		select {
		case evt := <-ch:
			types = append(types, evt.Type)
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
	assert.ElementsMatch(t, []string{"PROGRAM_WAKE", "RELAY_DEAD_LETTERED"}, types)
}

func TestBusFullSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus()
	bus.bufferSize = 1
	ch := bus.Subscribe("X")
	defer bus.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Emit("t", "X", "test", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestBusSubscriberCount(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe("A")
	b := bus.Subscribe()
	require.Equal(t, 2, bus.SubscriberCount())

	bus.Unsubscribe(a)
	bus.Unsubscribe(b)
	assert.Equal(t, 0, bus.SubscriberCount())
}

// stubPubSub collects published frames and lets the test inject remote ones.
type stubPubSub struct {
	mu        sync.Mutex
	published [][]byte
	handler   func([]byte)
}

func (s *stubPubSub) Publish(_ context.Context, _ string, message []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, message)
	return nil
}

func (s *stubPubSub) Subscribe(_ context.Context, _ string, handler func([]byte)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
	return func() {}, nil
}

func TestRedisBridgeMirrorsAndFilters(t *testing.T) {
	local := NewBus()
	stub := &stubPubSub{}
	bridge, err := NewRedisBridge(local, stub, "")
	require.NoError(t, err)
	defer bridge.Close()

	ch := local.Subscribe()
	defer local.Unsubscribe(ch)

	bridge.Emit("tenant-1", "MESSAGE_SENT", "relay", nil)

	// Delivered locally.
	select {
	case evt := <-ch:
		assert.Equal(t, "MESSAGE_SENT", evt.Type)
	case <-time.After(time.Second):
		t.Fatal("local delivery missing")
	}

	// Mirrored to the wire with the bridge's origin.
	stub.mu.Lock()
	require.Len(t, stub.published, 1)
	var we wireEvent
	require.NoError(t, json.Unmarshal(stub.published[0], &we))
	stub.mu.Unlock()
	assert.Equal(t, bridge.origin, we.Origin)

	// Replaying our own frame must not duplicate locally.
	stub.handler(stub.published[0])
	select {
	case evt := <-ch:
		t.Fatalf("own frame re-delivered: %s", evt.Type)
	case <-time.After(50 * time.Millisecond):
	}

	// A frame from another origin is relayed in.
	remote, _ := json.Marshal(wireEvent{Origin: "other", Event: NewEvent("tenant-2", "PROGRAM_WAKE", "wake", nil)})
	stub.handler(remote)
	select {
	case evt := <-ch:
		assert.Equal(t, "PROGRAM_WAKE", evt.Type)
		assert.Equal(t, "tenant-2", evt.TenantID)
	case <-time.After(time.Second):
		t.Fatal("remote frame not relayed")
	}
}
