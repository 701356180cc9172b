// Package ledger is the shared background sink for observability writes:
// ledger entries, audit decisions, analytics events, and usage increments
// all flow through one bounded queue. These writes are fire-and-forget by
// contract: they may be lost on overload or shutdown, and their errors are
// logged, never propagated to request handlers.
package ledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cachebash/backend/internal/core"
	"github.com/cachebash/backend/internal/store"
)

const (
	defaultWorkers    = 4
	defaultQueueDepth = 1024
	writeTimeout      = 5 * time.Second
)

type job struct {
	name string
	fn   func(ctx context.Context) error
}

// Sink drains a bounded queue of observability writes with a small worker
// pool. A full queue drops the write and logs it.
type Sink struct {
	store store.Store
	queue chan job
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool

	enqueued atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64
}

// NewSink starts the worker pool. workers and depth fall back to defaults
// when zero.
func NewSink(st store.Store, workers, depth int) *Sink {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	s := &Sink{
		store: st,
		queue: make(chan job, depth),
	}
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.worker()
	}
	return s
}

func (s *Sink) worker() {
	defer s.wg.Done()
	for j := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := j.fn(ctx); err != nil {
			s.failed.Add(1)
			slog.Error("observability write failed", "kind", j.name, "error", err)
		}
		cancel()
	}
}

// Submit enqueues an arbitrary observability write. Non-blocking: when the
// queue is full the write is dropped and counted.
func (s *Sink) Submit(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.queue <- job{name: name, fn: fn}:
		s.enqueued.Add(1)
	default:
		s.dropped.Add(1)
		slog.Warn("observability queue full, dropping write", "kind", name)
	}
	s.mu.Unlock()
}

// Record appends a ledger entry under the tenant. The entry's timestamp is
// stamped server-side when unset.
func (s *Sink) Record(tenantID string, entry core.LedgerEntry) {
	path := core.LedgerPath(tenantID) + "/" + uuid.NewString()
	s.Submit("ledger", func(ctx context.Context) error {
		data, err := entryMap(entry)
		if err != nil {
			return err
		}
		if entry.Timestamp == nil {
			data["timestamp"] = store.ServerTimestamp
		}
		return s.store.Create(ctx, path, data)
	})
}

// RecordAudit writes a gate decision as a type=audit ledger entry.
func (s *Sink) RecordAudit(tenantID string, entry core.LedgerEntry) {
	entry.Type = core.LedgerAudit
	s.Record(tenantID, entry)
}

// Stats reports queue counters for diagnostics.
func (s *Sink) Stats() map[string]int64 {
	return map[string]int64{
		"enqueued": s.enqueued.Load(),
		"dropped":  s.dropped.Load(),
		"failed":   s.failed.Load(),
		"pending":  int64(len(s.queue)),
	}
}

// Close stops intake and drains the queue.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	s.wg.Wait()
}

func entryMap(entry core.LedgerEntry) (map[string]interface{}, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}
