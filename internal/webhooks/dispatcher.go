// Package webhooks delivers task notifications to the dispatcher URL. The
// webhook is best-effort: failures are logged and never surfaced to the
// request that triggered them.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cachebash/backend/internal/circuitbreaker"
)

// SignatureHeader carries hex(HMAC-SHA256(body, secret)).
const SignatureHeader = "X-CacheBash-Signature"

// deliveryTimeout bounds each POST to the dispatcher.
const deliveryTimeout = 3 * time.Second

// TaskNotification is the webhook body sent on task creation.
type TaskNotification struct {
	TaskID    string    `json:"taskId"`
	Target    string    `json:"target"`
	Priority  string    `json:"priority"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier is the dispatch module's view of the webhook path.
type Notifier interface {
	NotifyTaskCreated(n TaskNotification)
}

// Dispatcher POSTs signed notifications through a small worker pool. The
// queue drops on overflow; a webhook is advisory, not transactional.
type Dispatcher struct {
	url     string
	secret  string
	client  *http.Client
	queue   chan TaskNotification
	pacer   *rate.Limiter
	breaker *circuitbreaker.Breaker
	logger  *log.Logger
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewDispatcher starts the worker pool. An empty url disables delivery
// entirely; Notify calls become no-ops.
func NewDispatcher(url, secret string, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 2
	}
	logger := log.New(log.Writer(), "[WEBHOOK] ", log.LstdFlags)
	d := &Dispatcher{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: deliveryTimeout},
		queue:  make(chan TaskNotification, 256),
		// Pace outbound deliveries so a task-creation burst cannot hammer
		// the dispatcher endpoint.
		pacer: rate.NewLimiter(rate.Limit(20), 40),
		// A dead endpoint sheds deliveries instead of tying up workers on
		// timeouts.
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Name: "webhook",
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				logger.Printf("%s breaker %s -> %s", name, from, to)
			},
		}),
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// NotifyTaskCreated queues a notification. Non-blocking.
func (d *Dispatcher) NotifyTaskCreated(n TaskNotification) {
	if d.url == "" {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- n:
	default:
		d.logger.Printf("queue full, dropping notification for task %s", n.TaskID)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for n := range d.queue {
		if err := d.pacer.Wait(context.Background()); err != nil {
			return
		}
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n TaskNotification) {
	payload, err := json.Marshal(n)
	if err != nil {
		d.logger.Printf("marshal failed for task %s: %v", n.TaskID, err)
		return
	}

	err = d.breaker.Do(func() error { return d.post(payload) })
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		d.logger.Printf("breaker open, dropping notification for task %s", n.TaskID)
	case err != nil:
		d.logger.Printf("delivery failed for task %s: %v", n.TaskID, err)
	}
}

func (d *Dispatcher) post(payload []byte) error {
	req, err := http.NewRequest(http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.secret != "" {
		req.Header.Set(SignatureHeader, SignPayload(payload, d.secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("dispatcher returned %d", resp.StatusCode)
	}
	return nil
}

// Shutdown drains the queue and stops the workers.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}

var _ Notifier = (*Dispatcher)(nil)
