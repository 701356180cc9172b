// Package ratelimit holds the in-process sliding-window limiter. Counters
// are per-process: replicas diverge, which is acceptable because the limiter
// is advisory on the coordination plane and each replica still bounds its
// own front door.
package ratelimit

import (
	"log"
	"sync"
	"time"

	"github.com/cachebash/backend/internal/auth"
)

// Tool classes partition the per-key windows. A fixed set of tool names
// counts as reads; everything else is a write.
const (
	ClassRead  = "read"
	ClassWrite = "write"
)

var readTools = map[string]bool{
	"get_tasks":               true,
	"get_task":                true,
	"get_messages":            true,
	"list_sessions":           true,
	"get_response":            true,
	"dream_peek":              true,
	"get_operational_metrics": true,
}

// Classify returns the tool's rate class.
func Classify(tool string) string {
	if readTools[tool] {
		return ClassRead
	}
	return ClassWrite
}

// TierLimits bounds one tier: requests per minute plus a burst ceiling over
// any 10-second slice of the window.
type TierLimits struct {
	PerMinute int
	Burst     int
}

var tierLimits = map[string]TierLimits{
	auth.TierFree:     {PerMinute: 60, Burst: 10},
	auth.TierPro:      {PerMinute: 300, Burst: 30},
	auth.TierInternal: {PerMinute: 600, Burst: 50},
}

// ipLimitPerMinute bounds pre-auth attempts per client IP.
const ipLimitPerMinute = 60

const (
	windowLength = time.Minute
	burstSlice   = 10 * time.Second
	sweepEvery   = 5 * time.Minute
	idleEviction = 2 * time.Minute
)

// Result is the limiter's verdict. RetryAfter is only meaningful on refusal.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

type window struct {
	start      time.Time
	count      int
	burstStart time.Time
	burstCount int
}

// Limiter tracks per-key and per-IP sliding windows under one mutex. A
// background sweep evicts idle entries.
type Limiter struct {
	mu      sync.Mutex
	keys    map[string]*window
	ips     map[string]*window
	logger  *log.Logger
	stopCh  chan struct{}
	stopped bool

	now func() time.Time
}

// New starts a limiter with its eviction sweep.
func New() *Limiter {
	l := &Limiter{
		keys:   make(map[string]*window),
		ips:    make(map[string]*window),
		logger: log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
	go l.sweep()
	return l
}

// Allow checks the per-key window for one tool call. The key combines
// tenant, key hash, and tool class so reads and writes count separately.
func (l *Limiter) Allow(tenantUID, keyHash, tool, tier string) Result {
	limits, ok := tierLimits[tier]
	if !ok {
		limits = tierLimits[auth.TierFree]
	}
	key := tenantUID + ":" + keyHash + ":" + Classify(tool)

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.advance(l.keys, key)
	w.count++
	w.burstCount++

	if w.burstCount > limits.Burst {
		l.logger.Printf("burst limit hit: key=%s tier=%s count=%d", key, tier, w.burstCount)
		return Result{Allowed: false, RetryAfter: l.retryAfter(w, tier)}
	}
	if w.count > limits.PerMinute {
		l.logger.Printf("rate limit hit: key=%s tier=%s count=%d", key, tier, w.count)
		return Result{Allowed: false, RetryAfter: l.retryAfter(w, tier)}
	}
	return Result{Allowed: true}
}

// AllowIP checks the pre-auth window for a client address.
func (l *Limiter) AllowIP(ip string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.advance(l.ips, ip)
	w.count++
	if w.count > ipLimitPerMinute {
		return Result{Allowed: false, RetryAfter: l.toWindowEdge(w)}
	}
	return Result{Allowed: true}
}

// advance fetches the window for key, rolling it over when the minute or
// burst slice has elapsed. Caller holds the lock.
func (l *Limiter) advance(m map[string]*window, key string) *window {
	now := l.now()
	w, ok := m[key]
	if !ok || now.Sub(w.start) >= windowLength {
		w = &window{start: now, burstStart: now}
		m[key] = w
		return w
	}
	if now.Sub(w.burstStart) >= burstSlice {
		w.burstStart = now
		w.burstCount = 0
	}
	return w
}

// retryAfter is tier-dependent: free waits a full window; paid tiers wait
// only to the window edge.
func (l *Limiter) retryAfter(w *window, tier string) time.Duration {
	if tier == auth.TierFree {
		return windowLength
	}
	return l.toWindowEdge(w)
}

func (l *Limiter) toWindowEdge(w *window) time.Duration {
	remaining := windowLength - l.now().Sub(w.start)
	if remaining < time.Second {
		remaining = time.Second
	}
	return remaining
}

func (l *Limiter) sweep() {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			now := l.now()
			for key, w := range l.keys {
				if now.Sub(w.start) > idleEviction {
					delete(l.keys, key)
				}
			}
			for ip, w := range l.ips {
				if now.Sub(w.start) > idleEviction {
					delete(l.ips, ip)
				}
			}
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// Stop halts the eviction sweep.
func (l *Limiter) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.stopped {
		l.stopped = true
		close(l.stopCh)
	}
}

// Stats reports window counts for diagnostics.
func (l *Limiter) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return map[string]interface{}{
		"key_windows": len(l.keys),
		"ip_windows":  len(l.ips),
	}
}
