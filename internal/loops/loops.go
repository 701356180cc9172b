// Package loops holds the reconciliation passes that keep the coordination
// plane honest: waking idle programs, reviving orphaned tasks, timing out
// dreams, expiring relay messages, dead-lettering, archiving stale sessions,
// and draining the sync queue. Each loop is idempotent and batch-bounded;
// the scheduler (Cloud Scheduler via /v1/internal, or the embedded cron
// runner) decides cadence.
package loops

import (
	"log"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/cachebash/backend/internal/events"
	"github.com/cachebash/backend/internal/metrics"
	"github.com/cachebash/backend/internal/mirror"
	"github.com/cachebash/backend/internal/store"
)

// maxLoopBatch bounds how many documents one loop invocation touches.
const maxLoopBatch = 400

// LoopStats summarizes one loop invocation for the caller's response body.
type LoopStats struct {
	Loop       string `json:"loop"`
	Scanned    int    `json:"scanned"`
	Modified   int    `json:"modified"`
	Errors     int    `json:"errors"`
	DurationMs int64  `json:"durationMs"`
}

// Runner executes the control loops against the store.
type Runner struct {
	store   store.Store
	emitter events.Emitter
	metrics *metrics.Metrics
	logger  *log.Logger

	// Wake daemon state.
	wakeHostURL  string
	wakeClient   *http.Client
	spawnClient  *http.Client
	wakePacer    *rate.Limiter
	wakeFailures int

	syncExec mirror.Executor

	now func() time.Time
}

// NewRunner wires the loops. wakeHostURL may be empty (wake daemon becomes a
// no-op); m may be nil in tests.
func NewRunner(st store.Store, emitter events.Emitter, m *metrics.Metrics, wakeHostURL string, syncExec mirror.Executor) *Runner {
	if syncExec == nil {
		syncExec = mirror.NopExecutor{}
	}
	return &Runner{
		store:       st,
		emitter:     emitter,
		metrics:     m,
		logger:      log.New(os.Stdout, "[LOOPS] ", log.LstdFlags),
		wakeHostURL: wakeHostURL,
		wakeClient:  &http.Client{Timeout: 5 * time.Second},
		spawnClient: &http.Client{Timeout: 10 * time.Second},
		wakePacer:   rate.NewLimiter(rate.Limit(2), 4),
		syncExec:    syncExec,
		now:         time.Now,
	}
}

// finish stamps duration and records the run.
func (r *Runner) finish(stats *LoopStats, start time.Time, err error) {
	stats.DurationMs = time.Since(start).Milliseconds()
	if r.metrics != nil {
		r.metrics.RecordLoop(stats.Loop, stats.Modified, err)
	}
	if err != nil {
		r.logger.Printf("%s: scanned=%d modified=%d errors=%d err=%v",
			stats.Loop, stats.Scanned, stats.Modified, stats.Errors, err)
	} else if stats.Modified > 0 || stats.Errors > 0 {
		r.logger.Printf("%s: scanned=%d modified=%d errors=%d",
			stats.Loop, stats.Scanned, stats.Modified, stats.Errors)
	}
}

// tenantOf maps a collection-group document path back to its tenant uid.
func tenantOf(doc *store.Doc) string {
	return store.ParentTenant(doc.Path)
}

func (r *Runner) emit(tenantUID, eventType string, data map[string]interface{}) {
	if r.emitter != nil {
		r.emitter.Emit(tenantUID, eventType, "loops", data)
	}
}
