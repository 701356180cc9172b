// Package metrics registers the Prometheus instruments exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the coordination plane's Prometheus instruments.
type Metrics struct {
	GateDecisions    *prometheus.CounterVec
	ToolDuration     *prometheus.HistogramVec
	RateLimitRejects *prometheus.CounterVec
	LoopRuns         *prometheus.CounterVec
	LoopDocs         *prometheus.CounterVec
	SinkQueueDepth   prometheus.GaugeFunc
	MCPSessions      prometheus.Gauge
}

// New registers the instruments on a fresh registry-backed set. queueDepth
// reports the observability sink's pending writes.
func New(queueDepth func() float64) *Metrics {
	return &Metrics{
		GateDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachebash_gate_decisions_total",
				Help: "Gate decisions by outcome and denial reason",
			},
			[]string{"outcome", "reason"}, // outcome: allowed, denied
		),

		ToolDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cachebash_tool_duration_seconds",
				Help:    "Tool handler duration by tool name",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		),

		RateLimitRejects: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachebash_rate_limit_rejects_total",
				Help: "Requests refused by the rate limiter",
			},
			[]string{"tier", "class"},
		),

		LoopRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachebash_loop_runs_total",
				Help: "Control loop invocations by loop and result",
			},
			[]string{"loop", "result"}, // result: ok, error
		),

		LoopDocs: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachebash_loop_documents_total",
				Help: "Documents acted on per control loop",
			},
			[]string{"loop"},
		),

		SinkQueueDepth: promauto.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "cachebash_observability_queue_depth",
				Help: "Pending writes in the observability sink",
			},
			queueDepth,
		),

		MCPSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cachebash_mcp_sessions_active",
				Help: "In-process MCP response queues currently open",
			},
		),
	}
}

// RecordDecision counts a gate outcome. reason is empty on allows.
func (m *Metrics) RecordDecision(allowed bool, reason string) {
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.GateDecisions.WithLabelValues(outcome, reason).Inc()
}

// ObserveTool records one handler run.
func (m *Metrics) ObserveTool(tool string, seconds float64) {
	m.ToolDuration.WithLabelValues(tool).Observe(seconds)
}

// RecordLoop counts one loop run and the documents it touched.
func (m *Metrics) RecordLoop(loop string, docs int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.LoopRuns.WithLabelValues(loop, result).Inc()
	if docs > 0 {
		m.LoopDocs.WithLabelValues(loop).Add(float64(docs))
	}
}
