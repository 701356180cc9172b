// Package gate is the per-request pipeline every tool invocation passes:
// auth, source verification, capability check, dream budget, rate limit,
// handler dispatch. Every decision, allow or deny, is audited before the
// gate returns.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cachebash/backend/internal/analytics"
	"github.com/cachebash/backend/internal/auth"
	"github.com/cachebash/backend/internal/core"
	"github.com/cachebash/backend/internal/ledger"
	"github.com/cachebash/backend/internal/metrics"
	"github.com/cachebash/backend/internal/ratelimit"
	"github.com/cachebash/backend/internal/tools"
	"github.com/cachebash/backend/internal/usage"
)

// usageCounters maps tools to the usage counters they bump on success.
// total_tool_calls is always bumped.
var usageCounters = map[string]usage.Counter{
	"create_task":    usage.TasksCreated,
	"ask_question":   usage.TasksCreated,
	"create_session": usage.SessionsStarted,
	"send_message":   usage.MessagesSent,
	"send_alert":     usage.MessagesSent,
}

// Request is one tool invocation arriving at the gate.
type Request struct {
	Bearer   string
	ClientIP string
	Tool     string
	Args     map[string]interface{}
	// Endpoint names the transport for ledger entries ("mcp", "rest",
	// "internal").
	Endpoint string
}

// Gate wires the pipeline's collaborators.
type Gate struct {
	resolver  *auth.Resolver
	limiter   *ratelimit.Limiter
	registry  *tools.Registry
	sink      *ledger.Sink
	usage     *usage.Recorder
	analytics *analytics.Emitter
	budget    *BudgetCache
	metrics   *metrics.Metrics

	now func() time.Time
}

// New assembles the gate. metrics may be nil in tests.
func New(resolver *auth.Resolver, limiter *ratelimit.Limiter, registry *tools.Registry,
	sink *ledger.Sink, usageRec *usage.Recorder, emitter *analytics.Emitter,
	budget *BudgetCache, m *metrics.Metrics) *Gate {
	return &Gate{
		resolver:  resolver,
		limiter:   limiter,
		registry:  registry,
		sink:      sink,
		usage:     usageRec,
		analytics: emitter,
		budget:    budget,
		metrics:   m,
		now:       time.Now,
	}
}

// Budget exposes the budget cache so the dream module can invalidate it.
func (g *Gate) Budget() *BudgetCache { return g.budget }

// Registry exposes the shared tool registry to the transports.
func (g *Gate) Registry() *tools.Registry { return g.registry }

// PreAuth applies the per-IP window to a request before any credential is
// examined. The transports call it once per HTTP request.
func (g *Gate) PreAuth(clientIP string) *Error {
	if clientIP == "" {
		return nil
	}
	res := g.limiter.AllowIP(clientIP)
	if res.Allowed {
		return nil
	}
	return &Error{
		Code:       CodeRateLimited,
		Message:    "too many authentication attempts",
		RetryAfter: res.RetryAfter,
	}
}

// Invoke runs the pipeline. The returned error is always a *Error.
func (g *Gate) Invoke(ctx context.Context, req Request) (interface{}, *Error) {
	correlationID := uuid.NewString()

	// 1. Auth.
	ac := g.resolver.Resolve(ctx, req.Bearer)
	if ac == nil {
		g.deny(ctx, nil, req, correlationID, "auth", nil)
		return nil, &Error{Code: CodeAuthRequired, Message: "authentication required"}
	}

	// 2. Source claim.
	if claimed := tools.String(req.Args, "source"); !auth.VerifySource(ac, claimed) {
		g.deny(ctx, ac, req, correlationID, fmt.Sprintf("source claimed=%s actual=%s", claimed, ac.ProgramID), nil)
		return nil, &Error{
			Code:    CodeSourceMismatch,
			Message: fmt.Sprintf("source %q does not match authenticated program %q", claimed, ac.ProgramID),
		}
	}

	// 3. Capability.
	if res := auth.CheckCapability(ac, req.Tool); !res.Allowed {
		g.deny(ctx, ac, req, correlationID, "capability", &res)
		return nil, &Error{
			Code:    CodeCapabilityDenied,
			Message: fmt.Sprintf("tool %q requires %q", req.Tool, res.Required),
		}
	}

	// 4. Dream budget.
	if gerr := g.budget.Check(ctx, ac.TenantUID, ac.ProgramID, tools.String(req.Args, "sessionId")); gerr != nil {
		g.deny(ctx, ac, req, correlationID, gerr.Message, nil)
		return nil, gerr
	}

	// 5. Rate limit.
	if res := g.limiter.Allow(ac.TenantUID, ac.KeyHash, req.Tool, ac.Tier); !res.Allowed {
		if g.metrics != nil {
			g.metrics.RateLimitRejects.WithLabelValues(ac.Tier, ratelimit.Classify(req.Tool)).Inc()
		}
		g.deny(ctx, ac, req, correlationID, "rate_limit", nil)
		return nil, &Error{
			Code:       CodeRateLimited,
			Message:    "rate limit exceeded",
			RetryAfter: res.RetryAfter,
		}
	}

	// 6. Dispatch.
	handler, ok := g.registry.Get(req.Tool)
	if !ok {
		g.deny(ctx, ac, req, correlationID, "unknown_tool", nil)
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("unknown tool %q", req.Tool)}
	}

	started := g.now()
	result, err := handler(ctx, ac, req.Args)
	duration := g.now().Sub(started)
	if g.metrics != nil {
		g.metrics.ObserveTool(req.Tool, duration.Seconds())
	}

	if err != nil {
		gerr := Wrap(err)
		g.deny(ctx, ac, req, correlationID, gerr.Message, nil)
		slog.Error("tool handler failed", "tool", req.Tool, "program", ac.ProgramID,
			"correlationId", correlationID, "error", err)
		if gerr.Code == CodeInternal {
			// Internal detail stays in the logs.
			return nil, &Error{Code: CodeInternal, Message: "internal error"}
		}
		return nil, gerr
	}

	g.allow(ac, req, correlationID, duration)
	return result, nil
}

// allow records the success: cost ledger entry, usage increments, analytics.
func (g *Gate) allow(ac *auth.Context, req Request, correlationID string, duration time.Duration) {
	if g.metrics != nil {
		g.metrics.RecordDecision(true, "")
	}
	allowed := true
	g.sink.Record(ac.TenantUID, core.LedgerEntry{
		Type:          core.LedgerCost,
		Tool:          req.Tool,
		ProgramID:     ac.ProgramID,
		Endpoint:      req.Endpoint,
		SessionID:     tools.String(req.Args, "sessionId"),
		DurationMs:    duration.Milliseconds(),
		Success:       true,
		CorrelationID: correlationID,
		Allowed:       &allowed,
	})

	counters := []usage.Counter{usage.TotalToolCalls}
	if c, ok := usageCounters[req.Tool]; ok {
		counters = append(counters, c)
	}
	g.usage.Increment(ac.TenantUID, counters...)

	g.analytics.Emit(ac.TenantUID, analytics.Event{
		Type:          "tool_call",
		Program:       ac.ProgramID,
		Tool:          req.Tool,
		Outcome:       "success",
		SessionID:     tools.String(req.Args, "sessionId"),
		CorrelationID: correlationID,
		DurationMs:    duration.Milliseconds(),
	})
}

// deny audits a rejection. ac may be nil on auth failures; those entries
// land under the anonymous tenant bucket so pre-auth abuse stays visible.
func (g *Gate) deny(ctx context.Context, ac *auth.Context, req Request, correlationID, reason string, capRes *auth.CapabilityResult) {
	if g.metrics != nil {
		g.metrics.RecordDecision(false, denyLabel(reason))
	}

	tenant := "anonymous"
	program := ""
	if ac != nil {
		tenant = ac.TenantUID
		program = ac.ProgramID
	}

	allowed := false
	entry := core.LedgerEntry{
		Type:          core.LedgerAudit,
		Tool:          req.Tool,
		ProgramID:     program,
		Endpoint:      req.Endpoint,
		SessionID:     tools.String(req.Args, "sessionId"),
		Success:       false,
		CorrelationID: correlationID,
		Allowed:       &allowed,
		Reason:        reason,
	}
	if capRes != nil {
		entry.Required = capRes.Required
		entry.Held = capRes.Held
	}
	g.sink.Record(tenant, entry)

	if ac != nil {
		g.analytics.Emit(ac.TenantUID, analytics.Event{
			Type:          "tool_denied",
			Program:       ac.ProgramID,
			Tool:          req.Tool,
			Outcome:       denyLabel(reason),
			CorrelationID: correlationID,
		})
	}
}

// denyLabel collapses free-text reasons into a bounded metric label set.
func denyLabel(reason string) string {
	switch {
	case reason == "auth", reason == "capability", reason == "rate_limit", reason == "unknown_tool":
		return reason
	case strings.HasPrefix(reason, CodeDreamKilled):
		return "dream_killed"
	case strings.HasPrefix(reason, CodeBudgetExceeded):
		return "budget"
	case strings.HasPrefix(reason, "source"):
		return "source"
	default:
		return "error"
	}
}
