package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/warden/internal/audit"
	"github.com/haasonsaas/warden/internal/breaker"
	"github.com/haasonsaas/warden/internal/catalog"
	"github.com/haasonsaas/warden/internal/observability"
	"github.com/haasonsaas/warden/internal/permission"
	"github.com/haasonsaas/warden/internal/ratelimit"
	"github.com/haasonsaas/warden/internal/storage"
	"github.com/haasonsaas/warden/pkg/models"
)

// PauseChecker is the guardrail surface the orchestrator needs on the hot
// path.
type PauseChecker interface {
	IsAgentPaused(agentID string) bool
}

// Orchestrator wraps tool execution with the full governance pipeline. Each
// call is checked in a fixed order: pause, permission, rate limits,
// concurrency cap, then execution (breaker-guarded for network-facing
// tools). Audit and telemetry are emitted for every call, success or not.
type Orchestrator struct {
	registry    *Registry
	catalog     catalog.Catalog
	permissions *permission.Engine
	guardrails  PauseChecker

	limiter  *ratelimit.Limiter // default per agent+tool budget
	minute   *ratelimit.Limiter
	hour     *ratelimit.Limiter
	day      *ratelimit.Limiter
	external *ratelimit.Limiter

	breakers *breaker.Registry
	guarded  map[catalog.Category]bool

	auditor  *audit.Logger
	activity storage.ActivityStore
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	logger   *slog.Logger

	semMu sync.Mutex
	sems  map[string]*agentSem
}

type agentSem struct {
	slots chan struct{}
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *observability.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithAuditLogger sets the audit logger.
func WithAuditLogger(a *audit.Logger) Option {
	return func(o *Orchestrator) { o.auditor = a }
}

// WithActivityStore sets the store that feeds anomaly detection.
func WithActivityStore(s storage.ActivityStore) Option {
	return func(o *Orchestrator) { o.activity = s }
}

// WithDefaultLimit sets the per agent+tool token bucket applied to every
// call regardless of profile quotas.
func WithDefaultLimit(config ratelimit.Config) Option {
	return func(o *Orchestrator) { o.limiter = ratelimit.NewLimiter(config) }
}

// WithBreakerConfig sets the defaults for per-tool circuit breakers.
func WithBreakerConfig(config breaker.Config) Option {
	return func(o *Orchestrator) { o.breakers = breaker.NewRegistry(config) }
}

// WithGuardedCategories overrides which tool categories execute under a
// circuit breaker. Tools tagged with the network side effect are always
// guarded.
func WithGuardedCategories(categories ...catalog.Category) Option {
	return func(o *Orchestrator) {
		o.guarded = make(map[catalog.Category]bool, len(categories))
		for _, c := range categories {
			o.guarded[c] = true
		}
	}
}

// New creates an orchestrator over the given tool registry, catalog,
// permission engine, and guardrail pause check.
func New(registry *Registry, cat catalog.Catalog, permissions *permission.Engine, guardrails PauseChecker, opts ...Option) *Orchestrator {
	quota := ratelimit.Config{Capacity: 1, Enabled: true}
	o := &Orchestrator{
		registry:    registry,
		catalog:     cat,
		permissions: permissions,
		guardrails:  guardrails,
		limiter:     ratelimit.NewLimiter(ratelimit.Config{Enabled: false}),
		minute:      ratelimit.NewLimiter(quota),
		hour:        ratelimit.NewLimiter(quota),
		day:         ratelimit.NewLimiter(quota),
		external:    ratelimit.NewLimiter(quota),
		guarded:     map[catalog.Category]bool{catalog.CategoryCommunicate: true},
		logger:      slog.Default(),
		sems:        make(map[string]*agentSem),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.breakers == nil {
		o.breakers = breaker.NewRegistry(breaker.Config{
			OnStateChange: o.onBreakerChange,
		})
	}
	if o.tracer == nil {
		o.tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}
	return o
}

func (o *Orchestrator) onBreakerChange(name, from, to string) {
	o.logger.Warn("circuit breaker state changed", "name", name, "from", from, "to", to)
	if o.metrics != nil {
		o.metrics.RecordBreakerTransition(name, to)
	}
}

// Breakers exposes per-tool breaker statistics for admin surfaces.
func (o *Orchestrator) Breakers() []breaker.Stats {
	return o.breakers.Stats()
}

// Invoke runs one governed tool call. Denials, rate limits, open circuits,
// and tool failures are all returned as structured results, never as errors.
func (o *Orchestrator) Invoke(ctx context.Context, call Call) *Result {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	start := time.Now()

	ctx = observability.WithCallID(observability.WithAgentID(ctx, call.AgentID), call.ID)
	ctx, span := o.tracer.TraceToolCall(ctx, call.AgentID, call.Tool)
	defer span.End()

	if o.metrics != nil {
		o.metrics.CallStarted(call.AgentID)
		defer o.metrics.CallFinished(call.AgentID)
	}

	result, executed := o.process(ctx, call)
	result.CallID = call.ID
	result.Duration = time.Since(start)

	span.SetAttributes(attribute.String("call.status", string(result.Status)))
	if result.Status == StatusError {
		o.tracer.RecordError(span, errors.New(result.Reason))
	}

	o.finalize(ctx, call, result, executed)
	return result
}

// process runs the decision chain and, when allowed, the tool itself. The
// second return value reports whether the tool actually ran.
func (o *Orchestrator) process(ctx context.Context, call Call) (*Result, bool) {
	// 1. Pause check. No token is consumed for a paused agent.
	if o.guardrails != nil && o.guardrails.IsAgentPaused(call.AgentID) {
		o.recordDecision(call.AgentID, "denied")
		return &Result{
			Status: StatusDenied,
			Reason: fmt.Sprintf("agent %q is paused", call.AgentID),
		}, false
	}

	// 2. Permission check.
	perm := o.permissions.Check(call.AgentID, call.Tool, permission.CallContext{CallerIP: call.CallerIP})
	if !perm.Allowed {
		o.recordDecision(call.AgentID, "denied")
		return &Result{Status: StatusDenied, Reason: perm.Reason}, false
	}
	if perm.RequiresApproval && !call.ApprovalGranted {
		o.recordDecision(call.AgentID, "approval_required")
		return &Result{
			Status:           StatusDenied,
			RequiresApproval: true,
			Reason:           fmt.Sprintf("tool %q requires human approval", call.Tool),
		}, false
	}
	o.recordDecision(call.AgentID, "allowed")

	// 3. Sandbox mode simulates without consuming quota.
	if perm.Sandbox {
		return &Result{
			Status:    StatusOK,
			Sandboxed: true,
			Output:    fmt.Sprintf("sandbox: %s call simulated, no action taken", call.Tool),
		}, false
	}

	toolDef, known := o.catalog.Tool(call.Tool)
	guarded := known && (o.guarded[toolDef.Category] || toolDef.HasSideEffect(catalog.SideEffectNetwork))

	// 4. Rate limits. The default bucket and the profile quotas all have
	// to admit the call.
	if denial := o.checkRateLimits(call, guarded); denial != nil {
		return denial, false
	}

	// 5. Per-agent concurrency cap.
	release, ok := o.acquireSlot(call.AgentID)
	if !ok {
		o.recordDecision(call.AgentID, "denied")
		return &Result{
			Status: StatusDenied,
			Reason: fmt.Sprintf("agent %q is at its concurrent call limit", call.AgentID),
		}, false
	}
	defer release()

	// 6. Execution.
	tool, ok := o.registry.Get(call.Tool)
	if !ok {
		return &Result{
			Status: StatusError,
			Reason: fmt.Sprintf("tool %q has no registered handler", call.Tool),
		}, false
	}

	var output *ToolResult
	invoke := func(ctx context.Context) error {
		res, err := tool.Execute(ctx, call.Params)
		if err != nil {
			return err
		}
		output = res
		if res != nil && res.IsError {
			return errors.New(res.Content)
		}
		return nil
	}

	var err error
	if guarded {
		err = o.breakers.Get(call.Tool).Execute(ctx, invoke)
	} else {
		err = invoke(ctx)
	}

	if errors.Is(err, breaker.ErrOpen) {
		return &Result{
			Status: StatusCircuitOpen,
			Reason: fmt.Sprintf("tool %q is temporarily unavailable: %v", call.Tool, err),
		}, false
	}
	if err != nil {
		return &Result{Status: StatusError, Reason: err.Error()}, true
	}

	result := &Result{Status: StatusOK}
	if output != nil {
		result.Output = output.Content
	}
	return result, true
}

// checkRateLimits consumes one token from each applicable bucket, profile
// quotas included. A denial refunds the buckets already consumed for this
// call, so a rate-limited call burns no quota anywhere.
func (o *Orchestrator) checkRateLimits(call Call, guarded bool) *Result {
	key := ratelimit.Key(call.AgentID, call.Tool)
	if !o.limiter.TryConsume(key) {
		return o.rateLimited(call, "default", o.limiter.RetryAfter(key))
	}

	profile, ok := o.permissions.Profile(call.AgentID)
	if !ok {
		return nil
	}
	q := profile.Quotas

	consumed := []func(){func() { o.limiter.Refund(key) }}
	deny := func(window string, l *ratelimit.Limiter) *Result {
		for _, refund := range consumed {
			refund()
		}
		return o.rateLimited(call, window, l.RetryAfter(call.AgentID))
	}

	if q.CallsPerMinute > 0 {
		if !o.minute.TryConsumeWith(call.AgentID, ratelimit.PerMinute(q.CallsPerMinute)) {
			return deny("minute", o.minute)
		}
		consumed = append(consumed, func() { o.minute.Refund(call.AgentID) })
	}
	if q.CallsPerHour > 0 {
		if !o.hour.TryConsumeWith(call.AgentID, ratelimit.PerHour(q.CallsPerHour)) {
			return deny("hour", o.hour)
		}
		consumed = append(consumed, func() { o.hour.Refund(call.AgentID) })
	}
	if q.CallsPerDay > 0 {
		if !o.day.TryConsumeWith(call.AgentID, ratelimit.PerDay(q.CallsPerDay)) {
			return deny("day", o.day)
		}
		consumed = append(consumed, func() { o.day.Refund(call.AgentID) })
	}
	if guarded && q.ExternalPerHour > 0 && !o.external.TryConsumeWith(call.AgentID, ratelimit.PerHour(q.ExternalPerHour)) {
		return deny("external", o.external)
	}
	return nil
}

func (o *Orchestrator) rateLimited(call Call, window string, retryAfter time.Duration) *Result {
	o.recordDecision(call.AgentID, "rate_limited")
	if o.metrics != nil {
		o.metrics.RecordRateLimitDenial(call.AgentID, window)
	}
	return &Result{
		Status:     StatusRateLimited,
		Reason:     fmt.Sprintf("rate limit exceeded for agent %q (%s quota), retry in %s", call.AgentID, window, retryAfter.Round(time.Millisecond)),
		RetryAfter: retryAfter,
	}
}

// acquireSlot takes a concurrency slot for the agent when its profile caps
// concurrent calls. The returned release must be called when done.
func (o *Orchestrator) acquireSlot(agentID string) (func(), bool) {
	profile, ok := o.permissions.Profile(agentID)
	if !ok {
		return func() {}, true
	}
	limit := profile.Constraints.MaxConcurrentTasks
	if limit <= 0 {
		return func() {}, true
	}

	o.semMu.Lock()
	sem := o.sems[agentID]
	if sem == nil || cap(sem.slots) != limit {
		// Profile limit changed; in-flight calls release into the old
		// channel and are garbage collected with it.
		sem = &agentSem{slots: make(chan struct{}, limit)}
		o.sems[agentID] = sem
	}
	o.semMu.Unlock()

	select {
	case sem.slots <- struct{}{}:
		return func() { <-sem.slots }, true
	default:
		return nil, false
	}
}

// finalize emits audit, activity, and metrics for a completed decision.
// Everything here is best-effort: a failure is logged and never changes the
// result.
func (o *Orchestrator) finalize(ctx context.Context, call Call, result *Result, executed bool) {
	success := result.Status == StatusOK

	if o.auditor != nil {
		var params map[string]any
		if len(call.Params) > 0 {
			if err := json.Unmarshal(call.Params, &params); err != nil {
				params = map[string]any{"_raw": string(call.Params)}
			}
		}
		entry := &models.AuditEntry{
			ID:         call.ID,
			TraceID:    observability.GetTraceID(ctx),
			SpanID:     observability.GetSpanID(ctx),
			ToolName:   call.Tool,
			AgentID:    call.AgentID,
			Params:     params,
			Duration:   result.Duration,
			Success:    success,
			OutputSize: len(result.Output),
		}
		if !success {
			entry.Error = result.Reason
		}
		o.auditor.Record(entry)
	}

	if executed && o.activity != nil {
		rec := &models.ActivityRecord{
			ID:        uuid.NewString(),
			OrgID:     call.OrgID,
			AgentID:   call.AgentID,
			ToolName:  call.Tool,
			Success:   success,
			CostUSD:   call.CostUSD,
			CreatedAt: time.Now().UTC(),
		}
		if err := o.activity.Record(ctx, rec); err != nil {
			o.logger.Error("activity write failed", "call_id", call.ID, "error", err)
		}
	}

	if executed && o.metrics != nil {
		status := "success"
		if !success {
			status = "error"
		}
		o.metrics.RecordToolExecution(call.Tool, status, result.Duration.Seconds())
	}

	log := observability.LoggerFromContext(ctx, o.logger)
	if success {
		log.Info("tool call completed",
			"tool", call.Tool, "status", result.Status,
			"sandboxed", result.Sandboxed, "duration", result.Duration)
	} else {
		log.Warn("tool call refused or failed",
			"tool", call.Tool, "status", result.Status, "reason", result.Reason)
	}
}

func (o *Orchestrator) recordDecision(agentID, outcome string) {
	if o.metrics != nil {
		o.metrics.RecordDecision(agentID, outcome)
	}
}
