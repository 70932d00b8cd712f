package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/warden/internal/audit"
	"github.com/haasonsaas/warden/internal/breaker"
	"github.com/haasonsaas/warden/internal/catalog"
	"github.com/haasonsaas/warden/internal/observability"
	"github.com/haasonsaas/warden/internal/permission"
	"github.com/haasonsaas/warden/internal/ratelimit"
	"github.com/haasonsaas/warden/internal/storage"
)

type stubPause struct {
	mu     sync.Mutex
	paused map[string]bool
}

func (s *stubPause) IsAgentPaused(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused[agentID]
}

func (s *stubPause) set(agentID string, paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused == nil {
		s.paused = make(map[string]bool)
	}
	s.paused[agentID] = paused
}

func testCatalog(t *testing.T) *catalog.StaticCatalog {
	t.Helper()
	skills := []catalog.SkillDefinition{
		{ID: "research", Name: "Research"},
		{ID: "automation", Name: "Automation"},
		{ID: "email", Name: "Email"},
	}
	tools := []catalog.ToolDefinition{
		{ID: "web_search", SkillID: "research", Category: catalog.CategoryRead, Risk: catalog.RiskLow},
		{ID: "web_fetch", SkillID: "research", Category: catalog.CategoryRead, Risk: catalog.RiskLow, SideEffects: []catalog.SideEffect{catalog.SideEffectNetwork}},
		{ID: "exec", SkillID: "automation", Category: catalog.CategoryExecute, Risk: catalog.RiskCritical, SideEffects: []catalog.SideEffect{catalog.SideEffectRunsCode}},
		{ID: "send_email", SkillID: "email", Category: catalog.CategoryCommunicate, Risk: catalog.RiskMedium, SideEffects: []catalog.SideEffect{catalog.SideEffectSendsEmail}},
	}
	cat, err := catalog.NewStaticCatalog(skills, tools)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return cat
}

func testProfile(agentID string) *permission.Profile {
	return &permission.Profile{
		AgentID: agentID,
		Skills: permission.SkillPolicy{
			Mode:   permission.SkillAllowlist,
			Skills: []string{"research", "automation", "email"},
		},
		MaxRisk: catalog.RiskHigh,
	}
}

type fixture struct {
	orch     *Orchestrator
	registry *Registry
	engine   *permission.Engine
	pause    *stubPause
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	cat := testCatalog(t)
	engine := permission.NewEngine(cat, permission.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	engine.SetProfile(testProfile("a1"))

	registry := NewRegistry()
	pause := &stubPause{}

	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	orch := New(registry, cat, engine, pause, opts...)

	return &fixture{orch: orch, registry: registry, engine: engine, pause: pause}
}

func echoTool(name string) (Tool, *atomic.Int64) {
	var calls atomic.Int64
	return ToolFunc{
		ToolName: name,
		Fn: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			calls.Add(1)
			return &ToolResult{Content: "done"}, nil
		},
	}, &calls
}

func failingTool(name string) (Tool, *atomic.Int64) {
	var calls atomic.Int64
	return ToolFunc{
		ToolName: name,
		Fn: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			calls.Add(1)
			return nil, errors.New("upstream 503")
		},
	}, &calls
}

func TestInvoke_AllowedToolRuns(t *testing.T) {
	f := newFixture(t)
	tool, calls := echoTool("web_search")
	f.registry.Register(tool)

	res := f.orch.Invoke(context.Background(), Call{AgentID: "a1", Tool: "web_search"})

	if res.Status != StatusOK {
		t.Fatalf("status = %s (%s), want ok", res.Status, res.Reason)
	}
	if res.Output != "done" {
		t.Errorf("output = %q, want done", res.Output)
	}
	if calls.Load() != 1 {
		t.Errorf("tool invoked %d times, want 1", calls.Load())
	}
	if res.CallID == "" {
		t.Error("call id must be assigned")
	}
}

func TestInvoke_PausedAgentDenied(t *testing.T) {
	f := newFixture(t, WithDefaultLimit(ratelimit.Config{Capacity: 1, Enabled: true}))
	tool, calls := echoTool("web_search")
	f.registry.Register(tool)

	f.pause.set("a1", true)
	res := f.orch.Invoke(context.Background(), Call{AgentID: "a1", Tool: "web_search"})

	if res.Status != StatusDenied {
		t.Fatalf("status = %s, want denied", res.Status)
	}
	if !strings.Contains(res.Reason, "paused") {
		t.Errorf("reason = %q, want mention of pause", res.Reason)
	}
	if calls.Load() != 0 {
		t.Error("paused agent's tool must not be invoked")
	}

	// The denial consumed no rate-limit token: with a capacity-1 bucket the
	// next call after resume still succeeds.
	f.pause.set("a1", false)
	res = f.orch.Invoke(context.Background(), Call{AgentID: "a1", Tool: "web_search"})
	if res.Status != StatusOK {
		t.Errorf("status after resume = %s (%s), want ok", res.Status, res.Reason)
	}
}

func TestInvoke_PermissionDenied(t *testing.T) {
	f := newFixture(t)
	tool, calls := echoTool("exec")
	f.registry.Register(tool)

	// exec is critical risk; the profile caps at high.
	res := f.orch.Invoke(context.Background(), Call{AgentID: "a1", Tool: "exec"})

	if res.Status != StatusDenied {
		t.Fatalf("status = %s, want denied", res.Status)
	}
	if !strings.Contains(res.Reason, "risk") {
		t.Errorf("reason = %q, want specific risk explanation", res.Reason)
	}
	if calls.Load() != 0 {
		t.Error("denied tool must not be invoked")
	}
}

func TestInvoke_NoProfileDenied(t *testing.T) {
	f := newFixture(t)
	tool, _ := echoTool("web_search")
	f.registry.Register(tool)

	res := f.orch.Invoke(context.Background(), Call{AgentID: "ghost", Tool: "web_search"})
	if res.Status != StatusDenied {
		t.Errorf("status = %s, want denied for agent without profile", res.Status)
	}
}

func TestInvoke_ApprovalGate(t *testing.T) {
	f := newFixture(t)
	tool, calls := echoTool("send_email")
	f.registry.Register(tool)

	profile := testProfile("a1")
	profile.Approval = permission.ApprovalPolicy{
		Enabled:     true,
		SideEffects: []catalog.SideEffect{catalog.SideEffectSendsEmail},
	}
	f.engine.SetProfile(profile)

	res := f.orch.Invoke(context.Background(), Call{AgentID: "a1", Tool: "send_email"})
	if res.Status != StatusDenied || !res.RequiresApproval {
		t.Fatalf("got %+v, want denied with requires_approval", res)
	}
	if calls.Load() != 0 {
		t.Error("unapproved call must not execute")
	}

	// Re-submitted with approval it executes.
	res = f.orch.Invoke(context.Background(), Call{AgentID: "a1", Tool: "send_email", ApprovalGranted: true})
	if res.Status != StatusOK {
		t.Fatalf("approved call status = %s (%s), want ok", res.Status, res.Reason)
	}
	if calls.Load() != 1 {
		t.Errorf("tool invoked %d times, want 1", calls.Load())
	}
}

func TestInvoke_SandboxSimulates(t *testing.T) {
	f := newFixture(t)
	tool, calls := echoTool("web_search")
	f.registry.Register(tool)

	profile := testProfile("a1")
	profile.Constraints.SandboxMode = true
	f.engine.SetProfile(profile)

	res := f.orch.Invoke(context.Background(), Call{AgentID: "a1", Tool: "web_search"})

	if res.Status != StatusOK || !res.Sandboxed {
		t.Fatalf("got %+v, want ok sandboxed", res)
	}
	if !strings.Contains(res.Output, "sandbox") {
		t.Errorf("output = %q, want simulation notice", res.Output)
	}
	if calls.Load() != 0 {
		t.Error("sandboxed call must not execute the tool")
	}
}

func TestInvoke_MinuteQuota(t *testing.T) {
	f := newFixture(t)
	tool, calls := echoTool("web_search")
	f.registry.Register(tool)

	profile := testProfile("a1")
	profile.Quotas.CallsPerMinute = 2
	f.engine.SetProfile(profile)

	var limited *Result
	for i := 0; i < 3; i++ {
		res := f.orch.Invoke(context.Background(), Call{AgentID: "a1", Tool: "web_search"})
		if res.Status == StatusRateLimited {
			limited = res
		}
	}

	if limited == nil {
		t.Fatal("third call should be rate limited")
	}
	if limited.RetryAfter <= 0 {
		t.Error("rate-limited result must carry a retry-after hint")
	}
	if !strings.Contains(limited.Reason, "minute") {
		t.Errorf("reason = %q, want quota window named", limited.Reason)
	}
	if calls.Load() != 2 {
		t.Errorf("tool invoked %d times, want exactly 2", calls.Load())
	}
}

func TestInvoke_DefaultLimit(t *testing.T) {
	f := newFixture(t, WithDefaultLimit(ratelimit.Config{Capacity: 1, Enabled: true}))
	tool, _ := echoTool("web_search")
	f.registry.Register(tool)

	first := f.orch.Invoke(context.Background(), Call{AgentID: "a1", Tool: "web_search"})
	second := f.orch.Invoke(context.Background(), Call{AgentID: "a1", Tool: "web_search"})

	if first.Status != StatusOK {
		t.Fatalf("first status = %s (%s), want ok", first.Status, first.Reason)
	}
	if second.Status != StatusRateLimited {
		t.Errorf("second status = %s, want rate_limited", second.Status)
	}
}

func TestInvoke_QuotaDenialRefundsDefaultToken(t *testing.T) {
	f := newFixture(t, WithDefaultLimit(ratelimit.Config{Capacity: 2, Enabled: true}))
	tool, calls := echoTool("web_search")
	f.registry.Register(tool)

	profile := testProfile("a1")
	profile.Quotas.CallsPerMinute = 1
	f.engine.SetProfile(profile)

	first := f.orch.Invoke(context.Background(), Call{AgentID: "a1", Tool: "web_search"})
	if first.Status != StatusOK {
		t.Fatalf("first status = %s (%s), want ok", first.Status, first.Reason)
	}

	// Each quota denial must give back the default bucket's token: with a
	// capacity-2 default bucket, the third call would otherwise be denied on
	// the exhausted default window instead of the minute quota.
	for i := 0; i < 2; i++ {
		res := f.orch.Invoke(context.Background(), Call{AgentID: "a1", Tool: "web_search"})
		if res.Status != StatusRateLimited {
			t.Fatalf("call %d status = %s, want rate_limited", i+2, res.Status)
		}
		if !strings.Contains(res.Reason, "minute") {
			t.Errorf("call %d reason = %q, want the minute quota named", i+2, res.Reason)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("tool invoked %d times, want exactly 1", calls.Load())
	}
}

func TestInvoke_RateLimitedCountsAsDecision(t *testing.T) {
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	f := newFixture(t,
		WithMetrics(metrics),
		WithDefaultLimit(ratelimit.Config{Capacity: 1, Enabled: true}))
	tool, _ := echoTool("web_search")
	f.registry.Register(tool)

	f.orch.Invoke(context.Background(), Call{AgentID: "a1", Tool: "web_search"})
	res := f.orch.Invoke(context.Background(), Call{AgentID: "a1", Tool: "web_search"})
	if res.Status != StatusRateLimited {
		t.Fatalf("second status = %s, want rate_limited", res.Status)
	}

	got := testutil.ToFloat64(metrics.DecisionCounter.WithLabelValues("a1", "rate_limited"))
	if got != 1 {
		t.Errorf("rate_limited decisions = %v, want 1", got)
	}
}

func TestInvoke_GuardedToolTripsBreaker(t *testing.T) {
	f := newFixture(t, WithBreakerConfig(breaker.Config{
		FailureThreshold: 2,
		Cooldown:         time.Hour,
	}))
	// web_fetch carries the network side effect, so it runs under a breaker.
	tool, calls := failingTool("web_fetch")
	f.registry.Register(tool)

	for i := 0; i < 2; i++ {
		res := f.orch.Invoke(context.Background(), Call{AgentID: "a1", Tool: "web_fetch"})
		if res.Status != StatusError {
			t.Fatalf("call %d status = %s, want error", i+1, res.Status)
		}
	}

	res := f.orch.Invoke(context.Background(), Call{AgentID: "a1", Tool: "web_fetch"})
	if res.Status != StatusCircuitOpen {
		t.Fatalf("status = %s, want circuit_open after threshold failures", res.Status)
	}
	if calls.Load() != 2 {
		t.Errorf("tool invoked %d times, want 2 (open circuit skips the tool)", calls.Load())
	}
}

func TestInvoke_UnguardedToolNeverTripsBreaker(t *testing.T) {
	f := newFixture(t, WithBreakerConfig(breaker.Config{
		FailureThreshold: 2,
		Cooldown:         time.Hour,
	}))
	// web_search is a plain read tool with no network tag.
	tool, calls := failingTool("web_search")
	f.registry.Register(tool)

	for i := 0; i < 5; i++ {
		res := f.orch.Invoke(context.Background(), Call{AgentID: "a1", Tool: "web_search"})
		if res.Status != StatusError {
			t.Fatalf("call %d status = %s, want error every time", i+1, res.Status)
		}
	}
	if calls.Load() != 5 {
		t.Errorf("tool invoked %d times, want 5", calls.Load())
	}
}

func TestInvoke_ToolErrorResultIsFailure(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(ToolFunc{
		ToolName: "web_search",
		Fn: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "index unavailable", IsError: true}, nil
		},
	})

	res := f.orch.Invoke(context.Background(), Call{AgentID: "a1", Tool: "web_search"})
	if res.Status != StatusError {
		t.Fatalf("status = %s, want error", res.Status)
	}
	if !strings.Contains(res.Reason, "index unavailable") {
		t.Errorf("reason = %q, want the tool's error content", res.Reason)
	}
}

func TestInvoke_UnregisteredHandler(t *testing.T) {
	f := newFixture(t)

	res := f.orch.Invoke(context.Background(), Call{AgentID: "a1", Tool: "web_search"})
	if res.Status != StatusError {
		t.Fatalf("status = %s, want error", res.Status)
	}
	if !strings.Contains(res.Reason, "no registered handler") {
		t.Errorf("reason = %q", res.Reason)
	}
}

func TestInvoke_ConcurrencyCap(t *testing.T) {
	f := newFixture(t)

	profile := testProfile("a1")
	profile.Constraints.MaxConcurrentTasks = 1
	f.engine.SetProfile(profile)

	started := make(chan struct{})
	release := make(chan struct{})
	f.registry.Register(ToolFunc{
		ToolName: "web_search",
		Fn: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			close(started)
			<-release
			return &ToolResult{Content: "done"}, nil
		},
	})

	var wg sync.WaitGroup
	wg.Add(1)
	var first *Result
	go func() {
		defer wg.Done()
		first = f.orch.Invoke(context.Background(), Call{AgentID: "a1", Tool: "web_search"})
	}()
	<-started

	second := f.orch.Invoke(context.Background(), Call{AgentID: "a1", Tool: "web_search"})
	if second.Status != StatusDenied {
		t.Errorf("second concurrent call status = %s, want denied", second.Status)
	}
	if !strings.Contains(second.Reason, "concurrent") {
		t.Errorf("reason = %q, want concurrency explanation", second.Reason)
	}

	close(release)
	wg.Wait()
	if first.Status != StatusOK {
		t.Errorf("first call status = %s (%s), want ok", first.Status, first.Reason)
	}

	// Slot released: a fresh call is admitted again.
	f.registry.Register(ToolFunc{
		ToolName: "web_search",
		Fn: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "done"}, nil
		},
	})
	third := f.orch.Invoke(context.Background(), Call{AgentID: "a1", Tool: "web_search"})
	if third.Status != StatusOK {
		t.Errorf("third call status = %s (%s), want ok", third.Status, third.Reason)
	}
}

func TestInvoke_AuditAndActivityEmitted(t *testing.T) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	auditStore := storage.NewMemoryAuditStore()
	auditor := audit.New(auditStore, audit.WithLogger(quiet))
	activity := storage.NewMemoryActivityStore()

	f := newFixture(t, WithAuditLogger(auditor), WithActivityStore(activity))
	tool, _ := echoTool("web_search")
	f.registry.Register(tool)

	allowed := f.orch.Invoke(context.Background(), Call{
		AgentID: "a1", OrgID: "org1", Tool: "web_search",
		Params:  json.RawMessage(`{"query":"golang","api_key":"sk-secret"}`),
		CostUSD: 0.02,
	})
	if allowed.Status != StatusOK {
		t.Fatalf("status = %s (%s)", allowed.Status, allowed.Reason)
	}
	denied := f.orch.Invoke(context.Background(), Call{AgentID: "a1", OrgID: "org1", Tool: "exec"})
	if denied.Status != StatusDenied {
		t.Fatalf("status = %s, want denied", denied.Status)
	}

	auditor.Close()

	entries := auditStore.Entries()
	if len(entries) != 2 {
		t.Fatalf("got %d audit entries, want 2 (denials are audited too)", len(entries))
	}
	for _, e := range entries {
		if e.ToolName == "web_search" {
			if e.Params["api_key"] != "[REDACTED]" {
				t.Errorf("api_key not redacted: %v", e.Params)
			}
			if e.Params["query"] != "golang" {
				t.Errorf("query must pass through: %v", e.Params)
			}
			if !e.Success {
				t.Error("allowed call must be audited as success")
			}
		}
		if e.ToolName == "exec" && e.Error == "" {
			t.Error("denied call's audit entry must carry the reason")
		}
	}

	counts, err := activity.CallCountsByAgent(context.Background(), "org1", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("call counts: %v", err)
	}
	// Only the executed call lands in activity history; denials would skew
	// the error-rate rules.
	if counts["a1"] != 1 {
		t.Errorf("activity rows = %d, want 1", counts["a1"])
	}
}
