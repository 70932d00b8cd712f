package permission

import (
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/warden/internal/catalog"
)

func testCatalog(t *testing.T) *catalog.StaticCatalog {
	t.Helper()
	cat, err := catalog.NewStaticCatalog(
		[]catalog.SkillDefinition{
			{ID: "research", Name: "Research", Category: catalog.CategoryRead, Risk: catalog.RiskLow},
			{ID: "automation", Name: "Automation", Category: catalog.CategoryExecute, Risk: catalog.RiskHigh},
			{ID: "email", Name: "Email Management", Category: catalog.CategoryCommunicate, Risk: catalog.RiskMedium},
		},
		[]catalog.ToolDefinition{
			{ID: "web_search", SkillID: "research", Category: catalog.CategoryRead, Risk: catalog.RiskLow,
				SideEffects: []catalog.SideEffect{catalog.SideEffectNetwork}},
			{ID: "exec", SkillID: "automation", Category: catalog.CategoryExecute, Risk: catalog.RiskCritical,
				SideEffects: []catalog.SideEffect{catalog.SideEffectRunsCode}},
			{ID: "send_email", SkillID: "email", Category: catalog.CategoryCommunicate, Risk: catalog.RiskMedium,
				SideEffects: []catalog.SideEffect{catalog.SideEffectSendsEmail, catalog.SideEffectNetwork}},
		},
	)
	if err != nil {
		t.Fatalf("building catalog: %v", err)
	}
	return cat
}

func baseProfile() *Profile {
	return &Profile{
		AgentID: "a1",
		Skills:  SkillPolicy{Mode: SkillAllowlist, Skills: []string{"research"}},
		MaxRisk: catalog.RiskLow,
	}
}

func TestCheck_NoProfileIsHardDeny(t *testing.T) {
	e := NewEngine(testCatalog(t))

	res := e.Check("ghost", "web_search", CallContext{})
	if res.Allowed {
		t.Error("agent without a profile must be denied")
	}
	if !strings.Contains(res.Reason, "no permission profile") {
		t.Errorf("reason should mention missing profile, got %q", res.Reason)
	}
}

func TestCheck_AllowedBySkill(t *testing.T) {
	e := NewEngine(testCatalog(t))
	e.SetProfile(baseProfile())

	res := e.Check("a1", "web_search", CallContext{})
	if !res.Allowed {
		t.Errorf("web_search should be allowed: %s", res.Reason)
	}
	if res.RequiresApproval || res.Sandbox {
		t.Error("plain allow should not flag approval or sandbox")
	}
}

func TestCheck_SkillNotAllowlisted(t *testing.T) {
	e := NewEngine(testCatalog(t))
	e.SetProfile(baseProfile())

	res := e.Check("a1", "exec", CallContext{})
	if res.Allowed {
		t.Error("exec should be denied, skill not in allowlist")
	}
	if !strings.Contains(res.Reason, "automation") {
		t.Errorf("reason should name the skill, got %q", res.Reason)
	}
}

func TestCheck_RiskCeiling(t *testing.T) {
	e := NewEngine(testCatalog(t))
	p := baseProfile()
	p.Skills.Skills = []string{"research", "automation"}
	e.SetProfile(p)

	res := e.Check("a1", "exec", CallContext{})
	if res.Allowed {
		t.Error("critical-risk tool should be denied for low ceiling")
	}
	if !strings.Contains(res.Reason, "critical") || !strings.Contains(res.Reason, "low") {
		t.Errorf("reason should name both risk levels, got %q", res.Reason)
	}
}

func TestCheck_ExplicitBlockWinsOverAllowlistedSkill(t *testing.T) {
	e := NewEngine(testCatalog(t))
	p := baseProfile()
	p.Tools.Blocked = []string{"web_search"}
	e.SetProfile(p)

	res := e.Check("a1", "web_search", CallContext{})
	if res.Allowed {
		t.Error("explicit block must win even when the owning skill is allowlisted")
	}
}

func TestCheck_ExplicitBlockWinsOverExplicitAllow(t *testing.T) {
	e := NewEngine(testCatalog(t))
	p := baseProfile()
	p.Tools.Allowed = []string{"web_search"}
	p.Tools.Blocked = []string{"web_search"}
	e.SetProfile(p)

	if res := e.Check("a1", "web_search", CallContext{}); res.Allowed {
		t.Error("block list is the highest-priority denial")
	}
}

func TestCheck_ExplicitAllowSkipsSkillRiskSideEffects(t *testing.T) {
	e := NewEngine(testCatalog(t))
	p := baseProfile()
	// Skill not allowlisted, risk above ceiling, side effect blocked - the
	// explicit allow must override all three axes.
	p.Tools.Allowed = []string{"exec"}
	p.BlockedSideEffects = []catalog.SideEffect{catalog.SideEffectRunsCode}
	e.SetProfile(p)

	res := e.Check("a1", "exec", CallContext{})
	if !res.Allowed {
		t.Errorf("explicit allow should be final on skill/risk/side-effect axes: %s", res.Reason)
	}
}

func TestCheck_UnknownToolFailsClosed(t *testing.T) {
	e := NewEngine(testCatalog(t))
	e.SetProfile(baseProfile())

	res := e.Check("a1", "rm_rf", CallContext{})
	if res.Allowed {
		t.Error("unknown tool must be denied by default")
	}
	if !strings.Contains(res.Reason, "unknown tool") {
		t.Errorf("reason should say the tool is unknown, got %q", res.Reason)
	}
}

func TestCheck_BlockedSideEffect(t *testing.T) {
	e := NewEngine(testCatalog(t))
	p := baseProfile()
	p.Skills.Skills = []string{"email"}
	p.MaxRisk = catalog.RiskMedium
	p.BlockedSideEffects = []catalog.SideEffect{catalog.SideEffectSendsEmail}
	e.SetProfile(p)

	res := e.Check("a1", "send_email", CallContext{})
	if res.Allowed {
		t.Error("blocked side effect should deny")
	}
	if !strings.Contains(res.Reason, "sends_email") {
		t.Errorf("reason should name the side effect, got %q", res.Reason)
	}
}

func TestCheck_SkillBlocklistMode(t *testing.T) {
	e := NewEngine(testCatalog(t))
	p := &Profile{
		AgentID: "a1",
		Skills:  SkillPolicy{Mode: SkillBlocklist, Skills: []string{"automation"}},
		MaxRisk: catalog.RiskCritical,
	}
	e.SetProfile(p)

	if res := e.Check("a1", "exec", CallContext{}); res.Allowed {
		t.Error("blocklisted skill should deny")
	}
	if res := e.Check("a1", "web_search", CallContext{}); !res.Allowed {
		t.Errorf("non-blocklisted skill should allow: %s", res.Reason)
	}
}

func TestCheck_SandboxModeShortCircuits(t *testing.T) {
	e := NewEngine(testCatalog(t))
	p := baseProfile()
	// Everything below sandbox is configured to deny; sandbox must win.
	p.Skills.Skills = nil
	p.MaxRisk = catalog.RiskLow
	p.Tools.Blocked = []string{"exec"}
	p.Constraints.SandboxMode = true
	e.SetProfile(p)

	for _, tool := range []string{"web_search", "exec", "totally_unknown"} {
		res := e.Check("a1", tool, CallContext{})
		if !res.Allowed || !res.Sandbox {
			t.Errorf("sandbox mode must return allowed=true sandbox=true for %q, got %+v", tool, res)
		}
	}
}

func TestCheck_WorkingHours(t *testing.T) {
	// Fixed clock: 03:00 UTC.
	night := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	e := NewEngine(testCatalog(t), WithClock(func() time.Time { return night }))
	p := baseProfile()
	p.Constraints.WorkingHours = &WorkingHours{StartHour: 9, EndHour: 17}
	e.SetProfile(p)

	res := e.Check("a1", "web_search", CallContext{})
	if res.Allowed {
		t.Error("call at 03:00 should be outside the 09-17 window")
	}
	if !strings.Contains(res.Reason, "working hours") {
		t.Errorf("reason should mention working hours, got %q", res.Reason)
	}

	// 10:00 UTC is inside the window.
	day := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	e2 := NewEngine(testCatalog(t), WithClock(func() time.Time { return day }))
	e2.SetProfile(p)
	if res := e2.Check("a1", "web_search", CallContext{}); !res.Allowed {
		t.Errorf("call at 10:00 should be inside the window: %s", res.Reason)
	}
}

func TestWorkingHours_OvernightWindow(t *testing.T) {
	w := WorkingHours{StartHour: 22, EndHour: 6}

	if !w.Contains(time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)) {
		t.Error("23:00 should be inside a 22-6 window")
	}
	if !w.Contains(time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)) {
		t.Error("03:00 should be inside a 22-6 window")
	}
	if w.Contains(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)) {
		t.Error("12:00 should be outside a 22-6 window")
	}
}

func TestCheck_IPAllowlist(t *testing.T) {
	e := NewEngine(testCatalog(t))
	p := baseProfile()
	p.Constraints.IPAllowlist = []string{"10.0.0.1"}
	e.SetProfile(p)

	if res := e.Check("a1", "web_search", CallContext{CallerIP: "192.168.1.5"}); res.Allowed {
		t.Error("IP outside the allowlist should be denied")
	}
	if res := e.Check("a1", "web_search", CallContext{CallerIP: "10.0.0.1"}); !res.Allowed {
		t.Errorf("allowlisted IP should pass: %s", res.Reason)
	}
}

func TestCheck_ApprovalByRiskLevel(t *testing.T) {
	e := NewEngine(testCatalog(t))
	p := baseProfile()
	p.Skills.Skills = []string{"email"}
	p.MaxRisk = catalog.RiskMedium
	p.Approval = ApprovalPolicy{Enabled: true, RiskLevels: []catalog.RiskLevel{catalog.RiskMedium}}
	e.SetProfile(p)

	res := e.Check("a1", "send_email", CallContext{})
	if !res.Allowed || !res.RequiresApproval {
		t.Errorf("medium-risk tool should be allowed with approval, got %+v", res)
	}

	// Low risk does not match.
	p2 := baseProfile()
	p2.Approval = ApprovalPolicy{Enabled: true, RiskLevels: []catalog.RiskLevel{catalog.RiskMedium}}
	e.SetProfile(p2)
	if res := e.Check("a1", "web_search", CallContext{}); res.RequiresApproval {
		t.Error("low-risk tool should not require approval")
	}
}

func TestCheck_ApprovalBySideEffect(t *testing.T) {
	e := NewEngine(testCatalog(t))
	p := baseProfile()
	p.Approval = ApprovalPolicy{Enabled: true, SideEffects: []catalog.SideEffect{catalog.SideEffectNetwork}}
	e.SetProfile(p)

	res := e.Check("a1", "web_search", CallContext{})
	if !res.Allowed || !res.RequiresApproval {
		t.Errorf("network side effect should trigger approval, got %+v", res)
	}
}

func TestCheck_ApprovalDisabled(t *testing.T) {
	e := NewEngine(testCatalog(t))
	p := baseProfile()
	p.Approval = ApprovalPolicy{Enabled: false, RiskLevels: []catalog.RiskLevel{catalog.RiskLow}}
	e.SetProfile(p)

	if res := e.Check("a1", "web_search", CallContext{}); res.RequiresApproval {
		t.Error("disabled approval policy should never flag approval")
	}
}

func TestProfileHotSwap(t *testing.T) {
	e := NewEngine(testCatalog(t))
	e.SetProfile(baseProfile())

	if res := e.Check("a1", "web_search", CallContext{}); !res.Allowed {
		t.Fatalf("precondition: web_search allowed, got %s", res.Reason)
	}

	// Swap in a profile that drops the research skill.
	swapped := baseProfile()
	swapped.Skills.Skills = []string{"email"}
	e.SetProfile(swapped)

	if res := e.Check("a1", "web_search", CallContext{}); res.Allowed {
		t.Error("hot-swapped profile should take effect immediately")
	}

	e.RemoveProfile("a1")
	if res := e.Check("a1", "web_search", CallContext{}); res.Allowed {
		t.Error("removed profile must fall back to hard deny")
	}
}

func TestResolveToolPolicy(t *testing.T) {
	e := NewEngine(testCatalog(t))
	p := baseProfile()
	p.Skills.Skills = []string{"research", "email"}
	p.MaxRisk = catalog.RiskMedium
	p.Approval = ApprovalPolicy{Enabled: true, SideEffects: []catalog.SideEffect{catalog.SideEffectSendsEmail}}
	p.Quotas = Quotas{CallsPerMinute: 30}
	e.SetProfile(p)

	policy, err := e.ResolveToolPolicy("a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(policy.Allowed) != 1 || policy.Allowed[0] != "web_search" {
		t.Errorf("allowed = %v, want [web_search]", policy.Allowed)
	}
	if len(policy.ApprovalRequired) != 1 || policy.ApprovalRequired[0] != "send_email" {
		t.Errorf("approval_required = %v, want [send_email]", policy.ApprovalRequired)
	}
	if len(policy.Blocked) != 1 || policy.Blocked[0] != "exec" {
		t.Errorf("blocked = %v, want [exec]", policy.Blocked)
	}
	if policy.Quotas.CallsPerMinute != 30 {
		t.Errorf("quotas not carried through: %+v", policy.Quotas)
	}
}

func TestResolveToolPolicy_NoProfile(t *testing.T) {
	e := NewEngine(testCatalog(t))
	if _, err := e.ResolveToolPolicy("ghost"); err == nil {
		t.Error("expected error for agent without profile")
	}
}

func TestCheck_ConcurrentReads(t *testing.T) {
	e := NewEngine(testCatalog(t))
	e.SetProfile(baseProfile())

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 200; j++ {
				_ = e.Check("a1", "web_search", CallContext{})
			}
		}()
	}
	go func() {
		for j := 0; j < 50; j++ {
			e.SetProfile(baseProfile())
		}
	}()
	for i := 0; i < 8; i++ {
		<-done
	}
}
