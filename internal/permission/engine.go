package permission

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/warden/internal/catalog"
)

// Engine evaluates permission checks against agent profiles and the tool
// catalog. Profiles are hot-swappable under an RW lock; checks take only
// read locks so concurrent tool calls never serialize on each other.
type Engine struct {
	catalog catalog.Catalog
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	profiles map[string]*Profile
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger configures the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the clock for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates a permission engine bound to a read-only catalog.
func NewEngine(cat catalog.Catalog, opts ...Option) *Engine {
	e := &Engine{
		catalog:  cat,
		logger:   slog.Default(),
		now:      time.Now,
		profiles: make(map[string]*Profile),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetProfile installs or replaces an agent's profile.
func (e *Engine) SetProfile(p *Profile) {
	if p == nil || p.AgentID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.profiles[p.AgentID] = p
}

// SetProfiles replaces the entire profile set atomically. Used by the
// config watcher on hot reload.
func (e *Engine) SetProfiles(profiles []*Profile) {
	next := make(map[string]*Profile, len(profiles))
	for _, p := range profiles {
		if p != nil && p.AgentID != "" {
			next[p.AgentID] = p
		}
	}
	e.mu.Lock()
	e.profiles = next
	e.mu.Unlock()
}

// RemoveProfile deletes an agent's profile. The agent is denied everything
// afterwards.
func (e *Engine) RemoveProfile(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.profiles, agentID)
}

// Profile returns the profile for an agent, if one is assigned.
func (e *Engine) Profile(agentID string) (*Profile, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.profiles[agentID]
	return p, ok
}

// Check decides whether an agent may invoke a tool. The evaluation order is
// fixed and short-circuits on the first matching rule:
//
//  1. sandbox mode: allow immediately, flagged as simulated
//  2. working-hours window
//  3. IP allowlist
//  4. explicit tool block (highest-priority denial)
//  5. explicit tool allow (skips skill/risk/side-effect checks)
//  6. unknown tool: deny (fail closed)
//  7. skill allowlist/blocklist
//  8. risk ceiling
//  9. blocked side effects
// 10. approval evaluation
//
// Absence of a profile is a hard deny, never an implicit allow.
func (e *Engine) Check(agentID, toolID string, cc CallContext) Result {
	e.mu.RLock()
	profile, ok := e.profiles[agentID]
	e.mu.RUnlock()
	if !ok {
		return Result{Reason: fmt.Sprintf("no permission profile assigned to agent %q", agentID)}
	}

	// 1. Sandboxed actions never have real side effects, so every later
	// check is skipped.
	if profile.Constraints.SandboxMode {
		return Result{Allowed: true, Sandbox: true, Reason: "sandbox mode: action will be simulated"}
	}

	// 2. Working hours.
	if wh := profile.Constraints.WorkingHours; wh != nil {
		if !wh.Contains(e.now()) {
			tz := wh.Timezone
			if tz == "" {
				tz = "UTC"
			}
			return Result{Reason: fmt.Sprintf(
				"outside working hours (%02d:00-%02d:00 %s)", wh.StartHour, wh.EndHour, tz)}
		}
	}

	// 3. IP allowlist.
	if len(profile.Constraints.IPAllowlist) > 0 {
		if !containsString(profile.Constraints.IPAllowlist, cc.CallerIP) {
			return Result{Reason: fmt.Sprintf("caller IP %q is not in the allowlist", cc.CallerIP)}
		}
	}

	// 4. Explicit block wins over everything below, including an explicit allow.
	if containsString(profile.Tools.Blocked, toolID) {
		return Result{Reason: fmt.Sprintf("tool %q is explicitly blocked for this agent", toolID)}
	}

	tool, known := e.catalog.Tool(toolID)

	// 5. An explicit allow is final on the skill/risk/side-effect axes.
	if containsString(profile.Tools.Allowed, toolID) {
		return e.evaluateApproval(profile, tool, known)
	}

	// 6. Unknown tools are denied by default.
	if !known {
		return Result{Reason: fmt.Sprintf("unknown tool %q", toolID)}
	}

	// 7. Skill-level policy.
	switch profile.Skills.Mode {
	case SkillAllowlist:
		if !profile.Skills.contains(tool.SkillID) {
			return Result{Reason: fmt.Sprintf("skill %q is not in the agent's allowlist", tool.SkillID)}
		}
	case SkillBlocklist:
		if profile.Skills.contains(tool.SkillID) {
			return Result{Reason: fmt.Sprintf("skill %q is blocked for this agent", tool.SkillID)}
		}
	default:
		// An unconfigured mode behaves as an empty allowlist: deny.
		return Result{Reason: fmt.Sprintf("skill %q is not in the agent's allowlist", tool.SkillID)}
	}

	// 8. Risk ceiling.
	if tool.Risk > profile.MaxRisk {
		return Result{Reason: fmt.Sprintf(
			"tool risk %q exceeds max allowed %q", tool.Risk, profile.MaxRisk)}
	}

	// 9. Blocked side effects.
	if se, blocked := profile.blocksSideEffect(tool); blocked {
		return Result{Reason: fmt.Sprintf("tool side effect %q is blocked for this agent", se)}
	}

	// 10. Approval.
	return e.evaluateApproval(profile, tool, known)
}

// evaluateApproval produces the final allow result, flagging approval when
// the tool's risk or side effects fall under the profile's approval policy.
// Tools absent from the catalog (reachable only via an explicit allow)
// cannot match a risk- or side-effect-based approval trigger.
func (e *Engine) evaluateApproval(profile *Profile, tool catalog.ToolDefinition, known bool) Result {
	if known && profile.Approval.matches(tool) {
		return Result{
			Allowed:          true,
			RequiresApproval: true,
			Reason:           fmt.Sprintf("approval required for risk %q", tool.Risk),
		}
	}
	return Result{Allowed: true, Reason: "allowed"}
}

// ResolveToolPolicy partitions the full catalog into allowed, blocked, and
// approval-required tool sets for one agent, plus the profile's quotas.
// Only the static axes (tool overrides, skill policy, risk ceiling, side
// effects, approval) participate; time-of-day and caller-IP constraints are
// per-call facts and cannot be materialized into a static allowlist.
func (e *Engine) ResolveToolPolicy(agentID string) (ToolPolicy, error) {
	e.mu.RLock()
	profile, ok := e.profiles[agentID]
	e.mu.RUnlock()
	if !ok {
		return ToolPolicy{}, fmt.Errorf("no permission profile assigned to agent %q", agentID)
	}

	policy := ToolPolicy{AgentID: agentID, Quotas: profile.Quotas}

	for _, tool := range e.catalog.Tools() {
		res := e.checkStatic(profile, tool)
		switch {
		case !res.Allowed:
			policy.Blocked = append(policy.Blocked, tool.ID)
		case res.RequiresApproval:
			policy.ApprovalRequired = append(policy.ApprovalRequired, tool.ID)
		default:
			policy.Allowed = append(policy.Allowed, tool.ID)
		}
	}

	sort.Strings(policy.Allowed)
	sort.Strings(policy.Blocked)
	sort.Strings(policy.ApprovalRequired)
	return policy, nil
}

// checkStatic evaluates steps 4-10 of the check order for a known tool.
func (e *Engine) checkStatic(profile *Profile, tool catalog.ToolDefinition) Result {
	if containsString(profile.Tools.Blocked, tool.ID) {
		return Result{Reason: "explicitly blocked"}
	}
	if containsString(profile.Tools.Allowed, tool.ID) {
		return e.evaluateApproval(profile, tool, true)
	}
	switch profile.Skills.Mode {
	case SkillAllowlist:
		if !profile.Skills.contains(tool.SkillID) {
			return Result{Reason: "skill not allowed"}
		}
	case SkillBlocklist:
		if profile.Skills.contains(tool.SkillID) {
			return Result{Reason: "skill blocked"}
		}
	default:
		return Result{Reason: "skill not allowed"}
	}
	if tool.Risk > profile.MaxRisk {
		return Result{Reason: "risk exceeds ceiling"}
	}
	if _, blocked := profile.blocksSideEffect(tool); blocked {
		return Result{Reason: "side effect blocked"}
	}
	return e.evaluateApproval(profile, tool, true)
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
