// Package permission implements the authorization decision engine: given an
// agent's permission profile and a tool id, decide allow/deny/approval-required.
// Decisions are pure functions over the read-mostly catalog and profile maps
// and are safe to call from many goroutines concurrently.
package permission

import (
	"time"

	"github.com/haasonsaas/warden/internal/catalog"
)

// SkillMode controls how a profile's skill list is interpreted.
type SkillMode string

const (
	// SkillAllowlist means only listed skills are permitted.
	SkillAllowlist SkillMode = "allowlist"

	// SkillBlocklist means listed skills are denied, everything else permitted.
	SkillBlocklist SkillMode = "blocklist"
)

// SkillPolicy is the skill-level allow/deny configuration.
type SkillPolicy struct {
	Mode   SkillMode `yaml:"mode"`
	Skills []string  `yaml:"skills"`
}

// contains reports whether the skill id appears in the policy list.
func (p SkillPolicy) contains(skillID string) bool {
	for _, s := range p.Skills {
		if s == skillID {
			return true
		}
	}
	return false
}

// ToolOverrides are explicit tool-level decisions that override the
// skill-level policy. Blocked always wins over allowed.
type ToolOverrides struct {
	Allowed []string `yaml:"allowed,omitempty"`
	Blocked []string `yaml:"blocked,omitempty"`
}

// ApprovalPolicy configures when an otherwise-allowed action requires a
// human decision before execution.
type ApprovalPolicy struct {
	Enabled     bool                 `yaml:"enabled"`
	RiskLevels  []catalog.RiskLevel  `yaml:"risk_levels,omitempty"`
	SideEffects []catalog.SideEffect `yaml:"side_effects,omitempty"`
}

// matches reports whether the tool's risk or side effects fall under the
// approval policy.
func (p ApprovalPolicy) matches(tool catalog.ToolDefinition) bool {
	if !p.Enabled {
		return false
	}
	for _, r := range p.RiskLevels {
		if tool.Risk == r {
			return true
		}
	}
	for _, se := range p.SideEffects {
		if tool.HasSideEffect(se) {
			return true
		}
	}
	return false
}

// Quotas are the rate-limit budgets attached to a profile. Zero means
// unlimited for that window.
type Quotas struct {
	CallsPerMinute  int `yaml:"calls_per_minute,omitempty"`
	CallsPerHour    int `yaml:"calls_per_hour,omitempty"`
	CallsPerDay     int `yaml:"calls_per_day,omitempty"`
	ExternalPerHour int `yaml:"external_per_hour,omitempty"`
}

// WorkingHours is an optional time window outside of which all calls are
// denied. Hours are in the configured timezone; the window may wrap
// midnight (StartHour > EndHour).
type WorkingHours struct {
	// Timezone is an IANA timezone name (e.g. "America/New_York").
	// Empty means UTC.
	Timezone string `yaml:"timezone,omitempty"`

	// StartHour and EndHour bound the window, inclusive start / exclusive end.
	StartHour int `yaml:"start_hour"`
	EndHour   int `yaml:"end_hour"`

	// Days restricts the window to specific weekdays. Empty means every day.
	Days []time.Weekday `yaml:"days,omitempty"`
}

// Contains reports whether t falls inside the working-hours window.
func (w WorkingHours) Contains(t time.Time) bool {
	loc := time.UTC
	if w.Timezone != "" {
		if parsed, err := time.LoadLocation(w.Timezone); err == nil {
			loc = parsed
		}
	}
	local := t.In(loc)

	if len(w.Days) > 0 {
		found := false
		for _, d := range w.Days {
			if local.Weekday() == d {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	hour := local.Hour()
	if w.StartHour <= w.EndHour {
		return hour >= w.StartHour && hour < w.EndHour
	}
	// Overnight window, e.g. 22-6.
	return hour >= w.StartHour || hour < w.EndHour
}

// Constraints are a profile's execution constraints.
type Constraints struct {
	// SandboxMode forces all actions to be simulated rather than executed.
	SandboxMode bool `yaml:"sandbox_mode,omitempty"`

	// WorkingHours, when set, denies calls outside the window.
	WorkingHours *WorkingHours `yaml:"working_hours,omitempty"`

	// IPAllowlist, when non-empty, denies callers whose IP is absent.
	IPAllowlist []string `yaml:"ip_allowlist,omitempty"`

	// MaxConcurrentTasks bounds in-flight tool calls per agent. Zero means
	// no limit.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks,omitempty"`
}

// Profile is an agent's authorization policy. Exactly one profile exists per
// agent; an agent without a profile is denied everything.
type Profile struct {
	AgentID            string               `yaml:"agent_id"`
	OrgID              string               `yaml:"org_id,omitempty"`
	Skills             SkillPolicy          `yaml:"skills"`
	Tools              ToolOverrides        `yaml:"tools,omitempty"`
	MaxRisk            catalog.RiskLevel    `yaml:"max_risk"`
	BlockedSideEffects []catalog.SideEffect `yaml:"blocked_side_effects,omitempty"`
	Approval           ApprovalPolicy       `yaml:"approval,omitempty"`
	Quotas             Quotas               `yaml:"quotas,omitempty"`
	Constraints        Constraints          `yaml:"constraints,omitempty"`
}

// blocksSideEffect reports whether the profile blocks any of the tool's
// side-effect tags, returning the first blocked tag.
func (p *Profile) blocksSideEffect(tool catalog.ToolDefinition) (catalog.SideEffect, bool) {
	for _, blocked := range p.BlockedSideEffects {
		if tool.HasSideEffect(blocked) {
			return blocked, true
		}
	}
	return "", false
}

// Result is the transient output of a permission check.
type Result struct {
	// Allowed reports whether the call may proceed.
	Allowed bool `json:"allowed"`

	// Reason is a human-readable explanation, always specific and
	// actionable for denials.
	Reason string `json:"reason"`

	// RequiresApproval means the caller must obtain a human decision
	// before executing.
	RequiresApproval bool `json:"requires_approval"`

	// Sandbox means the action must be simulated rather than executed.
	Sandbox bool `json:"sandbox"`
}

// CallContext carries per-call facts the engine evaluates constraints against.
type CallContext struct {
	// CallerIP is the invoking client's IP, checked against the profile's
	// allowlist when one is configured.
	CallerIP string
}

// ToolPolicy is the materialized partition of the full catalog for one
// agent, used to build an execution environment's static tool allowlist.
type ToolPolicy struct {
	AgentID          string   `json:"agent_id"`
	Allowed          []string `json:"allowed"`
	Blocked          []string `json:"blocked"`
	ApprovalRequired []string `json:"approval_required"`
	Quotas           Quotas   `json:"quotas"`
}
