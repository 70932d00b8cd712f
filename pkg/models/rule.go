package models

import (
	"fmt"
	"time"
)

// RuleType identifies the detection strategy a guardrail rule uses.
type RuleType string

const (
	// RuleErrorRate triggers when an agent accumulates too many tool-call
	// errors inside the rule's window.
	RuleErrorRate RuleType = "error_rate"

	// RuleCostVelocity triggers when an agent's accumulated cost inside the
	// window exceeds the threshold.
	RuleCostVelocity RuleType = "cost_velocity"

	// RuleVolumeSpike triggers when an agent's call volume inside the window
	// exceeds the threshold.
	RuleVolumeSpike RuleType = "volume_spike"

	// RuleOffHours triggers for any agent active outside the configured
	// wall-clock hours.
	RuleOffHours RuleType = "off_hours"
)

// RuleAction is what the guardrail engine does when a rule triggers.
type RuleAction string

const (
	ActionAlert  RuleAction = "alert"
	ActionPause  RuleAction = "pause"
	ActionKill   RuleAction = "kill"
	ActionNotify RuleAction = "notify"
	ActionLog    RuleAction = "log"
)

// Severity classifies how serious a rule violation is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// RuleCondition is the structured condition set evaluated by the detection
// loop. Which fields apply depends on the rule type.
type RuleCondition struct {
	// Threshold is the numeric limit for error_rate, cost_velocity, and
	// volume_spike rules.
	Threshold float64 `json:"threshold" yaml:"threshold"`

	// WindowMinutes is the length of the look-back window. Defaults to 60.
	WindowMinutes int `json:"window_minutes" yaml:"window_minutes"`

	// Comparator is ">" or ">=". Defaults to ">".
	Comparator string `json:"comparator,omitempty" yaml:"comparator,omitempty"`

	// AgentID scopes the rule to a single agent when set.
	AgentID string `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`

	// StartHour and EndHour bound the off-hours window for off_hours rules.
	// The window may wrap midnight (e.g. 22 to 6).
	StartHour int `json:"start_hour,omitempty" yaml:"start_hour,omitempty"`
	EndHour   int `json:"end_hour,omitempty" yaml:"end_hour,omitempty"`

	// Timezone is the IANA zone the off-hours window is interpreted in
	// (e.g. "America/New_York"). Empty means UTC.
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// Window returns the look-back duration for the condition.
func (c RuleCondition) Window() time.Duration {
	if c.WindowMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.WindowMinutes) * time.Minute
}

// Exceeds reports whether a measured value violates the condition threshold.
func (c RuleCondition) Exceeds(value float64) bool {
	if c.Comparator == ">=" {
		return value >= c.Threshold
	}
	return value > c.Threshold
}

// Rule is a persisted anomaly-detection rule. Operators create and update
// rules; the guardrail detection loop evaluates them on every tick.
type Rule struct {
	ID              string        `json:"id" yaml:"id"`
	OrgID           string        `json:"org_id" yaml:"org_id"`
	Name            string        `json:"name" yaml:"name"`
	Type            RuleType      `json:"type" yaml:"type"`
	Condition       RuleCondition `json:"condition" yaml:"condition"`
	Action          RuleAction    `json:"action" yaml:"action"`
	Severity        Severity      `json:"severity" yaml:"severity"`
	CooldownMinutes int           `json:"cooldown_minutes" yaml:"cooldown_minutes"`
	Enabled         bool          `json:"enabled" yaml:"enabled"`

	// Running counters maintained by the detection loop.
	TriggerCount    int        `json:"trigger_count" yaml:"-"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty" yaml:"-"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// InCooldown reports whether the rule triggered within its cooldown period.
func (r *Rule) InCooldown(now time.Time) bool {
	if r.CooldownMinutes <= 0 || r.LastTriggeredAt == nil {
		return false
	}
	return now.Sub(*r.LastTriggeredAt) < time.Duration(r.CooldownMinutes)*time.Minute
}

// Validate checks that the rule is well-formed enough to evaluate.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	switch r.Type {
	case RuleErrorRate, RuleCostVelocity, RuleVolumeSpike, RuleOffHours:
	default:
		return fmt.Errorf("unknown rule type %q", r.Type)
	}
	switch r.Action {
	case ActionAlert, ActionPause, ActionKill, ActionNotify, ActionLog:
	default:
		return fmt.Errorf("unknown rule action %q", r.Action)
	}
	if r.Condition.Timezone != "" {
		if _, err := time.LoadLocation(r.Condition.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", r.Condition.Timezone, err)
		}
	}
	return nil
}
