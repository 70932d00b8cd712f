// Package guardrail implements runtime oversight of agents: manual pause,
// resume, and kill interventions plus a periodic anomaly-detection loop that
// evaluates operator-defined rules against recent activity.
package guardrail

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/warden/internal/storage"
	"github.com/haasonsaas/warden/pkg/models"
)

// StopFunc is invoked on kill to halt the agent's running work. The actor
// and reason are forwarded so the agent runtime can log who stopped the
// agent and why. It is best-effort: a failure is logged but the kill is
// still recorded and the agent stays blocked.
type StopFunc func(ctx context.Context, agentID, actor, reason string) error

const (
	defaultInterval    = time.Minute
	defaultHistorySize = 256
)

// Violation is one rule trigger observed by the detection loop.
type Violation struct {
	RuleID    string            `json:"rule_id"`
	RuleName  string            `json:"rule_name"`
	AgentID   string            `json:"agent_id"`
	Value     float64           `json:"value"`
	Threshold float64           `json:"threshold"`
	Severity  models.Severity   `json:"severity"`
	Action    models.RuleAction `json:"action"`
	At        time.Time         `json:"at"`
}

// Engine owns the paused set, the intervention log, and the detection loop.
// The paused set is an in-memory cache derived from the intervention log;
// Restore rebuilds it at startup.
type Engine struct {
	rules         storage.RuleStore
	interventions storage.InterventionStore
	activity      storage.ActivityStore

	logger      *slog.Logger
	now         func() time.Time
	stopAgent   StopFunc
	orgID       string
	interval    time.Duration
	historySize int

	cron   *cron.Cron
	evalMu sync.Mutex

	mu     sync.RWMutex
	paused map[string]struct{}
	recent []Violation
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithStopFunc sets the callback invoked to halt an agent on kill.
func WithStopFunc(fn StopFunc) Option {
	return func(e *Engine) { e.stopAgent = fn }
}

// WithOrg scopes the engine to one org.
func WithOrg(orgID string) Option {
	return func(e *Engine) { e.orgID = orgID }
}

// WithInterval sets the detection loop tick interval.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// New creates a guardrail engine over the given stores.
func New(rules storage.RuleStore, interventions storage.InterventionStore, activity storage.ActivityStore, opts ...Option) *Engine {
	e := &Engine{
		rules:         rules,
		interventions: interventions,
		activity:      activity,
		logger:        slog.Default(),
		now:           time.Now,
		interval:      defaultInterval,
		historySize:   defaultHistorySize,
		paused:        make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Restore rebuilds the paused set from the intervention log. An agent is
// blocked when its most recent state-changing intervention is a pause or a
// kill; a resume clears it.
func (e *Engine) Restore(ctx context.Context) error {
	last, err := e.interventions.LastPerAgent(ctx, e.orgID)
	if err != nil {
		return fmt.Errorf("restore paused set: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = make(map[string]struct{})
	for agentID, iv := range last {
		if iv.Type == models.InterventionPause || iv.Type == models.InterventionKill {
			e.paused[agentID] = struct{}{}
		}
	}
	e.logger.Info("restored paused agents", "count", len(e.paused))
	return nil
}

// IsAgentPaused reports whether the agent is currently paused or killed.
// This is the hot-path check the orchestrator runs before every tool call.
func (e *Engine) IsAgentPaused(agentID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.paused[agentID]
	return ok
}

// PausedAgents returns the ids of currently paused agents.
func (e *Engine) PausedAgents() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.paused))
	for id := range e.paused {
		out = append(out, id)
	}
	return out
}

// PauseAgent blocks all of the agent's tool calls and records the
// intervention. Pausing an already-paused agent records a fresh intervention.
func (e *Engine) PauseAgent(ctx context.Context, agentID, reason, actor string) error {
	if err := e.record(ctx, agentID, models.InterventionPause, reason, actor, nil); err != nil {
		return err
	}

	e.mu.Lock()
	e.paused[agentID] = struct{}{}
	e.mu.Unlock()

	e.logger.Warn("agent paused", "agent_id", agentID, "reason", reason, "actor", actor)
	return nil
}

// ResumeAgent unblocks a paused agent and records the intervention.
func (e *Engine) ResumeAgent(ctx context.Context, agentID, reason, actor string) error {
	if err := e.record(ctx, agentID, models.InterventionResume, reason, actor, nil); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.paused, agentID)
	e.mu.Unlock()

	e.logger.Info("agent resumed", "agent_id", agentID, "reason", reason, "actor", actor)
	return nil
}

// KillAgent halts the agent's running work and blocks further calls until an
// explicit resume. The stop callback is best-effort.
func (e *Engine) KillAgent(ctx context.Context, agentID, reason, actor string) error {
	if err := e.record(ctx, agentID, models.InterventionKill, reason, actor, nil); err != nil {
		return err
	}

	e.mu.Lock()
	e.paused[agentID] = struct{}{}
	e.mu.Unlock()

	if e.stopAgent != nil {
		if err := e.stopAgent(ctx, agentID, actor, reason); err != nil {
			e.logger.Error("stop callback failed", "agent_id", agentID, "error", err)
		}
	}

	e.logger.Warn("agent killed", "agent_id", agentID, "reason", reason, "actor", actor)
	return nil
}

// record appends an intervention. The log write happens before the cache
// update so a crash can never leave a paused agent with no log entry.
func (e *Engine) record(ctx context.Context, agentID string, ivType models.InterventionType, reason, actor string, metadata map[string]any) error {
	iv := &models.Intervention{
		ID:        uuid.NewString(),
		OrgID:     e.orgID,
		AgentID:   agentID,
		Type:      ivType,
		Reason:    reason,
		Actor:     actor,
		Metadata:  metadata,
		CreatedAt: e.now().UTC(),
	}
	if err := e.interventions.Append(ctx, iv); err != nil {
		return fmt.Errorf("record %s intervention: %w", ivType, err)
	}
	return nil
}

// Interventions lists recorded interventions for this org, newest first.
func (e *Engine) Interventions(ctx context.Context, agentID string, limit, offset int) ([]*models.Intervention, error) {
	filter := storage.InterventionFilter{OrgID: e.orgID, AgentID: agentID}
	return e.interventions.List(ctx, filter, limit, offset)
}

// CreateRule validates and persists a new rule, assigning an id when absent.
func (e *Engine) CreateRule(ctx context.Context, rule *models.Rule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.OrgID == "" {
		rule.OrgID = e.orgID
	}
	now := e.now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if err := rule.Validate(); err != nil {
		return err
	}
	return e.rules.Save(ctx, rule)
}

// UpdateRule persists changes to an existing rule.
func (e *Engine) UpdateRule(ctx context.Context, rule *models.Rule) error {
	if _, err := e.rules.Get(ctx, rule.OrgID, rule.ID); err != nil {
		return err
	}
	rule.UpdatedAt = e.now().UTC()
	if err := rule.Validate(); err != nil {
		return err
	}
	return e.rules.Save(ctx, rule)
}

// DeleteRule removes a rule.
func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	return e.rules.Delete(ctx, e.orgID, id)
}

// ListRules returns all rules for this org.
func (e *Engine) ListRules(ctx context.Context) ([]*models.Rule, error) {
	return e.rules.List(ctx, e.orgID)
}

// Start restores the paused set and begins the periodic detection loop.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Restore(ctx); err != nil {
		return err
	}

	e.cron = cron.New()
	spec := fmt.Sprintf("@every %s", e.interval)
	if _, err := e.cron.AddFunc(spec, func() {
		if err := e.Evaluate(context.Background()); err != nil {
			e.logger.Error("detection tick failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule detection loop: %w", err)
	}
	e.cron.Start()

	e.logger.Info("guardrail detection loop started", "interval", e.interval)
	return nil
}

// Stop halts the detection loop and waits for an in-flight tick to finish.
func (e *Engine) Stop() {
	if e.cron == nil {
		return
	}
	<-e.cron.Stop().Done()
	e.logger.Info("guardrail detection loop stopped")
}

// Evaluate runs one detection tick: every enabled rule is evaluated against
// recent activity and triggered actions are applied. A failing rule is
// logged and skipped; it never aborts the tick. Ticks do not overlap.
func (e *Engine) Evaluate(ctx context.Context) error {
	if !e.evalMu.TryLock() {
		e.logger.Warn("detection tick still running, skipping")
		return nil
	}
	defer e.evalMu.Unlock()

	rules, err := e.rules.ListEnabled(ctx, e.orgID)
	if err != nil {
		return fmt.Errorf("list enabled rules: %w", err)
	}

	now := e.now().UTC()
	for _, rule := range rules {
		if rule.InCooldown(now) {
			continue
		}
		violations, err := e.evaluateRule(ctx, rule, now)
		if err != nil {
			e.logger.Error("rule evaluation failed",
				"rule_id", rule.ID, "rule_name", rule.Name, "error", err)
			continue
		}
		if len(violations) == 0 {
			continue
		}

		for _, v := range violations {
			e.applyAction(ctx, rule, v)
		}

		rule.TriggerCount += len(violations)
		triggered := now
		rule.LastTriggeredAt = &triggered
		rule.UpdatedAt = now
		if err := e.rules.Save(ctx, rule); err != nil {
			e.logger.Error("failed to persist rule trigger state",
				"rule_id", rule.ID, "error", err)
		}
	}
	return nil
}

// evaluateRule measures one rule against the activity window and returns a
// violation per offending agent.
func (e *Engine) evaluateRule(ctx context.Context, rule *models.Rule, now time.Time) ([]Violation, error) {
	since := now.Add(-rule.Condition.Window())

	var measured map[string]float64
	switch rule.Type {
	case models.RuleErrorRate:
		counts, err := e.activity.ErrorCountsByAgent(ctx, rule.OrgID, since)
		if err != nil {
			return nil, err
		}
		measured = toFloats(counts)

	case models.RuleCostVelocity:
		costs, err := e.activity.CostByAgent(ctx, rule.OrgID, since)
		if err != nil {
			return nil, err
		}
		measured = costs

	case models.RuleVolumeSpike:
		counts, err := e.activity.CallCountsByAgent(ctx, rule.OrgID, since)
		if err != nil {
			return nil, err
		}
		measured = toFloats(counts)

	case models.RuleOffHours:
		return e.evaluateOffHours(ctx, rule, now, since)

	default:
		return nil, fmt.Errorf("unknown rule type %q", rule.Type)
	}

	var violations []Violation
	for agentID, value := range measured {
		if rule.Condition.AgentID != "" && rule.Condition.AgentID != agentID {
			continue
		}
		if rule.Condition.Exceeds(value) {
			violations = append(violations, Violation{
				RuleID:    rule.ID,
				RuleName:  rule.Name,
				AgentID:   agentID,
				Value:     value,
				Threshold: rule.Condition.Threshold,
				Severity:  rule.Severity,
				Action:    rule.Action,
				At:        now,
			})
		}
	}
	return violations, nil
}

// evaluateOffHours flags every agent active inside the rule's off-hours
// window. The window may wrap midnight and is interpreted in the rule's
// timezone (UTC when unset).
func (e *Engine) evaluateOffHours(ctx context.Context, rule *models.Rule, now, since time.Time) ([]Violation, error) {
	loc := time.UTC
	if tz := rule.Condition.Timezone; tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", tz, err)
		}
		loc = l
	}

	start, end := rule.Condition.StartHour, rule.Condition.EndHour
	hour := now.In(loc).Hour()

	inWindow := false
	if start <= end {
		inWindow = hour >= start && hour < end
	} else {
		inWindow = hour >= start || hour < end
	}
	if !inWindow {
		return nil, nil
	}

	agents, err := e.activity.ActiveAgents(ctx, rule.OrgID, since)
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, agentID := range agents {
		if rule.Condition.AgentID != "" && rule.Condition.AgentID != agentID {
			continue
		}
		violations = append(violations, Violation{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			AgentID:  agentID,
			Value:    1,
			Severity: rule.Severity,
			Action:   rule.Action,
			At:       now,
		})
	}
	return violations, nil
}

// applyAction records the violation and carries out the rule's action.
// Action failures are logged, never propagated, so one bad agent cannot
// stall the rest of the tick.
func (e *Engine) applyAction(ctx context.Context, rule *models.Rule, v Violation) {
	e.mu.Lock()
	e.recent = append(e.recent, v)
	if len(e.recent) > e.historySize {
		e.recent = e.recent[len(e.recent)-e.historySize:]
	}
	e.mu.Unlock()

	metadata := map[string]any{
		"rule_id":   v.RuleID,
		"rule_name": v.RuleName,
		"value":     v.Value,
		"threshold": v.Threshold,
		"severity":  string(v.Severity),
	}
	reason := fmt.Sprintf("rule %q triggered: value %.2f exceeds threshold %.2f", v.RuleName, v.Value, v.Threshold)

	if err := e.record(ctx, v.AgentID, models.InterventionAnomalyDetected, reason, models.ActorSystem, metadata); err != nil {
		e.logger.Error("failed to record anomaly", "agent_id", v.AgentID, "error", err)
	}

	switch rule.Action {
	case models.ActionPause:
		if e.IsAgentPaused(v.AgentID) {
			return
		}
		if err := e.PauseAgent(ctx, v.AgentID, reason, models.ActorSystem); err != nil {
			e.logger.Error("automatic pause failed", "agent_id", v.AgentID, "error", err)
		}

	case models.ActionKill:
		if err := e.KillAgent(ctx, v.AgentID, reason, models.ActorSystem); err != nil {
			e.logger.Error("automatic kill failed", "agent_id", v.AgentID, "error", err)
		}

	case models.ActionAlert, models.ActionNotify, models.ActionLog:
		e.logger.Warn("guardrail violation",
			"rule_id", v.RuleID, "rule_name", v.RuleName, "agent_id", v.AgentID,
			"value", v.Value, "threshold", v.Threshold,
			"severity", v.Severity, "action", rule.Action)
	}
}

// RecentViolations returns violations observed inside the window, oldest
// first. A non-positive window defaults to 24 hours. The tail is bounded at
// 256 entries regardless of window.
func (e *Engine) RecentViolations(window time.Duration) []Violation {
	if window <= 0 {
		window = 24 * time.Hour
	}
	cutoff := e.now().UTC().Add(-window)

	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Violation, 0, len(e.recent))
	for _, v := range e.recent {
		if v.At.After(cutoff) {
			out = append(out, v)
		}
	}
	return out
}

func toFloats(in map[string]int) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = float64(v)
	}
	return out
}
