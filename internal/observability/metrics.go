package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting pipeline metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Permission decisions by outcome (allowed, denied, approval required)
//   - Rate limit denials per agent and window
//   - Circuit breaker state transitions
//   - Tool execution counts and latencies
//   - Guardrail violations and interventions
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordDecision("a1", "denied")
//	metrics.RecordToolExecution("web_search", "success", time.Since(start).Seconds())
type Metrics struct {
	// DecisionCounter tracks per-call decisions.
	// Labels: agent_id, outcome (allowed|denied|approval_required|rate_limited)
	DecisionCounter *prometheus.CounterVec

	// RateLimitDenials counts rate-limited calls.
	// Labels: agent_id, window (minute|hour|day|external)
	RateLimitDenials *prometheus.CounterVec

	// BreakerTransitions counts circuit breaker state changes.
	// Labels: name, to_state (closed|open|half-open)
	BreakerTransitions *prometheus.CounterVec

	// BreakerOpen is a gauge set to 1 while a breaker is open.
	// Labels: name
	BreakerOpen *prometheus.GaugeVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// ViolationCounter counts guardrail rule violations.
	// Labels: rule_type, action
	ViolationCounter *prometheus.CounterVec

	// InterventionCounter counts recorded interventions.
	// Labels: type (pause|resume|kill|anomaly_detected), actor_kind (human|system)
	InterventionCounter *prometheus.CounterVec

	// PausedAgents is a gauge of currently paused agents.
	PausedAgents prometheus.Gauge

	// InFlightCalls is a gauge of tool calls currently executing.
	// Labels: agent_id
	InFlightCalls *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics with the default Prometheus
// registry. Call once at application startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates the metrics against a specific registerer. Tests
// pass a fresh registry to avoid duplicate registration panics.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		DecisionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_permission_decisions_total",
				Help: "Total permission decisions by agent and outcome",
			},
			[]string{"agent_id", "outcome"},
		),

		RateLimitDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_rate_limit_denials_total",
				Help: "Total rate-limited calls by agent and quota window",
			},
			[]string{"agent_id", "window"},
		),

		BreakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_breaker_transitions_total",
				Help: "Total circuit breaker state transitions by name and new state",
			},
			[]string{"name", "to_state"},
		),

		BreakerOpen: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "warden_breaker_open",
				Help: "1 while the named circuit breaker is open",
			},
			[]string{"name"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_tool_executions_total",
				Help: "Total tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ViolationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_guardrail_violations_total",
				Help: "Total guardrail rule violations by rule type and action",
			},
			[]string{"rule_type", "action"},
		),

		InterventionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_interventions_total",
				Help: "Total interventions by type and actor kind",
			},
			[]string{"type", "actor_kind"},
		),

		PausedAgents: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_paused_agents",
				Help: "Current number of paused agents",
			},
		),

		InFlightCalls: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "warden_in_flight_calls",
				Help: "Tool calls currently executing by agent",
			},
			[]string{"agent_id"},
		),
	}
}

// RecordDecision increments the decision counter.
func (m *Metrics) RecordDecision(agentID, outcome string) {
	m.DecisionCounter.WithLabelValues(agentID, outcome).Inc()
}

// RecordRateLimitDenial increments the rate limit denial counter.
func (m *Metrics) RecordRateLimitDenial(agentID, window string) {
	m.RateLimitDenials.WithLabelValues(agentID, window).Inc()
}

// RecordBreakerTransition records a state change and keeps the open gauge in
// step with it.
func (m *Metrics) RecordBreakerTransition(name, toState string) {
	m.BreakerTransitions.WithLabelValues(name, toState).Inc()
	if toState == "open" {
		m.BreakerOpen.WithLabelValues(name).Set(1)
	} else {
		m.BreakerOpen.WithLabelValues(name).Set(0)
	}
}

// RecordToolExecution records one tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordViolation increments the guardrail violation counter.
func (m *Metrics) RecordViolation(ruleType, action string) {
	m.ViolationCounter.WithLabelValues(ruleType, action).Inc()
}

// RecordIntervention increments the intervention counter.
func (m *Metrics) RecordIntervention(ivType, actorKind string) {
	m.InterventionCounter.WithLabelValues(ivType, actorKind).Inc()
}

// CallStarted increments the in-flight gauge for an agent.
func (m *Metrics) CallStarted(agentID string) {
	m.InFlightCalls.WithLabelValues(agentID).Inc()
}

// CallFinished decrements the in-flight gauge for an agent.
func (m *Metrics) CallFinished(agentID string) {
	m.InFlightCalls.WithLabelValues(agentID).Dec()
}
