package pipeline

import (
	"encoding/json"
	"time"
)

// Status classifies the outcome of a governed tool call.
type Status string

const (
	// StatusOK means the call was allowed and the tool ran (or, for
	// sandboxed calls, was simulated).
	StatusOK Status = "ok"

	// StatusDenied means the call was refused before reaching the tool.
	StatusDenied Status = "denied"

	// StatusRateLimited means a quota was exhausted; the tool was never
	// invoked and RetryAfter carries a hint.
	StatusRateLimited Status = "rate_limited"

	// StatusCircuitOpen means the tool's circuit breaker is open. This is
	// distinct from StatusError so callers can tell "service is unhealthy"
	// from "this specific call failed".
	StatusCircuitOpen Status = "circuit_open"

	// StatusError means the tool ran and failed.
	StatusError Status = "error"
)

// Call is one tool invocation request flowing through the orchestrator.
type Call struct {
	// ID identifies the call; assigned when empty.
	ID string `json:"id,omitempty"`

	OrgID   string `json:"org_id,omitempty"`
	AgentID string `json:"agent_id"`

	// Tool is the catalog id of the tool to invoke.
	Tool string `json:"tool"`

	// Params is the tool's JSON input.
	Params json.RawMessage `json:"params,omitempty"`

	// CallerIP is checked against the profile's IP allowlist.
	CallerIP string `json:"caller_ip,omitempty"`

	// ApprovalGranted marks a call re-submitted after a human approved it.
	// Without it, a call matching the profile's approval policy is not
	// executed.
	ApprovalGranted bool `json:"approval_granted,omitempty"`

	// CostUSD is the caller's cost estimate for this call, recorded into
	// activity history for cost-velocity detection.
	CostUSD float64 `json:"cost_usd,omitempty"`
}

// Result is the structured outcome of a governed tool call. Denials are
// results, not errors; Invoke never propagates a tool failure as a Go error.
type Result struct {
	CallID string `json:"call_id"`
	Status Status `json:"status"`

	// Reason explains denials and failures, always specific enough to act on.
	Reason string `json:"reason,omitempty"`

	// RequiresApproval is set on a denial that a human approval would lift.
	RequiresApproval bool `json:"requires_approval,omitempty"`

	// Sandboxed means the call was simulated instead of executed.
	Sandboxed bool `json:"sandboxed,omitempty"`

	// Output is the tool's content on success.
	Output string `json:"output,omitempty"`

	// RetryAfter hints when a rate-limited call may be retried.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	Duration time.Duration `json:"duration"`
}
