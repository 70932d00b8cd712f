package models

import "time"

// ActivityRecord is one row of tool-call history. The guardrail detection
// loop runs windowed aggregate queries over these records.
type ActivityRecord struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id,omitempty"`
	AgentID   string    `json:"agent_id"`
	ToolName  string    `json:"tool_name"`
	Success   bool      `json:"success"`
	CostUSD   float64   `json:"cost_usd,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
