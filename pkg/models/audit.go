package models

import "time"

// AuditEntry is one write-only record per tool invocation. Entries are
// emitted fire-and-forget: a failed write must never affect the tool call.
type AuditEntry struct {
	ID         string         `json:"id"`
	TraceID    string         `json:"trace_id,omitempty"`
	SpanID     string         `json:"span_id,omitempty"`
	ToolName   string         `json:"tool_name"`
	AgentID    string         `json:"agent_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Params     map[string]any `json:"params,omitempty"`
	Duration   time.Duration  `json:"duration"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	OutputSize int            `json:"output_size"`
}
