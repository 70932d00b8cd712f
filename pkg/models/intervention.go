package models

import "time"

// InterventionType categorizes recorded interventions against an agent.
type InterventionType string

const (
	InterventionPause           InterventionType = "pause"
	InterventionResume          InterventionType = "resume"
	InterventionKill            InterventionType = "kill"
	InterventionAnomalyDetected InterventionType = "anomaly_detected"
)

// ActorSystem is the actor recorded for automatic (rule-triggered) interventions.
const ActorSystem = "system"

// Intervention is an append-only audit fact about a pause, resume, kill, or
// automatic anomaly trigger. Interventions are never updated or deleted; the
// current paused state is a derived cache rebuilt from the log at startup.
type Intervention struct {
	ID        string           `json:"id"`
	OrgID     string           `json:"org_id,omitempty"`
	AgentID   string           `json:"agent_id"`
	Type      InterventionType `json:"type"`
	Reason    string           `json:"reason"`
	Actor     string           `json:"actor"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}
