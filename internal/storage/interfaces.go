// Package storage defines the persistence interfaces for guardrail rules,
// interventions, activity history, and the audit log, with in-memory and
// SQLite implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/warden/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// RuleStore persists guardrail rules.
type RuleStore interface {
	// Save inserts or replaces a rule by id.
	Save(ctx context.Context, rule *models.Rule) error

	// Get returns the rule with the given id.
	Get(ctx context.Context, orgID, id string) (*models.Rule, error)

	// List returns all rules for an org.
	List(ctx context.Context, orgID string) ([]*models.Rule, error)

	// ListEnabled returns the enabled rules for an org, the set the
	// detection loop evaluates each tick.
	ListEnabled(ctx context.Context, orgID string) ([]*models.Rule, error)

	// Delete removes a rule by id.
	Delete(ctx context.Context, orgID, id string) error
}

// InterventionFilter narrows an intervention listing. Zero-valued fields
// match everything.
type InterventionFilter struct {
	OrgID   string
	AgentID string
	Type    models.InterventionType
}

// InterventionStore persists the append-only intervention log.
type InterventionStore interface {
	// Append records an intervention. The log is append-only; there are no
	// update or delete operations.
	Append(ctx context.Context, iv *models.Intervention) error

	// List returns interventions matching the filter, newest first.
	List(ctx context.Context, filter InterventionFilter, limit, offset int) ([]*models.Intervention, error)

	// LastPerAgent returns, for each agent with at least one state-changing
	// intervention (pause, resume, kill), the most recent one. Used to
	// rebuild the paused set at startup.
	LastPerAgent(ctx context.Context, orgID string) (map[string]*models.Intervention, error)
}

// ActivityStore persists tool-call activity and answers the windowed
// aggregate queries the detection loop runs.
type ActivityStore interface {
	// Record appends one activity row.
	Record(ctx context.Context, rec *models.ActivityRecord) error

	// ErrorCountsByAgent returns failed-call counts per agent since the
	// given time.
	ErrorCountsByAgent(ctx context.Context, orgID string, since time.Time) (map[string]int, error)

	// CostByAgent returns accumulated cost per agent since the given time.
	CostByAgent(ctx context.Context, orgID string, since time.Time) (map[string]float64, error)

	// CallCountsByAgent returns total call counts per agent since the
	// given time.
	CallCountsByAgent(ctx context.Context, orgID string, since time.Time) (map[string]int, error)

	// ActiveAgents returns the ids of agents with any activity since the
	// given time.
	ActiveAgents(ctx context.Context, orgID string, since time.Time) ([]string, error)
}

// AuditStore persists audit entries. Writes are best-effort from the
// caller's perspective; implementations should still report errors so the
// audit logger can count drops.
type AuditStore interface {
	Append(ctx context.Context, entry *models.AuditEntry) error
}

// Stores bundles the four stores a fully-wired deployment needs.
type Stores struct {
	Rules         RuleStore
	Interventions InterventionStore
	Activity      ActivityStore
	Audit         AuditStore
}
