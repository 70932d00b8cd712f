package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/warden/pkg/models"
)

// NewMemoryStores returns a fully in-memory store bundle, suitable for tests
// and for deployments that do not need durability.
func NewMemoryStores() *Stores {
	return &Stores{
		Rules:         NewMemoryRuleStore(),
		Interventions: NewMemoryInterventionStore(),
		Activity:      NewMemoryActivityStore(),
		Audit:         NewMemoryAuditStore(),
	}
}

// MemoryRuleStore is an in-memory RuleStore.
type MemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[string]*models.Rule
}

// NewMemoryRuleStore creates an empty in-memory rule store.
func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{rules: make(map[string]*models.Rule)}
}

func cloneRule(r *models.Rule) *models.Rule {
	c := *r
	if r.LastTriggeredAt != nil {
		t := *r.LastTriggeredAt
		c.LastTriggeredAt = &t
	}
	return &c
}

// Save inserts or replaces a rule by id.
func (s *MemoryRuleStore) Save(ctx context.Context, rule *models.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.OrgID+"/"+rule.ID] = cloneRule(rule)
	return nil
}

// Get returns the rule with the given id.
func (s *MemoryRuleStore) Get(ctx context.Context, orgID, id string) (*models.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[orgID+"/"+id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRule(rule), nil
}

// List returns all rules for an org, ordered by id.
func (s *MemoryRuleStore) List(ctx context.Context, orgID string) ([]*models.Rule, error) {
	return s.list(orgID, false)
}

// ListEnabled returns the enabled rules for an org, ordered by id.
func (s *MemoryRuleStore) ListEnabled(ctx context.Context, orgID string) ([]*models.Rule, error) {
	return s.list(orgID, true)
}

func (s *MemoryRuleStore) list(orgID string, enabledOnly bool) ([]*models.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Rule
	for _, rule := range s.rules {
		if rule.OrgID != orgID {
			continue
		}
		if enabledOnly && !rule.Enabled {
			continue
		}
		out = append(out, cloneRule(rule))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete removes a rule by id.
func (s *MemoryRuleStore) Delete(ctx context.Context, orgID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := orgID + "/" + id
	if _, ok := s.rules[key]; !ok {
		return ErrNotFound
	}
	delete(s.rules, key)
	return nil
}

// MemoryInterventionStore is an in-memory append-only InterventionStore.
type MemoryInterventionStore struct {
	mu      sync.RWMutex
	entries []*models.Intervention
}

// NewMemoryInterventionStore creates an empty in-memory intervention store.
func NewMemoryInterventionStore() *MemoryInterventionStore {
	return &MemoryInterventionStore{}
}

// Append records an intervention.
func (s *MemoryInterventionStore) Append(ctx context.Context, iv *models.Intervention) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *iv
	s.entries = append(s.entries, &c)
	return nil
}

func (f InterventionFilter) matches(iv *models.Intervention) bool {
	if f.OrgID != "" && iv.OrgID != f.OrgID {
		return false
	}
	if f.AgentID != "" && iv.AgentID != f.AgentID {
		return false
	}
	if f.Type != "" && iv.Type != f.Type {
		return false
	}
	return true
}

// List returns interventions matching the filter, newest first.
func (s *MemoryInterventionStore) List(ctx context.Context, filter InterventionFilter, limit, offset int) ([]*models.Intervention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.Intervention
	for i := len(s.entries) - 1; i >= 0; i-- {
		if filter.matches(s.entries[i]) {
			c := *s.entries[i]
			matched = append(matched, &c)
		}
	}

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

// LastPerAgent returns the most recent pause, resume, or kill per agent.
func (s *MemoryInterventionStore) LastPerAgent(ctx context.Context, orgID string) (map[string]*models.Intervention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	last := make(map[string]*models.Intervention)
	for _, iv := range s.entries {
		if orgID != "" && iv.OrgID != orgID {
			continue
		}
		switch iv.Type {
		case models.InterventionPause, models.InterventionResume, models.InterventionKill:
		default:
			continue
		}
		prev, ok := last[iv.AgentID]
		if !ok || !iv.CreatedAt.Before(prev.CreatedAt) {
			c := *iv
			last[iv.AgentID] = &c
		}
	}
	return last, nil
}

// MemoryActivityStore is an in-memory ActivityStore.
type MemoryActivityStore struct {
	mu      sync.RWMutex
	records []*models.ActivityRecord
}

// NewMemoryActivityStore creates an empty in-memory activity store.
func NewMemoryActivityStore() *MemoryActivityStore {
	return &MemoryActivityStore{}
}

// Record appends one activity row.
func (s *MemoryActivityStore) Record(ctx context.Context, rec *models.ActivityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *rec
	s.records = append(s.records, &c)
	return nil
}

func (s *MemoryActivityStore) window(orgID string, since time.Time) []*models.ActivityRecord {
	var out []*models.ActivityRecord
	for _, rec := range s.records {
		if orgID != "" && rec.OrgID != orgID {
			continue
		}
		if rec.CreatedAt.Before(since) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// ErrorCountsByAgent returns failed-call counts per agent since the given time.
func (s *MemoryActivityStore) ErrorCountsByAgent(ctx context.Context, orgID string, since time.Time) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, rec := range s.window(orgID, since) {
		if !rec.Success {
			counts[rec.AgentID]++
		}
	}
	return counts, nil
}

// CostByAgent returns accumulated cost per agent since the given time.
func (s *MemoryActivityStore) CostByAgent(ctx context.Context, orgID string, since time.Time) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	costs := make(map[string]float64)
	for _, rec := range s.window(orgID, since) {
		costs[rec.AgentID] += rec.CostUSD
	}
	return costs, nil
}

// CallCountsByAgent returns total call counts per agent since the given time.
func (s *MemoryActivityStore) CallCountsByAgent(ctx context.Context, orgID string, since time.Time) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, rec := range s.window(orgID, since) {
		counts[rec.AgentID]++
	}
	return counts, nil
}

// ActiveAgents returns the ids of agents with any activity since the given time.
func (s *MemoryActivityStore) ActiveAgents(ctx context.Context, orgID string, since time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, rec := range s.window(orgID, since) {
		if _, ok := seen[rec.AgentID]; ok {
			continue
		}
		seen[rec.AgentID] = struct{}{}
		out = append(out, rec.AgentID)
	}
	sort.Strings(out)
	return out, nil
}

// MemoryAuditStore is an in-memory AuditStore.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*models.AuditEntry
}

// NewMemoryAuditStore creates an empty in-memory audit store.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

// Append records an audit entry.
func (s *MemoryAuditStore) Append(ctx context.Context, entry *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *entry
	s.entries = append(s.entries, &c)
	return nil
}

// Entries returns a snapshot of recorded audit entries.
func (s *MemoryAuditStore) Entries() []*models.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.AuditEntry, len(s.entries))
	copy(out, s.entries)
	return out
}
