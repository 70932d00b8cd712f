package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/warden/pkg/models"
)

// Timestamps are stored as integer unix nanoseconds so range queries stay a
// simple integer comparison regardless of driver time handling.

const schema = `
CREATE TABLE IF NOT EXISTS rules (
	id                TEXT NOT NULL,
	org_id            TEXT NOT NULL DEFAULT '',
	name              TEXT NOT NULL DEFAULT '',
	type              TEXT NOT NULL,
	condition         TEXT NOT NULL DEFAULT '{}',
	action            TEXT NOT NULL,
	severity          TEXT NOT NULL DEFAULT '',
	cooldown_minutes  INTEGER NOT NULL DEFAULT 0,
	enabled           INTEGER NOT NULL DEFAULT 1,
	trigger_count     INTEGER NOT NULL DEFAULT 0,
	last_triggered_at INTEGER,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL,
	PRIMARY KEY (org_id, id)
);

CREATE TABLE IF NOT EXISTS interventions (
	id         TEXT PRIMARY KEY,
	org_id     TEXT NOT NULL DEFAULT '',
	agent_id   TEXT NOT NULL,
	type       TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	actor      TEXT NOT NULL DEFAULT '',
	metadata   TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_interventions_agent
	ON interventions (org_id, agent_id, created_at);

CREATE TABLE IF NOT EXISTS activity (
	id         TEXT PRIMARY KEY,
	org_id     TEXT NOT NULL DEFAULT '',
	agent_id   TEXT NOT NULL,
	tool_name  TEXT NOT NULL,
	success    INTEGER NOT NULL,
	cost_usd   REAL NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activity_window
	ON activity (org_id, created_at);

CREATE TABLE IF NOT EXISTS audit_log (
	id          TEXT PRIMARY KEY,
	trace_id    TEXT NOT NULL DEFAULT '',
	span_id     TEXT NOT NULL DEFAULT '',
	tool_name   TEXT NOT NULL,
	agent_id    TEXT NOT NULL,
	ts          INTEGER NOT NULL,
	params      TEXT,
	duration_ns INTEGER NOT NULL DEFAULT 0,
	success     INTEGER NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	output_size INTEGER NOT NULL DEFAULT 0
);
`

// SQLite wraps a SQLite database holding all four stores.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc.org/sqlite serializes access per connection; a single
	// connection avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func newSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

func (s *SQLite) init() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Stores returns the store bundle backed by this database.
func (s *SQLite) Stores() *Stores {
	return &Stores{
		Rules:         &sqliteRuleStore{db: s.db},
		Interventions: &sqliteInterventionStore{db: s.db},
		Activity:      &sqliteActivityStore{db: s.db},
		Audit:         &sqliteAuditStore{db: s.db},
	}
}

type sqliteRuleStore struct {
	db *sql.DB
}

func (s *sqliteRuleStore) Save(ctx context.Context, rule *models.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	cond, err := json.Marshal(rule.Condition)
	if err != nil {
		return fmt.Errorf("marshal condition: %w", err)
	}

	var lastTriggered any
	if rule.LastTriggeredAt != nil {
		lastTriggered = rule.LastTriggeredAt.UnixNano()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (id, org_id, name, type, condition, action, severity,
			cooldown_minutes, enabled, trigger_count, last_triggered_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (org_id, id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			condition = excluded.condition,
			action = excluded.action,
			severity = excluded.severity,
			cooldown_minutes = excluded.cooldown_minutes,
			enabled = excluded.enabled,
			trigger_count = excluded.trigger_count,
			last_triggered_at = excluded.last_triggered_at,
			updated_at = excluded.updated_at`,
		rule.ID, rule.OrgID, rule.Name, string(rule.Type), string(cond),
		string(rule.Action), string(rule.Severity), rule.CooldownMinutes,
		rule.Enabled, rule.TriggerCount, lastTriggered,
		rule.CreatedAt.UnixNano(), rule.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save rule: %w", err)
	}
	return nil
}

func scanRule(row interface{ Scan(...any) error }) (*models.Rule, error) {
	var (
		rule          models.Rule
		ruleType      string
		cond          string
		action        string
		severity      string
		lastTriggered sql.NullInt64
		createdAt     int64
		updatedAt     int64
	)
	err := row.Scan(&rule.ID, &rule.OrgID, &rule.Name, &ruleType, &cond,
		&action, &severity, &rule.CooldownMinutes, &rule.Enabled,
		&rule.TriggerCount, &lastTriggered, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	rule.Type = models.RuleType(ruleType)
	rule.Action = models.RuleAction(action)
	rule.Severity = models.Severity(severity)
	if err := json.Unmarshal([]byte(cond), &rule.Condition); err != nil {
		return nil, fmt.Errorf("unmarshal condition: %w", err)
	}
	if lastTriggered.Valid {
		t := time.Unix(0, lastTriggered.Int64).UTC()
		rule.LastTriggeredAt = &t
	}
	rule.CreatedAt = time.Unix(0, createdAt).UTC()
	rule.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &rule, nil
}

const ruleColumns = `id, org_id, name, type, condition, action, severity,
	cooldown_minutes, enabled, trigger_count, last_triggered_at, created_at, updated_at`

func (s *sqliteRuleStore) Get(ctx context.Context, orgID, id string) (*models.Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE org_id = ? AND id = ?`, orgID, id)
	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return rule, nil
}

func (s *sqliteRuleStore) List(ctx context.Context, orgID string) ([]*models.Rule, error) {
	return s.list(ctx, `SELECT `+ruleColumns+` FROM rules WHERE org_id = ? ORDER BY id`, orgID)
}

func (s *sqliteRuleStore) ListEnabled(ctx context.Context, orgID string) ([]*models.Rule, error) {
	return s.list(ctx, `SELECT `+ruleColumns+` FROM rules WHERE org_id = ? AND enabled = 1 ORDER BY id`, orgID)
}

func (s *sqliteRuleStore) list(ctx context.Context, query, orgID string) ([]*models.Rule, error) {
	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []*models.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (s *sqliteRuleStore) Delete(ctx context.Context, orgID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE org_id = ? AND id = ?`, orgID, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type sqliteInterventionStore struct {
	db *sql.DB
}

func (s *sqliteInterventionStore) Append(ctx context.Context, iv *models.Intervention) error {
	var metadata any
	if len(iv.Metadata) > 0 {
		raw, err := json.Marshal(iv.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = string(raw)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interventions (id, org_id, agent_id, type, reason, actor, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		iv.ID, iv.OrgID, iv.AgentID, string(iv.Type), iv.Reason, iv.Actor,
		metadata, iv.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("append intervention: %w", err)
	}
	return nil
}

func scanIntervention(row interface{ Scan(...any) error }) (*models.Intervention, error) {
	var (
		iv        models.Intervention
		ivType    string
		metadata  sql.NullString
		createdAt int64
	)
	err := row.Scan(&iv.ID, &iv.OrgID, &iv.AgentID, &ivType, &iv.Reason,
		&iv.Actor, &metadata, &createdAt)
	if err != nil {
		return nil, err
	}
	iv.Type = models.InterventionType(ivType)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &iv.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	iv.CreatedAt = time.Unix(0, createdAt).UTC()
	return &iv, nil
}

func (s *sqliteInterventionStore) List(ctx context.Context, filter InterventionFilter, limit, offset int) ([]*models.Intervention, error) {
	query := `SELECT id, org_id, agent_id, type, reason, actor, metadata, created_at
		FROM interventions WHERE 1=1`
	var args []any
	if filter.OrgID != "" {
		query += ` AND org_id = ?`
		args = append(args, filter.OrgID)
	}
	if filter.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, filter.AgentID)
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(filter.Type))
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if limit <= 0 {
		limit = -1
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list interventions: %w", err)
	}
	defer rows.Close()

	var out []*models.Intervention
	for rows.Next() {
		iv, err := scanIntervention(rows)
		if err != nil {
			return nil, fmt.Errorf("scan intervention: %w", err)
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}

func (s *sqliteInterventionStore) LastPerAgent(ctx context.Context, orgID string) (map[string]*models.Intervention, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, agent_id, type, reason, actor, metadata, created_at FROM (
			SELECT *, ROW_NUMBER() OVER (
				PARTITION BY agent_id ORDER BY created_at DESC, rowid DESC
			) AS rn
			FROM interventions
			WHERE org_id = ? AND type IN ('pause', 'resume', 'kill')
		) WHERE rn = 1`, orgID)
	if err != nil {
		return nil, fmt.Errorf("last interventions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*models.Intervention)
	for rows.Next() {
		iv, err := scanIntervention(rows)
		if err != nil {
			return nil, fmt.Errorf("scan intervention: %w", err)
		}
		out[iv.AgentID] = iv
	}
	return out, rows.Err()
}

type sqliteActivityStore struct {
	db *sql.DB
}

func (s *sqliteActivityStore) Record(ctx context.Context, rec *models.ActivityRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity (id, org_id, agent_id, tool_name, success, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OrgID, rec.AgentID, rec.ToolName, rec.Success,
		rec.CostUSD, rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

func (s *sqliteActivityStore) ErrorCountsByAgent(ctx context.Context, orgID string, since time.Time) (map[string]int, error) {
	return s.intsByAgent(ctx, `
		SELECT agent_id, COUNT(*) FROM activity
		WHERE org_id = ? AND created_at >= ? AND success = 0
		GROUP BY agent_id`, orgID, since)
}

func (s *sqliteActivityStore) CallCountsByAgent(ctx context.Context, orgID string, since time.Time) (map[string]int, error) {
	return s.intsByAgent(ctx, `
		SELECT agent_id, COUNT(*) FROM activity
		WHERE org_id = ? AND created_at >= ?
		GROUP BY agent_id`, orgID, since)
}

func (s *sqliteActivityStore) intsByAgent(ctx context.Context, query, orgID string, since time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, query, orgID, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("activity counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var agentID string
		var n int
		if err := rows.Scan(&agentID, &n); err != nil {
			return nil, err
		}
		out[agentID] = n
	}
	return out, rows.Err()
}

func (s *sqliteActivityStore) CostByAgent(ctx context.Context, orgID string, since time.Time) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, SUM(cost_usd) FROM activity
		WHERE org_id = ? AND created_at >= ?
		GROUP BY agent_id`, orgID, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("activity costs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var agentID string
		var cost float64
		if err := rows.Scan(&agentID, &cost); err != nil {
			return nil, err
		}
		out[agentID] = cost
	}
	return out, rows.Err()
}

func (s *sqliteActivityStore) ActiveAgents(ctx context.Context, orgID string, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT agent_id FROM activity
		WHERE org_id = ? AND created_at >= ?
		ORDER BY agent_id`, orgID, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("active agents: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var agentID string
		if err := rows.Scan(&agentID); err != nil {
			return nil, err
		}
		out = append(out, agentID)
	}
	return out, rows.Err()
}

type sqliteAuditStore struct {
	db *sql.DB
}

func (s *sqliteAuditStore) Append(ctx context.Context, entry *models.AuditEntry) error {
	var params any
	if len(entry.Params) > 0 {
		raw, err := json.Marshal(entry.Params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		params = string(raw)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, trace_id, span_id, tool_name, agent_id, ts,
			params, duration_ns, success, error, output_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TraceID, entry.SpanID, entry.ToolName, entry.AgentID,
		entry.Timestamp.UnixNano(), params, int64(entry.Duration),
		entry.Success, entry.Error, entry.OutputSize)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}
