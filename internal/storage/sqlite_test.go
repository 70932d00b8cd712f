package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/warden/pkg/models"
)

func openTestDB(t *testing.T) *Stores {
	t.Helper()
	db, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db.Stores()
}

func TestSQLiteRuleStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	stores := openTestDB(t)

	triggered := time.Now().UTC().Truncate(time.Second)
	rule := testRule("r1")
	rule.TriggerCount = 3
	rule.LastTriggeredAt = &triggered

	if err := stores.Rules.Save(ctx, rule); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := stores.Rules.Get(ctx, "org1", "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Type != models.RuleErrorRate || got.Action != models.ActionPause {
		t.Errorf("got %+v", got)
	}
	if got.Condition.Threshold != 10 || got.Condition.WindowMinutes != 15 {
		t.Errorf("condition did not round-trip: %+v", got.Condition)
	}
	if got.LastTriggeredAt == nil || !got.LastTriggeredAt.Equal(triggered) {
		t.Errorf("last triggered = %v, want %v", got.LastTriggeredAt, triggered)
	}

	// Save again with the same id updates in place.
	rule.Enabled = false
	if err := stores.Rules.Save(ctx, rule); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	enabled, err := stores.Rules.ListEnabled(ctx, "org1")
	if err != nil {
		t.Fatalf("list enabled: %v", err)
	}
	if len(enabled) != 0 {
		t.Errorf("disabled rule still listed: %v", enabled)
	}

	if err := stores.Rules.Delete(ctx, "org1", "r1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := stores.Rules.Get(ctx, "org1", "r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete = %v, want ErrNotFound", err)
	}
}

func TestSQLiteInterventionStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	stores := openTestDB(t)

	base := time.Now().UTC().Truncate(time.Second)
	events := []*models.Intervention{
		{ID: "i1", OrgID: "org1", AgentID: "a1", Type: models.InterventionPause, Reason: "error spike", Actor: models.ActorSystem, Metadata: map[string]any{"rule_id": "r1"}, CreatedAt: base},
		{ID: "i2", OrgID: "org1", AgentID: "a1", Type: models.InterventionResume, Actor: "alice", CreatedAt: base.Add(time.Second)},
		{ID: "i3", OrgID: "org1", AgentID: "a2", Type: models.InterventionPause, Actor: "alice", CreatedAt: base.Add(2 * time.Second)},
		{ID: "i4", OrgID: "org1", AgentID: "a2", Type: models.InterventionAnomalyDetected, Actor: models.ActorSystem, CreatedAt: base.Add(3 * time.Second)},
	}
	for _, iv := range events {
		if err := stores.Interventions.Append(ctx, iv); err != nil {
			t.Fatalf("append %s: %v", iv.ID, err)
		}
	}

	all, err := stores.Interventions.List(ctx, InterventionFilter{OrgID: "org1"}, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 4 || all[0].ID != "i4" {
		t.Fatalf("want 4 newest-first, got %v", all)
	}
	if all[3].Metadata["rule_id"] != "r1" {
		t.Errorf("metadata did not round-trip: %v", all[3].Metadata)
	}

	paused, err := stores.Interventions.List(ctx, InterventionFilter{OrgID: "org1", Type: models.InterventionPause}, 0, 0)
	if err != nil {
		t.Fatalf("list pauses: %v", err)
	}
	if len(paused) != 2 {
		t.Errorf("pause events = %d, want 2", len(paused))
	}

	last, err := stores.Interventions.LastPerAgent(ctx, "org1")
	if err != nil {
		t.Fatalf("last per agent: %v", err)
	}
	if last["a1"].Type != models.InterventionResume {
		t.Errorf("a1 last = %s, want resume", last["a1"].Type)
	}
	if last["a2"].Type != models.InterventionPause {
		t.Errorf("a2 last = %s, want pause (anomaly excluded)", last["a2"].Type)
	}
}

func TestSQLiteActivityStore_Aggregates(t *testing.T) {
	ctx := context.Background()
	stores := openTestDB(t)

	now := time.Now().UTC()
	records := []*models.ActivityRecord{
		{ID: "1", OrgID: "org1", AgentID: "a1", ToolName: "exec", Success: false, CostUSD: 0.10, CreatedAt: now.Add(-5 * time.Minute)},
		{ID: "2", OrgID: "org1", AgentID: "a1", ToolName: "exec", Success: false, CostUSD: 0.10, CreatedAt: now.Add(-4 * time.Minute)},
		{ID: "3", OrgID: "org1", AgentID: "a1", ToolName: "web_search", Success: true, CostUSD: 0.01, CreatedAt: now.Add(-3 * time.Minute)},
		{ID: "4", OrgID: "org1", AgentID: "a2", ToolName: "send_email", Success: true, CostUSD: 2.00, CreatedAt: now.Add(-2 * time.Minute)},
		{ID: "5", OrgID: "org1", AgentID: "a9", ToolName: "exec", Success: false, CostUSD: 5.00, CreatedAt: now.Add(-2 * time.Hour)},
	}
	for _, rec := range records {
		if err := stores.Activity.Record(ctx, rec); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	since := now.Add(-10 * time.Minute)

	errs, err := stores.Activity.ErrorCountsByAgent(ctx, "org1", since)
	if err != nil {
		t.Fatalf("error counts: %v", err)
	}
	if errs["a1"] != 2 || len(errs) != 1 {
		t.Errorf("error counts = %v, want a1:2 only", errs)
	}

	costs, err := stores.Activity.CostByAgent(ctx, "org1", since)
	if err != nil {
		t.Fatalf("costs: %v", err)
	}
	if costs["a2"] != 2.00 {
		t.Errorf("a2 cost = %f, want 2.00", costs["a2"])
	}

	calls, err := stores.Activity.CallCountsByAgent(ctx, "org1", since)
	if err != nil {
		t.Fatalf("call counts: %v", err)
	}
	if calls["a1"] != 3 {
		t.Errorf("a1 calls = %d, want 3", calls["a1"])
	}

	active, err := stores.Activity.ActiveAgents(ctx, "org1", since)
	if err != nil {
		t.Fatalf("active agents: %v", err)
	}
	if len(active) != 2 || active[0] != "a1" || active[1] != "a2" {
		t.Errorf("active = %v, want [a1 a2]", active)
	}
}

func TestSQLiteAuditStore_Append(t *testing.T) {
	ctx := context.Background()
	stores := openTestDB(t)

	entry := &models.AuditEntry{
		ID:         "e1",
		TraceID:    "trace-1",
		ToolName:   "web_search",
		AgentID:    "a1",
		Timestamp:  time.Now().UTC(),
		Params:     map[string]any{"query": "golang"},
		Duration:   150 * time.Millisecond,
		Success:    true,
		OutputSize: 2048,
	}
	if err := stores.Audit.Append(ctx, entry); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestSQLiteActivityStore_RecordError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO activity").WillReturnError(errors.New("disk I/O error"))

	stores := newSQLite(db).Stores()
	rec := &models.ActivityRecord{ID: "1", AgentID: "a1", ToolName: "exec", CreatedAt: time.Now()}
	if err := stores.Activity.Record(context.Background(), rec); err == nil {
		t.Error("expected wrapped driver error")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
