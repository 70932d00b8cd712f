package catalog

import (
	"testing"
)

func TestRiskLevel_Ordering(t *testing.T) {
	if !(RiskLow < RiskMedium && RiskMedium < RiskHigh && RiskHigh < RiskCritical) {
		t.Error("risk levels must be totally ordered low < medium < high < critical")
	}
}

func TestParseRiskLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    RiskLevel
		wantErr bool
	}{
		{"low", RiskLow, false},
		{"Medium", RiskMedium, false},
		{" HIGH ", RiskHigh, false},
		{"critical", RiskCritical, false},
		{"severe", RiskLow, true},
		{"", RiskLow, true},
	}

	for _, tc := range cases {
		got, err := ParseRiskLevel(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseRiskLevel(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRiskLevel(%q) unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseRiskLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNewStaticCatalog_RejectsUnknownSkill(t *testing.T) {
	_, err := NewStaticCatalog(
		[]SkillDefinition{{ID: "research", Name: "Research"}},
		[]ToolDefinition{{ID: "exec", SkillID: "automation"}},
	)
	if err == nil {
		t.Error("expected error for tool referencing unknown skill")
	}
}

func TestNewStaticCatalog_RejectsDuplicateTool(t *testing.T) {
	_, err := NewStaticCatalog(
		[]SkillDefinition{{ID: "research"}},
		[]ToolDefinition{
			{ID: "web_search", SkillID: "research"},
			{ID: "web_search", SkillID: "research"},
		},
	)
	if err == nil {
		t.Error("expected error for duplicate tool id")
	}
}

func TestStaticCatalog_Lookup(t *testing.T) {
	cat, err := NewStaticCatalog(
		[]SkillDefinition{{ID: "research", Name: "Research", Category: CategoryRead, Risk: RiskLow}},
		[]ToolDefinition{{
			ID:          "web_search",
			SkillID:     "research",
			Category:    CategoryRead,
			Risk:        RiskLow,
			SideEffects: []SideEffect{SideEffectNetwork},
		}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tool, ok := cat.Tool("web_search")
	if !ok {
		t.Fatal("web_search should be present")
	}
	if !tool.HasSideEffect(SideEffectNetwork) {
		t.Error("web_search should carry the network side effect")
	}
	if tool.HasSideEffect(SideEffectFinancial) {
		t.Error("web_search should not carry the financial side effect")
	}

	if _, ok := cat.Tool("missing"); ok {
		t.Error("missing tool should not be found")
	}
	if _, ok := cat.Skill("research"); !ok {
		t.Error("research skill should be present")
	}
}

func TestParse_YAML(t *testing.T) {
	data := []byte(`
skills:
  - id: research
    name: Research
    category: read
    risk: low
  - id: automation
    name: Automation
    category: execute
    risk: high
tools:
  - id: web_search
    skill: research
    category: read
    risk: low
    side_effects: [network]
  - id: exec
    skill: automation
    category: execute
    risk: critical
    side_effects: [runs_code]
`)

	cat, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	tools := cat.Tools()
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}
	// Sorted by id: exec before web_search
	if tools[0].ID != "exec" || tools[1].ID != "web_search" {
		t.Errorf("tools not sorted by id: %v, %v", tools[0].ID, tools[1].ID)
	}

	exec, _ := cat.Tool("exec")
	if exec.Risk != RiskCritical {
		t.Errorf("exec risk = %v, want critical", exec.Risk)
	}
	if exec.SkillID != "automation" {
		t.Errorf("exec skill = %q, want automation", exec.SkillID)
	}
}

func TestParse_InvalidRisk(t *testing.T) {
	data := []byte(`
skills:
  - id: s
tools:
  - id: t
    skill: s
    risk: extreme
`)
	if _, err := Parse(data); err == nil {
		t.Error("expected error for invalid risk level")
	}
}
