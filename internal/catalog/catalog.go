// Package catalog holds the immutable skill and tool catalog: which tools
// exist, which skill owns each, and the risk/side-effect metadata the
// permission engine gates on. The catalog is loaded once at startup and is
// the single source of truth for tool metadata.
package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// RiskLevel is the totally ordered risk scale low < medium < high < critical.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskNames = map[RiskLevel]string{
	RiskLow:      "low",
	RiskMedium:   "medium",
	RiskHigh:     "high",
	RiskCritical: "critical",
}

// String returns the lowercase name of the risk level.
func (r RiskLevel) String() string {
	if name, ok := riskNames[r]; ok {
		return name
	}
	return fmt.Sprintf("risk(%d)", int(r))
}

// ParseRiskLevel parses a risk level name. Unknown names are an error so a
// typo in config cannot silently weaken a risk ceiling.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	case "critical":
		return RiskCritical, nil
	default:
		return RiskLow, fmt.Errorf("unknown risk level %q", s)
	}
}

// MarshalYAML implements yaml.Marshaler.
func (r RiskLevel) MarshalYAML() (any, error) {
	return r.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (r *RiskLevel) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseRiskLevel(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Category classifies what kind of action a tool performs.
type Category string

const (
	CategoryRead        Category = "read"
	CategoryWrite       Category = "write"
	CategoryExecute     Category = "execute"
	CategoryCommunicate Category = "communicate"
	CategoryDestroy     Category = "destroy"
)

// SideEffect tags an external-world consequence a tool can cause.
type SideEffect string

const (
	SideEffectSendsEmail SideEffect = "sends_email"
	SideEffectRunsCode   SideEffect = "runs_code"
	SideEffectFinancial  SideEffect = "financial"
	SideEffectNetwork    SideEffect = "network"
	SideEffectDeletes    SideEffect = "deletes_data"
)

// ToolDefinition is an immutable catalog entry for a single invocable tool.
type ToolDefinition struct {
	// ID is the unique tool identifier (e.g. "web_search").
	ID string `yaml:"id"`

	// SkillID is the owning skill's identifier (back-reference, no ownership).
	SkillID string `yaml:"skill"`

	// Category classifies the tool's action.
	Category Category `yaml:"category"`

	// Risk is the tool's risk level on the ordered scale.
	Risk RiskLevel `yaml:"risk"`

	// SideEffects tags the external consequences the tool can cause.
	SideEffects []SideEffect `yaml:"side_effects,omitempty"`
}

// HasSideEffect reports whether the tool carries the given side-effect tag.
func (t ToolDefinition) HasSideEffect(se SideEffect) bool {
	for _, tag := range t.SideEffects {
		if tag == se {
			return true
		}
	}
	return false
}

// HasAnySideEffect reports whether the tool carries any side-effect tag at all.
func (t ToolDefinition) HasAnySideEffect() bool {
	return len(t.SideEffects) > 0
}

// SkillDefinition groups tools under a named capability bundle. The skill's
// own risk and category support coarse-grained gating.
type SkillDefinition struct {
	ID       string    `yaml:"id"`
	Name     string    `yaml:"name"`
	Category Category  `yaml:"category"`
	Risk     RiskLevel `yaml:"risk"`
}

// Catalog is the read-only tool metadata source the permission engine is
// constructed with. There is exactly one catalog per pipeline, resolved at
// construction time.
type Catalog interface {
	// Tool returns the definition for a tool id.
	Tool(id string) (ToolDefinition, bool)

	// Skill returns the definition for a skill id.
	Skill(id string) (SkillDefinition, bool)

	// Tools returns every catalog entry, sorted by tool id.
	Tools() []ToolDefinition
}

// StaticCatalog is an immutable in-memory Catalog.
type StaticCatalog struct {
	tools  map[string]ToolDefinition
	skills map[string]SkillDefinition
	sorted []ToolDefinition
}

// NewStaticCatalog builds a catalog from skill and tool definitions. It
// rejects duplicate tool ids and tools referencing unknown skills.
func NewStaticCatalog(skills []SkillDefinition, tools []ToolDefinition) (*StaticCatalog, error) {
	c := &StaticCatalog{
		tools:  make(map[string]ToolDefinition, len(tools)),
		skills: make(map[string]SkillDefinition, len(skills)),
	}

	for _, s := range skills {
		if s.ID == "" {
			return nil, fmt.Errorf("skill id is required")
		}
		if _, exists := c.skills[s.ID]; exists {
			return nil, fmt.Errorf("duplicate skill id %q", s.ID)
		}
		c.skills[s.ID] = s
	}

	for _, t := range tools {
		if t.ID == "" {
			return nil, fmt.Errorf("tool id is required")
		}
		if _, exists := c.tools[t.ID]; exists {
			return nil, fmt.Errorf("duplicate tool id %q", t.ID)
		}
		if _, ok := c.skills[t.SkillID]; !ok {
			return nil, fmt.Errorf("tool %q references unknown skill %q", t.ID, t.SkillID)
		}
		c.tools[t.ID] = t
	}

	c.sorted = make([]ToolDefinition, 0, len(c.tools))
	for _, t := range c.tools {
		c.sorted = append(c.sorted, t)
	}
	sort.Slice(c.sorted, func(i, j int) bool { return c.sorted[i].ID < c.sorted[j].ID })

	return c, nil
}

// Tool returns the definition for a tool id.
func (c *StaticCatalog) Tool(id string) (ToolDefinition, bool) {
	t, ok := c.tools[id]
	return t, ok
}

// Skill returns the definition for a skill id.
func (c *StaticCatalog) Skill(id string) (SkillDefinition, bool) {
	s, ok := c.skills[id]
	return s, ok
}

// Tools returns every catalog entry, sorted by tool id.
func (c *StaticCatalog) Tools() []ToolDefinition {
	out := make([]ToolDefinition, len(c.sorted))
	copy(out, c.sorted)
	return out
}
