package model

import (
	"strings"
	"time"
)

// CreatedBy records how a template came into existence.
type CreatedBy string

const (
	CreatedByManual    CreatedBy = "manual"
	CreatedByGenerator CreatedBy = "generation-bridge"
)

// RuleKind identifies an extraction technique.
type RuleKind string

const (
	RulePattern  RuleKind = "pattern"
	RuleSelector RuleKind = "selector"
	RuleTable    RuleKind = "table"
	RuleTitle    RuleKind = "title"
)

// NormKind identifies how a raw value is canonicalized.
type NormKind string

const (
	NormEnum        NormKind = "enum"
	NormDimension   NormKind = "dimension"
	NormPressure    NormKind = "pressure"
	NormTemperature NormKind = "temperature"
	NormString      NormKind = "string"
)

// Table lookup key matching modes.
const (
	MatchSubstring = "substring"
	MatchExact     = "exact"
)

// Template is a versioned ruleset for one component type.
type Template struct {
	TemplateID    string       `json:"templateId" yaml:"templateId"`
	ComponentType string       `json:"componentType" yaml:"componentType"`
	Category      string       `json:"category" yaml:"category"`
	Version       int          `json:"version" yaml:"version"`
	PagePatterns  PagePatterns `json:"pagePatterns" yaml:"pagePatterns"`
	SpecFields    []FieldRule  `json:"specFields" yaml:"specFields"`
	Validation    Validation   `json:"validation" yaml:"validation"`
	CreatedBy     CreatedBy    `json:"createdBy" yaml:"createdBy"`
	UsageCount    int          `json:"usageCount" yaml:"usageCount"`
	SuccessRate   *float64     `json:"successRate,omitempty" yaml:"successRate,omitempty"`
	LastUsedAt    *time.Time   `json:"lastUsedAt,omitempty" yaml:"lastUsedAt,omitempty"`
	IsActive      bool         `json:"isActive" yaml:"isActive"`
	CreatedAt     time.Time    `json:"createdAt,omitzero" yaml:"createdAt,omitempty"`
}

// PagePatterns are the indicators a page must show for a template to apply.
type PagePatterns struct {
	TitleKeywords []string `json:"titleKeywords,omitempty" yaml:"titleKeywords,omitempty"`
	URLPatterns   []string `json:"urlPatterns,omitempty" yaml:"urlPatterns,omitempty"`
	HTMLMarkers   []string `json:"htmlMarkers,omitempty" yaml:"htmlMarkers,omitempty"`
}

// Empty reports whether no pattern category is populated.
func (p PagePatterns) Empty() bool {
	return len(p.TitleKeywords) == 0 && len(p.URLPatterns) == 0 && len(p.HTMLMarkers) == 0
}

// FieldRule is one extractable attribute within a template.
type FieldRule struct {
	Name            string            `json:"name" yaml:"name"`
	Required        bool              `json:"required" yaml:"required"`
	ExtractionRules []ExtractionRule  `json:"extractionRules" yaml:"extractionRules"`
	Normalization   NormalizationSpec `json:"normalization" yaml:"normalization"`
}

// ExtractionRule is a single technique for locating a field's raw value.
// Only the parameters relevant to Kind are read.
type ExtractionRule struct {
	Kind RuleKind `json:"kind" yaml:"kind"`

	// pattern, title
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`

	// selector
	Selector  string `json:"selector,omitempty" yaml:"selector,omitempty"`
	Attribute string `json:"attribute,omitempty" yaml:"attribute,omitempty"`

	// table
	TableSelector string `json:"tableSelector,omitempty" yaml:"tableSelector,omitempty"`
	KeyColumn     int    `json:"keyColumn,omitempty" yaml:"keyColumn,omitempty"`
	ValueColumn   int    `json:"valueColumn,omitempty" yaml:"valueColumn,omitempty"`
	KeyText       string `json:"keyText,omitempty" yaml:"keyText,omitempty"`
	MatchMode     string `json:"matchMode,omitempty" yaml:"matchMode,omitempty"`

	// Fallback names another kind re-run with the same parameters when
	// this rule finds nothing.
	Fallback RuleKind `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

// ValueCol returns the table value column, defaulting to the second column.
func (r ExtractionRule) ValueCol() int {
	if r.ValueColumn <= 0 && r.KeyColumn == 0 {
		return 1
	}
	return r.ValueColumn
}

// NormalizationSpec describes how to canonicalize a raw value.
type NormalizationSpec struct {
	Kind   NormKind `json:"kind" yaml:"kind"`
	Values []string `json:"values,omitempty" yaml:"values,omitempty"`
	Unit   string   `json:"unit,omitempty" yaml:"unit,omitempty"`
}

// Validation holds template-level completeness rules.
type Validation struct {
	RequiredFields    []string          `json:"requiredFields,omitempty" yaml:"requiredFields,omitempty"`
	FieldDependencies []FieldDependency `json:"fieldDependencies,omitempty" yaml:"fieldDependencies,omitempty"`
}

// FieldDependency states that when Field is present, Requires must be too.
type FieldDependency struct {
	Field    string `json:"field" yaml:"field"`
	Requires string `json:"requires" yaml:"requires"`
}

// Field returns the named field rule, or nil.
func (t *Template) Field(name string) *FieldRule {
	for i := range t.SpecFields {
		if t.SpecFields[i].Name == name {
			return &t.SpecFields[i]
		}
	}
	return nil
}

// RequiredFieldNames returns the fields flagged required plus those listed
// in Validation.RequiredFields, in declaration order without duplicates.
func (t *Template) RequiredFieldNames() []string {
	listed := make(map[string]bool, len(t.Validation.RequiredFields))
	for _, name := range t.Validation.RequiredFields {
		listed[name] = true
	}

	seen := make(map[string]bool)
	var out []string
	for _, f := range t.SpecFields {
		if (f.Required || listed[f.Name]) && !seen[f.Name] {
			seen[f.Name] = true
			out = append(out, f.Name)
		}
	}
	for _, name := range t.Validation.RequiredFields {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// Slug turns a component type into an identifier fragment:
// "Swing Check Valve" becomes "swing_check_valve".
func Slug(componentType string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(componentType) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore:
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
