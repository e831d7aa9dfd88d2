package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// GeneratedMatchScore marks results produced by a freshly generated template.
const GeneratedMatchScore = -1.0

// Measurement is one magnitude/unit pair, e.g. 125 SWP.
type Measurement struct {
	Magnitude float64 `json:"magnitude"`
	Unit      string  `json:"unit"`
}

func (m Measurement) String() string {
	mag := strconv.FormatFloat(m.Magnitude, 'f', -1, 64)
	if strings.HasPrefix(m.Unit, "°") {
		return mag + m.Unit
	}
	if m.Unit == "Class" {
		return "Class " + mag
	}
	return mag + " " + m.Unit
}

// Value is a normalized field value. Pressure and temperature carry
// Measurements; every other kind carries Text.
type Value struct {
	Kind         NormKind
	Text         string
	Measurements []Measurement
}

// TextValue builds a scalar Value.
func TextValue(kind NormKind, text string) Value {
	return Value{Kind: kind, Text: text}
}

// String renders the value for tabular output.
func (v Value) String() string {
	if len(v.Measurements) == 0 {
		return v.Text
	}
	parts := make([]string, len(v.Measurements))
	for i, m := range v.Measurements {
		parts[i] = m.String()
	}
	return strings.Join(parts, " / ")
}

// MarshalJSON emits a string for scalar values and a list for measurements.
func (v Value) MarshalJSON() ([]byte, error) {
	if len(v.Measurements) > 0 {
		return json.Marshal(v.Measurements)
	}
	return json.Marshal(v.Text)
}

// UnmarshalJSON accepts either form written by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		return json.Unmarshal(data, &v.Measurements)
	}
	return json.Unmarshal(data, &v.Text)
}

// LocationInfo records where a raw value was found. It is an explainability
// artifact and is never used to re-extract.
type LocationInfo struct {
	Rule     RuleKind `json:"rule"`
	RawValue string   `json:"rawValue"`

	// Element hits.
	CSSSelector string   `json:"cssSelector,omitempty"`
	XPath       string   `json:"xpath,omitempty"`
	Tag         string   `json:"tag,omitempty"`
	ID          string   `json:"id,omitempty"`
	Classes     []string `json:"classes,omitempty"`

	// Table hits.
	TableIndex *int `json:"tableIndex,omitempty"`
	Row        *int `json:"row,omitempty"`
	Column     *int `json:"column,omitempty"`

	// Pattern hits.
	Pattern   string `json:"pattern,omitempty"`
	MatchText string `json:"matchText,omitempty"`

	// Set when the raw value was found but could not be normalized.
	NormalizationError string `json:"normalizationError,omitempty"`
}

// DependencyViolation reports a present field whose dependency is absent.
type DependencyViolation struct {
	Field    string `json:"field"`
	Requires string `json:"requires"`
}

// ExtractionResult is the output of running one template against one page.
type ExtractionResult struct {
	Success               bool                    `json:"success"`
	TemplateID            string                  `json:"templateId"`
	ComponentType         string                  `json:"componentType"`
	SourceURL             string                  `json:"sourceUrl"`
	MatchScore            float64                 `json:"matchScore"`
	Generated             bool                    `json:"generated"`
	ExtractedSpecs        map[string]Value        `json:"extractedSpecs"`
	MissingRequiredFields []string                `json:"missingRequiredFields"`
	DependencyWarnings    []DependencyViolation   `json:"dependencyWarnings,omitempty"`
	LocationInfo          map[string]LocationInfo `json:"locationInfo"`
	States                []string                `json:"states,omitempty"`
	ExtractionTimeMs      int64                   `json:"extractionTimeMs"`
	ExtractedAt           time.Time               `json:"extractedAt"`
}

// FieldsExtracted returns the number of fields with a normalized value.
func (r *ExtractionResult) FieldsExtracted() int {
	return len(r.ExtractedSpecs)
}
