package model

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

// CompilePattern compiles a rule pattern. Patterns match case-insensitively
// and ^/$ anchor at line boundaries.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?im)" + pattern)
}

// Validate checks the template is structurally usable. It runs once when a
// template is loaded or created, never per extraction.
func (t *Template) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(t.TemplateID) == "" {
		add("templateId is empty")
	}
	if strings.TrimSpace(t.ComponentType) == "" {
		add("componentType is empty")
	}
	if t.PagePatterns.Empty() {
		add("pagePatterns has no populated category")
	}
	if len(t.SpecFields) == 0 {
		add("specFields is empty")
	}

	names := make(map[string]bool, len(t.SpecFields))
	for i, f := range t.SpecFields {
		if f.Name == "" {
			add("specFields[%d]: name is empty", i)
			continue
		}
		if names[f.Name] {
			add("specFields[%d]: duplicate name %q", i, f.Name)
		}
		names[f.Name] = true

		if len(f.ExtractionRules) == 0 {
			add("field %q: no extraction rules", f.Name)
		}
		for j, r := range f.ExtractionRules {
			if msg := validateRule(r); msg != "" {
				add("field %q rule %d: %s", f.Name, j, msg)
			}
		}
		if msg := validateNormalization(f.Normalization); msg != "" {
			add("field %q: %s", f.Name, msg)
		}
	}

	for _, name := range t.Validation.RequiredFields {
		if !names[name] {
			add("validation.requiredFields: unknown field %q", name)
		}
	}
	for _, dep := range t.Validation.FieldDependencies {
		if !names[dep.Field] || !names[dep.Requires] {
			add("validation.fieldDependencies: unknown field in %s -> %s", dep.Field, dep.Requires)
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return &Error{
		Kind:       KindInvalidTemplate,
		Op:         "validate",
		TemplateID: t.TemplateID,
		Err:        eris.New(strings.Join(problems, "; ")),
	}
}

func validateRule(r ExtractionRule) string {
	switch r.Kind {
	case RulePattern, RuleTitle:
		if r.Pattern == "" {
			return "pattern is empty"
		}
		if _, err := CompilePattern(r.Pattern); err != nil {
			return "bad pattern: " + err.Error()
		}
	case RuleSelector:
		if r.Selector == "" {
			return "selector is empty"
		}
	case RuleTable:
		if r.KeyText == "" {
			return "keyText is empty"
		}
		if r.KeyColumn < 0 || r.ValueColumn < 0 {
			return "negative column index"
		}
		if r.MatchMode != "" && r.MatchMode != MatchSubstring && r.MatchMode != MatchExact {
			return "unknown matchMode " + r.MatchMode
		}
	default:
		return fmt.Sprintf("unknown kind %q", r.Kind)
	}

	switch r.Fallback {
	case "":
	case RuleTitle, RulePattern:
		if r.Pattern == "" {
			return "fallback " + string(r.Fallback) + " needs a pattern"
		}
	case RuleSelector:
		if r.Selector == "" {
			return "fallback selector needs a selector"
		}
	case RuleTable:
		if r.KeyText == "" {
			return "fallback table needs keyText"
		}
	default:
		return fmt.Sprintf("unknown fallback %q", r.Fallback)
	}
	return ""
}

func validateNormalization(n NormalizationSpec) string {
	switch n.Kind {
	case NormEnum:
		if len(n.Values) == 0 {
			return "enum normalization has no values"
		}
	case NormDimension, NormPressure, NormTemperature, NormString:
	case "":
		return "normalization kind is empty"
	default:
		return fmt.Sprintf("unknown normalization kind %q", n.Kind)
	}
	return ""
}
