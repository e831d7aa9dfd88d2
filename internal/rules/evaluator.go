// Package rules evaluates a field's ordered extraction rules against a
// parsed page.
package rules

import (
	"regexp"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/spec-extractor/internal/model"
	"github.com/sells-group/spec-extractor/internal/page"
)

// Hit is a candidate raw value and where it was found.
type Hit struct {
	Raw      string
	Location model.LocationInfo
}

// Func evaluates one rule kind. It reports false when the rule finds
// nothing; missing elements or tables are misses, never errors.
type Func func(p *page.Page, rule model.ExtractionRule) (Hit, bool)

// Evaluator dispatches rules by kind. Register all kinds before concurrent
// use; evaluation itself is safe for concurrent callers.
type Evaluator struct {
	funcs map[model.RuleKind]Func

	mu       sync.RWMutex
	patterns map[string]*regexp.Regexp
}

// New returns an Evaluator with the pattern, selector, table and title kinds
// registered.
func New() *Evaluator {
	e := &Evaluator{
		funcs:    make(map[model.RuleKind]Func),
		patterns: make(map[string]*regexp.Regexp),
	}
	e.Register(model.RulePattern, e.evalPattern)
	e.Register(model.RuleTitle, e.evalTitle)
	e.Register(model.RuleSelector, evalSelector)
	e.Register(model.RuleTable, evalTable)
	return e
}

// Register installs or replaces the function for a rule kind.
func (e *Evaluator) Register(kind model.RuleKind, fn Func) {
	e.funcs[kind] = fn
}

// EvaluateField tries the field's rules in declared order and returns the
// first non-empty raw value. Later rules are not evaluated once one hits.
// When every rule misses the error is of kind KindNotFound.
func (e *Evaluator) EvaluateField(p *page.Page, field model.FieldRule) (string, model.LocationInfo, error) {
	for _, rule := range field.ExtractionRules {
		if hit, ok := e.evaluate(p, rule); ok {
			return hit.Raw, hit.Location, nil
		}
	}
	return "", model.LocationInfo{}, &model.Error{
		Kind:  model.KindNotFound,
		Op:    "evaluate field",
		Field: field.Name,
		Err:   eris.Errorf("rules: no rule matched (%d tried)", len(field.ExtractionRules)),
	}
}

// evaluate runs one rule and, if it misses, its fallback kind with the same
// parameters.
func (e *Evaluator) evaluate(p *page.Page, rule model.ExtractionRule) (Hit, bool) {
	if hit, ok := e.run(p, rule); ok {
		return hit, true
	}
	if rule.Fallback == "" || rule.Fallback == rule.Kind {
		return Hit{}, false
	}
	fb := rule
	fb.Kind, fb.Fallback = rule.Fallback, ""
	return e.run(p, fb)
}

func (e *Evaluator) run(p *page.Page, rule model.ExtractionRule) (Hit, bool) {
	fn, ok := e.funcs[rule.Kind]
	if !ok {
		return Hit{}, false
	}
	hit, ok := fn(p, rule)
	if !ok || hit.Raw == "" {
		return Hit{}, false
	}
	hit.Location.Rule = rule.Kind
	hit.Location.RawValue = hit.Raw
	return hit, true
}

// compiled returns the cached compiled form of a pattern.
func (e *Evaluator) compiled(pattern string) (*regexp.Regexp, error) {
	e.mu.RLock()
	re, ok := e.patterns[pattern]
	e.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := model.CompilePattern(pattern)
	if err != nil {
		return nil, eris.Wrapf(err, "rules: compile pattern %q", pattern)
	}
	e.mu.Lock()
	e.patterns[pattern] = re
	e.mu.Unlock()
	return re, nil
}
