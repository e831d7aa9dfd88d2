// Package matcher scores templates against page indicators and selects the
// best active template above the match threshold.
package matcher

import (
	"math"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spec-extractor/internal/model"
	"github.com/sells-group/spec-extractor/internal/page"
)

// DefaultThreshold is the score a template must exceed to be selected.
const DefaultThreshold = 0.7

// Weights are the relative contributions of each evidence category.
type Weights struct {
	Title  float64
	URL    float64
	Marker float64
	Hint   float64
}

// Config holds matcher settings.
type Config struct {
	Threshold float64
	Weights   Weights
}

// DefaultConfig returns the standard weighting: title keywords 0.3, URL
// patterns 0.2, HTML markers 0.3, component type hint 0.2.
func DefaultConfig() Config {
	return Config{
		Threshold: DefaultThreshold,
		Weights:   Weights{Title: 0.3, URL: 0.2, Marker: 0.3, Hint: 0.2},
	}
}

// Matcher scores and selects templates. It holds no mutable state.
type Matcher struct {
	cfg Config
}

// New creates a Matcher. Zero fields fall back to DefaultConfig values.
func New(cfg Config) *Matcher {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = def.Weights
	}
	return &Matcher{cfg: cfg}
}

// Threshold returns the configured match threshold.
func (m *Matcher) Threshold() float64 { return m.cfg.Threshold }

// Candidate is one scored template.
type Candidate struct {
	Template *model.Template
	Score    float64
}

// Score returns the similarity of t to the page in [0, 1]. Each declared
// pattern category contributes its weight times the fraction of its
// patterns present; the sum is divided by the weight of declared
// categories. A non-empty hint adds the hint weight to the divisor and to
// the sum only when it equals t's component type, so it lifts agreeing
// templates and lowers the rest without lifting a template that has no
// evidence over the threshold.
func (m *Matcher) Score(ind page.Indicators, t *model.Template, hint string) float64 {
	w := m.cfg.Weights
	var got, possible float64

	if kws := t.PagePatterns.TitleKeywords; len(kws) > 0 {
		got += w.Title * fraction(kws, ind.HasTitleKeyword)
		possible += w.Title
	}
	if pats := t.PagePatterns.URLPatterns; len(pats) > 0 {
		got += w.URL * fraction(pats, ind.MatchesURLPattern)
		possible += w.URL
	}
	if marks := t.PagePatterns.HTMLMarkers; len(marks) > 0 {
		got += w.Marker * fraction(marks, ind.HasMarker)
		possible += w.Marker
	}
	if possible == 0 {
		return 0
	}

	if hint = strings.TrimSpace(hint); hint != "" {
		possible += w.Hint
		if strings.EqualFold(hint, strings.TrimSpace(t.ComponentType)) {
			got += w.Hint
		}
	}

	// Rounded so equal evidence compares equal regardless of summation order.
	return math.Round(got/possible*1e9) / 1e9
}

func fraction(items []string, present func(string) bool) float64 {
	hits := 0
	for _, it := range items {
		if present(it) {
			hits++
		}
	}
	return float64(hits) / float64(len(items))
}

// Rank scores every active candidate and orders them best first. Equal
// scores are ordered by success rate, then usage count, then most recent
// use, then template ID, so the order never depends on input order.
func (m *Matcher) Rank(ind page.Indicators, candidates []model.Template, hint string) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for i := range candidates {
		t := &candidates[i]
		if !t.IsActive {
			continue
		}
		out = append(out, Candidate{Template: t, Score: m.Score(ind, t, hint)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return preferred(out[i].Template, out[j].Template)
	})
	return out
}

// Match returns the best active template whose score exceeds the threshold,
// or an error of kind KindNoMatch.
func (m *Matcher) Match(ind page.Indicators, candidates []model.Template, hint string) (*model.Template, float64, error) {
	ranked := m.Rank(ind, candidates, hint)
	if len(ranked) == 0 {
		return nil, 0, &model.Error{
			Kind: model.KindNoMatch,
			Op:   "match",
			Err:  eris.New("matcher: no active templates"),
		}
	}

	best := ranked[0]
	zap.L().Debug("matcher: best candidate",
		zap.String("template_id", best.Template.TemplateID),
		zap.Float64("score", best.Score),
		zap.Int("candidates", len(ranked)),
	)
	if best.Score <= m.cfg.Threshold {
		return nil, best.Score, &model.Error{
			Kind:       model.KindNoMatch,
			Op:         "match",
			TemplateID: best.Template.TemplateID,
			Err:        eris.Errorf("matcher: best score %.3f does not exceed threshold %.2f", best.Score, m.cfg.Threshold),
		}
	}

	t := *best.Template
	return &t, best.Score, nil
}

// preferred reports whether a wins a score tie against b.
func preferred(a, b *model.Template) bool {
	ra, rb := rate(a), rate(b)
	if ra != rb {
		return ra > rb
	}
	if a.UsageCount != b.UsageCount {
		return a.UsageCount > b.UsageCount
	}
	la, lb := a.LastUsedAt, b.LastUsedAt
	switch {
	case la != nil && lb == nil:
		return true
	case la == nil && lb != nil:
		return false
	case la != nil && lb != nil && !la.Equal(*lb):
		return la.After(*lb)
	}
	if a.TemplateID != b.TemplateID {
		return a.TemplateID < b.TemplateID
	}
	return a.Version > b.Version
}

// rate treats an unused template as ranking below any measured one.
func rate(t *model.Template) float64 {
	if t.SuccessRate == nil {
		return -1
	}
	return *t.SuccessRate
}

// FromConfig converts config values to a matcher Config. Zero values keep
// the defaults.
func FromConfig(threshold, title, url, marker, hint float64) Config {
	cfg := DefaultConfig()
	if threshold > 0 {
		cfg.Threshold = threshold
	}
	w := Weights{Title: title, URL: url, Marker: marker, Hint: hint}
	if w != (Weights{}) {
		cfg.Weights = w
	}
	return cfg
}
