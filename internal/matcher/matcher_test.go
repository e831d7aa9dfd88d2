package matcher

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/spec-extractor/internal/model"
	"github.com/sells-group/spec-extractor/internal/page"
)

const pageHTML = `<html><head><title>Milwaukee 105 Bronze Gate Valve, Threaded</title></head>
<body><div class="product-specs"><table class="spec-table"><tr><td>Size</td><td>1"</td></tr></table></div></body></html>`

func indicators() page.Indicators {
	return page.IndicatorsFrom("Milwaukee 105 Bronze Gate Valve, Threaded", "https://shop.example.com/valves/gate-valves/105", pageHTML)
}

func tmpl(id, componentType string, pp model.PagePatterns) model.Template {
	return model.Template{
		TemplateID:    id,
		ComponentType: componentType,
		Category:      "valve",
		Version:       1,
		PagePatterns:  pp,
		IsActive:      true,
	}
}

func gateTemplate() model.Template {
	return tmpl("gate_valve_v1", "Gate Valve", model.PagePatterns{
		TitleKeywords: []string{"gate valve", "bronze"},
		URLPatterns:   []string{"gate-valve"},
		HTMLMarkers:   []string{"product-specs", "spec-table"},
	})
}

func TestScore_FullEvidenceIsOne(t *testing.T) {
	t.Parallel()

	m := New(DefaultConfig())
	g := gateTemplate()
	assert.InDelta(t, 1.0, m.Score(indicators(), &g, ""), 1e-9)
}

func TestScore_TitleProportionMonotonic(t *testing.T) {
	t.Parallel()

	m := New(DefaultConfig())
	ind := indicators()
	base := model.PagePatterns{URLPatterns: []string{"gate-valve"}, HTMLMarkers: []string{"spec-table"}}

	scores := make([]float64, 0, 4)
	present := []string{"gate valve", "bronze", "threaded", "milwaukee"}
	for n := 0; n <= 3; n++ {
		pp := base
		pp.TitleKeywords = append([]string{}, present[:n]...)
		for i := n; i < 3; i++ {
			pp.TitleKeywords = append(pp.TitleKeywords, fmt.Sprintf("absent-%d", i))
		}
		tt := tmpl("t", "Gate Valve", pp)
		scores = append(scores, m.Score(ind, &tt, ""))
	}
	for i := 1; i < len(scores); i++ {
		assert.Greater(t, scores[i], scores[i-1], "more title keywords present must score higher")
	}
}

func TestScore_URLMatchStrictlyHigher(t *testing.T) {
	t.Parallel()

	m := New(DefaultConfig())
	ind := indicators()
	with := tmpl("a", "Gate Valve", model.PagePatterns{TitleKeywords: []string{"gate valve"}, URLPatterns: []string{"pumps", "gate-valve"}})
	without := tmpl("b", "Gate Valve", model.PagePatterns{TitleKeywords: []string{"gate valve"}, URLPatterns: []string{"pumps", "strainers"}})

	assert.Greater(t, m.Score(ind, &with, ""), m.Score(ind, &without, ""))
}

func TestScore_AllMarkersStrictlyHigher(t *testing.T) {
	t.Parallel()

	m := New(DefaultConfig())
	ind := indicators()
	all := tmpl("a", "Gate Valve", model.PagePatterns{TitleKeywords: []string{"gate valve"}, HTMLMarkers: []string{"product-specs", "spec-table"}})
	missing := tmpl("b", "Gate Valve", model.PagePatterns{TitleKeywords: []string{"gate valve"}, HTMLMarkers: []string{"product-specs", "datasheet-download"}})

	assert.Greater(t, m.Score(ind, &all, ""), m.Score(ind, &missing, ""))
}

func TestScore_HintShiftsRanking(t *testing.T) {
	t.Parallel()

	m := New(DefaultConfig())
	ind := indicators()
	partial := tmpl("a", "Gate Valve", model.PagePatterns{TitleKeywords: []string{"gate valve", "flanged"}, URLPatterns: []string{"gate-valve"}})

	plain := m.Score(ind, &partial, "")
	agree := m.Score(ind, &partial, "gate valve")
	disagree := m.Score(ind, &partial, "Ball Valve")

	assert.Greater(t, agree, plain)
	assert.Less(t, disagree, plain)
}

func TestScore_HintNeverOverridesMissingEvidence(t *testing.T) {
	t.Parallel()

	m := New(DefaultConfig())
	ind := indicators()
	for _, pp := range []model.PagePatterns{
		{TitleKeywords: []string{"butterfly"}},
		{URLPatterns: []string{"butterfly"}},
		{HTMLMarkers: []string{"wafer-body"}},
		{TitleKeywords: []string{"butterfly"}, URLPatterns: []string{"wafer"}, HTMLMarkers: []string{"lug-style"}},
	} {
		tt := tmpl("bf", "Butterfly Valve", pp)
		assert.LessOrEqual(t, m.Score(ind, &tt, "Butterfly Valve"), m.Threshold())
	}
}

func TestScore_NoPatternsScoresZero(t *testing.T) {
	t.Parallel()

	m := New(DefaultConfig())
	empty := tmpl("e", "Gate Valve", model.PagePatterns{})
	assert.Equal(t, 0.0, m.Score(indicators(), &empty, "Gate Valve"))
}

func randomTemplates(r *rand.Rand, n int) []model.Template {
	vocab := []string{"gate valve", "bronze", "ball valve", "threaded", "gate-valve", "valves", "pumps", "product-specs", "spec-table", "wafer", "milwaukee", "105"}
	pick := func() []string {
		k := r.IntN(4)
		out := make([]string, 0, k)
		for range k {
			out = append(out, vocab[r.IntN(len(vocab))])
		}
		return out
	}

	out := make([]model.Template, 0, n)
	for i := range n {
		tt := tmpl(fmt.Sprintf("t%02d", i), []string{"Gate Valve", "Ball Valve"}[r.IntN(2)], model.PagePatterns{
			TitleKeywords: pick(),
			URLPatterns:   pick(),
			HTMLMarkers:   pick(),
		})
		if r.IntN(3) > 0 {
			rate := float64(r.IntN(3)) / 2
			tt.SuccessRate = &rate
			tt.UsageCount = r.IntN(3)
		}
		tt.IsActive = r.IntN(5) > 0
		out = append(out, tt)
	}
	return out
}

func TestScore_BoundedProperty(t *testing.T) {
	t.Parallel()

	m := New(DefaultConfig())
	ind := indicators()
	r := rand.New(rand.NewPCG(7, 11))
	for range 50 {
		for _, tt := range randomTemplates(r, 10) {
			for _, hint := range []string{"", "Gate Valve", "Check Valve"} {
				s := m.Score(ind, &tt, hint)
				assert.GreaterOrEqual(t, s, 0.0)
				assert.LessOrEqual(t, s, 1.0)
			}
		}
	}
}

func TestMatch_OrderIndependentProperty(t *testing.T) {
	t.Parallel()

	m := New(Config{Threshold: 0.3})
	ind := indicators()
	r := rand.New(rand.NewPCG(3, 5))

	for range 40 {
		candidates := randomTemplates(r, 8)
		want, wantScore, wantErr := m.Match(ind, candidates, "Gate Valve")

		for range 10 {
			shuffled := append([]model.Template(nil), candidates...)
			r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

			got, gotScore, gotErr := m.Match(ind, shuffled, "Gate Valve")
			assert.Equal(t, wantScore, gotScore)
			assert.Equal(t, model.KindOf(wantErr), model.KindOf(gotErr))
			if want == nil {
				assert.Nil(t, got)
				continue
			}
			require.NotNil(t, got)
			assert.Equal(t, want.TemplateID, got.TemplateID)
		}
	}
}

func TestMatch_ThresholdMustBeExceeded(t *testing.T) {
	t.Parallel()

	m := New(DefaultConfig())
	ind := indicators()

	// 7 of 10 title keywords present scores exactly 0.7.
	kws := []string{"milwaukee", "105", "bronze", "gate", "valve", "threaded", "gate valve", "x1", "x2", "x3"}
	exact := tmpl("exact", "Gate Valve", model.PagePatterns{TitleKeywords: kws})
	score := m.Score(ind, &exact, "")
	require.Equal(t, 0.7, score)

	got, gotScore, err := m.Match(ind, []model.Template{exact}, "")
	assert.Nil(t, got)
	assert.Equal(t, 0.7, gotScore)
	assert.True(t, model.IsKind(err, model.KindNoMatch))
}

func TestMatch_NoEvidenceIsNoMatch(t *testing.T) {
	t.Parallel()

	m := New(DefaultConfig())
	ind := page.IndicatorsFrom("Industrial Heat Exchanger HX-200", "https://example.com/hx/200", "<html><body>shell and tube</body></html>")

	_, _, err := m.Match(ind, []model.Template{gateTemplate()}, "")
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindNoMatch))

	_, _, err = m.Match(ind, nil, "")
	assert.True(t, model.IsKind(err, model.KindNoMatch))
}

func TestMatch_SkipsInactive(t *testing.T) {
	t.Parallel()

	m := New(DefaultConfig())
	inactive := gateTemplate()
	inactive.IsActive = false

	_, _, err := m.Match(indicators(), []model.Template{inactive}, "")
	assert.True(t, model.IsKind(err, model.KindNoMatch))
}

func TestMatch_TieBreaks(t *testing.T) {
	t.Parallel()

	m := New(DefaultConfig())
	ind := indicators()
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(48 * time.Hour)
	high, low := 0.9, 0.5

	a := gateTemplate()
	a.TemplateID = "a"
	b := gateTemplate()
	b.TemplateID = "b"

	tests := []struct {
		name   string
		mutate func(a, b *model.Template)
		want   string
	}{
		{"success rate", func(a, b *model.Template) { a.SuccessRate = &low; b.SuccessRate = &high }, "b"},
		{"measured beats unmeasured", func(a, b *model.Template) { a.SuccessRate = &low }, "a"},
		{"usage count", func(a, b *model.Template) { a.SuccessRate, b.SuccessRate = &high, &high; a.UsageCount, b.UsageCount = 3, 9 }, "b"},
		{"last used", func(a, b *model.Template) { a.LastUsedAt, b.LastUsedAt = &newer, &older }, "a"},
		{"used beats never used", func(a, b *model.Template) { b.LastUsedAt = &older }, "b"},
		{"template id", func(a, b *model.Template) {}, "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ca, cb := a, b
			tt.mutate(&ca, &cb)

			for _, order := range [][]model.Template{{ca, cb}, {cb, ca}} {
				got, score, err := m.Match(ind, order, "")
				require.NoError(t, err)
				assert.InDelta(t, 1.0, score, 1e-9)
				assert.Equal(t, tt.want, got.TemplateID)
			}
		})
	}
}

func TestMatch_HigherScoreBeatsBetterStats(t *testing.T) {
	t.Parallel()

	m := New(DefaultConfig())
	perfect := 1.0
	weaker := tmpl("weaker", "Gate Valve", model.PagePatterns{TitleKeywords: []string{"gate valve", "bronze", "flanged"}, URLPatterns: []string{"gate-valve"}})
	weaker.SuccessRate = &perfect
	weaker.UsageCount = 500

	got, _, err := m.Match(indicators(), []model.Template{weaker, gateTemplate()}, "")
	require.NoError(t, err)
	assert.Equal(t, "gate_valve_v1", got.TemplateID)
}

func TestMatch_ReturnsCopy(t *testing.T) {
	t.Parallel()

	m := New(DefaultConfig())
	candidates := []model.Template{gateTemplate()}
	got, _, err := m.Match(indicators(), candidates, "")
	require.NoError(t, err)
	got.ComponentType = "mutated"
	assert.Equal(t, "Gate Valve", candidates[0].ComponentType)
}

func TestFromConfig(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultConfig(), FromConfig(0, 0, 0, 0, 0))

	cfg := FromConfig(0.8, 0.5, 0.1, 0.3, 0.1)
	assert.InDelta(t, 0.8, cfg.Threshold, 1e-9)
	assert.Equal(t, Weights{Title: 0.5, URL: 0.1, Marker: 0.3, Hint: 0.1}, cfg.Weights)
}
