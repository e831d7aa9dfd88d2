package extract

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/spec-extractor/internal/generate"
	"github.com/sells-group/spec-extractor/internal/matcher"
	"github.com/sells-group/spec-extractor/internal/model"
	"github.com/sells-group/spec-extractor/internal/page"
	"github.com/sells-group/spec-extractor/internal/rules"
	"github.com/sells-group/spec-extractor/internal/store"
)

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) Generate(ctx context.Context, req generate.Request) (*model.Template, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Template), args.Error(1)
}

// failingUsageStore rejects every usage write.
type failingUsageStore struct {
	store.TemplateStore
}

func (failingUsageStore) RecordUsage(context.Context, model.UsageEvent) error {
	return errors.New("disk full")
}

// unavailableCreateStore fails every template insert with a plain error.
type unavailableCreateStore struct {
	store.TemplateStore
}

func (unavailableCreateStore) CreateTemplate(context.Context, model.Template) (*model.Template, error) {
	return nil, errors.New("connection reset")
}

const swingCheckTitle = `1-1/4" Milwaukee Valve 509 - Bronze, Horizontal Swing Check Valve`

const swingCheckHTML = `<html><head><title>` + swingCheckTitle + `</title></head><body>
<h1>Milwaukee 509 Swing Check Valve</h1>
<table class="specs">
<tr><td>Item</td><td>Swing Check Valve</td></tr>
<tr><td>Size</td><td>1-1/4"</td></tr>
<tr><td>Body Material</td><td>Bronze</td></tr>
</table>
</body></html>`

const swingCheckURL = "https://valves.example.com/check-valve/milwaukee-509"

func tableRule(key string) []model.ExtractionRule {
	return []model.ExtractionRule{{Kind: model.RuleTable, KeyText: key}}
}

func swingCheckTemplate() model.Template {
	return model.Template{
		TemplateID:    "swing_check_valve_v1",
		ComponentType: "Swing Check Valve",
		Category:      "valve",
		PagePatterns: model.PagePatterns{
			TitleKeywords: []string{"swing check valve", "check valve"},
			URLPatterns:   []string{"/check-valve"},
			HTMLMarkers:   []string{"Body Material"},
		},
		SpecFields: []model.FieldRule{
			{Name: "valveType", Required: true, ExtractionRules: tableRule("Item"),
				Normalization: model.NormalizationSpec{Kind: model.NormEnum, Values: []string{"Swing Check Valve", "Gate Valve"}}},
			{Name: "size", Required: true, ExtractionRules: tableRule("Size"),
				Normalization: model.NormalizationSpec{Kind: model.NormDimension}},
			{Name: "bodyMaterial", Required: true, ExtractionRules: tableRule("Body Material"),
				Normalization: model.NormalizationSpec{Kind: model.NormEnum, Values: []string{"Bronze", "Brass"}}},
		},
		IsActive: true,
	}
}

func gateTemplate() model.Template {
	return model.Template{
		TemplateID:    "gate_valve_v1",
		ComponentType: "Gate Valve",
		Category:      "valve",
		PagePatterns: model.PagePatterns{
			TitleKeywords: []string{"gate valve"},
			URLPatterns:   []string{"/gate-valve"},
		},
		SpecFields: []model.FieldRule{
			{Name: "size", Required: true, ExtractionRules: tableRule("Size"),
				Normalization: model.NormalizationSpec{Kind: model.NormDimension}},
		},
		IsActive: true,
	}
}

const butterflyHTML = `<html><head><title>Butterfly Valve BF-200</title></head><body>
<table>
<tr><td>Size</td><td>4"</td></tr>
<tr><td>Disc</td><td>Ductile Iron</td></tr>
</table>
</body></html>`

const butterflyURL = "https://valves.example.com/butterfly/bf-200"

func butterflyDraft() *model.Template {
	return &model.Template{
		TemplateID:    "butterfly_valve_v1",
		ComponentType: "Butterfly Valve",
		Category:      "valve",
		Version:       1,
		PagePatterns:  model.PagePatterns{TitleKeywords: []string{"butterfly valve"}},
		SpecFields: []model.FieldRule{
			{Name: "size", Required: true, ExtractionRules: tableRule("Size"),
				Normalization: model.NormalizationSpec{Kind: model.NormDimension}},
			{Name: "discMaterial", ExtractionRules: tableRule("Disc"),
				Normalization: model.NormalizationSpec{Kind: model.NormEnum, Values: []string{"Ductile Iron", "Stainless Steel"}}},
		},
		CreatedBy: model.CreatedByGenerator,
		IsActive:  true,
	}
}

type fixture struct {
	orch  *Orchestrator
	store *store.SQLiteStore
	gen   *mockGenerator
}

func newFixture(t *testing.T, generateOnNoMatch bool, seed ...model.Template) *fixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "extract.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))
	for _, tmpl := range seed {
		_, err := st.CreateTemplate(ctx, tmpl)
		require.NoError(t, err)
	}

	gen := new(mockGenerator)
	orch := New(Config{GenerateOnNoMatch: generateOnNoMatch}, st, matcher.New(matcher.DefaultConfig()), rules.New(), gen)
	return &fixture{orch: orch, store: st, gen: gen}
}

func swingCheckRequest() Request {
	return Request{HTML: swingCheckHTML, URL: swingCheckURL}
}

func TestExtract_MatchedTemplate(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, swingCheckTemplate(), gateTemplate())
	ctx := context.Background()

	res, err := f.orch.Extract(ctx, swingCheckRequest())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.False(t, res.Generated)
	assert.Equal(t, "swing_check_valve_v1", res.TemplateID)
	assert.Equal(t, "Swing Check Valve", res.ComponentType)
	assert.Greater(t, res.MatchScore, 0.7)
	assert.LessOrEqual(t, res.MatchScore, 1.0)
	assert.Equal(t, "Swing Check Valve", res.ExtractedSpecs["valveType"].Text)
	assert.Equal(t, "1-1/4", res.ExtractedSpecs["size"].Text)
	assert.Equal(t, "Bronze", res.ExtractedSpecs["bodyMaterial"].Text)
	assert.Empty(t, res.MissingRequiredFields)
	assert.Equal(t, []string{"indicating", "matching", "extracting", "validating", "done"}, res.States)

	loc := res.LocationInfo["size"]
	assert.Equal(t, model.RuleTable, loc.Rule)
	assert.Equal(t, `1-1/4"`, loc.RawValue)
	require.NotNil(t, loc.Row)
	assert.Equal(t, 1, *loc.Row)

	tmpl, err := f.store.GetTemplate(ctx, "swing_check_valve_v1")
	require.NoError(t, err)
	assert.Equal(t, 1, tmpl.UsageCount)
	require.NotNil(t, tmpl.SuccessRate)
	assert.InDelta(t, 1.0, *tmpl.SuccessRate, 1e-9)

	other, err := f.store.GetTemplate(ctx, "gate_valve_v1")
	require.NoError(t, err)
	assert.Zero(t, other.UsageCount)
	f.gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestExtract_NoMatchGeneratesOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, gateTemplate())
	ctx := context.Background()
	f.gen.On("Generate", mock.Anything, mock.MatchedBy(func(r generate.Request) bool {
		return r.URL == butterflyURL && r.Title == "Butterfly Valve BF-200" && r.HTML == butterflyHTML
	})).Return(butterflyDraft(), nil).Once()

	res, err := f.orch.Extract(ctx, Request{HTML: butterflyHTML, URL: butterflyURL})
	require.NoError(t, err)

	assert.True(t, res.Generated)
	assert.Equal(t, model.GeneratedMatchScore, res.MatchScore)
	assert.Equal(t, "butterfly_valve_v1", res.TemplateID)
	assert.True(t, res.Success)
	assert.Equal(t, "4", res.ExtractedSpecs["size"].Text)
	assert.Equal(t, "Ductile Iron", res.ExtractedSpecs["discMaterial"].Text)
	assert.Equal(t,
		[]string{"indicating", "matching", "generating_template", "extracting", "validating", "done"},
		res.States)
	f.gen.AssertNumberOfCalls(t, "Generate", 1)

	stored, err := f.store.GetTemplate(ctx, "butterfly_valve_v1")
	require.NoError(t, err)
	assert.Equal(t, model.CreatedByGenerator, stored.CreatedBy)
	assert.True(t, stored.IsActive)
	assert.Equal(t, 1, stored.UsageCount, "usage recorded against the generated template")

	// The stored template now matches the same page without generating.
	res, err = f.orch.Extract(ctx, Request{HTML: butterflyHTML, URL: butterflyURL})
	require.NoError(t, err)
	assert.False(t, res.Generated)
	assert.Equal(t, "butterfly_valve_v1", res.TemplateID)
	f.gen.AssertNumberOfCalls(t, "Generate", 1)
}

func TestExtract_NoMatchWithoutGeneration(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, gateTemplate())
	_, err := f.orch.Extract(context.Background(), Request{HTML: butterflyHTML, URL: butterflyURL})
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindNoMatch))

	var me *model.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, butterflyURL, me.Source)
	f.gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)

	stats, err := f.store.Stats(context.Background())
	require.NoError(t, err)
	for _, s := range stats {
		assert.Zero(t, s.UsageCount)
	}
}

func TestExtract_NoGeneratePerRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, gateTemplate())
	_, err := f.orch.Extract(context.Background(), Request{HTML: butterflyHTML, URL: butterflyURL, NoGenerate: true})
	assert.True(t, model.IsKind(err, model.KindNoMatch))
	f.gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestExtract_NilGeneratorDisablesGeneration(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, gateTemplate())
	orch := New(Config{GenerateOnNoMatch: true}, f.store, matcher.New(matcher.DefaultConfig()), rules.New(), nil)
	_, err := orch.Extract(context.Background(), Request{HTML: butterflyHTML, URL: butterflyURL})
	assert.True(t, model.IsKind(err, model.KindNoMatch))
}

func TestExtract_GenerationFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	ctx := context.Background()
	f.gen.On("Generate", mock.Anything, mock.Anything).
		Return(nil, &model.Error{Kind: model.KindGenerationFailure, Op: "generate", Err: errors.New("bridge unreachable")}).Once()

	res, err := f.orch.Extract(ctx, Request{HTML: butterflyHTML, URL: butterflyURL})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, model.IsKind(err, model.KindGenerationFailure))

	all, err := f.store.ListTemplates(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, all, "no degraded template substituted")
}

func TestExtract_InvalidDraftRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	ctx := context.Background()
	draft := butterflyDraft()
	draft.SpecFields = nil
	f.gen.On("Generate", mock.Anything, mock.Anything).Return(draft, nil).Once()

	_, err := f.orch.Extract(ctx, Request{HTML: butterflyHTML, URL: butterflyURL})
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindInvalidTemplate))

	all, err := f.store.ListTemplates(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestExtract_ConflictUsesExistingActiveTemplate(t *testing.T) {
	t.Parallel()

	// Same id and component type, but patterns that do not match the page,
	// as if another worker stored it moments ago.
	existing := *butterflyDraft()
	existing.CreatedBy = model.CreatedByManual
	existing.PagePatterns = model.PagePatterns{TitleKeywords: []string{"wafer butterfly"}}
	f := newFixture(t, true, existing)
	f.gen.On("Generate", mock.Anything, mock.Anything).Return(butterflyDraft(), nil).Once()

	res, err := f.orch.Extract(context.Background(), Request{HTML: butterflyHTML, URL: butterflyURL})
	require.NoError(t, err)
	assert.Equal(t, "butterfly_valve_v1", res.TemplateID)
	assert.True(t, res.Generated)

	all, err := f.store.ListTemplates(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestExtract_ConflictWithInactiveTemplateDisambiguates(t *testing.T) {
	t.Parallel()

	existing := *butterflyDraft()
	existing.PagePatterns = model.PagePatterns{TitleKeywords: []string{"wafer butterfly"}}
	f := newFixture(t, true, existing)
	ctx := context.Background()
	require.NoError(t, f.store.SetActive(ctx, "butterfly_valve_v1", false))
	f.gen.On("Generate", mock.Anything, mock.Anything).Return(butterflyDraft(), nil).Once()

	res, err := f.orch.Extract(ctx, Request{HTML: butterflyHTML, URL: butterflyURL})
	require.NoError(t, err)
	assert.Equal(t, "butterfly_valve_v1_2", res.TemplateID)

	created, err := f.store.GetTemplate(ctx, "butterfly_valve_v1_2")
	require.NoError(t, err)
	assert.True(t, created.IsActive)
	assert.Equal(t, model.CreatedByGenerator, created.CreatedBy)
}

func TestExtract_PartialSuccess(t *testing.T) {
	t.Parallel()

	tmpl := swingCheckTemplate()
	tmpl.SpecFields = append(tmpl.SpecFields, model.FieldRule{
		Name: "endConnection", Required: true, ExtractionRules: tableRule("End Connection"),
		Normalization: model.NormalizationSpec{Kind: model.NormEnum, Values: []string{"Threaded", "Flanged"}},
	})
	f := newFixture(t, true, tmpl)
	ctx := context.Background()

	res, err := f.orch.Extract(ctx, swingCheckRequest())
	require.NoError(t, err, "missing required fields are not an error")
	assert.False(t, res.Success)
	assert.Equal(t, []string{"endConnection"}, res.MissingRequiredFields)
	assert.Len(t, res.ExtractedSpecs, 3)

	stored, err := f.store.GetTemplate(ctx, tmpl.TemplateID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.UsageCount)
	require.NotNil(t, stored.SuccessRate)
	assert.Zero(t, *stored.SuccessRate)

	events, err := f.store.ListUsage(ctx, tmpl.TemplateID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].Success)
	assert.Equal(t, []string{"endConnection"}, events[0].MissingRequiredFields)
	assert.Equal(t, 3, events[0].FieldsExtracted)
}

func TestExtract_HardFailureOnEmptyHTML(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, swingCheckTemplate())
	_, err := f.orch.Extract(context.Background(), Request{HTML: "  ", URL: swingCheckURL})
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindHardFailure))

	stored, err := f.store.GetTemplate(context.Background(), "swing_check_valve_v1")
	require.NoError(t, err)
	assert.Zero(t, stored.UsageCount)
}

func TestExtract_UsageFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, swingCheckTemplate())
	orch := New(Config{}, failingUsageStore{f.store}, matcher.New(matcher.DefaultConfig()), rules.New(), nil)

	res, err := orch.Extract(context.Background(), swingCheckRequest())
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestExtract_DraftStoreErrorHasKind(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, gateTemplate())
	f.gen.On("Generate", mock.Anything, mock.Anything).Return(butterflyDraft(), nil).Once()
	orch := New(Config{GenerateOnNoMatch: true}, unavailableCreateStore{f.store},
		matcher.New(matcher.DefaultConfig()), rules.New(), f.gen)

	_, err := orch.Extract(context.Background(), Request{HTML: butterflyHTML, URL: butterflyURL})
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindGenerationFailure))
	assert.Contains(t, err.Error(), "connection reset")

	var me *model.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, butterflyURL, me.Source)
	assert.Equal(t, "butterfly_valve_v1", me.TemplateID)
}

func TestExtract_CategoryFilter(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, swingCheckTemplate())
	req := swingCheckRequest()
	req.Category = "pump"
	_, err := f.orch.Extract(context.Background(), req)
	assert.True(t, model.IsKind(err, model.KindNoMatch))

	req.Category = "valve"
	res, err := f.orch.Extract(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "swing_check_valve_v1", res.TemplateID)
}

func TestExtract_ConcurrentCallersAccumulateUsage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, swingCheckTemplate())
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.Extract(ctx, swingCheckRequest())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stored, err := f.store.GetTemplate(ctx, "swing_check_valve_v1")
	require.NoError(t, err)
	assert.Equal(t, n, stored.UsageCount)
}

func parse(t *testing.T, html, url string) *page.Page {
	t.Helper()
	p, err := page.Parse(html, url, "")
	require.NoError(t, err)
	return p
}

func newApplier() *Orchestrator {
	o := New(Config{}, nil, matcher.New(matcher.DefaultConfig()), rules.New(), nil)
	o.now = func() time.Time { return time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC) }
	return o
}

func TestApply_DependencyWarnings(t *testing.T) {
	t.Parallel()

	tmpl := swingCheckTemplate()
	tmpl.SpecFields = append(tmpl.SpecFields,
		model.FieldRule{Name: "pressureRating", ExtractionRules: tableRule("Pressure"),
			Normalization: model.NormalizationSpec{Kind: model.NormPressure}},
	)
	tmpl.Validation.FieldDependencies = []model.FieldDependency{
		{Field: "bodyMaterial", Requires: "pressureRating"},
		{Field: "pressureRating", Requires: "size"},
	}

	res := newApplier().Apply(parse(t, swingCheckHTML, swingCheckURL), &tmpl, 0.9)
	assert.True(t, res.Success, "dependency violations are warnings only")
	assert.Equal(t, []model.DependencyViolation{{Field: "bodyMaterial", Requires: "pressureRating"}}, res.DependencyWarnings)
	assert.Equal(t, time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC), res.ExtractedAt)
	assert.InDelta(t, 0.9, res.MatchScore, 1e-9)
}

func TestApply_NormalizationFailureKeepsRawInLocation(t *testing.T) {
	t.Parallel()

	tmpl := swingCheckTemplate()
	tmpl.SpecFields[2].Normalization.Values = []string{"Cast Iron", "Stainless Steel"}

	res := newApplier().Apply(parse(t, swingCheckHTML, swingCheckURL), &tmpl, 1)
	assert.False(t, res.Success)
	assert.Equal(t, []string{"bodyMaterial"}, res.MissingRequiredFields)
	assert.NotContains(t, res.ExtractedSpecs, "bodyMaterial")

	loc, ok := res.LocationInfo["bodyMaterial"]
	require.True(t, ok)
	assert.Equal(t, "Bronze", loc.RawValue)
	assert.Contains(t, loc.NormalizationError, "normalization_failure")

	// Other fields are unaffected.
	assert.Equal(t, "1-1/4", res.ExtractedSpecs["size"].Text)
}

func TestApply_MissingIsExactlyAbsentRequired(t *testing.T) {
	t.Parallel()

	tmpl := swingCheckTemplate()
	tmpl.SpecFields = append(tmpl.SpecFields,
		model.FieldRule{Name: "discMaterial", ExtractionRules: tableRule("Disc"),
			Normalization: model.NormalizationSpec{Kind: model.NormString}},
		model.FieldRule{Name: "endConnection", ExtractionRules: tableRule("End"),
			Normalization: model.NormalizationSpec{Kind: model.NormString}},
	)
	tmpl.Validation.RequiredFields = []string{"endConnection"}

	htmls := []string{
		swingCheckHTML,
		`<html><body><table><tr><td>Size</td><td>2"</td></tr></table></body></html>`,
		`<html><body><p>nothing useful</p></body></html>`,
		`<html><body><table><tr><td>Item</td></tr><tr></tr></table>`,
	}
	o := newApplier()
	for _, h := range htmls {
		res := o.Apply(parse(t, h, swingCheckURL), &tmpl, 1)

		required := tmpl.RequiredFieldNames()
		var want []string
		for _, name := range required {
			if _, ok := res.ExtractedSpecs[name]; !ok {
				want = append(want, name)
			}
		}
		if want == nil {
			want = []string{}
		}
		assert.Equal(t, want, res.MissingRequiredFields)
		assert.Subset(t, required, res.MissingRequiredFields)
		assert.Equal(t, len(want) == 0, res.Success)
	}
}
