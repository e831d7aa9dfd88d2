// Package extract runs the per-page extraction flow: pick a template,
// drafting one when nothing matches, apply it and validate the result.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spec-extractor/internal/generate"
	"github.com/sells-group/spec-extractor/internal/matcher"
	"github.com/sells-group/spec-extractor/internal/model"
	"github.com/sells-group/spec-extractor/internal/normalize"
	"github.com/sells-group/spec-extractor/internal/page"
	"github.com/sells-group/spec-extractor/internal/rules"
	"github.com/sells-group/spec-extractor/internal/store"
)

// State is a step of one extraction.
type State string

const (
	StateIndicating         State = "indicating"
	StateMatching           State = "matching"
	StateGeneratingTemplate State = "generating_template"
	StateExtracting         State = "extracting"
	StateValidating         State = "validating"
	StateDone               State = "done"
)

// maxIDAttempts bounds disambiguation of a generated template's id.
const maxIDAttempts = 5

// Config holds orchestrator settings.
type Config struct {
	// Category filters candidate templates when a request names none.
	Category string
	// GenerateOnNoMatch drafts a template when no stored one matches.
	GenerateOnNoMatch bool
}

// Request is one already-fetched page.
type Request struct {
	HTML              string
	URL               string
	Title             string
	ComponentTypeHint string
	Category          string
	// NoGenerate turns off generation for this request only.
	NoGenerate bool
}

// Orchestrator wires the matcher, rule evaluator, store and generator. It
// holds no per-call state and is safe for concurrent use.
type Orchestrator struct {
	cfg     Config
	store   store.TemplateStore
	matcher *matcher.Matcher
	eval    *rules.Evaluator
	gen     generate.Generator
	now     func() time.Time
}

// New creates an Orchestrator. gen may be nil, which disables generation.
func New(cfg Config, st store.TemplateStore, m *matcher.Matcher, ev *rules.Evaluator, gen generate.Generator) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		store:   st,
		matcher: m,
		eval:    ev,
		gen:     gen,
		now:     time.Now,
	}
}

// Extract runs the full flow for one page and records one usage event for
// the template applied. Only page- and template-level failures are
// returned; a result with missing required fields is not an error.
func (o *Orchestrator) Extract(ctx context.Context, req Request) (*model.ExtractionResult, error) {
	start := o.now()
	log := zap.L().With(zap.String("source", req.URL))

	p, err := page.Parse(req.HTML, req.URL, req.Title)
	if err != nil {
		return nil, err
	}

	states := []string{string(StateIndicating)}
	ind := page.NewIndicators(p)

	states = append(states, string(StateMatching))
	category := req.Category
	if category == "" {
		category = o.cfg.Category
	}
	candidates, err := o.store.ListActiveTemplates(ctx, category)
	if err != nil {
		return nil, &model.Error{Kind: model.KindHardFailure, Op: "load templates", Source: req.URL, Err: err}
	}

	t, score, err := o.matcher.Match(ind, candidates, req.ComponentTypeHint)
	generated := false
	switch {
	case err == nil:
		log.Debug("extract: template matched",
			zap.String("template_id", t.TemplateID),
			zap.Float64("score", score),
		)
	case model.IsKind(err, model.KindNoMatch):
		if !o.generationEnabled(req) {
			return nil, withSource(err, req.URL)
		}
		states = append(states, string(StateGeneratingTemplate))
		log.Info("extract: no template matched, generating",
			zap.Float64("best_score", score),
			zap.Int("candidates", len(candidates)),
		)
		t, err = o.generateTemplate(ctx, req, p)
		if err != nil {
			return nil, err
		}
		score, generated = model.GeneratedMatchScore, true
	default:
		return nil, withSource(err, req.URL)
	}

	res := o.Apply(p, t, score)
	res.Generated = generated
	res.States = append(states, res.States...)
	res.ExtractionTimeMs = o.now().Sub(start).Milliseconds()

	o.recordUsage(ctx, res)

	log.Debug("extract: done",
		zap.String("template_id", res.TemplateID),
		zap.Bool("success", res.Success),
		zap.Int("fields", res.FieldsExtracted()),
		zap.Strings("missing", res.MissingRequiredFields),
		zap.Strings("states", res.States),
	)
	return res, nil
}

func (o *Orchestrator) generationEnabled(req Request) bool {
	return o.gen != nil && o.cfg.GenerateOnNoMatch && !req.NoGenerate
}

// Apply runs every field rule of t against p and validates the outcome.
// Fields are independent: a miss or normalization failure on one never
// affects another. Apply has no side effects.
func (o *Orchestrator) Apply(p *page.Page, t *model.Template, score float64) *model.ExtractionResult {
	start := o.now()
	res := &model.ExtractionResult{
		TemplateID:            t.TemplateID,
		ComponentType:         t.ComponentType,
		SourceURL:             p.URL(),
		MatchScore:            score,
		ExtractedSpecs:        make(map[string]model.Value, len(t.SpecFields)),
		MissingRequiredFields: []string{},
		LocationInfo:          make(map[string]model.LocationInfo, len(t.SpecFields)),
		States:                []string{string(StateExtracting)},
	}

	for _, f := range t.SpecFields {
		raw, loc, err := o.eval.EvaluateField(p, f)
		if err != nil {
			continue
		}
		v, err := normalize.Normalize(raw, f.Normalization)
		if err != nil {
			loc.NormalizationError = err.Error()
			res.LocationInfo[f.Name] = loc
			zap.L().Warn("extract: normalization failed",
				zap.String("template_id", t.TemplateID),
				zap.String("field", f.Name),
				zap.String("raw", raw),
				zap.Error(err),
			)
			continue
		}
		res.ExtractedSpecs[f.Name] = v
		res.LocationInfo[f.Name] = loc
	}

	res.States = append(res.States, string(StateValidating))
	for _, name := range t.RequiredFieldNames() {
		if _, ok := res.ExtractedSpecs[name]; !ok {
			res.MissingRequiredFields = append(res.MissingRequiredFields, name)
		}
	}
	for _, dep := range t.Validation.FieldDependencies {
		_, hasField := res.ExtractedSpecs[dep.Field]
		_, hasReq := res.ExtractedSpecs[dep.Requires]
		if hasField && !hasReq {
			res.DependencyWarnings = append(res.DependencyWarnings, model.DependencyViolation{
				Field:    dep.Field,
				Requires: dep.Requires,
			})
		}
	}
	res.Success = len(res.MissingRequiredFields) == 0

	end := o.now()
	res.States = append(res.States, string(StateDone))
	res.ExtractionTimeMs = end.Sub(start).Milliseconds()
	res.ExtractedAt = end.UTC()
	return res
}

// generateTemplate drafts, validates and persists a template for p.
func (o *Orchestrator) generateTemplate(ctx context.Context, req Request, p *page.Page) (*model.Template, error) {
	category := req.Category
	if category == "" {
		category = o.cfg.Category
	}
	draft, err := o.gen.Generate(ctx, generate.Request{
		HTML:              req.HTML,
		URL:               req.URL,
		Title:             p.Title(),
		ComponentTypeHint: req.ComponentTypeHint,
		Category:          category,
	})
	if err != nil {
		return nil, withSource(err, req.URL)
	}
	if err := draft.Validate(); err != nil {
		return nil, &model.Error{
			Kind:       model.KindInvalidTemplate,
			Op:         "accept draft",
			Source:     req.URL,
			TemplateID: draft.TemplateID,
			Err:        err,
		}
	}
	return o.persistDraft(ctx, *draft, req.URL)
}

// persistDraft stores a draft. When its id is taken by an active template
// of the same component type, that template is used instead; otherwise the
// id gets a numeric suffix and creation is retried.
func (o *Orchestrator) persistDraft(ctx context.Context, draft model.Template, source string) (*model.Template, error) {
	base := draft.TemplateID
	for attempt := 1; attempt <= maxIDAttempts; attempt++ {
		if attempt > 1 {
			draft.TemplateID = fmt.Sprintf("%s_%d", base, attempt)
		}

		created, err := o.store.CreateTemplate(ctx, draft)
		if err == nil {
			zap.L().Info("extract: generated template stored",
				zap.String("template_id", created.TemplateID),
				zap.String("component_type", created.ComponentType),
				zap.String("source", source),
			)
			return created, nil
		}
		if !model.IsKind(err, model.KindConflict) {
			return nil, storeFailure(err, source, draft.TemplateID)
		}

		existing, gerr := o.store.GetTemplate(ctx, draft.TemplateID)
		if gerr != nil {
			return nil, storeFailure(gerr, source, draft.TemplateID)
		}
		if existing.IsActive && strings.EqualFold(existing.ComponentType, draft.ComponentType) {
			zap.L().Info("extract: template already exists, using it",
				zap.String("template_id", existing.TemplateID),
				zap.String("source", source),
			)
			return existing, nil
		}
	}
	return nil, &model.Error{
		Kind:       model.KindConflict,
		Op:         "store generated template",
		Source:     source,
		TemplateID: base,
		Err:        eris.Errorf("extract: no free id after %d attempts", maxIDAttempts),
	}
}

func (o *Orchestrator) recordUsage(ctx context.Context, res *model.ExtractionResult) {
	if err := o.store.RecordUsage(ctx, model.UsageEventFromResult(res)); err != nil {
		zap.L().Warn("extract: failed to record usage",
			zap.String("template_id", res.TemplateID),
			zap.String("source", res.SourceURL),
			zap.Error(err),
		)
	}
}

// withSource fills in the page URL on a structured error that lacks one.
// storeFailure gives a store error from draft persistence a kind, keeping
// one the store already set.
func storeFailure(err error, source, templateID string) error {
	if model.KindOf(err) != "" {
		return withSource(err, source)
	}
	return &model.Error{
		Kind:       model.KindGenerationFailure,
		Op:         "store generated template",
		Source:     source,
		TemplateID: templateID,
		Err:        err,
	}
}

func withSource(err error, source string) error {
	var e *model.Error
	if errors.As(err, &e) && e.Source == "" {
		e.Source = source
	}
	return err
}
