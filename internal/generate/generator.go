// Package generate asks an external model to draft an extraction template
// for a page no stored template matches.
package generate

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/spec-extractor/internal/model"
	"github.com/sells-group/spec-extractor/internal/page"
	"github.com/sells-group/spec-extractor/internal/resilience"
	"github.com/sells-group/spec-extractor/pkg/anthropic"
)

// Request is the page handed to a Generator.
type Request struct {
	HTML              string
	URL               string
	Title             string
	ComponentTypeHint string
	Category          string
}

// Generator drafts a template for a page. The draft is not validated or
// persisted; callers do both.
type Generator interface {
	Generate(ctx context.Context, req Request) (*model.Template, error)
}

// Config tunes AnthropicGenerator.
type Config struct {
	Model        string
	MaxTokens    int64
	MaxHTMLBytes int
	// RatePerMin caps outbound calls. Zero disables the limiter.
	RatePerMin int
}

// AnthropicGenerator drafts templates with the Anthropic Messages API.
type AnthropicGenerator struct {
	client  anthropic.Client
	cfg     Config
	limiter *rate.Limiter
	policy  resilience.Policy
	breaker *resilience.Breaker
	now     func() time.Time
}

// NewAnthropic builds an AnthropicGenerator. A nil breaker disables circuit
// breaking.
func NewAnthropic(client anthropic.Client, cfg Config, policy resilience.Policy, breaker *resilience.Breaker) *AnthropicGenerator {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.MaxHTMLBytes <= 0 {
		cfg.MaxHTMLBytes = 5000
	}
	g := &AnthropicGenerator{
		client:  client,
		cfg:     cfg,
		policy:  policy,
		breaker: breaker,
		now:     time.Now,
	}
	if cfg.RatePerMin > 0 {
		g.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMin)), 1)
	}
	if g.policy.OnRetry == nil {
		g.policy.OnRetry = resilience.LogRetries("anthropic", "generate template")
	}
	return g
}

// Generate sends one page to the model and decodes the drafted template.
// Every failure is a model.KindGenerationFailure error.
func (g *AnthropicGenerator) Generate(ctx context.Context, req Request) (*model.Template, error) {
	fail := func(err error) error {
		return &model.Error{Kind: model.KindGenerationFailure, Op: "generate", Source: req.URL, Err: err}
	}

	p, err := page.Parse(req.HTML, req.URL, req.Title)
	if err != nil {
		return nil, fail(err)
	}
	prompt := buildPrompt(req, page.Analyze(p), g.cfg.MaxHTMLBytes)

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fail(eris.Wrap(err, "generate: rate limit wait"))
		}
	}

	temp := 0.3
	msg := anthropic.MessageRequest{
		Model:       g.cfg.Model,
		MaxTokens:   g.cfg.MaxTokens,
		System:      anthropic.CachedSystem(systemPrompt),
		Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
		Temperature: &temp,
	}

	resp, err := resilience.Retry(ctx, g.policy, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return g.call(ctx, msg)
	})
	if err != nil {
		return nil, fail(err)
	}
	resp.Usage.LogCost(g.cfg.Model, "generate_template")

	t, err := decodeDraft(resp.Text())
	if err != nil {
		return nil, fail(err)
	}
	g.stamp(t, req)

	zap.L().Info("generate: template drafted",
		zap.String("template_id", t.TemplateID),
		zap.String("component_type", t.ComponentType),
		zap.Int("fields", len(t.SpecFields)),
		zap.String("source", req.URL),
	)
	return t, nil
}

func (g *AnthropicGenerator) call(ctx context.Context, msg anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	send := func(ctx context.Context) (*anthropic.MessageResponse, error) {
		resp, err := g.client.CreateMessage(ctx, msg)
		if err != nil {
			if code := anthropic.StatusCode(err); resilience.IsTransientHTTPStatus(code) {
				return nil, resilience.NewTransientError(err, code)
			}
			return nil, err
		}
		return resp, nil
	}
	if g.breaker == nil {
		return send(ctx)
	}
	return resilience.Call(ctx, g.breaker, send)
}

func decodeDraft(text string) (*model.Template, error) {
	raw := []byte(cleanJSON(text))
	if err := ValidateDraftJSON(raw); err != nil {
		return nil, err
	}
	var t model.Template
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, eris.Wrap(err, "generate: decode draft")
	}
	return &t, nil
}

// stamp overwrites identity and provenance so a draft always enters the
// store as a fresh, unused first version.
func (g *AnthropicGenerator) stamp(t *model.Template, req Request) {
	if req.ComponentTypeHint != "" {
		t.ComponentType = req.ComponentTypeHint
	}
	t.ComponentType = strings.TrimSpace(t.ComponentType)
	if t.Category == "" {
		t.Category = req.Category
	}
	t.Version = 1
	t.TemplateID = model.Slug(t.ComponentType) + "_v1"
	t.CreatedBy = model.CreatedByGenerator
	t.UsageCount = 0
	t.SuccessRate = nil
	t.LastUsedAt = nil
	t.IsActive = true
	t.CreatedAt = g.now().UTC()
}
