package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spec-extractor/internal/cache"
	"github.com/sells-group/spec-extractor/internal/config"
	"github.com/sells-group/spec-extractor/internal/extract"
	"github.com/sells-group/spec-extractor/internal/generate"
	"github.com/sells-group/spec-extractor/internal/matcher"
	"github.com/sells-group/spec-extractor/internal/resilience"
	"github.com/sells-group/spec-extractor/internal/rules"
	"github.com/sells-group/spec-extractor/internal/source"
	"github.com/sells-group/spec-extractor/internal/store"
	anthropicpkg "github.com/sells-group/spec-extractor/pkg/anthropic"
)

// appEnv holds the store, orchestrator and page source shared by the
// extract and serve commands.
type appEnv struct {
	Store        store.TemplateStore
	Orchestrator *extract.Orchestrator
	Source       source.Source
	Generating   bool
}

// Close releases the store.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens and migrates the configured template store.
func initStore(ctx context.Context) (store.TemplateStore, error) {
	var (
		st  store.TemplateStore
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnv validates config for mode and wires the extraction stack.
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	var gen generate.Generator
	if cfg.Anthropic.Key != "" {
		gen = newGenerator(cfg)
	} else if cfg.Extract.GenerateOnNoMatch {
		zap.L().Warn("anthropic.key is not set, template generation disabled")
	}

	return newEnv(cfg, st, gen), nil
}

// newEnv builds the environment around an open store. gen may be nil.
func newEnv(c *config.Config, st store.TemplateStore, gen generate.Generator) *appEnv {
	var active store.TemplateStore = st
	if c.Cache.Enabled {
		active = cache.New(st, time.Duration(c.Cache.TTLSecs)*time.Second)
	}

	m := matcher.New(matcher.FromConfig(
		c.Matcher.Threshold,
		c.Matcher.TitleWeight,
		c.Matcher.URLWeight,
		c.Matcher.MarkerWeight,
		c.Matcher.HintWeight,
	))
	orch := extract.New(extract.Config{
		Category:          c.Extract.Category,
		GenerateOnNoMatch: c.Extract.GenerateOnNoMatch,
	}, active, m, rules.New(), gen)

	return &appEnv{
		Store:        active,
		Orchestrator: orch,
		Source:       newSource(c),
		Generating:   gen != nil && c.Extract.GenerateOnNoMatch,
	}
}

func newGenerator(c *config.Config) generate.Generator {
	opts := []anthropicpkg.Option{anthropicpkg.WithSDKRetries(0)}
	if c.Anthropic.BaseURL != "" {
		opts = append(opts, anthropicpkg.WithBaseURL(c.Anthropic.BaseURL))
	}
	client := anthropicpkg.NewClient(c.Anthropic.Key, opts...)

	policy := resilience.PolicyFrom(c.Resilience.MaxAttempts, c.Resilience.InitialBackoffMs, c.Resilience.MaxBackoffMs)
	breaker := resilience.NewBreaker("anthropic", c.Resilience.CircuitThreshold,
		time.Duration(c.Resilience.CircuitResetSecs)*time.Second)

	return generate.NewAnthropic(client, generate.Config{
		Model:        c.Anthropic.Model,
		MaxTokens:    c.Anthropic.MaxTokens,
		MaxHTMLBytes: c.Extract.MaxHTMLBytes,
		RatePerMin:   c.Anthropic.RateLimitPerMin,
	}, policy, breaker)
}

func newSource(c *config.Config) source.Source {
	return source.Auto{
		File: source.FileSource{MaxBytes: c.Fetch.MaxBodyBytes},
		HTTP: source.NewHTTP(source.HTTPOptions{
			UserAgent:  c.Fetch.UserAgent,
			Timeout:    time.Duration(c.Fetch.TimeoutSecs) * time.Second,
			MaxBytes:   c.Fetch.MaxBodyBytes,
			RatePerSec: c.Fetch.RatePerSec,
			Policy: resilience.PolicyFrom(c.Resilience.MaxAttempts,
				c.Resilience.InitialBackoffMs, c.Resilience.MaxBackoffMs),
		}),
	}
}
