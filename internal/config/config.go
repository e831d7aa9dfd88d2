package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Matcher    MatcherConfig    `yaml:"matcher" mapstructure:"matcher"`
	Extract    ExtractConfig    `yaml:"extract" mapstructure:"extract"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the template store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// MatcherConfig configures template scoring.
type MatcherConfig struct {
	Threshold    float64 `yaml:"threshold" mapstructure:"threshold"`
	TitleWeight  float64 `yaml:"title_weight" mapstructure:"title_weight"`
	URLWeight    float64 `yaml:"url_weight" mapstructure:"url_weight"`
	MarkerWeight float64 `yaml:"marker_weight" mapstructure:"marker_weight"`
	HintWeight   float64 `yaml:"hint_weight" mapstructure:"hint_weight"`
}

// ExtractConfig configures the extraction orchestrator.
type ExtractConfig struct {
	MaxHTMLBytes      int    `yaml:"max_html_bytes" mapstructure:"max_html_bytes"`
	Category          string `yaml:"category" mapstructure:"category"`
	GenerateOnNoMatch bool   `yaml:"generate_on_no_match" mapstructure:"generate_on_no_match"`
}

// AnthropicConfig holds Anthropic API settings for template generation.
type AnthropicConfig struct {
	Key             string `yaml:"key" mapstructure:"key"`
	Model           string `yaml:"model" mapstructure:"model"`
	MaxTokens       int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
	BaseURL         string `yaml:"base_url" mapstructure:"base_url"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min" mapstructure:"rate_limit_per_min"`
}

// ResilienceConfig configures retry and circuit breaking around the
// generation bridge.
type ResilienceConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	CircuitThreshold int `yaml:"circuit_threshold" mapstructure:"circuit_threshold"`
	CircuitResetSecs int `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// CacheConfig configures the active-template cache.
type CacheConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	TTLSecs int  `yaml:"ttl_secs" mapstructure:"ttl_secs"`
}

// FetchConfig configures the HTTP page source.
type FetchConfig struct {
	TimeoutSecs  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent    string  `yaml:"user_agent" mapstructure:"user_agent"`
	MaxBodyBytes int64   `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	RatePerSec   float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures template health alerts.
type MonitoringConfig struct {
	MinUsage       int     `yaml:"min_usage" mapstructure:"min_usage"`
	MinSuccessRate float64 `yaml:"min_success_rate" mapstructure:"min_success_rate"`
	IntervalSecs   int     `yaml:"interval_secs" mapstructure:"interval_secs"`
	// WebhookURL receives alerts as JSON posts. Empty disables delivery.
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SPECX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "spec-extractor.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("matcher.threshold", 0.7)
	v.SetDefault("matcher.title_weight", 0.3)
	v.SetDefault("matcher.url_weight", 0.2)
	v.SetDefault("matcher.marker_weight", 0.3)
	v.SetDefault("matcher.hint_weight", 0.2)
	v.SetDefault("extract.max_html_bytes", 5000)
	v.SetDefault("extract.generate_on_no_match", true)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.rate_limit_per_min", 20)
	v.SetDefault("resilience.max_attempts", 3)
	v.SetDefault("resilience.initial_backoff_ms", 500)
	v.SetDefault("resilience.max_backoff_ms", 10000)
	v.SetDefault("resilience.circuit_threshold", 5)
	v.SetDefault("resilience.circuit_reset_secs", 30)
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl_secs", 300)
	v.SetDefault("fetch.timeout_secs", 15)
	v.SetDefault("fetch.user_agent", "spec-extractor/1.0 (+https://github.com/sells-group/spec-extractor)")
	v.SetDefault("fetch.max_body_bytes", 2<<20)
	v.SetDefault("fetch.rate_per_sec", 2.0)
	v.SetDefault("batch.concurrency", 4)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("monitoring.min_usage", 5)
	v.SetDefault("monitoring.min_success_rate", 0.5)
	v.SetDefault("monitoring.interval_secs", 300)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode needs. Modes are "extract",
// "serve" and "templates".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch mode {
	case "templates":
	case "extract", "serve":
		if c.Matcher.Threshold < 0 || c.Matcher.Threshold >= 1 {
			errs = append(errs, "matcher.threshold must be in [0, 1)")
		}
		if c.Matcher.TitleWeight < 0 || c.Matcher.URLWeight < 0 || c.Matcher.MarkerWeight < 0 || c.Matcher.HintWeight < 0 {
			errs = append(errs, "matcher weights must be >= 0")
		}
		if c.Batch.Concurrency < 1 || c.Batch.Concurrency > 64 {
			errs = append(errs, "batch.concurrency must be between 1 and 64")
		}
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
