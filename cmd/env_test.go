package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/spec-extractor/internal/config"
	"github.com/sells-group/spec-extractor/internal/registry"
	"github.com/sells-group/spec-extractor/internal/store"
)

const gateValveHTML = `<html><head><title>2" Bronze Gate Valve | Valve Supply</title></head><body>
<h1>2" Bronze Gate Valve</h1>
<h2>Technical Specifications</h2>
<table class="specs">
<tr><td>Item</td><td>Gate Valve</td></tr>
<tr><td>Size</td><td>2"</td></tr>
<tr><td>Maximum Pressure</td><td>150 psi</td></tr>
<tr><td>Body Material</td><td>Bronze</td></tr>
<tr><td>End Connection</td><td>Threaded</td></tr>
</table>
</body></html>`

func testConfig() *config.Config {
	return &config.Config{
		Matcher: config.MatcherConfig{
			Threshold:    0.7,
			TitleWeight:  0.3,
			URLWeight:    0.2,
			MarkerWeight: 0.3,
			HintWeight:   0.2,
		},
		Extract: config.ExtractConfig{MaxHTMLBytes: 5000},
		Cache:   config.CacheConfig{Enabled: true, TTLSecs: 60},
		Fetch: config.FetchConfig{
			TimeoutSecs:  5,
			UserAgent:    "spec-extractor-test",
			MaxBodyBytes: 1 << 20,
			RatePerSec:   50,
		},
		Resilience: config.ResilienceConfig{MaxAttempts: 1, InitialBackoffMs: 1, MaxBackoffMs: 1},
	}
}

// newTestEnv opens a seeded SQLite store without a generator.
func newTestEnv(t *testing.T) *appEnv {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "cmd.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))

	ts, err := registry.DefaultTemplates()
	require.NoError(t, err)
	_, err = registry.Seed(ctx, st, ts)
	require.NoError(t, err)

	env := newEnv(testConfig(), st, nil)
	t.Cleanup(env.Close)
	return env
}

func writePage(t *testing.T, dir, name, html string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(html), 0o600))
	return p
}
