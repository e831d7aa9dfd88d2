package source

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/spec-extractor/internal/resilience"
)

// HTTPOptions configures HTTPSource.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration
	MaxBytes  int64
	// RatePerSec limits requests per host. Zero means 2.
	RatePerSec float64
	Policy     resilience.Policy
}

// HTTPSource fetches pages over HTTP with a per-host rate limit, retries on
// transient failures and anti-bot block detection.
type HTTPSource struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTP creates an HTTPSource.
func NewHTTP(opts HTTPOptions) *HTTPSource {
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "spec-extractor/1.0"
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 2
	}
	if opts.Policy.OnRetry == nil {
		opts.Policy.OnRetry = resilience.LogRetries("http", "load_page")
	}
	return &HTTPSource{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (h *HTTPSource) limiterFor(host string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	lim, ok := h.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(h.opts.RatePerSec), 1)
		h.limiters[host] = lim
	}
	return lim
}

// Load implements Source.
func (h *HTTPSource) Load(ctx context.Context, ref string) (*Document, error) {
	u, err := url.Parse(ref)
	if err != nil || u.Host == "" {
		return nil, hardFailure(ref, eris.Errorf("source: invalid url %q", ref))
	}
	lim := h.limiterFor(u.Host)

	doc, err := resilience.Retry(ctx, h.opts.Policy, func(ctx context.Context) (*Document, error) {
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "source: rate limiter wait")
		}
		return h.fetch(ctx, ref)
	})
	if err != nil {
		return nil, hardFailure(ref, err)
	}
	zap.L().Debug("source: page loaded",
		zap.String("url", doc.URL),
		zap.Int("status", doc.StatusCode),
		zap.Int("bytes", len(doc.HTML)),
		zap.Bool("truncated", doc.Truncated),
	)
	return doc, nil
}

func (h *HTTPSource) fetch(ctx context.Context, ref string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, eris.Wrap(err, "source: create request")
	}
	req.Header.Set("User-Agent", h.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "source: fetch")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, truncated, err := readLimited(resp.Body, h.opts.MaxBytes)
	if err != nil {
		return nil, eris.Wrap(err, "source: read body")
	}

	if blocked, kind := DetectBlock(resp, body); blocked {
		return nil, &BlockedError{Type: kind, StatusCode: resp.StatusCode}
	}
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return nil, resilience.NewTransientError(
			eris.Errorf("source: status %d from %s", resp.StatusCode, ref), resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, eris.Errorf("source: status %d from %s", resp.StatusCode, ref)
	}

	return &Document{
		Ref:        ref,
		URL:        resp.Request.URL.String(),
		HTML:       string(body),
		StatusCode: resp.StatusCode,
		Truncated:  truncated,
		LoadedAt:   time.Now().UTC(),
	}, nil
}
