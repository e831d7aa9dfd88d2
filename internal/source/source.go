// Package source loads raw product-page HTML from local files or over HTTP
// for the CLI and API. Extraction itself never fetches.
package source

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/spec-extractor/internal/model"
)

// DefaultMaxBytes caps how much of a page is read.
const DefaultMaxBytes int64 = 2 << 20

// Document is one loaded page.
type Document struct {
	// Ref is the reference the caller passed to Load.
	Ref string
	// URL is the page's source identifier: the final URL for HTTP loads,
	// a file:// URL for local files.
	URL        string
	HTML       string
	StatusCode int
	Truncated  bool
	LoadedAt   time.Time
}

// Source loads a page by reference.
type Source interface {
	Load(ctx context.Context, ref string) (*Document, error)
}

// IsURL reports whether ref is an http or https URL.
func IsURL(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// Auto dispatches URLs to HTTP and everything else to File.
type Auto struct {
	File Source
	HTTP Source
}

// Load implements Source.
func (a Auto) Load(ctx context.Context, ref string) (*Document, error) {
	if IsURL(ref) {
		if a.HTTP == nil {
			return nil, hardFailure(ref, eris.New("source: http loading is not configured"))
		}
		return a.HTTP.Load(ctx, ref)
	}
	if a.File == nil {
		return nil, hardFailure(ref, eris.New("source: file loading is not configured"))
	}
	return a.File.Load(ctx, ref)
}

// FileSource reads HTML from the local filesystem.
type FileSource struct {
	MaxBytes int64
}

// Load implements Source.
func (f FileSource) Load(ctx context.Context, ref string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := strings.TrimPrefix(ref, "file://")
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, hardFailure(ref, eris.Wrap(err, "source: resolve path"))
	}

	fh, err := os.Open(abs)
	if err != nil {
		return nil, hardFailure(ref, eris.Wrap(err, "source: open file"))
	}
	defer fh.Close() //nolint:errcheck

	body, truncated, err := readLimited(fh, f.MaxBytes)
	if err != nil {
		return nil, hardFailure(ref, eris.Wrap(err, "source: read file"))
	}
	return &Document{
		Ref:       ref,
		URL:       "file://" + filepath.ToSlash(abs),
		HTML:      string(body),
		Truncated: truncated,
		LoadedAt:  time.Now().UTC(),
	}, nil
}

// readLimited reads at most max bytes and reports whether more remained.
func readLimited(r io.Reader, max int64) ([]byte, bool, error) {
	if max <= 0 {
		max = DefaultMaxBytes
	}
	body, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(body)) > max {
		return body[:max], true, nil
	}
	return body, false, nil
}

func hardFailure(ref string, err error) error {
	return &model.Error{
		Kind:   model.KindHardFailure,
		Op:     "load page",
		Source: ref,
		Err:    err,
	}
}
