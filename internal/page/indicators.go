package page

import (
	"net/url"
	"path"
	"strings"
)

// Indicators are the page signals template matching compares against.
// They are computed once per page.
type Indicators struct {
	Title      string
	URL        string
	Path       string
	PathTokens []string
	html       string
}

// NewIndicators derives indicators from a parsed page.
func NewIndicators(p *Page) Indicators {
	return IndicatorsFrom(p.Title(), p.URL(), p.HTML())
}

// IndicatorsFrom derives indicators from raw title, URL and HTML.
func IndicatorsFrom(title, rawURL, rawHTML string) Indicators {
	ind := Indicators{
		Title: strings.ToLower(collapse(title)),
		URL:   strings.ToLower(rawURL),
		html:  strings.ToLower(rawHTML),
	}
	if u, err := url.Parse(rawURL); err == nil {
		ind.Path = strings.ToLower(u.Path)
	}
	ind.PathTokens = strings.FieldsFunc(ind.Path, func(r rune) bool {
		return r == '/' || r == '-' || r == '_' || r == '.' || r == '+'
	})
	return ind
}

// HasTitleKeyword reports whether keyword appears in the normalized title.
func (ind Indicators) HasTitleKeyword(keyword string) bool {
	kw := strings.ToLower(collapse(keyword))
	return kw != "" && strings.Contains(ind.Title, kw)
}

// HasMarker reports whether marker appears anywhere in the raw HTML.
func (ind Indicators) HasMarker(marker string) bool {
	m := strings.ToLower(marker)
	return m != "" && strings.Contains(ind.html, m)
}

// MatchesURLPattern reports whether pattern matches the URL. Patterns
// starting with "/" that contain glob characters match the path with
// path.Match semantics ("/valves/*" also matches deeper paths). Other
// patterns match as a case-insensitive substring of the URL.
func (ind Indicators) MatchesURLPattern(pattern string) bool {
	p := strings.ToLower(strings.TrimSpace(pattern))
	if p == "" {
		return false
	}
	if strings.HasPrefix(p, "/") && strings.ContainsAny(p, "*?[") {
		return matchSegmented(p, ind.Path)
	}
	return strings.Contains(ind.URL, p)
}

// matchSegmented is path.Match where a trailing "/*" also matches any
// deeper path under the prefix.
func matchSegmented(pattern, urlPath string) bool {
	if ok, _ := path.Match(pattern, urlPath); ok {
		return true
	}
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		if urlPath == prefix || strings.HasPrefix(urlPath, prefix+"/") {
			return true
		}
	}
	return false
}
