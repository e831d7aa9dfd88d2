// Package page parses fetched HTML once per extraction and exposes the
// read-only views the matcher and rule evaluator need.
package page

import (
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"golang.org/x/net/html"

	"github.com/sells-group/spec-extractor/internal/model"
)

// Page is a parsed product page. It is safe for concurrent reads.
type Page struct {
	url   string
	title string
	raw   string
	doc   *goquery.Document
	text  string

	tablesOnce sync.Once
	tables     []Table
}

// Parse builds a Page from already-fetched HTML. Empty or unparseable input
// is a hard failure carrying the source URL. When title is empty the
// document's <title>, then its first <h1>, is used.
func Parse(rawHTML, sourceURL, title string) (*Page, error) {
	if strings.TrimSpace(rawHTML) == "" {
		return nil, &model.Error{
			Kind:   model.KindHardFailure,
			Op:     "parse page",
			Source: sourceURL,
			Err:    eris.New("page: empty html"),
		}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, &model.Error{
			Kind:   model.KindHardFailure,
			Op:     "parse page",
			Source: sourceURL,
			Err:    eris.Wrap(err, "page: parse html"),
		}
	}

	p := &Page{
		url: sourceURL,
		raw: rawHTML,
		doc: doc,
	}
	p.title = collapse(title)
	if p.title == "" {
		p.title = collapse(doc.Find("title").First().Text())
	}
	if p.title == "" {
		p.title = collapse(doc.Find("h1").First().Text())
	}
	if len(doc.Nodes) > 0 {
		p.text = renderText(doc.Nodes[0])
	}
	return p, nil
}

// URL returns the source URL.
func (p *Page) URL() string { return p.url }

// Title returns the page title with whitespace collapsed.
func (p *Page) Title() string { return p.title }

// HTML returns the raw HTML as fetched.
func (p *Page) HTML() string { return p.raw }

// Doc returns the parsed document.
func (p *Page) Doc() *goquery.Document { return p.doc }

// Text returns the visible text: script and style content removed, one
// line per block element, table cells separated by tabs.
func (p *Page) Text() string { return p.text }

var skipTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"head": true, "svg": true, "iframe": true,
}

var blockTags = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true,
	"br": true, "dd": true, "div": true, "dl": true, "dt": true,
	"fieldset": true, "figcaption": true, "figure": true, "footer": true,
	"form": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true,
	"h6": true, "header": true, "hr": true, "li": true, "main": true,
	"nav": true, "ol": true, "p": true, "pre": true, "section": true,
	"table": true, "tbody": true, "thead": true, "tfoot": true, "tr": true,
	"ul": true, "caption": true,
}

func renderText(root *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			return
		case html.ElementNode:
			if skipTags[n.Data] {
				return
			}
		}
		block := n.Type == html.ElementNode && blockTags[n.Data]
		if block {
			b.WriteByte('\n')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		switch {
		case block:
			b.WriteByte('\n')
		case n.Type == html.ElementNode && (n.Data == "td" || n.Data == "th"):
			b.WriteByte('\t')
		}
	}
	walk(root)

	lines := strings.Split(b.String(), "\n")
	out := lines[:0]
	for _, line := range lines {
		cells := strings.Split(line, "\t")
		kept := cells[:0]
		for _, c := range cells {
			if c = collapse(c); c != "" {
				kept = append(kept, c)
			}
		}
		if len(kept) > 0 {
			out = append(out, strings.Join(kept, "\t"))
		}
	}
	return strings.Join(out, "\n")
}

// collapse trims s and folds internal whitespace runs to single spaces.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
