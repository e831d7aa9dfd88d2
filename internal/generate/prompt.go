package generate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sells-group/spec-extractor/internal/page"
)

const systemPrompt = `You are an expert at analyzing industrial product pages and writing extraction templates for them. You understand HTML structure and can identify component types and their specifications.

Respond with a single JSON object and nothing else. The object has this shape:

{
  "componentType": "Gate Valve",
  "category": "valve",
  "pagePatterns": {
    "titleKeywords": ["gate valve"],
    "urlPatterns": ["/gate-valve"],
    "htmlMarkers": ["Technical Specifications"]
  },
  "specFields": [
    {
      "name": "size",
      "required": true,
      "extractionRules": [
        {"kind": "table", "keyText": "Size", "keyColumn": 0, "valueColumn": 1, "matchMode": "substring"},
        {"kind": "pattern", "pattern": "Size[:\\s]+([^\\n]+)", "fallback": "title"}
      ],
      "normalization": {"kind": "dimension"}
    },
    {
      "name": "bodyMaterial",
      "extractionRules": [{"kind": "selector", "selector": ".spec-material"}],
      "normalization": {"kind": "enum", "values": ["Bronze", "Brass", "Cast Iron", "Stainless Steel"]}
    }
  ],
  "validation": {
    "requiredFields": ["size"],
    "fieldDependencies": [{"field": "bodyMaterial", "requires": "size"}]
  }
}

Rules:
- extraction rule kinds are pattern (regex over page text, first capture group is the value), title (regex over the page title), selector (CSS selector, optional attribute), table (row whose key cell contains keyText).
- a rule may name a fallback kind that is retried with the same parameters.
- normalization kinds are enum (with values), dimension, pressure, temperature (optional target unit), string.
- order extraction rules from most to least reliable.
- include at least one page pattern category and at least one spec field.`

// buildPrompt renders the user message for one page.
func buildPrompt(req Request, a page.Analysis, maxHTML int) string {
	var b strings.Builder
	b.WriteString("Analyze this product page and create an extraction template for it.\n\n")
	fmt.Fprintf(&b, "URL: %s\n", req.URL)
	fmt.Fprintf(&b, "Page Title: %s\n", req.Title)
	if req.ComponentTypeHint != "" {
		fmt.Fprintf(&b, "Component Type: %s (use this exact componentType)\n", req.ComponentTypeHint)
	}
	if req.Category != "" {
		fmt.Fprintf(&b, "Category: %s\n", req.Category)
	}

	b.WriteString("\nPage Structure Analysis:\n")
	fmt.Fprintf(&b, "- Has spec table: %t\n", a.HasSpecTable)
	fmt.Fprintf(&b, "- Has spec section: %t\n", a.HasSpecSection)
	fmt.Fprintf(&b, "- Tables found: %d\n", a.TableCount)
	fmt.Fprintf(&b, "- Lists found: %d\n", a.ListCount)
	if len(a.SpecKeywords) > 0 {
		fmt.Fprintf(&b, "- Spec keywords: %s\n", strings.Join(a.SpecKeywords, ", "))
	}
	if len(a.SpecHeadings) > 0 {
		fmt.Fprintf(&b, "- Spec headings: %s\n", strings.Join(a.SpecHeadings, " | "))
	}

	if len(a.SampleFields) > 0 {
		samples, _ := json.MarshalIndent(a.SampleFields, "", "  ")
		b.WriteString("\nSample Fields Found:\n")
		b.Write(samples)
		b.WriteString("\n")
	}

	snippet := truncate(req.HTML, maxHTML)
	fmt.Fprintf(&b, "\nHTML Snippet (first %d bytes):\n%s\n", len(snippet), snippet)
	b.WriteString("\nGenerate the complete template JSON now.")
	return b.String()
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// cleanJSON pulls a JSON object out of model output that may be wrapped in
// a markdown fence or surrounded by prose.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			rest = rest[:j]
		}
		text = rest
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}
