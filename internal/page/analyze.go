package page

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Sampling limits for Analyze.
const (
	maxSampleTables = 3
	maxSampleRows   = 10
	maxSampleFields = 20
	maxSampleKeyLen = 50
	maxSampleValLen = 100
)

var (
	specTableKeywords   = []string{"specification", "spec", "item", "size", "material", "pressure", "temperature", "rating"}
	specHeadingKeywords = []string{"specification", "spec", "technical", "details"}
)

// KeyValue is one sampled table row.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Analysis summarizes page structure for template generation.
type Analysis struct {
	HasSpecTable   bool       `json:"has_spec_table"`
	HasSpecSection bool       `json:"has_spec_section"`
	TableCount     int        `json:"table_count"`
	ListCount      int        `json:"list_count"`
	SpecKeywords   []string   `json:"spec_keywords_found,omitempty"`
	SpecHeadings   []string   `json:"spec_headings,omitempty"`
	SampleFields   []KeyValue `json:"sample_fields,omitempty"`
}

// Analyze inspects tables, headings and lists for spec-sheet structure and
// samples key/value rows from the first tables.
func Analyze(p *Page) Analysis {
	tables := p.Tables("")
	a := Analysis{
		TableCount: len(tables),
		ListCount:  p.doc.Find("ul, ol, dl").Length(),
	}

	seen := make(map[string]bool)
	p.doc.Find("table").Each(func(_ int, t *goquery.Selection) {
		text := strings.ToLower(t.Text())
		for _, kw := range specTableKeywords {
			if strings.Contains(text, kw) {
				a.HasSpecTable = true
				if !seen[kw] {
					seen[kw] = true
					a.SpecKeywords = append(a.SpecKeywords, kw)
				}
			}
		}
	})

	p.doc.Find("h1, h2, h3, h4").Each(func(_ int, h *goquery.Selection) {
		text := collapse(h.Text())
		lower := strings.ToLower(text)
		for _, kw := range specHeadingKeywords {
			if strings.Contains(lower, kw) {
				a.HasSpecSection = true
				a.SpecHeadings = append(a.SpecHeadings, text)
				break
			}
		}
	})

	for ti, t := range tables {
		if ti >= maxSampleTables {
			break
		}
		for ri, row := range t.Rows {
			if ri >= maxSampleRows || len(a.SampleFields) >= maxSampleFields {
				break
			}
			if len(row.Cells) < 2 {
				continue
			}
			key, val := row.Cells[0].Text, row.Cells[1].Text
			if key == "" || val == "" || len(key) >= maxSampleKeyLen {
				continue
			}
			if len(val) > maxSampleValLen {
				val = val[:maxSampleValLen]
			}
			a.SampleFields = append(a.SampleFields, KeyValue{Key: key, Value: val})
		}
	}
	return a
}
