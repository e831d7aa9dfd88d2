package rules

import (
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/spec-extractor/internal/model"
	"github.com/sells-group/spec-extractor/internal/page"
)

const maxMatchText = 200

func (e *Evaluator) evalPattern(p *page.Page, rule model.ExtractionRule) (Hit, bool) {
	return e.matchText(p.Text(), rule)
}

// evalTitle applies the rule's pattern to the page title instead of the body.
func (e *Evaluator) evalTitle(p *page.Page, rule model.ExtractionRule) (Hit, bool) {
	return e.matchText(p.Title(), rule)
}

// matchText returns the first capture group of the first match, or the
// whole match when the pattern has no groups.
func (e *Evaluator) matchText(text string, rule model.ExtractionRule) (Hit, bool) {
	re, err := e.compiled(rule.Pattern)
	if err != nil {
		zap.L().Debug("rules: skipping bad pattern", zap.String("pattern", rule.Pattern), zap.Error(err))
		return Hit{}, false
	}
	m := re.FindStringSubmatch(text)
	if m == nil {
		return Hit{}, false
	}

	raw := m[0]
	if len(m) > 1 {
		raw = m[1]
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Hit{}, false
	}

	match := m[0]
	if len(match) > maxMatchText {
		match = match[:maxMatchText]
	}
	return Hit{
		Raw: raw,
		Location: model.LocationInfo{
			Pattern:   rule.Pattern,
			MatchText: match,
		},
	}, true
}

// evalSelector resolves the selector to its first element and reads its
// text, or the named attribute.
func evalSelector(p *page.Page, rule model.ExtractionRule) (Hit, bool) {
	sel := p.Doc().Find(rule.Selector).First()
	if sel.Length() == 0 {
		return Hit{}, false
	}

	var raw string
	if rule.Attribute == "" || rule.Attribute == "text" {
		raw = strings.Join(strings.Fields(sel.Text()), " ")
	} else {
		v, ok := sel.Attr(rule.Attribute)
		if !ok {
			return Hit{}, false
		}
		raw = strings.TrimSpace(v)
	}
	if raw == "" {
		return Hit{}, false
	}

	var loc model.LocationInfo
	page.Locate(sel.Get(0), &loc)
	return Hit{Raw: raw, Location: loc}, true
}

// evalTable scans every table for a row whose key cell matches the rule's
// key text and returns that row's value cell.
func evalTable(p *page.Page, rule model.ExtractionRule) (Hit, bool) {
	keyCol, valCol := rule.KeyColumn, rule.ValueCol()
	need := max(keyCol, valCol)
	key := strings.ToLower(strings.TrimSpace(rule.KeyText))
	if key == "" {
		return Hit{}, false
	}

	for _, t := range p.Tables(rule.TableSelector) {
		for _, row := range t.Rows {
			if len(row.Cells) <= need {
				continue
			}
			if !keyMatches(row.Cells[keyCol].Text, key, rule.MatchMode) {
				continue
			}
			cell := row.Cells[valCol]
			if cell.Text == "" {
				continue
			}

			tableIdx, rowIdx, colIdx := t.Index, row.Index, valCol
			loc := model.LocationInfo{TableIndex: &tableIdx, Row: &rowIdx, Column: &colIdx}
			page.Locate(cell.Node, &loc)
			return Hit{Raw: cell.Text, Location: loc}, true
		}
	}
	return Hit{}, false
}

func keyMatches(cellText, key, mode string) bool {
	cell := strings.ToLower(cellText)
	if mode == model.MatchExact {
		return strings.TrimRight(cell, ": ") == key
	}
	return strings.Contains(cell, key)
}
