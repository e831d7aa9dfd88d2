// Package export writes batch extraction results to spreadsheets.
package export

import (
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/spec-extractor/internal/model"
)

// Sheet names.
const (
	ResultsSheet = "Results"
	FailedSheet  = "Failed"
)

// Row is the outcome of one page: a result or an error.
type Row struct {
	Source string
	Result *model.ExtractionResult
	Err    error
}

var fixedColumns = []string{
	"Source", "Template", "Component Type", "Match Score", "Generated",
	"Success", "Missing Required", "Dependency Warnings", "Extracted At",
}

// WriteXLSX writes one row per successful extraction with one column per
// field seen across all results, and a second sheet listing failed pages.
func WriteXLSX(path string, rows []Row) error {
	f := xlsx.NewFile()

	results, err := f.AddSheet(ResultsSheet)
	if err != nil {
		return eris.Wrap(err, "export: add results sheet")
	}
	fields := fieldNames(rows)
	addRow(results, append(append([]string{}, fixedColumns...), fields...))

	var failed []Row
	for _, r := range rows {
		if r.Result == nil {
			failed = append(failed, r)
			continue
		}
		res := r.Result
		cells := []string{
			res.SourceURL,
			res.TemplateID,
			res.ComponentType,
			strconv.FormatFloat(res.MatchScore, 'f', 3, 64),
			strconv.FormatBool(res.Generated),
			strconv.FormatBool(res.Success),
			strings.Join(res.MissingRequiredFields, ", "),
			dependencyWarnings(res.DependencyWarnings),
			res.ExtractedAt.UTC().Format("2006-01-02T15:04:05Z"),
		}
		for _, name := range fields {
			cells = append(cells, res.ExtractedSpecs[name].String())
		}
		addRow(results, cells)
	}

	errSheet, err := f.AddSheet(FailedSheet)
	if err != nil {
		return eris.Wrap(err, "export: add failed sheet")
	}
	addRow(errSheet, []string{"Source", "Kind", "Error"})
	for _, r := range failed {
		msg := ""
		if r.Err != nil {
			msg = r.Err.Error()
		}
		addRow(errSheet, []string{r.Source, string(model.KindOf(r.Err)), msg})
	}

	if err := f.Save(path); err != nil {
		return eris.Wrap(err, "export: save xlsx")
	}
	return nil
}

// fieldNames returns every extracted field name, sorted.
func fieldNames(rows []Row) []string {
	seen := make(map[string]bool)
	for _, r := range rows {
		if r.Result == nil {
			continue
		}
		for name := range r.Result.ExtractedSpecs {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func dependencyWarnings(ws []model.DependencyViolation) string {
	parts := make([]string, len(ws))
	for i, w := range ws {
		parts[i] = w.Field + " requires " + w.Requires
	}
	return strings.Join(parts, "; ")
}

func addRow(sheet *xlsx.Sheet, values []string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}
