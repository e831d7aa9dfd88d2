package export

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/spec-extractor/internal/model"
)

func readSheet(t *testing.T, path, name string) [][]string {
	t.Helper()
	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	sheet, ok := f.Sheet[name]
	require.True(t, ok, "sheet %s", name)

	var out [][]string
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for i, c := range row.Cells {
			cells[i] = c.String()
		}
		out = append(out, cells)
	}
	return out
}

func TestWriteXLSX(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	rows := []Row{
		{
			Source: "https://valves.example.com/gate",
			Result: &model.ExtractionResult{
				Success:       true,
				TemplateID:    "gate_valve_v1",
				ComponentType: "Gate Valve",
				SourceURL:     "https://valves.example.com/gate",
				MatchScore:    0.85,
				ExtractedSpecs: map[string]model.Value{
					"size": model.TextValue(model.NormDimension, "2"),
					"pressureRating": {Kind: model.NormPressure, Measurements: []model.Measurement{
						{Magnitude: 125, Unit: "SWP"}, {Magnitude: 200, Unit: "WOG"},
					}},
				},
				MissingRequiredFields: []string{},
				ExtractedAt:           at,
			},
		},
		{
			Source: "pages/check.html",
			Result: &model.ExtractionResult{
				TemplateID:            "swing_check_valve_v1",
				SourceURL:             "file:///pages/check.html",
				MatchScore:            model.GeneratedMatchScore,
				Generated:             true,
				ExtractedSpecs:        map[string]model.Value{"bodyMaterial": model.TextValue(model.NormEnum, "Bronze")},
				MissingRequiredFields: []string{"size", "pressureRating"},
				DependencyWarnings:    []model.DependencyViolation{{Field: "discMaterial", Requires: "bodyMaterial"}},
				ExtractedAt:           at,
			},
		},
		{
			Source: "https://valves.example.com/unknown",
			Err:    &model.Error{Kind: model.KindNoMatch, Op: "match"},
		},
	}

	path := filepath.Join(t.TempDir(), "results.xlsx")
	require.NoError(t, WriteXLSX(path, rows))

	results := readSheet(t, path, ResultsSheet)
	require.Len(t, results, 3)
	header := results[0]
	assert.Equal(t, fixedColumns, header[:len(fixedColumns)])
	assert.Equal(t, []string{"bodyMaterial", "pressureRating", "size"}, header[len(fixedColumns):])

	gate := results[1]
	assert.Equal(t, "gate_valve_v1", gate[1])
	assert.Equal(t, "0.850", gate[3])
	assert.Equal(t, "true", gate[5])
	assert.Equal(t, "2026-03-02T10:30:00Z", gate[8])
	assert.Equal(t, "", gate[9])
	assert.Equal(t, "125 SWP / 200 WOG", gate[10])
	assert.Equal(t, "2", gate[11])

	check := results[2]
	assert.Equal(t, "-1.000", check[3])
	assert.Equal(t, "true", check[4])
	assert.Equal(t, "false", check[5])
	assert.Equal(t, "size, pressureRating", check[6])
	assert.Equal(t, "discMaterial requires bodyMaterial", check[7])
	assert.Equal(t, "Bronze", check[9])

	failed := readSheet(t, path, FailedSheet)
	require.Len(t, failed, 2)
	assert.Equal(t, []string{"Source", "Kind", "Error"}, failed[0])
	assert.Equal(t, "https://valves.example.com/unknown", failed[1][0])
	assert.Equal(t, "no_match", failed[1][1])
	assert.Equal(t, "no_match in match", failed[1][2])
}

func TestWriteXLSX_BadPath(t *testing.T) {
	t.Parallel()

	err := WriteXLSX(filepath.Join(t.TempDir(), "missing", "dir", "out.xlsx"), nil)
	assert.Error(t, err)
}
