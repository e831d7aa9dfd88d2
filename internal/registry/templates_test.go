package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/spec-extractor/internal/model"
	"github.com/sells-group/spec-extractor/internal/store"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultTemplates(t *testing.T) {
	t.Parallel()

	ts, err := DefaultTemplates()
	require.NoError(t, err)
	require.Len(t, ts, 3)

	ids := []string{ts[0].TemplateID, ts[1].TemplateID, ts[2].TemplateID}
	assert.Equal(t, []string{"ball_valve_v1", "gate_valve_v1", "swing_check_valve_v1"}, ids)

	for _, tmpl := range ts {
		assert.NoError(t, tmpl.Validate(), tmpl.TemplateID)
		assert.True(t, tmpl.IsActive)
		assert.Equal(t, model.CreatedByManual, tmpl.CreatedBy)
		assert.Equal(t, 1, tmpl.Version)
		assert.Equal(t, "valve", tmpl.Category)
	}

	gate := ts[1]
	assert.Equal(t, "Gate Valve", gate.ComponentType)
	assert.Equal(t, []string{"valveType", "size", "pressureRating", "bodyMaterial", "endConnection"}, gate.RequiredFieldNames())
	size := gate.Field("size")
	require.NotNil(t, size)
	assert.Equal(t, model.RuleTable, size.ExtractionRules[0].Kind)
	assert.Equal(t, model.RuleTitle, size.ExtractionRules[1].Fallback)
	assert.Equal(t, `Size[:\s]+([^\n]+)`, size.ExtractionRules[1].Pattern)
}

const oneJSON = `{
  "templateId": "globe_valve_v1",
  "componentType": "Globe Valve",
  "category": "valve",
  "version": 1,
  "pagePatterns": {"titleKeywords": ["globe valve"]},
  "specFields": [{"name": "size", "extractionRules": [{"kind": "table", "keyText": "Size"}], "normalization": {"kind": "dimension"}}]
}`

func TestLoadTemplatesFromFile_JSONObject(t *testing.T) {
	t.Parallel()

	ts, err := LoadTemplatesFromFile(writeFile(t, "globe.json", oneJSON))
	require.NoError(t, err)
	require.Len(t, ts, 1)
	assert.Equal(t, "globe_valve_v1", ts[0].TemplateID)
	assert.True(t, ts[0].IsActive, "active unless the file says otherwise")
	assert.Equal(t, model.CreatedByManual, ts[0].CreatedBy)
	assert.NoError(t, ts[0].Validate())
}

func TestLoadTemplatesFromFile_JSONList(t *testing.T) {
	t.Parallel()

	content := `[` + oneJSON + `, {"templateId": "old_v1", "componentType": "Old", "isActive": false,
	  "pagePatterns": {"urlPatterns": ["/old"]},
	  "specFields": [{"name": "x", "extractionRules": [{"kind": "pattern", "pattern": "X: (.+)"}], "normalization": {"kind": "string"}}]}]`
	ts, err := LoadTemplatesFromFile(writeFile(t, "all.JSON", content))
	require.NoError(t, err)
	require.Len(t, ts, 2)
	assert.True(t, ts[0].IsActive)
	assert.False(t, ts[1].IsActive, "explicit isActive is kept")
}

func TestLoadTemplatesFromFile_YAML(t *testing.T) {
	t.Parallel()

	single := `templateId: globe_valve_v1
componentType: Globe Valve
pagePatterns:
  titleKeywords: [globe valve]
specFields:
  - name: pressureRating
    required: true
    extractionRules:
      - kind: pattern
        pattern: 'Pressure[:\s]+([^\n]+)'
    normalization:
      kind: pressure
      unit: psi
`
	ts, err := LoadTemplatesFromFile(writeFile(t, "globe.yaml", single))
	require.NoError(t, err)
	require.Len(t, ts, 1)
	assert.Equal(t, "Globe Valve", ts[0].ComponentType)
	assert.Equal(t, "psi", ts[0].SpecFields[0].Normalization.Unit)
	assert.True(t, ts[0].IsActive)

	list := `- templateId: a_v1
  componentType: A
  isActive: false
- templateId: b_v1
  componentType: B
`
	ts, err = LoadTemplatesFromFile(writeFile(t, "list.yml", list))
	require.NoError(t, err)
	require.Len(t, ts, 2)
	assert.False(t, ts[0].IsActive)
	assert.True(t, ts[1].IsActive)
}

func TestLoadTemplatesFromFile_Errors(t *testing.T) {
	t.Parallel()

	_, err := LoadTemplatesFromFile("/nonexistent/templates.json")
	assert.Error(t, err)

	_, err = LoadTemplatesFromFile(writeFile(t, "bad.json", "{not valid json"))
	assert.Error(t, err)

	_, err = LoadTemplatesFromFile(writeFile(t, "empty.yaml", "   \n"))
	assert.Error(t, err)

	_, err = LoadTemplatesFromFile(writeFile(t, "bad.yaml", "templateId: [unclosed"))
	assert.Error(t, err)
}

func newStore(t *testing.T) store.TemplateStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "seed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSeed_SkipsExisting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newStore(t)
	ts, err := DefaultTemplates()
	require.NoError(t, err)

	res, err := Seed(ctx, st, ts)
	require.NoError(t, err)
	assert.Len(t, res.Created, 3)
	assert.Empty(t, res.Skipped)

	res, err = Seed(ctx, st, ts)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Equal(t, []string{"ball_valve_v1", "gate_valve_v1", "swing_check_valve_v1"}, res.Skipped)

	active, err := st.ListActiveTemplates(ctx, "valve")
	require.NoError(t, err)
	assert.Len(t, active, 3)
}

func TestSeed_StopsOnInvalidTemplate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newStore(t)
	ts, err := DefaultTemplates()
	require.NoError(t, err)

	bad := model.Template{TemplateID: "broken_v1", ComponentType: "Broken"}
	res, err := Seed(ctx, st, []model.Template{ts[0], bad, ts[1]})
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindInvalidTemplate))
	assert.Equal(t, []string{"ball_valve_v1"}, res.Created)
}
