package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLite_Migrate_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.Migrate(ctx))
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "specs.db")

	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	_, err = st.CreateTemplate(ctx, sampleTemplate("gate_valve_v1", "Gate Valve"))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	reopened, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() }) //nolint:errcheck
	require.NoError(t, reopened.Migrate(ctx))

	got, err := reopened.GetTemplate(ctx, "gate_valve_v1")
	require.NoError(t, err)
	assert.Equal(t, "Gate Valve", got.ComponentType)
	assert.Len(t, got.SpecFields, 2)
}

func TestSQLite_DefinitionStoredAsTemplateJSON(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.CreateTemplate(ctx, sampleTemplate("gate_valve_v1", "Gate Valve"))
	require.NoError(t, err)

	var raw string
	require.NoError(t, st.db.QueryRowContext(ctx, `SELECT definition FROM templates WHERE template_id = ?`, "gate_valve_v1").Scan(&raw))

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	assert.Contains(t, doc, "pagePatterns")
	assert.Contains(t, doc, "specFields")
	assert.Contains(t, doc, "validation")
	assert.NotContains(t, doc, "usageCount", "counters live in columns")
}

func TestSQLite_ListUsageDefaultLimit(t *testing.T) {
	st := newTestSQLiteStore(t)

	events, err := st.ListUsage(context.Background(), "gate_valve_v1", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}
