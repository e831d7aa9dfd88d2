package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/spec-extractor/internal/model"
)

// SQLiteStore implements TemplateStore using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// A single connection serializes writers so usage transactions never
// interleave.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS templates (
	template_id    TEXT PRIMARY KEY,
	component_type TEXT NOT NULL,
	category       TEXT NOT NULL DEFAULT '',
	version        INTEGER NOT NULL DEFAULT 1,
	definition     TEXT NOT NULL,
	created_by     TEXT NOT NULL,
	usage_count    INTEGER NOT NULL DEFAULT 0,
	success_rate   REAL,
	last_used_at   DATETIME,
	is_active      INTEGER NOT NULL DEFAULT 1,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS usage_events (
	id               TEXT PRIMARY KEY,
	template_id      TEXT NOT NULL REFERENCES templates(template_id),
	source_url       TEXT NOT NULL DEFAULT '',
	success          INTEGER NOT NULL,
	fields_extracted INTEGER NOT NULL DEFAULT 0,
	missing_required TEXT NOT NULL DEFAULT '[]',
	elapsed_ms       INTEGER NOT NULL DEFAULT 0,
	error_message    TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_templates_active ON templates(is_active, category);
CREATE INDEX IF NOT EXISTS idx_templates_component_type ON templates(lower(component_type));
CREATE INDEX IF NOT EXISTS idx_usage_events_template_id ON usage_events(template_id, created_at);
`

const sqliteTemplateColumns = `template_id, component_type, category, version, definition, created_by,
	usage_count, success_rate, last_used_at, is_active, created_at`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ListActiveTemplates(ctx context.Context, category string) ([]model.Template, error) {
	return s.queryTemplates(ctx, "list active templates",
		`SELECT `+sqliteTemplateColumns+` FROM templates
		 WHERE is_active = 1 AND (? = '' OR category = ?)
		 ORDER BY template_id`,
		category, category,
	)
}

func (s *SQLiteStore) ListTemplates(ctx context.Context, includeInactive bool) ([]model.Template, error) {
	query := `SELECT ` + sqliteTemplateColumns + ` FROM templates`
	if !includeInactive {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY component_type, version`
	return s.queryTemplates(ctx, "list templates", query)
}

func (s *SQLiteStore) GetTemplate(ctx context.Context, templateID string) (*model.Template, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteTemplateColumns+` FROM templates WHERE template_id = ?`,
		templateID,
	)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get template", templateID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get template %s", templateID)
	}
	return t, nil
}

// GetByComponentType returns the newest active template for a component
// type, or nil when there is none.
func (s *SQLiteStore) GetByComponentType(ctx context.Context, componentType string) (*model.Template, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteTemplateColumns+` FROM templates
		 WHERE is_active = 1 AND lower(component_type) = lower(?)
		 ORDER BY version DESC LIMIT 1`,
		strings.TrimSpace(componentType),
	)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get by component type %q", componentType)
	}
	return t, nil
}

func (s *SQLiteStore) CreateTemplate(ctx context.Context, t model.Template) (*model.Template, error) {
	t, err := prepareNew(t, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := s.insertTemplate(ctx, s.db, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateVersion stores t as the next version of its component type and
// deactivates every earlier version in the same transaction.
func (s *SQLiteStore) CreateVersion(ctx context.Context, t model.Template) (*model.Template, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin create version")
	}
	defer tx.Rollback() //nolint:errcheck

	var latest int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM templates WHERE lower(component_type) = lower(?)`,
		strings.TrimSpace(t.ComponentType),
	).Scan(&latest); err != nil {
		return nil, eris.Wrap(err, "sqlite: latest version")
	}

	t.Version = latest + 1
	t.TemplateID = VersionID(t.ComponentType, t.Version)
	t.IsActive = true
	t, err = prepareNew(t, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE templates SET is_active = 0, updated_at = ? WHERE lower(component_type) = lower(?) AND is_active = 1`,
		t.CreatedAt, strings.TrimSpace(t.ComponentType),
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: deactivate prior versions")
	}
	if err := s.insertTemplate(ctx, tx, &t); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit create version")
	}
	return &t, nil
}

func (s *SQLiteStore) SetActive(ctx context.Context, templateID string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE templates SET is_active = ?, updated_at = ? WHERE template_id = ?`,
		active, time.Now().UTC(), templateID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set active %s", templateID)
	}
	return checkRowsAffected(res, "set active", templateID)
}

// RecordUsage appends the event and recomputes the template's counters from
// the full usage log in one transaction.
func (s *SQLiteStore) RecordUsage(ctx context.Context, ev model.UsageEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	missing, err := json.Marshal(nonNil(ev.MissingRequiredFields))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal missing fields")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin record usage")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO usage_events (id, template_id, source_url, success, fields_extracted, missing_required, elapsed_ms, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.TemplateID, ev.SourceURL, ev.Success, ev.FieldsExtracted, string(missing), ev.ElapsedMs, ev.ErrorMessage, ev.CreatedAt.UTC(),
	); err != nil {
		if isSQLiteConstraint(err) {
			return notFound("record usage", ev.TemplateID)
		}
		return eris.Wrapf(err, "sqlite: insert usage event for %s", ev.TemplateID)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE templates SET
			usage_count  = (SELECT COUNT(*) FROM usage_events WHERE template_id = ?1),
			success_rate = (SELECT CAST(SUM(success) AS REAL) / COUNT(*) FROM usage_events WHERE template_id = ?1),
			last_used_at = (SELECT MAX(created_at) FROM usage_events WHERE template_id = ?1),
			updated_at   = ?2
		 WHERE template_id = ?1`,
		ev.TemplateID, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: recompute usage for %s", ev.TemplateID)
	}
	if err := checkRowsAffected(res, "record usage", ev.TemplateID); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit record usage")
}

func (s *SQLiteStore) ListUsage(ctx context.Context, templateID string, limit int) ([]model.UsageEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, template_id, source_url, success, fields_extracted, missing_required, elapsed_ms, error_message, created_at
		 FROM usage_events WHERE template_id = ?
		 ORDER BY created_at DESC, id LIMIT ?`,
		templateID, defaultLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list usage")
	}
	defer rows.Close()

	var events []model.UsageEvent
	for rows.Next() {
		var ev model.UsageEvent
		var missing string
		if err := rows.Scan(&ev.ID, &ev.TemplateID, &ev.SourceURL, &ev.Success, &ev.FieldsExtracted,
			&missing, &ev.ElapsedMs, &ev.ErrorMessage, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan usage event")
		}
		if err := json.Unmarshal([]byte(missing), &ev.MissingRequiredFields); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal missing fields")
		}
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list usage iterate")
}

func (s *SQLiteStore) Stats(ctx context.Context) ([]model.TemplateStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.template_id, t.component_type, t.is_active, t.usage_count, t.success_rate, t.last_used_at,
			(SELECT COALESCE(AVG(u.elapsed_ms), 0) FROM usage_events u WHERE u.template_id = t.template_id)
		 FROM templates t
		 ORDER BY t.template_id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats")
	}
	defer rows.Close()

	var out []model.TemplateStats
	for rows.Next() {
		var st model.TemplateStats
		var rate sql.NullFloat64
		var last sql.NullTime
		if err := rows.Scan(&st.TemplateID, &st.ComponentType, &st.IsActive, &st.UsageCount, &rate, &last, &st.AvgElapsedMs); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stats")
		}
		st.SuccessRate = nullFloat(rate)
		st.LastUsedAt = nullTime(last)
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: stats iterate")
}

// helpers

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) insertTemplate(ctx context.Context, db execer, t *model.Template) error {
	def, err := encodeDefinition(t)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO templates (template_id, component_type, category, version, definition, created_by, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TemplateID, t.ComponentType, t.Category, t.Version, string(def), string(t.CreatedBy), t.IsActive, t.CreatedAt, t.CreatedAt,
	)
	if isSQLiteConstraint(err) {
		return conflict("create template", t.TemplateID, err)
	}
	return eris.Wrapf(err, "sqlite: insert template %s", t.TemplateID)
}

func (s *SQLiteStore) queryTemplates(ctx context.Context, op, query string, args ...any) ([]model.Template, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", op)
	}
	defer rows.Close()

	var out []model.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: %s", op)
		}
		out = append(out, *t)
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: %s iterate", op)
}

func isSQLiteConstraint(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

func checkRowsAffected(res sql.Result, op, templateID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return notFound(op, templateID)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTemplate(row scannable) (*model.Template, error) {
	var t model.Template
	var def, createdBy string
	var rate sql.NullFloat64
	var last sql.NullTime

	err := row.Scan(&t.TemplateID, &t.ComponentType, &t.Category, &t.Version, &def, &createdBy,
		&t.UsageCount, &rate, &last, &t.IsActive, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.CreatedBy = model.CreatedBy(createdBy)
	t.SuccessRate = nullFloat(rate)
	t.LastUsedAt = nullTime(last)
	if err := decodeDefinition([]byte(def), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
