package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/spec-extractor/internal/model"
)

// PostgresStore implements TemplateStore using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const pgTemplateColumns = `template_id, component_type, category, version, definition, created_by,
	usage_count, success_rate, last_used_at, is_active, created_at`

const (
	sqlListActive = `SELECT ` + pgTemplateColumns + ` FROM templates
		WHERE is_active AND ($1 = '' OR category = $1)
		ORDER BY template_id`
	sqlGetTemplate   = `SELECT ` + pgTemplateColumns + ` FROM templates WHERE template_id = $1`
	sqlInsertUsage   = `INSERT INTO usage_events (id, template_id, source_url, success, fields_extracted, missing_required, elapsed_ms, error_message, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	sqlLockTemplate  = `SELECT template_id FROM templates WHERE template_id = $1 FOR UPDATE`
	sqlRecountUsage  = `UPDATE templates SET
		usage_count  = s.n,
		success_rate = s.rate,
		last_used_at = s.last,
		updated_at   = now()
	FROM (
		SELECT COUNT(*) AS n,
			AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END)::double precision AS rate,
			MAX(created_at) AS last
		FROM usage_events WHERE template_id = $1
	) s
	WHERE templates.template_id = $1`
)

// preparedStatements lists queries to prepare on each new connection for
// the hot extraction path.
var preparedStatements = map[string]string{
	"list_active_templates": sqlListActive,
	"get_template":          sqlGetTemplate,
	"lock_template":         sqlLockTemplate,
	"insert_usage_event":    sqlInsertUsage,
	"recount_usage":         sqlRecountUsage,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS templates (
	template_id    TEXT PRIMARY KEY,
	component_type TEXT NOT NULL,
	category       TEXT NOT NULL DEFAULT '',
	version        INTEGER NOT NULL DEFAULT 1,
	definition     JSONB NOT NULL,
	created_by     TEXT NOT NULL,
	usage_count    INTEGER NOT NULL DEFAULT 0,
	success_rate   DOUBLE PRECISION,
	last_used_at   TIMESTAMPTZ,
	is_active      BOOLEAN NOT NULL DEFAULT true,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS usage_events (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	template_id      TEXT NOT NULL REFERENCES templates(template_id),
	source_url       TEXT NOT NULL DEFAULT '',
	success          BOOLEAN NOT NULL,
	fields_extracted INTEGER NOT NULL DEFAULT 0,
	missing_required JSONB NOT NULL DEFAULT '[]',
	elapsed_ms       BIGINT NOT NULL DEFAULT 0,
	error_message    TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_templates_active ON templates(is_active, category);
CREATE INDEX IF NOT EXISTS idx_templates_component_type ON templates(lower(component_type));
CREATE INDEX IF NOT EXISTS idx_usage_events_template_id ON usage_events(template_id, created_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) ListActiveTemplates(ctx context.Context, category string) ([]model.Template, error) {
	return s.queryTemplates(ctx, "list active templates", sqlListActive, category)
}

func (s *PostgresStore) ListTemplates(ctx context.Context, includeInactive bool) ([]model.Template, error) {
	query := `SELECT ` + pgTemplateColumns + ` FROM templates`
	if !includeInactive {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY component_type, version`
	return s.queryTemplates(ctx, "list templates", query)
}

func (s *PostgresStore) GetTemplate(ctx context.Context, templateID string) (*model.Template, error) {
	t, err := scanPgTemplate(s.pool.QueryRow(ctx, sqlGetTemplate, templateID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("get template", templateID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get template %s", templateID)
	}
	return t, nil
}

// GetByComponentType returns the newest active template for a component
// type, or nil when there is none.
func (s *PostgresStore) GetByComponentType(ctx context.Context, componentType string) (*model.Template, error) {
	t, err := scanPgTemplate(s.pool.QueryRow(ctx,
		`SELECT `+pgTemplateColumns+` FROM templates
		 WHERE is_active AND lower(component_type) = lower($1)
		 ORDER BY version DESC LIMIT 1`,
		strings.TrimSpace(componentType),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get by component type %q", componentType)
	}
	return t, nil
}

func (s *PostgresStore) CreateTemplate(ctx context.Context, t model.Template) (*model.Template, error) {
	t, err := prepareNew(t, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := insertPgTemplate(ctx, s.pool, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateVersion stores t as the next version of its component type and
// deactivates every earlier version in the same transaction.
func (s *PostgresStore) CreateVersion(ctx context.Context, t model.Template) (*model.Template, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin create version")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	componentType := strings.TrimSpace(t.ComponentType)

	// Serializes concurrent version bumps for the same component type.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext(lower($1)))`, componentType); err != nil {
		return nil, eris.Wrap(err, "postgres: lock component type")
	}

	var latest int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM templates WHERE lower(component_type) = lower($1)`,
		componentType,
	).Scan(&latest); err != nil {
		return nil, eris.Wrap(err, "postgres: latest version")
	}

	t.Version = latest + 1
	t.TemplateID = VersionID(t.ComponentType, t.Version)
	t.IsActive = true
	t, err = prepareNew(t, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE templates SET is_active = false, updated_at = now() WHERE lower(component_type) = lower($1) AND is_active`,
		componentType,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: deactivate prior versions")
	}
	if err := insertPgTemplate(ctx, tx, &t); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit create version")
	}
	return &t, nil
}

func (s *PostgresStore) SetActive(ctx context.Context, templateID string, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE templates SET is_active = $1, updated_at = now() WHERE template_id = $2`,
		active, templateID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set active %s", templateID)
	}
	if tag.RowsAffected() == 0 {
		return notFound("set active", templateID)
	}
	return nil
}

// RecordUsage appends the event and recomputes the template's counters from
// the full usage log. The template row is locked first so concurrent
// recorders for the same template recount one after another and the last
// commit sees every event.
func (s *PostgresStore) RecordUsage(ctx context.Context, ev model.UsageEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	missing, err := json.Marshal(nonNil(ev.MissingRequiredFields))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal missing fields")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin record usage")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var locked string
	if err := tx.QueryRow(ctx, sqlLockTemplate, ev.TemplateID).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound("record usage", ev.TemplateID)
		}
		return eris.Wrapf(err, "postgres: lock template %s", ev.TemplateID)
	}

	if _, err := tx.Exec(ctx, sqlInsertUsage,
		ev.ID, ev.TemplateID, ev.SourceURL, ev.Success, ev.FieldsExtracted, missing, ev.ElapsedMs, ev.ErrorMessage, ev.CreatedAt,
	); err != nil {
		return eris.Wrapf(err, "postgres: insert usage event for %s", ev.TemplateID)
	}
	if _, err := tx.Exec(ctx, sqlRecountUsage, ev.TemplateID); err != nil {
		return eris.Wrapf(err, "postgres: recompute usage for %s", ev.TemplateID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit record usage")
}

func (s *PostgresStore) ListUsage(ctx context.Context, templateID string, limit int) ([]model.UsageEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, template_id, source_url, success, fields_extracted, missing_required, elapsed_ms, error_message, created_at
		 FROM usage_events WHERE template_id = $1
		 ORDER BY created_at DESC, id LIMIT $2`,
		templateID, defaultLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list usage")
	}
	defer rows.Close()

	var events []model.UsageEvent
	for rows.Next() {
		var ev model.UsageEvent
		var missing []byte
		if err := rows.Scan(&ev.ID, &ev.TemplateID, &ev.SourceURL, &ev.Success, &ev.FieldsExtracted,
			&missing, &ev.ElapsedMs, &ev.ErrorMessage, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan usage event")
		}
		if err := json.Unmarshal(missing, &ev.MissingRequiredFields); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal missing fields")
		}
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "postgres: list usage iterate")
}

func (s *PostgresStore) Stats(ctx context.Context) ([]model.TemplateStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT t.template_id, t.component_type, t.is_active, t.usage_count, t.success_rate, t.last_used_at,
			COALESCE((SELECT AVG(u.elapsed_ms) FROM usage_events u WHERE u.template_id = t.template_id), 0)::double precision
		 FROM templates t
		 ORDER BY t.template_id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats")
	}
	defer rows.Close()

	var out []model.TemplateStats
	for rows.Next() {
		var st model.TemplateStats
		if err := rows.Scan(&st.TemplateID, &st.ComponentType, &st.IsActive, &st.UsageCount,
			&st.SuccessRate, &st.LastUsedAt, &st.AvgElapsedMs); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stats")
		}
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: stats iterate")
}

type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertPgTemplate(ctx context.Context, db pgExecer, t *model.Template) error {
	def, err := encodeDefinition(t)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx,
		`INSERT INTO templates (template_id, component_type, category, version, definition, created_by, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		t.TemplateID, t.ComponentType, t.Category, t.Version, def, string(t.CreatedBy), t.IsActive, t.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return conflict("create template", t.TemplateID, err)
	}
	return eris.Wrapf(err, "postgres: insert template %s", t.TemplateID)
}

func (s *PostgresStore) queryTemplates(ctx context.Context, op, query string, args ...any) ([]model.Template, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", op)
	}
	defer rows.Close()

	var out []model.Template
	for rows.Next() {
		t, err := scanPgTemplate(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: %s", op)
		}
		out = append(out, *t)
	}
	return out, eris.Wrapf(rows.Err(), "postgres: %s iterate", op)
}

func scanPgTemplate(row pgx.Row) (*model.Template, error) {
	var t model.Template
	var def []byte
	var createdBy string

	err := row.Scan(&t.TemplateID, &t.ComponentType, &t.Category, &t.Version, &def, &createdBy,
		&t.UsageCount, &t.SuccessRate, &t.LastUsedAt, &t.IsActive, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.CreatedBy = model.CreatedBy(createdBy)
	if err := decodeDefinition(def, &t); err != nil {
		return nil, err
	}
	return &t, nil
}
