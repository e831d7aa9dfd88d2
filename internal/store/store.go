package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/spec-extractor/internal/model"
)

// TemplateStore persists templates and their usage log. Counters on a
// template (usage count, success rate, last used) are owned by the store and
// recomputed from the usage log; callers never write them directly.
type TemplateStore interface {
	// Templates
	ListActiveTemplates(ctx context.Context, category string) ([]model.Template, error)
	GetTemplate(ctx context.Context, templateID string) (*model.Template, error)
	GetByComponentType(ctx context.Context, componentType string) (*model.Template, error)
	ListTemplates(ctx context.Context, includeInactive bool) ([]model.Template, error)
	CreateTemplate(ctx context.Context, t model.Template) (*model.Template, error)
	CreateVersion(ctx context.Context, t model.Template) (*model.Template, error)
	SetActive(ctx context.Context, templateID string, active bool) error

	// Usage
	RecordUsage(ctx context.Context, ev model.UsageEvent) error
	ListUsage(ctx context.Context, templateID string, limit int) ([]model.UsageEvent, error)
	Stats(ctx context.Context) ([]model.TemplateStats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// definition is the persisted rule body of a template. Identity, provenance
// and counters live in their own columns.
type definition struct {
	PagePatterns model.PagePatterns `json:"pagePatterns"`
	SpecFields   []model.FieldRule  `json:"specFields"`
	Validation   model.Validation   `json:"validation"`
}

func encodeDefinition(t *model.Template) ([]byte, error) {
	b, err := json.Marshal(definition{
		PagePatterns: t.PagePatterns,
		SpecFields:   t.SpecFields,
		Validation:   t.Validation,
	})
	return b, eris.Wrap(err, "store: marshal definition")
}

func decodeDefinition(b []byte, t *model.Template) error {
	var d definition
	if err := json.Unmarshal(b, &d); err != nil {
		return eris.Wrapf(err, "store: unmarshal definition for %s", t.TemplateID)
	}
	t.PagePatterns = d.PagePatterns
	t.SpecFields = d.SpecFields
	t.Validation = d.Validation
	return nil
}

// prepareNew validates a template for insertion and resets the fields the
// store owns.
func prepareNew(t model.Template, now time.Time) (model.Template, error) {
	if t.Version <= 0 {
		t.Version = 1
	}
	if t.CreatedBy == "" {
		t.CreatedBy = model.CreatedByManual
	}
	if err := t.Validate(); err != nil {
		return t, err
	}
	t.UsageCount = 0
	t.SuccessRate = nil
	t.LastUsedAt = nil
	t.CreatedAt = now
	return t, nil
}

// VersionID returns the template ID for version n of a component type.
func VersionID(componentType string, n int) string {
	return fmt.Sprintf("%s_v%d", model.Slug(componentType), n)
}

func notFound(op, templateID string) error {
	return &model.Error{
		Kind:       model.KindNotFound,
		Op:         op,
		TemplateID: templateID,
		Err:        eris.Errorf("template not found: %s", templateID),
	}
}

func conflict(op, templateID string, cause error) error {
	return &model.Error{
		Kind:       model.KindConflict,
		Op:         op,
		TemplateID: templateID,
		Err:        eris.Wrapf(cause, "template already exists: %s", templateID),
	}
}

func defaultLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
