package model

import "time"

// UsageEvent is one append-only record of a template applied to a page.
type UsageEvent struct {
	ID                    string    `json:"id"`
	TemplateID            string    `json:"templateId"`
	SourceURL             string    `json:"sourceUrl"`
	Success               bool      `json:"success"`
	FieldsExtracted       int       `json:"fieldsExtracted"`
	MissingRequiredFields []string  `json:"missingRequiredFields"`
	ElapsedMs             int64     `json:"elapsedMs"`
	ErrorMessage          string    `json:"errorMessage,omitempty"`
	CreatedAt             time.Time `json:"createdAt"`
}

// UsageEventFromResult derives the usage record for a finished extraction.
func UsageEventFromResult(r *ExtractionResult) UsageEvent {
	ev := UsageEvent{
		TemplateID:            r.TemplateID,
		SourceURL:             r.SourceURL,
		Success:               r.Success,
		FieldsExtracted:       r.FieldsExtracted(),
		MissingRequiredFields: r.MissingRequiredFields,
		ElapsedMs:             r.ExtractionTimeMs,
		CreatedAt:             r.ExtractedAt,
	}
	if !r.Success {
		ev.ErrorMessage = "missing required fields"
	}
	return ev
}

// TemplateStats aggregates usage for one template.
type TemplateStats struct {
	TemplateID    string     `json:"templateId"`
	ComponentType string     `json:"componentType"`
	IsActive      bool       `json:"isActive"`
	UsageCount    int        `json:"usageCount"`
	SuccessRate   *float64   `json:"successRate,omitempty"`
	LastUsedAt    *time.Time `json:"lastUsedAt,omitempty"`
	AvgElapsedMs  float64    `json:"avgElapsedMs"`
}
