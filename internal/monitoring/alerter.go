package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spec-extractor/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertTemplateSuccessRate AlertType = "template_success_rate"
	AlertOverallSuccessRate  AlertType = "overall_success_rate"
)

// Alert is a single health finding.
type Alert struct {
	Type       AlertType      `json:"type"`
	Severity   string         `json:"severity"`
	TemplateID string         `json:"template_id,omitempty"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against the configured thresholds and posts
// alerts to a webhook when one is configured.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter. Zero thresholds fall back to 5 uses and
// a 0.5 success rate.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	if cfg.MinUsage <= 0 {
		cfg.MinUsage = 5
	}
	if cfg.MinSuccessRate <= 0 {
		cfg.MinSuccessRate = 0.5
	}
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate returns one alert per active template that has been used at
// least MinUsage times with a success rate below MinSuccessRate, plus one
// for the overall rate. Templates with too little usage are never flagged.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	for _, s := range snap.Stats {
		if !s.IsActive || s.UsageCount < a.cfg.MinUsage || s.SuccessRate == nil {
			continue
		}
		rate := *s.SuccessRate
		if rate >= a.cfg.MinSuccessRate {
			continue
		}
		alerts = append(alerts, Alert{
			Type:       AlertTemplateSuccessRate,
			Severity:   severity(rate, a.cfg.MinSuccessRate),
			TemplateID: s.TemplateID,
			Message: fmt.Sprintf(
				"Template %s (%s) success rate %.1f%% is below %.1f%% over %d uses",
				s.TemplateID, s.ComponentType, rate*100, a.cfg.MinSuccessRate*100, s.UsageCount,
			),
			Details: map[string]any{
				"success_rate": rate,
				"threshold":    a.cfg.MinSuccessRate,
				"usage_count":  s.UsageCount,
			},
			Timestamp: now,
		})
	}

	if snap.TotalUsage >= a.cfg.MinUsage && snap.SuccessRate < a.cfg.MinSuccessRate {
		alerts = append(alerts, Alert{
			Type:     AlertOverallSuccessRate,
			Severity: severity(snap.SuccessRate, a.cfg.MinSuccessRate),
			Message: fmt.Sprintf(
				"Overall extraction success rate %.1f%% is below %.1f%% (%d / %d)",
				snap.SuccessRate*100, a.cfg.MinSuccessRate*100, snap.TotalSuccesses, snap.TotalUsage,
			),
			Details: map[string]any{
				"success_rate": snap.SuccessRate,
				"threshold":    a.cfg.MinSuccessRate,
				"total_usage":  snap.TotalUsage,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// severity is high when the rate is under half the threshold.
func severity(rate, threshold float64) string {
	if rate < threshold/2 {
		return "high"
	}
	return "medium"
}

// SendAlerts delivers alerts to the configured webhook URL and returns the
// number delivered.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.String("template_id", alert.TemplateID),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
