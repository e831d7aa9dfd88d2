package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/spec-extractor/internal/config"
)

// Checker runs periodic template health checks in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
}

// NewChecker creates a background health checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.IntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
	}
}

// Run checks once per interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("monitoring: starting template health checker", zap.Duration("interval", c.interval))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("monitoring: health checker stopped")
			return
		case <-ticker.C:
			if _, err := c.Check(ctx); err != nil {
				log.Error("monitoring: health check failed", zap.Error(err))
			}
		}
	}
}

// Check collects a snapshot, evaluates it, logs each alert and sends them
// to the webhook.
func (c *Checker) Check(ctx context.Context) ([]Alert, error) {
	snap, err := c.collector.Collect(ctx)
	if err != nil {
		return nil, err
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		zap.L().Debug("monitoring: all templates healthy",
			zap.Int("active_templates", snap.ActiveTemplates),
			zap.Int("total_usage", snap.TotalUsage),
		)
		return nil, nil
	}

	for _, a := range alerts {
		zap.L().Warn("monitoring: "+a.Message,
			zap.String("type", string(a.Type)),
			zap.String("severity", a.Severity),
			zap.String("template_id", a.TemplateID),
		)
	}
	sent := c.alerter.SendAlerts(ctx, alerts)
	zap.L().Info("monitoring: health check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return alerts, nil
}
