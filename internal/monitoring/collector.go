// Package monitoring watches template health: usage and success rates
// accumulated in the template store.
package monitoring

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/spec-extractor/internal/model"
)

// StatsSource is the part of the template store the collector reads.
type StatsSource interface {
	Stats(ctx context.Context) ([]model.TemplateStats, error)
}

// Snapshot is a point-in-time view of template health.
type Snapshot struct {
	Templates       int `json:"templates"`
	ActiveTemplates int `json:"active_templates"`
	UnusedActive    int `json:"unused_active"`

	TotalUsage     int `json:"total_usage"`
	TotalSuccesses int `json:"total_successes"`
	// SuccessRate is usage-weighted across all templates; zero when unused.
	SuccessRate float64 `json:"success_rate"`

	Stats       []model.TemplateStats `json:"stats"`
	CollectedAt time.Time             `json:"collected_at"`
}

// Collector gathers template statistics from the store.
type Collector struct {
	store StatsSource
}

// NewCollector creates a new collector.
func NewCollector(st StatsSource) *Collector {
	return &Collector{store: st}
}

// Collect reads current statistics and aggregates them.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	stats, err := c.store.Stats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: template stats")
	}

	snap := &Snapshot{
		Templates:   len(stats),
		Stats:       stats,
		CollectedAt: time.Now().UTC(),
	}
	for _, s := range stats {
		if s.IsActive {
			snap.ActiveTemplates++
			if s.UsageCount == 0 {
				snap.UnusedActive++
			}
		}
		snap.TotalUsage += s.UsageCount
		if s.SuccessRate != nil {
			snap.TotalSuccesses += int(math.Round(*s.SuccessRate * float64(s.UsageCount)))
		}
	}
	if snap.TotalUsage > 0 {
		snap.SuccessRate = float64(snap.TotalSuccesses) / float64(snap.TotalUsage)
	}
	return snap, nil
}
