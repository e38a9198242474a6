package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/model-governor/internal/config"
)

// Checker periodically flags champions that have served unchanged for
// too long. A stale champion usually means scheduled retraining is
// broken or its results keep getting blocked at the gate.
type Checker struct {
	collector *Collector
	alerter   *WebhookAlerter
	cfg       config.AlertsConfig
}

func NewChecker(collector *Collector, alerter *WebhookAlerter, cfg config.AlertsConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
	}
}

// Run starts the periodic check loop. It blocks until ctx is canceled.
func (c *Checker) Run(ctx context.Context) error {
	interval := time.Duration(c.cfg.CheckIntervalMin) * time.Minute
	if interval <= 0 {
		interval = 6 * time.Hour
	}

	log := zap.L().With(zap.String("component", "monitoring"))
	log.Info("stale champion checker started",
		zap.Duration("interval", interval),
		zap.Int("stale_champion_days", c.cfg.StaleChampionDays),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

// CheckOnce runs a single stale-champion sweep outside the ticker loop.
func (c *Checker) CheckOnce(ctx context.Context) {
	c.check(ctx, zap.L().With(zap.String("component", "monitoring")))
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	if c.cfg.StaleChampionDays <= 0 {
		return
	}

	snap, err := c.collector.Collect(ctx)
	if err != nil {
		log.Error("health snapshot failed", zap.Error(err))
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -c.cfg.StaleChampionDays)
	for _, h := range snap.Champions {
		if h.PromotedAt == nil || !h.PromotedAt.Before(cutoff) {
			continue
		}
		if h.RetrainingInFlight {
			continue
		}
		c.alerter.Emit(ctx, "stale_champion", "warning", map[string]any{
			"tenant_id":   h.TenantID,
			"model_name":  h.ModelName,
			"version":     h.Version,
			"promoted_at": h.PromotedAt,
			"stale_days":  c.cfg.StaleChampionDays,
		})
	}
}
