// Package backtest runs walk-forward evaluation over rolling historical
// windows. The external metrics evaluator scores each step; this
// package only schedules the steps and stores the results, which feed
// the same metric contract the promotion gate consumes.
package backtest

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/model-governor/internal/config"
	"github.com/sells-group/model-governor/internal/model"
	"github.com/sells-group/model-governor/internal/store"
	"github.com/sells-group/model-governor/pkg/evaluator"
)

// Backtester drives walk-forward evaluation for model versions.
type Backtester struct {
	store store.Store
	eval  evaluator.Client
	cfg   config.BacktestConfig
	log   *zap.Logger
}

func New(st store.Store, ev evaluator.Client, cfg config.BacktestConfig) *Backtester {
	if cfg.DailyWindowDays <= 0 {
		cfg.DailyWindowDays = 1
	}
	if cfg.WeeklyWindowDays <= 0 {
		cfg.WeeklyWindowDays = 90
	}
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = 1
	}
	return &Backtester{
		store: st,
		eval:  ev,
		cfg:   cfg,
		log:   zap.L().With(zap.String("component", "backtest")),
	}
}

// Run walks forward over [asOf-windowDays, asOf) in horizon-sized
// steps, scoring each step against now-known actuals and storing one
// BacktestResult per step. Re-running a window is idempotent: existing
// (version, window) rows are kept, not duplicated.
func (b *Backtester) Run(ctx context.Context, v *model.ModelVersion, windowDays int, asOf time.Time) ([]model.BacktestResult, error) {
	horizon := b.cfg.HorizonDays
	start := asOf.AddDate(0, 0, -windowDays)

	var results []model.BacktestResult
	for stepStart := start; !stepStart.AddDate(0, 0, horizon).After(asOf); stepStart = stepStart.AddDate(0, 0, horizon) {
		stepEnd := stepStart.AddDate(0, 0, horizon)

		scored, err := b.eval.Evaluate(ctx, evaluator.EvaluateRequest{
			TenantID:    v.TenantID,
			ModelName:   v.ModelName,
			Version:     v.Version,
			WindowStart: stepStart,
			WindowEnd:   stepEnd,
			HorizonDays: horizon,
		})
		if err != nil {
			return results, eris.Wrapf(err, "backtest: evaluate step %s", stepStart.Format("2006-01-02"))
		}

		r := model.BacktestResult{
			ModelVersionID:   v.ID,
			WindowStart:      stepStart,
			WindowEnd:        stepEnd,
			MAE:              scored.MAE,
			MAPENonZero:      scored.MAPENonZero,
			Coverage:         scored.Coverage,
			StockoutMissRate: scored.StockoutMissRate,
			OverstockRate:    scored.OverstockRate,
			SampleCount:      scored.SampleCount,
		}
		if err := b.store.InsertBacktestResult(ctx, &r); err != nil {
			return results, eris.Wrap(err, "backtest: store result")
		}
		results = append(results, r)
	}

	b.log.Info("backtest window complete",
		zap.String("tenant_id", v.TenantID),
		zap.String("model_name", v.ModelName),
		zap.String("version", v.Version),
		zap.Int("window_days", windowDays),
		zap.Int("steps", len(results)),
	)
	return results, nil
}

// RunAll backtests every champion and its current challenger over the
// given window.
func (b *Backtester) RunAll(ctx context.Context, windowDays int) error {
	champions, err := b.store.ListChampions(ctx)
	if err != nil {
		return eris.Wrap(err, "backtest: list champions")
	}

	asOf := time.Now().UTC().Truncate(24 * time.Hour)
	for i := range champions {
		champ := &champions[i]
		if _, err := b.Run(ctx, champ, windowDays, asOf); err != nil {
			b.log.Error("champion backtest failed",
				zap.String("tenant_id", champ.TenantID),
				zap.String("model_name", champ.ModelName),
				zap.Error(err),
			)
		}

		challenger, err := b.store.GetByStatus(ctx, champ.TenantID, champ.ModelName, model.StatusChallenger)
		if err != nil || challenger == nil {
			continue
		}
		if _, err := b.Run(ctx, challenger, windowDays, asOf); err != nil {
			b.log.Error("challenger backtest failed",
				zap.String("tenant_id", champ.TenantID),
				zap.String("model_name", champ.ModelName),
				zap.Error(err),
			)
		}
	}
	return nil
}

// RunDaily executes fast-feedback passes over the short window on a
// daily cadence until ctx is canceled.
func (b *Backtester) RunDaily(ctx context.Context) error {
	return b.loop(ctx, 24*time.Hour, b.cfg.DailyWindowDays)
}

// RunWeekly executes trend-stability passes over the long window on a
// weekly cadence until ctx is canceled.
func (b *Backtester) RunWeekly(ctx context.Context) error {
	return b.loop(ctx, 7*24*time.Hour, b.cfg.WeeklyWindowDays)
}

func (b *Backtester) loop(ctx context.Context, every time.Duration, windowDays int) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	b.log.Info("backtester started",
		zap.Duration("interval", every),
		zap.Int("window_days", windowDays),
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := b.RunAll(ctx, windowDays); err != nil {
				b.log.Error("backtest pass failed", zap.Error(err))
			}
		}
	}
}
