package shadow

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/model-governor/internal/config"
	"github.com/sells-group/model-governor/internal/model"
	"github.com/sells-group/model-governor/internal/store"
)

// Reconciler fills actual values into recorded shadow predictions once
// ground truth arrives, typically a day or more after the forecast.
type Reconciler struct {
	store store.Store
	log   *zap.Logger
}

func NewReconciler(st store.Store) *Reconciler {
	return &Reconciler{
		store: st,
		log:   zap.L().With(zap.String("component", "shadow")),
	}
}

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Received int   `json:"received"`
	Updated  int64 `json:"updated"`
	// Skew counts ground truth rows whose (input_key, forecast_window)
	// was never recorded as a prediction. Logged and dropped, never fatal.
	Skew int64 `json:"skew"`
}

// Reconcile applies a batch of ground truth. Idempotent: truths for
// already-reconciled rows are no-ops, so replaying a feed is safe.
func (r *Reconciler) Reconcile(ctx context.Context, truths []model.GroundTruth) (*ReconcileResult, error) {
	if len(truths) == 0 {
		return &ReconcileResult{}, nil
	}

	updated, skew, err := r.store.ReconcileShadow(ctx, truths)
	if err != nil {
		return nil, eris.Wrap(err, "shadow: reconcile")
	}

	res := &ReconcileResult{Received: len(truths), Updated: updated, Skew: skew}
	if skew > 0 {
		r.log.Warn("ground truth arrived for unknown prediction keys",
			zap.Int64("skew", skew),
			zap.Int("received", len(truths)),
		)
	}
	r.log.Info("shadow reconciliation pass",
		zap.Int("received", res.Received),
		zap.Int64("updated", res.Updated),
		zap.Int64("skew", res.Skew),
	)
	return res, nil
}

// Aggregator computes trailing-window accuracy summaries per version
// from reconciled rows only.
type Aggregator struct {
	store   store.Store
	windows []int
	log     *zap.Logger
}

func NewAggregator(st store.Store, cfg config.ShadowConfig) *Aggregator {
	windows := cfg.WindowsDays
	if len(windows) == 0 {
		windows = []int{7, 14, 30}
	}
	return &Aggregator{
		store:   st,
		windows: windows,
		log:     zap.L().With(zap.String("component", "shadow")),
	}
}

// Aggregates returns one summary per configured trailing window.
// Unreconciled rows never contribute; a version with no reconciled rows
// yields zero-sample aggregates rather than an error.
func (a *Aggregator) Aggregates(ctx context.Context, modelVersionID string, asOf time.Time) ([]model.ShadowAggregate, error) {
	out := make([]model.ShadowAggregate, 0, len(a.windows))
	for _, days := range a.windows {
		agg, err := a.store.AggregateShadow(ctx, modelVersionID, days, asOf)
		if err != nil {
			return nil, eris.Wrapf(err, "shadow: aggregate %dd", days)
		}
		out = append(out, *agg)
	}
	return out, nil
}
