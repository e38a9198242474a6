// Package drift watches champion accuracy for degradation relative to
// its own recent history and triggers challenger retraining when the
// degradation crosses the configured threshold.
package drift

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/model-governor/internal/config"
	"github.com/sells-group/model-governor/internal/model"
	"github.com/sells-group/model-governor/internal/store"
)

// TriggerSink receives retraining triggers. Satisfied by
// retrain.Orchestrator.
type TriggerSink interface {
	Trigger(ctx context.Context, tenantID, modelName string, trigger model.TriggerType, metadata map[string]any) (*model.RetrainingLogEntry, error)
}

// Alerter receives drift alerts.
type Alerter interface {
	Emit(ctx context.Context, alertType, severity string, payload map[string]any)
}

// Report is the outcome of one drift check for one champion.
type Report struct {
	TenantID    string  `json:"tenant_id"`
	ModelName   string  `json:"model_name"`
	Version     string  `json:"version"`
	RecentMAE   float64 `json:"recent_mae"`
	BaselineMAE float64 `json:"baseline_mae"`
	DriftPct    float64 `json:"drift_pct"`
	Threshold   float64 `json:"threshold"`
	// Insufficient means one of the windows had no samples; no
	// comparison was possible and no action was taken.
	Insufficient bool `json:"insufficient"`
	Triggered    bool `json:"triggered"`
}

// Detector compares each champion's trailing-window MAE against its
// preceding baseline.
type Detector struct {
	store   store.Store
	cfg     config.DriftConfig
	sink    TriggerSink
	alerter Alerter
	log     *zap.Logger
}

func New(st store.Store, cfg config.DriftConfig, sink TriggerSink, alerter Alerter) *Detector {
	if cfg.RecentWindowDays <= 0 {
		cfg.RecentWindowDays = 7
	}
	if cfg.BaselineDays <= 0 {
		cfg.BaselineDays = 21
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.15
	}
	return &Detector{
		store:   st,
		cfg:     cfg,
		sink:    sink,
		alerter: alerter,
		log:     zap.L().With(zap.String("component", "drift")),
	}
}

// Check evaluates one champion. Below-threshold drift and insufficient
// data both produce a report and no side effects; only above-threshold
// drift emits an alert and a retraining trigger.
func (d *Detector) Check(ctx context.Context, champ *model.ModelVersion, asOf time.Time) (*Report, error) {
	recentStart := asOf.AddDate(0, 0, -d.cfg.RecentWindowDays)
	baselineStart := recentStart.AddDate(0, 0, -d.cfg.BaselineDays)

	recentMAE, recentN, err := d.store.MetricWindowMAE(ctx, champ.TenantID, champ.ModelName, champ.Version, recentStart, asOf)
	if err != nil {
		return nil, eris.Wrap(err, "drift: recent window")
	}
	baselineMAE, baselineN, err := d.store.MetricWindowMAE(ctx, champ.TenantID, champ.ModelName, champ.Version, baselineStart, recentStart)
	if err != nil {
		return nil, eris.Wrap(err, "drift: baseline window")
	}

	report := &Report{
		TenantID:    champ.TenantID,
		ModelName:   champ.ModelName,
		Version:     champ.Version,
		RecentMAE:   recentMAE,
		BaselineMAE: baselineMAE,
		Threshold:   d.cfg.DriftThresholdFor(champ.TenantID),
	}

	if recentN == 0 || baselineN == 0 || baselineMAE == 0 {
		report.Insufficient = true
		d.log.Debug("drift check skipped, insufficient data",
			zap.String("tenant_id", champ.TenantID),
			zap.String("model_name", champ.ModelName),
			zap.Int("recent_samples", recentN),
			zap.Int("baseline_samples", baselineN),
		)
		return report, nil
	}

	report.DriftPct = (recentMAE - baselineMAE) / baselineMAE
	if report.DriftPct <= report.Threshold {
		return report, nil
	}
	report.Triggered = true

	d.log.Warn("champion drift detected",
		zap.String("tenant_id", champ.TenantID),
		zap.String("model_name", champ.ModelName),
		zap.String("version", champ.Version),
		zap.Float64("drift_pct", report.DriftPct),
		zap.Float64("threshold", report.Threshold),
	)

	if d.alerter != nil {
		d.alerter.Emit(ctx, "champion_drift", "critical", map[string]any{
			"tenant_id":    champ.TenantID,
			"model_name":   champ.ModelName,
			"version":      champ.Version,
			"drift_pct":    report.DriftPct,
			"recent_mae":   recentMAE,
			"baseline_mae": baselineMAE,
			"threshold":    report.Threshold,
		})
	}

	if d.sink != nil {
		// drift_detected caps the gate at held_as_challenger, so the
		// retrained version can only arrive as a challenger.
		_, err := d.sink.Trigger(ctx, champ.TenantID, champ.ModelName, model.TriggerDriftDetected, map[string]any{
			"drift_pct":    report.DriftPct,
			"recent_mae":   recentMAE,
			"baseline_mae": baselineMAE,
		})
		if err != nil {
			// An in-flight run for the same target is expected here; the
			// drift will be re-checked next cycle if it persists.
			d.log.Warn("drift retraining trigger not accepted", zap.Error(err))
		}
	}
	return report, nil
}

// CheckAll runs one drift pass over every champion.
func (d *Detector) CheckAll(ctx context.Context) ([]Report, error) {
	champions, err := d.store.ListChampions(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "drift: list champions")
	}

	asOf := time.Now().UTC()
	reports := make([]Report, 0, len(champions))
	for i := range champions {
		r, err := d.Check(ctx, &champions[i], asOf)
		if err != nil {
			d.log.Error("drift check failed",
				zap.String("tenant_id", champions[i].TenantID),
				zap.String("model_name", champions[i].ModelName),
				zap.Error(err),
			)
			continue
		}
		reports = append(reports, *r)
	}
	return reports, nil
}

// Run executes drift passes on the configured interval until ctx is
// canceled.
func (d *Detector) Run(ctx context.Context) error {
	interval := time.Duration(d.cfg.CheckIntervalMin) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.log.Info("drift detector started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.CheckAll(ctx); err != nil {
				d.log.Error("drift pass failed", zap.Error(err))
			}
		}
	}
}
