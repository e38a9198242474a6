// Package retrain coordinates retraining runs: accepting triggers,
// detecting in-flight runs for the same target, driving the external
// trainer, and handing results to the registry and gate.
package retrain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/model-governor/internal/config"
	"github.com/sells-group/model-governor/internal/model"
	"github.com/sells-group/model-governor/internal/registry"
	"github.com/sells-group/model-governor/internal/store"
	"github.com/sells-group/model-governor/pkg/trainer"
)

// InFlightError rejects a trigger because a run for the same target is
// already in progress.
type InFlightError struct {
	TenantID  string
	ModelName string
}

func (e *InFlightError) Error() string {
	return fmt.Sprintf("retraining already in flight for %s/%s", e.TenantID, e.ModelName)
}

// Orchestrator owns the retraining lifecycle. Training runs execute in
// background goroutines holding no database locks; the retraining_log
// row is the only record of an in-flight run.
type Orchestrator struct {
	store    store.Store
	trainer  trainer.Client
	registry *registry.Registry
	timeout  time.Duration
	log      *zap.Logger
	wg       sync.WaitGroup
}

func New(st store.Store, tc trainer.Client, reg *registry.Registry, cfg config.RetrainConfig) *Orchestrator {
	timeout := time.Duration(cfg.TimeoutMin) * time.Minute
	if timeout <= 0 {
		timeout = 4 * time.Hour
	}
	return &Orchestrator{
		store:    st,
		trainer:  tc,
		registry: reg,
		timeout:  timeout,
		log:      zap.L().With(zap.String("component", "retrain")),
	}
}

// Trigger accepts one retraining request. A second trigger for the same
// (tenant, model) while a run is in flight is rejected with
// InFlightError; the unique running-status index backstops the check
// against races. The returned entry is in running status; training
// continues asynchronously.
func (o *Orchestrator) Trigger(ctx context.Context, tenantID, modelName string, trigger model.TriggerType, metadata map[string]any) (*model.RetrainingLogEntry, error) {
	if tenantID == "" {
		return nil, &model.ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if modelName == "" {
		return nil, &model.ValidationError{Field: "model_name", Reason: "required"}
	}
	if trigger == "" {
		return nil, &model.ValidationError{Field: "trigger_type", Reason: "required"}
	}

	running, err := o.store.HasRunningRetraining(ctx, tenantID, modelName)
	if err != nil {
		return nil, eris.Wrap(err, "retrain: check in-flight")
	}
	if running {
		return nil, &InFlightError{TenantID: tenantID, ModelName: modelName}
	}

	entry := &model.RetrainingLogEntry{
		TenantID:        tenantID,
		ModelName:       modelName,
		TriggerType:     trigger,
		TriggerMetadata: metadata,
	}
	if err := o.store.StartRetraining(ctx, entry); err != nil {
		// The unique index catches the race the read above can miss.
		return nil, &InFlightError{TenantID: tenantID, ModelName: modelName}
	}

	o.log.Info("retraining triggered",
		zap.String("tenant_id", tenantID),
		zap.String("model_name", modelName),
		zap.String("trigger_type", string(trigger)),
		zap.String("entry_id", entry.ID),
	)

	o.wg.Add(1)
	go o.run(entry)
	return entry, nil
}

// Wait blocks until all in-flight training goroutines finish. Used at
// shutdown and in tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// run drives one training job to completion. Detached from the trigger
// request's context: an HTTP client disconnect must not abandon a
// training run the trainer is still executing.
func (o *Orchestrator) run(entry *model.RetrainingLogEntry) {
	defer o.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	result, err := o.trainer.Train(ctx, trainer.TrainRequest{
		TenantID:    entry.TenantID,
		ModelName:   entry.ModelName,
		TriggerType: string(entry.TriggerType),
		Metadata:    entry.TriggerMetadata,
	})
	if err != nil {
		o.fail(ctx, entry, &model.TrainerFailure{
			TenantID:  entry.TenantID,
			ModelName: entry.ModelName,
			Err:       err,
		})
		return
	}

	_, decision, err := o.registry.Register(ctx, registry.RegisterRequest{
		TenantID:        entry.TenantID,
		ModelName:       entry.ModelName,
		Version:         result.Version,
		Metrics:         result.Metrics,
		TriggerType:     entry.TriggerType,
		TriggerMetadata: entry.TriggerMetadata,
		ArtifactRef:     result.ArtifactRef,
		DatasetID:       result.DatasetID,
		SampleCount:     result.SampleCount,
		Actor:           "retrain-orchestrator",
	})
	if err != nil {
		o.fail(ctx, entry, eris.Wrap(err, "retrain: register produced version"))
		return
	}

	if err := o.store.CompleteRetraining(ctx, entry.ID, result.Version); err != nil {
		// The reaper may have failed the entry already; the registry
		// state is correct either way.
		o.log.Warn("could not mark retraining completed",
			zap.String("entry_id", entry.ID),
			zap.Error(err),
		)
		return
	}

	o.log.Info("retraining completed",
		zap.String("tenant_id", entry.TenantID),
		zap.String("model_name", entry.ModelName),
		zap.String("version_produced", result.Version),
		zap.String("gate_outcome", string(decision.Outcome)),
	)
}

// fail marks the entry failed. Trainer errors never corrupt registry
// state; the failed entry is the complete record of the attempt.
func (o *Orchestrator) fail(ctx context.Context, entry *model.RetrainingLogEntry, cause error) {
	o.log.Error("retraining failed",
		zap.String("tenant_id", entry.TenantID),
		zap.String("model_name", entry.ModelName),
		zap.String("entry_id", entry.ID),
		zap.Error(cause),
	)
	if err := o.store.FailRetraining(ctx, entry.ID, cause.Error()); err != nil {
		o.log.Warn("could not mark retraining failed",
			zap.String("entry_id", entry.ID),
			zap.Error(err),
		)
	}
}

// Reaper fails retraining entries stuck in running status past the
// timeout so they never block future triggers indefinitely.
type Reaper struct {
	store    store.Store
	timeout  time.Duration
	interval time.Duration
	log      *zap.Logger
}

func NewReaper(st store.Store, cfg config.RetrainConfig) *Reaper {
	timeout := time.Duration(cfg.TimeoutMin) * time.Minute
	if timeout <= 0 {
		timeout = 4 * time.Hour
	}
	interval := time.Duration(cfg.ReaperIntervalMin) * time.Minute
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Reaper{
		store:    st,
		timeout:  timeout,
		interval: interval,
		log:      zap.L().With(zap.String("component", "retrain")),
	}
}

// ReapOnce fails all entries older than the timeout.
func (r *Reaper) ReapOnce(ctx context.Context) (int64, error) {
	n, err := r.store.ReapStaleRetraining(ctx, r.timeout)
	if err != nil {
		return 0, eris.Wrap(err, "retrain: reap")
	}
	if n > 0 {
		r.log.Warn("reaped stale retraining entries", zap.Int64("count", n))
	}
	return n, nil
}

// Run reaps on the configured interval until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("retraining reaper started",
		zap.Duration("interval", r.interval),
		zap.Duration("timeout", r.timeout),
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.ReapOnce(ctx); err != nil {
				r.log.Error("reap pass failed", zap.Error(err))
			}
		}
	}
}
