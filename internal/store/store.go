package store

import (
	"context"
	"time"

	"github.com/sells-group/model-governor/internal/model"
)

// ChampionSwap describes an atomic champion replacement: the optimistic
// preconditions observed at evaluation time, the target version, and the
// decision row to persist in the same transaction.
type ChampionSwap struct {
	TenantID  string
	ModelName string

	// PriorChampionID and PriorLockVersion are what the caller observed
	// when its decision was computed. PriorChampionID is empty on first
	// deployment. A mismatch against current state aborts the swap with
	// ConcurrentModificationError.
	PriorChampionID  string
	PriorLockVersion int64

	TargetID string

	// Rollback permits an archived target. Ordinary promotion rejects
	// archived -> champion; rollback is the one sanctioned path back.
	Rollback bool

	Decision *model.PromotionDecision
}

// VersionFilter narrows version history listings.
type VersionFilter struct {
	TenantID  string
	ModelName string
	Status    model.VersionStatus
	Limit     int
}

// Store is the persistence interface for the governance engine. Absence
// of a champion or challenger is a valid result and is returned as
// (nil, nil), not an error.
type Store interface {
	// Model versions
	CreateVersion(ctx context.Context, v *model.ModelVersion) error
	GetVersion(ctx context.Context, id string) (*model.ModelVersion, error)
	FindVersion(ctx context.Context, tenantID, modelName, version string) (*model.ModelVersion, error)
	GetByStatus(ctx context.Context, tenantID, modelName string, status model.VersionStatus) (*model.ModelVersion, error)
	ListVersions(ctx context.Context, filter VersionFilter) ([]model.ModelVersion, error)
	UpdateVersionStatus(ctx context.Context, id string, status model.VersionStatus, lockVersion int64) error
	SwapChampion(ctx context.Context, swap ChampionSwap) error

	// Promotion decisions (append-only audit trail)
	InsertDecision(ctx context.Context, d *model.PromotionDecision) error
	ListDecisions(ctx context.Context, modelVersionID string, limit int) ([]model.PromotionDecision, error)

	// Metric windows (ingestor)
	UpsertMetricWindows(ctx context.Context, windows []model.MetricWindow) (int64, error)
	LatestMetricWindow(ctx context.Context, tenantID, modelName, version string) (*model.MetricWindow, error)
	// MetricWindowMAE returns the sample-weighted mean MAE across windows
	// ending inside [start, end), plus the total sample count. Zero
	// samples means no data, not zero error.
	MetricWindowMAE(ctx context.Context, tenantID, modelName, version string, start, end time.Time) (float64, int, error)

	// ListChampions returns every current champion across tenants.
	ListChampions(ctx context.Context) ([]model.ModelVersion, error)

	// Shadow predictions
	InsertShadowBatch(ctx context.Context, preds []model.ShadowPrediction) (int64, error)
	ReconcileShadow(ctx context.Context, truths []model.GroundTruth) (updated, skew int64, err error)
	AggregateShadow(ctx context.Context, modelVersionID string, windowDays int, asOf time.Time) (*model.ShadowAggregate, error)
	ListReconciled(ctx context.Context, modelVersionID string, start, end time.Time) ([]model.ShadowPrediction, error)

	// Backtest results
	InsertBacktestResult(ctx context.Context, r *model.BacktestResult) error
	ListBacktestResults(ctx context.Context, modelVersionID string, since time.Time) ([]model.BacktestResult, error)

	// Retraining log
	StartRetraining(ctx context.Context, e *model.RetrainingLogEntry) error
	HasRunningRetraining(ctx context.Context, tenantID, modelName string) (bool, error)
	CompleteRetraining(ctx context.Context, id, versionProduced string) error
	FailRetraining(ctx context.Context, id, errMsg string) error
	ListRetraining(ctx context.Context, tenantID, modelName string, limit int) ([]model.RetrainingLogEntry, error)
	ReapStaleRetraining(ctx context.Context, olderThan time.Duration) (int64, error)

	// Experiments
	CreateExperiment(ctx context.Context, ex *model.Experiment) error
	GetExperiment(ctx context.Context, id string) (*model.Experiment, error)
	UpdateExperiment(ctx context.Context, ex *model.Experiment) error
	ListExperiments(ctx context.Context, tenantID string, limit int) ([]model.Experiment, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
