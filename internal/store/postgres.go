package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/model-governor/internal/db"
	"github.com/sells-group/model-governor/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the hottest paths: shadow reconciliation and champion lookups.
var preparedStatements = map[string]string{
	"get_by_status": `SELECT id, tenant_id, model_name, version, status, feature_tier, dataset_id, artifact_ref, metrics, routing_weight, smoke_test_passed, trigger_type, trigger_metadata, lock_version, created_at, promoted_at, archived_at FROM model_versions WHERE tenant_id = $1 AND model_name = $2 AND status = $3 ORDER BY created_at DESC LIMIT 1`,
	"reconcile_shadow": `UPDATE shadow_predictions SET actual_value = $1, reconciled_at = $2 WHERE input_key = $3 AND forecast_window = $4 AND reconciled_at IS NULL`,
	"running_retrain":  `SELECT EXISTS (SELECT 1 FROM retraining_log WHERE tenant_id = $1 AND model_name = $2 AND status = 'running')`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need
// direct bulk access (metrics ingestor, shadow flusher).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS model_versions (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	tenant_id         TEXT NOT NULL,
	model_name        TEXT NOT NULL,
	version           TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'candidate',
	feature_tier      TEXT,
	dataset_id        TEXT,
	artifact_ref      TEXT,
	metrics           JSONB NOT NULL DEFAULT '{}'::jsonb,
	routing_weight    DOUBLE PRECISION NOT NULL DEFAULT 0,
	smoke_test_passed BOOLEAN,
	trigger_type      TEXT NOT NULL,
	trigger_metadata  JSONB,
	lock_version      BIGINT NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	promoted_at       TIMESTAMPTZ,
	archived_at       TIMESTAMPTZ,
	UNIQUE (tenant_id, model_name, version)
);

CREATE INDEX IF NOT EXISTS idx_model_versions_lookup ON model_versions(tenant_id, model_name, status);
CREATE UNIQUE INDEX IF NOT EXISTS uniq_model_versions_champion
	ON model_versions(tenant_id, model_name) WHERE status = 'champion';

CREATE TABLE IF NOT EXISTS promotion_decisions (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	model_version_id TEXT NOT NULL REFERENCES model_versions(id),
	outcome          TEXT NOT NULL,
	confidence       TEXT NOT NULL,
	deltas           JSONB,
	failed_rules     JSONB,
	missing_metrics  JSONB,
	reason           TEXT,
	actor            TEXT,
	evaluated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_promotion_decisions_version ON promotion_decisions(model_version_id, evaluated_at DESC);

CREATE TABLE IF NOT EXISTS metric_windows (
	tenant_id    TEXT NOT NULL,
	model_name   TEXT NOT NULL,
	version      TEXT NOT NULL,
	window_start TIMESTAMPTZ NOT NULL,
	window_end   TIMESTAMPTZ NOT NULL,
	sample_count INTEGER NOT NULL DEFAULT 0,
	metrics      JSONB NOT NULL,
	ingested_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, model_name, version, window_start, window_end)
);

CREATE INDEX IF NOT EXISTS idx_metric_windows_latest ON metric_windows(tenant_id, model_name, version, window_end DESC);

CREATE TABLE IF NOT EXISTS shadow_predictions (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	model_version_id TEXT NOT NULL REFERENCES model_versions(id),
	input_key        TEXT NOT NULL,
	forecast_window  TEXT NOT NULL,
	predicted_value  DOUBLE PRECISION NOT NULL,
	actual_value     DOUBLE PRECISION,
	recorded_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	reconciled_at    TIMESTAMPTZ,
	UNIQUE (model_version_id, input_key, forecast_window)
);

CREATE INDEX IF NOT EXISTS idx_shadow_predictions_reconcile ON shadow_predictions(input_key, forecast_window) WHERE reconciled_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_shadow_predictions_window ON shadow_predictions(model_version_id, recorded_at DESC);

CREATE TABLE IF NOT EXISTS backtest_results (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	model_version_id TEXT NOT NULL REFERENCES model_versions(id),
	window_start     TIMESTAMPTZ NOT NULL,
	window_end       TIMESTAMPTZ NOT NULL,
	mae              DOUBLE PRECISION NOT NULL,
	mape_nonzero     DOUBLE PRECISION NOT NULL,
	coverage         DOUBLE PRECISION NOT NULL,
	stockout_miss_rate DOUBLE PRECISION NOT NULL,
	overstock_rate   DOUBLE PRECISION NOT NULL,
	sample_count     INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (model_version_id, window_start, window_end)
);

CREATE TABLE IF NOT EXISTS retraining_log (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	tenant_id        TEXT NOT NULL,
	model_name       TEXT NOT NULL,
	trigger_type     TEXT NOT NULL,
	trigger_metadata JSONB,
	status           TEXT NOT NULL DEFAULT 'running',
	version_produced TEXT,
	error            TEXT,
	started_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at     TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS uniq_retraining_running
	ON retraining_log(tenant_id, model_name) WHERE status = 'running';
CREATE INDEX IF NOT EXISTS idx_retraining_log_target ON retraining_log(tenant_id, model_name, started_at DESC);

CREATE TABLE IF NOT EXISTS experiments (
	id                    TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	tenant_id             TEXT NOT NULL,
	model_name            TEXT NOT NULL,
	hypothesis            TEXT NOT NULL,
	experiment_type       TEXT NOT NULL,
	status                TEXT NOT NULL DEFAULT 'proposed',
	baseline_version      TEXT,
	experimental_versions JSONB,
	results               JSONB,
	decision              TEXT,
	decision_rationale    TEXT,
	proposed_by           TEXT NOT NULL,
	approved_by           TEXT,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_experiments_tenant ON experiments(tenant_id, created_at DESC);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const versionColumns = `id, tenant_id, model_name, version, status, feature_tier, dataset_id, artifact_ref, metrics, routing_weight, smoke_test_passed, trigger_type, trigger_metadata, lock_version, created_at, promoted_at, archived_at`

func (s *PostgresStore) CreateVersion(ctx context.Context, v *model.ModelVersion) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	if v.Status == "" {
		v.Status = model.StatusCandidate
	}

	metricsJSON, err := json.Marshal(v.Metrics)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal metrics")
	}
	var metaJSON []byte
	if v.TriggerMetadata != nil {
		if metaJSON, err = json.Marshal(v.TriggerMetadata); err != nil {
			return eris.Wrap(err, "postgres: marshal trigger metadata")
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO model_versions (id, tenant_id, model_name, version, status, feature_tier, dataset_id, artifact_ref, metrics, routing_weight, smoke_test_passed, trigger_type, trigger_metadata, lock_version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		v.ID, v.TenantID, v.ModelName, v.Version, string(v.Status),
		nullable(v.FeatureTier), nullable(v.DatasetID), nullable(v.ArtifactRef),
		metricsJSON, v.RoutingWeight, v.SmokeTestPassed,
		string(v.TriggerType), metaJSON, v.LockVersion, v.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert version %s/%s@%s", v.TenantID, v.ModelName, v.Version)
}

func (s *PostgresStore) GetVersion(ctx context.Context, id string) (*model.ModelVersion, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM model_versions WHERE id = $1`, id)
	v, err := scanVersion(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get version %s", id)
	}
	return v, nil
}

func (s *PostgresStore) FindVersion(ctx context.Context, tenantID, modelName, version string) (*model.ModelVersion, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM model_versions WHERE tenant_id = $1 AND model_name = $2 AND version = $3`,
		tenantID, modelName, version)
	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: find version %s/%s@%s", tenantID, modelName, version)
	}
	return v, nil
}

func (s *PostgresStore) GetByStatus(ctx context.Context, tenantID, modelName string, status model.VersionStatus) (*model.ModelVersion, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM model_versions
		 WHERE tenant_id = $1 AND model_name = $2 AND status = $3
		 ORDER BY created_at DESC LIMIT 1`,
		tenantID, modelName, string(status))
	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get %s for %s/%s", status, tenantID, modelName)
	}
	return v, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, filter VersionFilter) ([]model.ModelVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM model_versions WHERE tenant_id = $1 AND model_name = $2`
	args := []any{filter.TenantID, filter.ModelName}
	argIdx := 3

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list versions")
	}
	defer rows.Close()

	var versions []model.ModelVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan version")
		}
		versions = append(versions, *v)
	}
	return versions, eris.Wrap(rows.Err(), "postgres: list versions iterate")
}

func (s *PostgresStore) UpdateVersionStatus(ctx context.Context, id string, status model.VersionStatus, lockVersion int64) error {
	var archivedAt any
	if status == model.StatusArchived {
		archivedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE model_versions
		 SET status = $1, archived_at = COALESCE($2, archived_at), lock_version = lock_version + 1
		 WHERE id = $3 AND lock_version = $4`,
		string(status), archivedAt, id, lockVersion,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update version status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return &model.ConcurrentModificationError{}
	}
	return nil
}

// SwapChampion atomically archives the prior champion, promotes the
// target, and persists the decision, all behind an optimistic check on
// the champion observed at evaluation time.
func (s *PostgresStore) SwapChampion(ctx context.Context, swap ChampionSwap) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: swap champion: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Lock and re-read the current champion.
	var curID string
	var curLock int64
	err = tx.QueryRow(ctx,
		`SELECT id, lock_version FROM model_versions
		 WHERE tenant_id = $1 AND model_name = $2 AND status = 'champion'
		 FOR UPDATE`,
		swap.TenantID, swap.ModelName,
	).Scan(&curID, &curLock)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrap(err, "postgres: swap champion: read current")
	}

	if curID != swap.PriorChampionID || (curID != "" && curLock != swap.PriorLockVersion) {
		return &model.ConcurrentModificationError{TenantID: swap.TenantID, ModelName: swap.ModelName}
	}

	// Lock the target and validate the transition.
	var targetStatus string
	err = tx.QueryRow(ctx,
		`SELECT status FROM model_versions WHERE id = $1 FOR UPDATE`,
		swap.TargetID,
	).Scan(&targetStatus)
	if err != nil {
		return eris.Wrapf(err, "postgres: swap champion: read target %s", swap.TargetID)
	}

	from := model.VersionStatus(targetStatus)
	if from == model.StatusArchived {
		if !swap.Rollback {
			return &model.ValidationError{Field: "target", Reason: "archived version requires rollback"}
		}
	} else if !model.CanTransition(from, model.StatusChampion) {
		return &model.ValidationError{Field: "target", Reason: fmt.Sprintf("illegal transition %s -> champion", from)}
	}

	now := time.Now().UTC()

	if curID != "" {
		if _, err := tx.Exec(ctx,
			`UPDATE model_versions SET status = 'archived', archived_at = $1, lock_version = lock_version + 1 WHERE id = $2`,
			now, curID,
		); err != nil {
			return eris.Wrap(err, "postgres: swap champion: archive prior")
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE model_versions SET status = 'champion', promoted_at = $1, archived_at = NULL, lock_version = lock_version + 1 WHERE id = $2`,
		now, swap.TargetID,
	); err != nil {
		return eris.Wrap(err, "postgres: swap champion: promote target")
	}

	if swap.Decision != nil {
		if err := insertDecision(ctx, tx, swap.Decision); err != nil {
			return err
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: swap champion: commit")
}

// execer abstracts pool vs transaction for shared insert paths.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertDecision(ctx context.Context, ex execer, d *model.PromotionDecision) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.EvaluatedAt.IsZero() {
		d.EvaluatedAt = time.Now().UTC()
	}

	deltasJSON, err := marshalIfSet(d.Deltas)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal deltas")
	}
	rulesJSON, err := marshalIfSet(d.FailedRules)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal failed rules")
	}
	missingJSON, err := marshalIfSet(d.MissingMetrics)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal missing metrics")
	}

	_, err = ex.Exec(ctx,
		`INSERT INTO promotion_decisions (id, model_version_id, outcome, confidence, deltas, failed_rules, missing_metrics, reason, actor, evaluated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.ModelVersionID, string(d.Outcome), string(d.Confidence),
		deltasJSON, rulesJSON, missingJSON,
		nullable(d.Reason), nullable(d.Actor), d.EvaluatedAt,
	)
	return eris.Wrapf(err, "postgres: insert decision for %s", d.ModelVersionID)
}

func (s *PostgresStore) InsertDecision(ctx context.Context, d *model.PromotionDecision) error {
	return insertDecision(ctx, s.pool, d)
}

func (s *PostgresStore) ListDecisions(ctx context.Context, modelVersionID string, limit int) ([]model.PromotionDecision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, model_version_id, outcome, confidence, deltas, failed_rules, missing_metrics, reason, actor, evaluated_at
		 FROM promotion_decisions WHERE model_version_id = $1
		 ORDER BY evaluated_at DESC LIMIT $2`,
		modelVersionID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list decisions")
	}
	defer rows.Close()

	var decisions []model.PromotionDecision
	for rows.Next() {
		var d model.PromotionDecision
		var outcome, confidence string
		var deltasJSON, rulesJSON, missingJSON []byte
		var reason, actor *string
		if err := rows.Scan(&d.ID, &d.ModelVersionID, &outcome, &confidence,
			&deltasJSON, &rulesJSON, &missingJSON, &reason, &actor, &d.EvaluatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan decision")
		}
		d.Outcome = model.DecisionOutcome(outcome)
		d.Confidence = model.ConfidenceLabel(confidence)
		if deltasJSON != nil {
			if err := json.Unmarshal(deltasJSON, &d.Deltas); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal deltas")
			}
		}
		if rulesJSON != nil {
			if err := json.Unmarshal(rulesJSON, &d.FailedRules); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal failed rules")
			}
		}
		if missingJSON != nil {
			if err := json.Unmarshal(missingJSON, &d.MissingMetrics); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal missing metrics")
			}
		}
		if reason != nil {
			d.Reason = *reason
		}
		if actor != nil {
			d.Actor = *actor
		}
		decisions = append(decisions, d)
	}
	return decisions, eris.Wrap(rows.Err(), "postgres: list decisions iterate")
}

var metricWindowColumns = []string{"tenant_id", "model_name", "version", "window_start", "window_end", "sample_count", "metrics", "ingested_at"}

// UpsertMetricWindows bulk-upserts externally computed evaluation
// windows. Re-delivered batches overwrite their earlier rows.
func (s *PostgresStore) UpsertMetricWindows(ctx context.Context, windows []model.MetricWindow) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(windows))
	for i := range windows {
		w := &windows[i]
		metricsJSON, err := json.Marshal(w.Metrics)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal window metrics")
		}
		rows = append(rows, []any{
			w.TenantID, w.ModelName, w.Version,
			w.WindowStart.UTC(), w.WindowEnd.UTC(),
			w.SampleCount, metricsJSON, now,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "metric_windows",
		Columns:      metricWindowColumns,
		ConflictKeys: []string{"tenant_id", "model_name", "version", "window_start", "window_end"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert metric windows")
}

func (s *PostgresStore) LatestMetricWindow(ctx context.Context, tenantID, modelName, version string) (*model.MetricWindow, error) {
	var w model.MetricWindow
	var metricsJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, model_name, version, window_start, window_end, sample_count, metrics
		 FROM metric_windows
		 WHERE tenant_id = $1 AND model_name = $2 AND version = $3
		 ORDER BY window_end DESC LIMIT 1`,
		tenantID, modelName, version,
	).Scan(&w.TenantID, &w.ModelName, &w.Version, &w.WindowStart, &w.WindowEnd, &w.SampleCount, &metricsJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: latest metric window")
	}
	if err := json.Unmarshal(metricsJSON, &w.Metrics); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal window metrics")
	}
	return &w, nil
}

func (s *PostgresStore) MetricWindowMAE(ctx context.Context, tenantID, modelName, version string, start, end time.Time) (float64, int, error) {
	var mae *float64
	var samples *int
	err := s.pool.QueryRow(ctx,
		`SELECT SUM((metrics->>'mae')::double precision * sample_count) / NULLIF(SUM(sample_count), 0),
		        SUM(sample_count)
		 FROM metric_windows
		 WHERE tenant_id = $1 AND model_name = $2 AND version = $3
		   AND window_end >= $4 AND window_end < $5
		   AND metrics ? 'mae'`,
		tenantID, modelName, version, start, end,
	).Scan(&mae, &samples)
	if err != nil {
		return 0, 0, eris.Wrap(err, "postgres: metric window mae")
	}
	if mae == nil || samples == nil {
		return 0, 0, nil
	}
	return *mae, *samples, nil
}

func (s *PostgresStore) ListChampions(ctx context.Context) ([]model.ModelVersion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+versionColumns+` FROM model_versions WHERE status = 'champion' ORDER BY tenant_id, model_name`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list champions")
	}
	defer rows.Close()

	var champions []model.ModelVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan champion")
		}
		champions = append(champions, *v)
	}
	return champions, eris.Wrap(rows.Err(), "postgres: list champions iterate")
}

var shadowColumns = []string{"id", "model_version_id", "input_key", "forecast_window", "predicted_value", "recorded_at"}

// InsertShadowBatch bulk-inserts shadow predictions via COPY. Called
// only from the recorder's flusher, off the inference path.
func (s *PostgresStore) InsertShadowBatch(ctx context.Context, preds []model.ShadowPrediction) (int64, error) {
	rows := make([][]any, 0, len(preds))
	for i := range preds {
		p := &preds[i]
		id := p.ID
		if id == "" {
			id = uuid.New().String()
		}
		rows = append(rows, []any{
			id, p.ModelVersionID, p.InputKey, p.ForecastWindow,
			p.PredictedValue, p.RecordedAt.UTC(),
		})
	}
	return db.CopyFrom(ctx, s.pool, "shadow_predictions", shadowColumns, rows)
}

// ReconcileShadow fills actual_value for matching unreconciled rows.
// Re-running for already-reconciled rows is a no-op; ground truth with
// no matching prediction at all is counted as skew and dropped.
func (s *PostgresStore) ReconcileShadow(ctx context.Context, truths []model.GroundTruth) (updated, skew int64, err error) {
	now := time.Now().UTC()
	for i := range truths {
		t := &truths[i]
		tag, err := s.pool.Exec(ctx,
			`UPDATE shadow_predictions SET actual_value = $1, reconciled_at = $2
			 WHERE input_key = $3 AND forecast_window = $4 AND reconciled_at IS NULL`,
			t.ActualValue, now, t.InputKey, t.ForecastWindow,
		)
		if err != nil {
			return updated, skew, eris.Wrapf(err, "postgres: reconcile %s/%s", t.InputKey, t.ForecastWindow)
		}
		if tag.RowsAffected() > 0 {
			updated += tag.RowsAffected()
			continue
		}

		// Nothing updated: either already reconciled (fine) or the key
		// was never recorded (skew).
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM shadow_predictions WHERE input_key = $1 AND forecast_window = $2)`,
			t.InputKey, t.ForecastWindow,
		).Scan(&exists); err != nil {
			return updated, skew, eris.Wrap(err, "postgres: reconcile existence check")
		}
		if !exists {
			skew++
		}
	}
	return updated, skew, nil
}

// AggregateShadow computes MAE/MAPE over reconciled rows in the trailing
// window. Unreconciled rows are excluded, never treated as zero error.
func (s *PostgresStore) AggregateShadow(ctx context.Context, modelVersionID string, windowDays int, asOf time.Time) (*model.ShadowAggregate, error) {
	since := asOf.AddDate(0, 0, -windowDays)

	agg := &model.ShadowAggregate{
		ModelVersionID: modelVersionID,
		WindowDays:     windowDays,
		ComputedAt:     asOf,
	}
	var mae, mape *float64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        AVG(ABS(predicted_value - actual_value)),
		        AVG(ABS(predicted_value - actual_value) / NULLIF(ABS(actual_value), 0))
		 FROM shadow_predictions
		 WHERE model_version_id = $1 AND reconciled_at IS NOT NULL
		   AND recorded_at >= $2 AND recorded_at < $3`,
		modelVersionID, since, asOf,
	).Scan(&agg.SampleCount, &mae, &mape)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: aggregate shadow %s/%dd", modelVersionID, windowDays)
	}
	if mae != nil {
		agg.MAE = *mae
	}
	if mape != nil {
		agg.MAPE = *mape
	}
	return agg, nil
}

func (s *PostgresStore) ListReconciled(ctx context.Context, modelVersionID string, start, end time.Time) ([]model.ShadowPrediction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, model_version_id, input_key, forecast_window, predicted_value, actual_value, recorded_at, reconciled_at
		 FROM shadow_predictions
		 WHERE model_version_id = $1 AND reconciled_at IS NOT NULL
		   AND recorded_at >= $2 AND recorded_at < $3
		 ORDER BY recorded_at`,
		modelVersionID, start, end,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list reconciled")
	}
	defer rows.Close()

	var preds []model.ShadowPrediction
	for rows.Next() {
		var p model.ShadowPrediction
		if err := rows.Scan(&p.ID, &p.ModelVersionID, &p.InputKey, &p.ForecastWindow,
			&p.PredictedValue, &p.ActualValue, &p.RecordedAt, &p.ReconciledAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan shadow prediction")
		}
		preds = append(preds, p)
	}
	return preds, eris.Wrap(rows.Err(), "postgres: list reconciled iterate")
}

func (s *PostgresStore) InsertBacktestResult(ctx context.Context, r *model.BacktestResult) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO backtest_results (id, model_version_id, window_start, window_end, mae, mape_nonzero, coverage, stockout_miss_rate, overstock_rate, sample_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (model_version_id, window_start, window_end) DO NOTHING`,
		r.ID, r.ModelVersionID, r.WindowStart.UTC(), r.WindowEnd.UTC(),
		r.MAE, r.MAPENonZero, r.Coverage, r.StockoutMissRate, r.OverstockRate,
		r.SampleCount, r.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert backtest result for %s", r.ModelVersionID)
}

func (s *PostgresStore) ListBacktestResults(ctx context.Context, modelVersionID string, since time.Time) ([]model.BacktestResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, model_version_id, window_start, window_end, mae, mape_nonzero, coverage, stockout_miss_rate, overstock_rate, sample_count, created_at
		 FROM backtest_results
		 WHERE model_version_id = $1 AND window_end >= $2
		 ORDER BY window_start`,
		modelVersionID, since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list backtest results")
	}
	defer rows.Close()

	var results []model.BacktestResult
	for rows.Next() {
		var r model.BacktestResult
		if err := rows.Scan(&r.ID, &r.ModelVersionID, &r.WindowStart, &r.WindowEnd,
			&r.MAE, &r.MAPENonZero, &r.Coverage, &r.StockoutMissRate, &r.OverstockRate,
			&r.SampleCount, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan backtest result")
		}
		results = append(results, r)
	}
	return results, eris.Wrap(rows.Err(), "postgres: list backtest results iterate")
}

func (s *PostgresStore) StartRetraining(ctx context.Context, e *model.RetrainingLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}
	e.Status = model.RetrainRunning

	var metaJSON []byte
	if e.TriggerMetadata != nil {
		var err error
		if metaJSON, err = json.Marshal(e.TriggerMetadata); err != nil {
			return eris.Wrap(err, "postgres: marshal trigger metadata")
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO retraining_log (id, tenant_id, model_name, trigger_type, trigger_metadata, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, 'running', $6)`,
		e.ID, e.TenantID, e.ModelName, string(e.TriggerType), metaJSON, e.StartedAt,
	)
	return eris.Wrapf(err, "postgres: start retraining for %s/%s", e.TenantID, e.ModelName)
}

func (s *PostgresStore) HasRunningRetraining(ctx context.Context, tenantID, modelName string) (bool, error) {
	var running bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM retraining_log WHERE tenant_id = $1 AND model_name = $2 AND status = 'running')`,
		tenantID, modelName,
	).Scan(&running)
	return running, eris.Wrap(err, "postgres: check running retraining")
}

func (s *PostgresStore) CompleteRetraining(ctx context.Context, id, versionProduced string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE retraining_log SET status = 'completed', version_produced = $1, completed_at = now()
		 WHERE id = $2 AND status = 'running'`,
		versionProduced, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete retraining %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("retraining entry not running: %s", id)
	}
	return nil
}

func (s *PostgresStore) FailRetraining(ctx context.Context, id, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE retraining_log SET status = 'failed', error = $1, completed_at = now()
		 WHERE id = $2 AND status = 'running'`,
		errMsg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail retraining %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("retraining entry not running: %s", id)
	}
	return nil
}

func (s *PostgresStore) ListRetraining(ctx context.Context, tenantID, modelName string, limit int) ([]model.RetrainingLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, model_name, trigger_type, trigger_metadata, status, version_produced, error, started_at, completed_at
		 FROM retraining_log
		 WHERE tenant_id = $1 AND model_name = $2
		 ORDER BY started_at DESC LIMIT $3`,
		tenantID, modelName, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list retraining")
	}
	defer rows.Close()

	var entries []model.RetrainingLogEntry
	for rows.Next() {
		var e model.RetrainingLogEntry
		var triggerType, status string
		var metaJSON []byte
		var versionProduced, errMsg *string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ModelName, &triggerType, &metaJSON,
			&status, &versionProduced, &errMsg, &e.StartedAt, &e.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan retraining entry")
		}
		e.TriggerType = model.TriggerType(triggerType)
		e.Status = model.RetrainStatus(status)
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &e.TriggerMetadata)
		}
		if versionProduced != nil {
			e.VersionProduced = *versionProduced
		}
		if errMsg != nil {
			e.Error = *errMsg
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list retraining iterate")
}

// ReapStaleRetraining fails entries stuck in running status so they
// never block future triggers indefinitely.
func (s *PostgresStore) ReapStaleRetraining(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx,
		`UPDATE retraining_log SET status = 'failed', error = 'reaped: exceeded timeout', completed_at = now()
		 WHERE status = 'running' AND started_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reap stale retraining")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) CreateExperiment(ctx context.Context, ex *model.Experiment) error {
	if ex.ID == "" {
		ex.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = now
	}
	ex.UpdatedAt = now
	if ex.Status == "" {
		ex.Status = model.ExperimentProposed
	}

	versionsJSON, err := marshalIfSet(ex.ExperimentalVersions)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal experimental versions")
	}
	resultsJSON, err := marshalIfSet(ex.Results)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal results")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO experiments (id, tenant_id, model_name, hypothesis, experiment_type, status, baseline_version, experimental_versions, results, decision, decision_rationale, proposed_by, approved_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		ex.ID, ex.TenantID, ex.ModelName, ex.Hypothesis, ex.ExperimentType,
		string(ex.Status), nullable(ex.BaselineVersion), versionsJSON, resultsJSON,
		nullable(string(ex.Decision)), nullable(ex.DecisionRationale),
		ex.ProposedBy, nullable(ex.ApprovedBy), ex.CreatedAt, ex.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert experiment %s", ex.ID)
}

func (s *PostgresStore) GetExperiment(ctx context.Context, id string) (*model.Experiment, error) {
	var ex model.Experiment
	var status string
	var baseline, decision, rationale, approvedBy *string
	var versionsJSON, resultsJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, model_name, hypothesis, experiment_type, status, baseline_version, experimental_versions, results, decision, decision_rationale, proposed_by, approved_by, created_at, updated_at
		 FROM experiments WHERE id = $1`,
		id,
	).Scan(&ex.ID, &ex.TenantID, &ex.ModelName, &ex.Hypothesis, &ex.ExperimentType,
		&status, &baseline, &versionsJSON, &resultsJSON, &decision, &rationale,
		&ex.ProposedBy, &approvedBy, &ex.CreatedAt, &ex.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get experiment %s", id)
	}

	ex.Status = model.ExperimentStatus(status)
	if baseline != nil {
		ex.BaselineVersion = *baseline
	}
	if versionsJSON != nil {
		if err := json.Unmarshal(versionsJSON, &ex.ExperimentalVersions); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal experimental versions")
		}
	}
	if resultsJSON != nil {
		if err := json.Unmarshal(resultsJSON, &ex.Results); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal results")
		}
	}
	if decision != nil {
		ex.Decision = model.ExperimentDecision(*decision)
	}
	if rationale != nil {
		ex.DecisionRationale = *rationale
	}
	if approvedBy != nil {
		ex.ApprovedBy = *approvedBy
	}
	return &ex, nil
}

func (s *PostgresStore) UpdateExperiment(ctx context.Context, ex *model.Experiment) error {
	ex.UpdatedAt = time.Now().UTC()

	versionsJSON, err := marshalIfSet(ex.ExperimentalVersions)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal experimental versions")
	}
	resultsJSON, err := marshalIfSet(ex.Results)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal results")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE experiments
		 SET status = $1, baseline_version = $2, experimental_versions = $3, results = $4,
		     decision = $5, decision_rationale = $6, approved_by = $7, updated_at = $8
		 WHERE id = $9`,
		string(ex.Status), nullable(ex.BaselineVersion), versionsJSON, resultsJSON,
		nullable(string(ex.Decision)), nullable(ex.DecisionRationale),
		nullable(ex.ApprovedBy), ex.UpdatedAt, ex.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update experiment %s", ex.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("experiment not found: %s", ex.ID)
	}
	return nil
}

func (s *PostgresStore) ListExperiments(ctx context.Context, tenantID string, limit int) ([]model.Experiment, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, tenant_id, model_name, hypothesis, experiment_type, status, baseline_version, experimental_versions, results, decision, decision_rationale, proposed_by, approved_by, created_at, updated_at FROM experiments`
	args := []any{}
	if tenantID != "" {
		query += ` WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, tenantID, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list experiments")
	}
	defer rows.Close()

	var experiments []model.Experiment
	for rows.Next() {
		var ex model.Experiment
		var status string
		var baseline, decision, rationale, approvedBy *string
		var versionsJSON, resultsJSON []byte
		if err := rows.Scan(&ex.ID, &ex.TenantID, &ex.ModelName, &ex.Hypothesis, &ex.ExperimentType,
			&status, &baseline, &versionsJSON, &resultsJSON, &decision, &rationale,
			&ex.ProposedBy, &approvedBy, &ex.CreatedAt, &ex.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan experiment")
		}
		ex.Status = model.ExperimentStatus(status)
		if baseline != nil {
			ex.BaselineVersion = *baseline
		}
		if versionsJSON != nil {
			_ = json.Unmarshal(versionsJSON, &ex.ExperimentalVersions)
		}
		if resultsJSON != nil {
			_ = json.Unmarshal(resultsJSON, &ex.Results)
		}
		if decision != nil {
			ex.Decision = model.ExperimentDecision(*decision)
		}
		if rationale != nil {
			ex.DecisionRationale = *rationale
		}
		if approvedBy != nil {
			ex.ApprovedBy = *approvedBy
		}
		experiments = append(experiments, ex)
	}
	return experiments, eris.Wrap(rows.Err(), "postgres: list experiments iterate")
}

// rowScanner covers both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (*model.ModelVersion, error) {
	var v model.ModelVersion
	var status, triggerType string
	var featureTier, datasetID, artifactRef *string
	var metricsJSON, metaJSON []byte

	err := row.Scan(&v.ID, &v.TenantID, &v.ModelName, &v.Version, &status,
		&featureTier, &datasetID, &artifactRef, &metricsJSON, &v.RoutingWeight,
		&v.SmokeTestPassed, &triggerType, &metaJSON, &v.LockVersion,
		&v.CreatedAt, &v.PromotedAt, &v.ArchivedAt)
	if err != nil {
		return nil, err
	}

	v.Status = model.VersionStatus(status)
	v.TriggerType = model.TriggerType(triggerType)
	if featureTier != nil {
		v.FeatureTier = *featureTier
	}
	if datasetID != nil {
		v.DatasetID = *datasetID
	}
	if artifactRef != nil {
		v.ArtifactRef = *artifactRef
	}
	if metricsJSON != nil {
		if err := json.Unmarshal(metricsJSON, &v.Metrics); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal metrics")
		}
	}
	if metaJSON != nil {
		_ = json.Unmarshal(metaJSON, &v.TriggerMetadata)
	}
	return &v, nil
}

// nullable maps "" to NULL for optional text columns.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func marshalIfSet[T any](v T) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}
