package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/model-governor/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Used for local
// development and single-node deployments; Postgres is the production
// driver.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sqldb.Exec(pragma); err != nil {
			sqldb.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// SQLite allows one writer; serialize through a single connection to
	// avoid SQLITE_BUSY churn under concurrent promote attempts.
	sqldb.SetMaxOpenConns(1)
	return &SQLiteStore{db: sqldb}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS model_versions (
	id                TEXT PRIMARY KEY,
	tenant_id         TEXT NOT NULL,
	model_name        TEXT NOT NULL,
	version           TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'candidate',
	feature_tier      TEXT,
	dataset_id        TEXT,
	artifact_ref      TEXT,
	metrics           TEXT NOT NULL DEFAULT '{}',
	routing_weight    REAL NOT NULL DEFAULT 0,
	smoke_test_passed INTEGER,
	trigger_type      TEXT NOT NULL,
	trigger_metadata  TEXT,
	lock_version      INTEGER NOT NULL DEFAULT 0,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	promoted_at       DATETIME,
	archived_at       DATETIME,
	UNIQUE (tenant_id, model_name, version)
);

CREATE INDEX IF NOT EXISTS idx_model_versions_lookup ON model_versions(tenant_id, model_name, status);
CREATE UNIQUE INDEX IF NOT EXISTS uniq_model_versions_champion
	ON model_versions(tenant_id, model_name) WHERE status = 'champion';

CREATE TABLE IF NOT EXISTS promotion_decisions (
	id               TEXT PRIMARY KEY,
	model_version_id TEXT NOT NULL REFERENCES model_versions(id),
	outcome          TEXT NOT NULL,
	confidence       TEXT NOT NULL,
	deltas           TEXT,
	failed_rules     TEXT,
	missing_metrics  TEXT,
	reason           TEXT,
	actor            TEXT,
	evaluated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_promotion_decisions_version ON promotion_decisions(model_version_id, evaluated_at DESC);

CREATE TABLE IF NOT EXISTS metric_windows (
	tenant_id    TEXT NOT NULL,
	model_name   TEXT NOT NULL,
	version      TEXT NOT NULL,
	window_start DATETIME NOT NULL,
	window_end   DATETIME NOT NULL,
	sample_count INTEGER NOT NULL DEFAULT 0,
	metrics      TEXT NOT NULL,
	ingested_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (tenant_id, model_name, version, window_start, window_end)
);

CREATE TABLE IF NOT EXISTS shadow_predictions (
	id               TEXT PRIMARY KEY,
	model_version_id TEXT NOT NULL REFERENCES model_versions(id),
	input_key        TEXT NOT NULL,
	forecast_window  TEXT NOT NULL,
	predicted_value  REAL NOT NULL,
	actual_value     REAL,
	recorded_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	reconciled_at    DATETIME,
	UNIQUE (model_version_id, input_key, forecast_window)
);

CREATE INDEX IF NOT EXISTS idx_shadow_predictions_reconcile ON shadow_predictions(input_key, forecast_window) WHERE reconciled_at IS NULL;

CREATE TABLE IF NOT EXISTS backtest_results (
	id               TEXT PRIMARY KEY,
	model_version_id TEXT NOT NULL REFERENCES model_versions(id),
	window_start     DATETIME NOT NULL,
	window_end       DATETIME NOT NULL,
	mae              REAL NOT NULL,
	mape_nonzero     REAL NOT NULL,
	coverage         REAL NOT NULL,
	stockout_miss_rate REAL NOT NULL,
	overstock_rate   REAL NOT NULL,
	sample_count     INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (model_version_id, window_start, window_end)
);

CREATE TABLE IF NOT EXISTS retraining_log (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	model_name       TEXT NOT NULL,
	trigger_type     TEXT NOT NULL,
	trigger_metadata TEXT,
	status           TEXT NOT NULL DEFAULT 'running',
	version_produced TEXT,
	error            TEXT,
	started_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at     DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS uniq_retraining_running
	ON retraining_log(tenant_id, model_name) WHERE status = 'running';

CREATE TABLE IF NOT EXISTS experiments (
	id                    TEXT PRIMARY KEY,
	tenant_id             TEXT NOT NULL,
	model_name            TEXT NOT NULL,
	hypothesis            TEXT NOT NULL,
	experiment_type       TEXT NOT NULL,
	status                TEXT NOT NULL DEFAULT 'proposed',
	baseline_version      TEXT,
	experimental_versions TEXT,
	results               TEXT,
	decision              TEXT,
	decision_rationale    TEXT,
	proposed_by           TEXT NOT NULL,
	approved_by           TEXT,
	created_at            DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at            DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_experiments_tenant ON experiments(tenant_id, created_at DESC);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteVersionColumns = `id, tenant_id, model_name, version, status, feature_tier, dataset_id, artifact_ref, metrics, routing_weight, smoke_test_passed, trigger_type, trigger_metadata, lock_version, created_at, promoted_at, archived_at`

func (s *SQLiteStore) CreateVersion(ctx context.Context, v *model.ModelVersion) error {
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
		return eris.Wrap(err, "sqlite: marshal metrics")
	}
	metaJSON, err := marshalIfSet(v.TriggerMetadata)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal trigger metadata")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO model_versions (id, tenant_id, model_name, version, status, feature_tier, dataset_id, artifact_ref, metrics, routing_weight, smoke_test_passed, trigger_type, trigger_metadata, lock_version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.TenantID, v.ModelName, v.Version, string(v.Status),
		nullable(v.FeatureTier), nullable(v.DatasetID), nullable(v.ArtifactRef),
		string(metricsJSON), v.RoutingWeight, v.SmokeTestPassed,
		string(v.TriggerType), jsonText(metaJSON), v.LockVersion, v.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert version %s/%s@%s", v.TenantID, v.ModelName, v.Version)
}

func (s *SQLiteStore) GetVersion(ctx context.Context, id string) (*model.ModelVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteVersionColumns+` FROM model_versions WHERE id = ?`, id)
	v, err := scanVersion(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get version %s", id)
	}
	return v, nil
}

func (s *SQLiteStore) FindVersion(ctx context.Context, tenantID, modelName, version string) (*model.ModelVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteVersionColumns+` FROM model_versions WHERE tenant_id = ? AND model_name = ? AND version = ?`,
		tenantID, modelName, version)
	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: find version %s/%s@%s", tenantID, modelName, version)
	}
	return v, nil
}

func (s *SQLiteStore) GetByStatus(ctx context.Context, tenantID, modelName string, status model.VersionStatus) (*model.ModelVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteVersionColumns+` FROM model_versions
		 WHERE tenant_id = ? AND model_name = ? AND status = ?
		 ORDER BY created_at DESC LIMIT 1`,
		tenantID, modelName, string(status))
	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get %s for %s/%s", status, tenantID, modelName)
	}
	return v, nil
}

func (s *SQLiteStore) ListVersions(ctx context.Context, filter VersionFilter) ([]model.ModelVersion, error) {
	query := `SELECT ` + sqliteVersionColumns + ` FROM model_versions WHERE tenant_id = ? AND model_name = ?`
	args := []any{filter.TenantID, filter.ModelName}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list versions")
	}
	defer rows.Close()

	var versions []model.ModelVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan version")
		}
		versions = append(versions, *v)
	}
	return versions, eris.Wrap(rows.Err(), "sqlite: list versions iterate")
}

func (s *SQLiteStore) UpdateVersionStatus(ctx context.Context, id string, status model.VersionStatus, lockVersion int64) error {
	var archivedAt any
	if status == model.StatusArchived {
		archivedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE model_versions
		 SET status = ?, archived_at = COALESCE(?, archived_at), lock_version = lock_version + 1
		 WHERE id = ? AND lock_version = ?`,
		string(status), archivedAt, id, lockVersion,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update version status %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return &model.ConcurrentModificationError{}
	}
	return nil
}

func (s *SQLiteStore) SwapChampion(ctx context.Context, swap ChampionSwap) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: swap champion: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var curID string
	var curLock int64
	err = tx.QueryRowContext(ctx,
		`SELECT id, lock_version FROM model_versions
		 WHERE tenant_id = ? AND model_name = ? AND status = 'champion'`,
		swap.TenantID, swap.ModelName,
	).Scan(&curID, &curLock)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return eris.Wrap(err, "sqlite: swap champion: read current")
	}

	if curID != swap.PriorChampionID || (curID != "" && curLock != swap.PriorLockVersion) {
		return &model.ConcurrentModificationError{TenantID: swap.TenantID, ModelName: swap.ModelName}
	}

	var targetStatus string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM model_versions WHERE id = ?`, swap.TargetID,
	).Scan(&targetStatus)
	if err != nil {
		return eris.Wrapf(err, "sqlite: swap champion: read target %s", swap.TargetID)
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
		if _, err := tx.ExecContext(ctx,
			`UPDATE model_versions SET status = 'archived', archived_at = ?, lock_version = lock_version + 1 WHERE id = ?`,
			now, curID,
		); err != nil {
			return eris.Wrap(err, "sqlite: swap champion: archive prior")
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE model_versions SET status = 'champion', promoted_at = ?, archived_at = NULL, lock_version = lock_version + 1 WHERE id = ?`,
		now, swap.TargetID,
	); err != nil {
		return eris.Wrap(err, "sqlite: swap champion: promote target")
	}

	if swap.Decision != nil {
		if err := sqliteInsertDecision(ctx, tx, swap.Decision); err != nil {
			return err
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: swap champion: commit")
}

// sqlExecer abstracts *sql.DB vs *sql.Tx for shared insert paths.
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func sqliteInsertDecision(ctx context.Context, ex sqlExecer, d *model.PromotionDecision) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.EvaluatedAt.IsZero() {
		d.EvaluatedAt = time.Now().UTC()
	}

	deltasJSON, err := marshalIfSet(d.Deltas)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal deltas")
	}
	rulesJSON, err := marshalIfSet(d.FailedRules)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal failed rules")
	}
	missingJSON, err := marshalIfSet(d.MissingMetrics)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal missing metrics")
	}

	_, err = ex.ExecContext(ctx,
		`INSERT INTO promotion_decisions (id, model_version_id, outcome, confidence, deltas, failed_rules, missing_metrics, reason, actor, evaluated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ModelVersionID, string(d.Outcome), string(d.Confidence),
		jsonText(deltasJSON), jsonText(rulesJSON), jsonText(missingJSON),
		nullable(d.Reason), nullable(d.Actor), d.EvaluatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert decision for %s", d.ModelVersionID)
}

func (s *SQLiteStore) InsertDecision(ctx context.Context, d *model.PromotionDecision) error {
	return sqliteInsertDecision(ctx, s.db, d)
}

func (s *SQLiteStore) ListDecisions(ctx context.Context, modelVersionID string, limit int) ([]model.PromotionDecision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, model_version_id, outcome, confidence, deltas, failed_rules, missing_metrics, reason, actor, evaluated_at
		 FROM promotion_decisions WHERE model_version_id = ?
		 ORDER BY evaluated_at DESC LIMIT ?`,
		modelVersionID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list decisions")
	}
	defer rows.Close()

	var decisions []model.PromotionDecision
	for rows.Next() {
		var d model.PromotionDecision
		var outcome, confidence string
		var deltasJSON, rulesJSON, missingJSON, reason, actor sql.NullString
		if err := rows.Scan(&d.ID, &d.ModelVersionID, &outcome, &confidence,
			&deltasJSON, &rulesJSON, &missingJSON, &reason, &actor, &d.EvaluatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan decision")
		}
		d.Outcome = model.DecisionOutcome(outcome)
		d.Confidence = model.ConfidenceLabel(confidence)
		if deltasJSON.Valid {
			if err := json.Unmarshal([]byte(deltasJSON.String), &d.Deltas); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal deltas")
			}
		}
		if rulesJSON.Valid {
			if err := json.Unmarshal([]byte(rulesJSON.String), &d.FailedRules); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal failed rules")
			}
		}
		if missingJSON.Valid {
			if err := json.Unmarshal([]byte(missingJSON.String), &d.MissingMetrics); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal missing metrics")
			}
		}
		d.Reason = reason.String
		d.Actor = actor.String
		decisions = append(decisions, d)
	}
	return decisions, eris.Wrap(rows.Err(), "sqlite: list decisions iterate")
}

func (s *SQLiteStore) UpsertMetricWindows(ctx context.Context, windows []model.MetricWindow) (int64, error) {
	if len(windows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert windows: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metric_windows (tenant_id, model_name, version, window_start, window_end, sample_count, metrics, ingested_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, model_name, version, window_start, window_end)
		 DO UPDATE SET sample_count = excluded.sample_count, metrics = excluded.metrics, ingested_at = excluded.ingested_at`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert windows: prepare")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	var n int64
	for i := range windows {
		w := &windows[i]
		metricsJSON, err := json.Marshal(w.Metrics)
		if err != nil {
			return n, eris.Wrap(err, "sqlite: marshal window metrics")
		}
		if _, err := stmt.ExecContext(ctx,
			w.TenantID, w.ModelName, w.Version,
			w.WindowStart.UTC(), w.WindowEnd.UTC(),
			w.SampleCount, string(metricsJSON), now,
		); err != nil {
			return n, eris.Wrap(err, "sqlite: upsert window")
		}
		n++
	}
	return n, eris.Wrap(tx.Commit(), "sqlite: upsert windows: commit")
}

func (s *SQLiteStore) LatestMetricWindow(ctx context.Context, tenantID, modelName, version string) (*model.MetricWindow, error) {
	var w model.MetricWindow
	var metricsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, model_name, version, window_start, window_end, sample_count, metrics
		 FROM metric_windows
		 WHERE tenant_id = ? AND model_name = ? AND version = ?
		 ORDER BY window_end DESC LIMIT 1`,
		tenantID, modelName, version,
	).Scan(&w.TenantID, &w.ModelName, &w.Version, &w.WindowStart, &w.WindowEnd, &w.SampleCount, &metricsJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: latest metric window")
	}
	if err := json.Unmarshal([]byte(metricsJSON), &w.Metrics); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal window metrics")
	}
	return &w, nil
}

func (s *SQLiteStore) MetricWindowMAE(ctx context.Context, tenantID, modelName, version string, start, end time.Time) (float64, int, error) {
	var mae sql.NullFloat64
	var samples sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(json_extract(metrics, '$.mae') * sample_count) / NULLIF(SUM(sample_count), 0),
		        SUM(sample_count)
		 FROM metric_windows
		 WHERE tenant_id = ? AND model_name = ? AND version = ?
		   AND window_end >= ? AND window_end < ?
		   AND json_extract(metrics, '$.mae') IS NOT NULL`,
		tenantID, modelName, version, start, end,
	).Scan(&mae, &samples)
	if err != nil {
		return 0, 0, eris.Wrap(err, "sqlite: metric window mae")
	}
	return mae.Float64, int(samples.Int64), nil
}

func (s *SQLiteStore) ListChampions(ctx context.Context) ([]model.ModelVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteVersionColumns+` FROM model_versions WHERE status = 'champion' ORDER BY tenant_id, model_name`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list champions")
	}
	defer rows.Close()

	var champions []model.ModelVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan champion")
		}
		champions = append(champions, *v)
	}
	return champions, eris.Wrap(rows.Err(), "sqlite: list champions iterate")
}

func (s *SQLiteStore) InsertShadowBatch(ctx context.Context, preds []model.ShadowPrediction) (int64, error) {
	if len(preds) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: shadow batch: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO shadow_predictions (id, model_version_id, input_key, forecast_window, predicted_value, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: shadow batch: prepare")
	}
	defer stmt.Close()

	var n int64
	for i := range preds {
		p := &preds[i]
		id := p.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, err := stmt.ExecContext(ctx,
			id, p.ModelVersionID, p.InputKey, p.ForecastWindow,
			p.PredictedValue, p.RecordedAt.UTC(),
		); err != nil {
			return n, eris.Wrap(err, "sqlite: insert shadow prediction")
		}
		n++
	}
	return n, eris.Wrap(tx.Commit(), "sqlite: shadow batch: commit")
}

func (s *SQLiteStore) ReconcileShadow(ctx context.Context, truths []model.GroundTruth) (updated, skew int64, err error) {
	now := time.Now().UTC()
	for i := range truths {
		t := &truths[i]
		res, err := s.db.ExecContext(ctx,
			`UPDATE shadow_predictions SET actual_value = ?, reconciled_at = ?
			 WHERE input_key = ? AND forecast_window = ? AND reconciled_at IS NULL`,
			t.ActualValue, now, t.InputKey, t.ForecastWindow,
		)
		if err != nil {
			return updated, skew, eris.Wrapf(err, "sqlite: reconcile %s/%s", t.InputKey, t.ForecastWindow)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return updated, skew, eris.Wrap(err, "sqlite: rows affected")
		}
		if n > 0 {
			updated += n
			continue
		}

		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM shadow_predictions WHERE input_key = ? AND forecast_window = ?)`,
			t.InputKey, t.ForecastWindow,
		).Scan(&exists); err != nil {
			return updated, skew, eris.Wrap(err, "sqlite: reconcile existence check")
		}
		if !exists {
			skew++
		}
	}
	return updated, skew, nil
}

func (s *SQLiteStore) AggregateShadow(ctx context.Context, modelVersionID string, windowDays int, asOf time.Time) (*model.ShadowAggregate, error) {
	since := asOf.AddDate(0, 0, -windowDays)

	agg := &model.ShadowAggregate{
		ModelVersionID: modelVersionID,
		WindowDays:     windowDays,
		ComputedAt:     asOf,
	}
	var mae, mape sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        AVG(ABS(predicted_value - actual_value)),
		        AVG(ABS(predicted_value - actual_value) / NULLIF(ABS(actual_value), 0))
		 FROM shadow_predictions
		 WHERE model_version_id = ? AND reconciled_at IS NOT NULL
		   AND recorded_at >= ? AND recorded_at < ?`,
		modelVersionID, since, asOf,
	).Scan(&agg.SampleCount, &mae, &mape)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: aggregate shadow %s/%dd", modelVersionID, windowDays)
	}
	agg.MAE = mae.Float64
	agg.MAPE = mape.Float64
	return agg, nil
}

func (s *SQLiteStore) ListReconciled(ctx context.Context, modelVersionID string, start, end time.Time) ([]model.ShadowPrediction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, model_version_id, input_key, forecast_window, predicted_value, actual_value, recorded_at, reconciled_at
		 FROM shadow_predictions
		 WHERE model_version_id = ? AND reconciled_at IS NOT NULL
		   AND recorded_at >= ? AND recorded_at < ?
		 ORDER BY recorded_at`,
		modelVersionID, start, end,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list reconciled")
	}
	defer rows.Close()

	var preds []model.ShadowPrediction
	for rows.Next() {
		var p model.ShadowPrediction
		if err := rows.Scan(&p.ID, &p.ModelVersionID, &p.InputKey, &p.ForecastWindow,
			&p.PredictedValue, &p.ActualValue, &p.RecordedAt, &p.ReconciledAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan shadow prediction")
		}
		preds = append(preds, p)
	}
	return preds, eris.Wrap(rows.Err(), "sqlite: list reconciled iterate")
}

func (s *SQLiteStore) InsertBacktestResult(ctx context.Context, r *model.BacktestResult) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO backtest_results (id, model_version_id, window_start, window_end, mae, mape_nonzero, coverage, stockout_miss_rate, overstock_rate, sample_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (model_version_id, window_start, window_end) DO NOTHING`,
		r.ID, r.ModelVersionID, r.WindowStart.UTC(), r.WindowEnd.UTC(),
		r.MAE, r.MAPENonZero, r.Coverage, r.StockoutMissRate, r.OverstockRate,
		r.SampleCount, r.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert backtest result for %s", r.ModelVersionID)
}

func (s *SQLiteStore) ListBacktestResults(ctx context.Context, modelVersionID string, since time.Time) ([]model.BacktestResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, model_version_id, window_start, window_end, mae, mape_nonzero, coverage, stockout_miss_rate, overstock_rate, sample_count, created_at
		 FROM backtest_results
		 WHERE model_version_id = ? AND window_end >= ?
		 ORDER BY window_start`,
		modelVersionID, since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list backtest results")
	}
	defer rows.Close()

	var results []model.BacktestResult
	for rows.Next() {
		var r model.BacktestResult
		if err := rows.Scan(&r.ID, &r.ModelVersionID, &r.WindowStart, &r.WindowEnd,
			&r.MAE, &r.MAPENonZero, &r.Coverage, &r.StockoutMissRate, &r.OverstockRate,
			&r.SampleCount, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan backtest result")
		}
		results = append(results, r)
	}
	return results, eris.Wrap(rows.Err(), "sqlite: list backtest results iterate")
}

func (s *SQLiteStore) StartRetraining(ctx context.Context, e *model.RetrainingLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}
	e.Status = model.RetrainRunning

	metaJSON, err := marshalIfSet(e.TriggerMetadata)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal trigger metadata")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO retraining_log (id, tenant_id, model_name, trigger_type, trigger_metadata, status, started_at)
		 VALUES (?, ?, ?, ?, ?, 'running', ?)`,
		e.ID, e.TenantID, e.ModelName, string(e.TriggerType), jsonText(metaJSON), e.StartedAt,
	)
	return eris.Wrapf(err, "sqlite: start retraining for %s/%s", e.TenantID, e.ModelName)
}

func (s *SQLiteStore) HasRunningRetraining(ctx context.Context, tenantID, modelName string) (bool, error) {
	var running bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM retraining_log WHERE tenant_id = ? AND model_name = ? AND status = 'running')`,
		tenantID, modelName,
	).Scan(&running)
	return running, eris.Wrap(err, "sqlite: check running retraining")
}

func (s *SQLiteStore) CompleteRetraining(ctx context.Context, id, versionProduced string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE retraining_log SET status = 'completed', version_produced = ?, completed_at = ?
		 WHERE id = ? AND status = 'running'`,
		versionProduced, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete retraining %s", id)
	}
	return checkRowsAffected(res, "retraining entry", id)
}

func (s *SQLiteStore) FailRetraining(ctx context.Context, id, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE retraining_log SET status = 'failed', error = ?, completed_at = ?
		 WHERE id = ? AND status = 'running'`,
		errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail retraining %s", id)
	}
	return checkRowsAffected(res, "retraining entry", id)
}

func (s *SQLiteStore) ListRetraining(ctx context.Context, tenantID, modelName string, limit int) ([]model.RetrainingLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, model_name, trigger_type, trigger_metadata, status, version_produced, error, started_at, completed_at
		 FROM retraining_log
		 WHERE tenant_id = ? AND model_name = ?
		 ORDER BY started_at DESC LIMIT ?`,
		tenantID, modelName, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list retraining")
	}
	defer rows.Close()

	var entries []model.RetrainingLogEntry
	for rows.Next() {
		var e model.RetrainingLogEntry
		var triggerType, status string
		var metaJSON, versionProduced, errMsg sql.NullString
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ModelName, &triggerType, &metaJSON,
			&status, &versionProduced, &errMsg, &e.StartedAt, &e.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan retraining entry")
		}
		e.TriggerType = model.TriggerType(triggerType)
		e.Status = model.RetrainStatus(status)
		if metaJSON.Valid {
			_ = json.Unmarshal([]byte(metaJSON.String), &e.TriggerMetadata)
		}
		e.VersionProduced = versionProduced.String
		e.Error = errMsg.String
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list retraining iterate")
}

func (s *SQLiteStore) ReapStaleRetraining(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		`UPDATE retraining_log SET status = 'failed', error = 'reaped: exceeded timeout', completed_at = ?
		 WHERE status = 'running' AND started_at < ?`,
		time.Now().UTC(), cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reap stale retraining")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) CreateExperiment(ctx context.Context, ex *model.Experiment) error {
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
		return eris.Wrap(err, "sqlite: marshal experimental versions")
	}
	resultsJSON, err := marshalIfSet(ex.Results)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal results")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO experiments (id, tenant_id, model_name, hypothesis, experiment_type, status, baseline_version, experimental_versions, results, decision, decision_rationale, proposed_by, approved_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.TenantID, ex.ModelName, ex.Hypothesis, ex.ExperimentType,
		string(ex.Status), nullable(ex.BaselineVersion), jsonText(versionsJSON), jsonText(resultsJSON),
		nullable(string(ex.Decision)), nullable(ex.DecisionRationale),
		ex.ProposedBy, nullable(ex.ApprovedBy), ex.CreatedAt, ex.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert experiment %s", ex.ID)
}

func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*model.Experiment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, model_name, hypothesis, experiment_type, status, baseline_version, experimental_versions, results, decision, decision_rationale, proposed_by, approved_by, created_at, updated_at
		 FROM experiments WHERE id = ?`,
		id,
	)
	ex, err := scanSQLiteExperiment(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get experiment %s", id)
	}
	return ex, nil
}

func (s *SQLiteStore) UpdateExperiment(ctx context.Context, ex *model.Experiment) error {
	ex.UpdatedAt = time.Now().UTC()

	versionsJSON, err := marshalIfSet(ex.ExperimentalVersions)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal experimental versions")
	}
	resultsJSON, err := marshalIfSet(ex.Results)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal results")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE experiments
		 SET status = ?, baseline_version = ?, experimental_versions = ?, results = ?,
		     decision = ?, decision_rationale = ?, approved_by = ?, updated_at = ?
		 WHERE id = ?`,
		string(ex.Status), nullable(ex.BaselineVersion), jsonText(versionsJSON), jsonText(resultsJSON),
		nullable(string(ex.Decision)), nullable(ex.DecisionRationale),
		nullable(ex.ApprovedBy), ex.UpdatedAt, ex.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update experiment %s", ex.ID)
	}
	return checkRowsAffected(res, "experiment", ex.ID)
}

func (s *SQLiteStore) ListExperiments(ctx context.Context, tenantID string, limit int) ([]model.Experiment, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, tenant_id, model_name, hypothesis, experiment_type, status, baseline_version, experimental_versions, results, decision, decision_rationale, proposed_by, approved_by, created_at, updated_at FROM experiments`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list experiments")
	}
	defer rows.Close()

	var experiments []model.Experiment
	for rows.Next() {
		ex, err := scanSQLiteExperiment(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan experiment")
		}
		experiments = append(experiments, *ex)
	}
	return experiments, eris.Wrap(rows.Err(), "sqlite: list experiments iterate")
}

func scanSQLiteExperiment(row rowScanner) (*model.Experiment, error) {
	var ex model.Experiment
	var status string
	var baseline, versionsJSON, resultsJSON, decision, rationale, approvedBy sql.NullString

	err := row.Scan(&ex.ID, &ex.TenantID, &ex.ModelName, &ex.Hypothesis, &ex.ExperimentType,
		&status, &baseline, &versionsJSON, &resultsJSON, &decision, &rationale,
		&ex.ProposedBy, &approvedBy, &ex.CreatedAt, &ex.UpdatedAt)
	if err != nil {
		return nil, err
	}

	ex.Status = model.ExperimentStatus(status)
	ex.BaselineVersion = baseline.String
	if versionsJSON.Valid {
		if err := json.Unmarshal([]byte(versionsJSON.String), &ex.ExperimentalVersions); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal experimental versions")
		}
	}
	if resultsJSON.Valid {
		if err := json.Unmarshal([]byte(resultsJSON.String), &ex.Results); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal results")
		}
	}
	ex.Decision = model.ExperimentDecision(decision.String)
	ex.DecisionRationale = rationale.String
	ex.ApprovedBy = approvedBy.String
	return &ex, nil
}

// jsonText converts optional marshaled JSON to a TEXT column value.
func jsonText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}
