package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/model-governor/internal/config"
	"github.com/sells-group/model-governor/internal/experiment"
	"github.com/sells-group/model-governor/internal/gate"
	"github.com/sells-group/model-governor/internal/ingest"
	"github.com/sells-group/model-governor/internal/model"
	"github.com/sells-group/model-governor/internal/monitoring"
	"github.com/sells-group/model-governor/internal/registry"
	"github.com/sells-group/model-governor/internal/retrain"
	"github.com/sells-group/model-governor/internal/shadow"
	"github.com/sells-group/model-governor/internal/store"
	"github.com/sells-group/model-governor/pkg/trainer"
)

type stubTrainer struct {
	release chan struct{}
}

func (s *stubTrainer) Train(ctx context.Context, req trainer.TrainRequest) (*trainer.TrainResult, error) {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &trainer.TrainResult{
		Version:     "v-retrained",
		ArtifactRef: "s3://models/v-retrained",
		Metrics:     map[string]float64{model.MetricMAE: 9, model.MetricMAPE: 0.12, model.MetricCoverage: 0.93},
		SampleCount: 500,
	}, nil
}

type testEnv struct {
	srv   *httptest.Server
	store store.Store
	orch  *retrain.Orchestrator
}

func newTestEnv(t *testing.T, tc trainer.Client) *testEnv {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	reg := registry.New(st, gate.DefaultPolicy())
	orch := retrain.New(st, tc, reg, config.RetrainConfig{TimeoutMin: 5})

	s := NewServer(ServerDeps{
		Store:        st,
		Registry:     reg,
		Ingestor:     ingest.New(st),
		Recorder:     shadow.NewRecorder(st, config.ShadowConfig{}),
		Reconciler:   shadow.NewReconciler(st),
		Aggregator:   shadow.NewAggregator(st, config.ShadowConfig{}),
		Orchestrator: orch,
		Workflow:     experiment.New(st),
		Collector:    monitoring.NewCollector(st),
	}, config.ServerConfig{})

	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: st, orch: orch}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func registerBody(version string, mae float64) map[string]any {
	return map[string]any{
		"version": version,
		"metrics": map[string]float64{
			model.MetricMAE:      mae,
			model.MetricMAPE:     0.18,
			model.MetricCoverage: 0.9,
		},
		"trigger_type": "scheduled",
		"sample_count": 200,
		"actor":        "pipeline",
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, &stubTrainer{})
	resp, body := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestRegisterVersion_BootstrapPromotes(t *testing.T) {
	env := newTestEnv(t, &stubTrainer{})

	resp, body := env.do(t, http.MethodPost,
		"/api/v1/tenants/acme/models/demand-daily/versions", registerBody("v1", 12.0))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	decision := body["decision"].(map[string]any)
	assert.Equal(t, "promoted", decision["outcome"])
	assert.Equal(t, "no_existing_champion", decision["reason"])
}

func TestRegisterVersion_MissingMetricsRejected(t *testing.T) {
	env := newTestEnv(t, &stubTrainer{})

	resp, body := env.do(t, http.MethodPost,
		"/api/v1/tenants/acme/models/demand-daily/versions", map[string]any{
			"version":      "v1",
			"metrics":      map[string]float64{model.MetricMAE: 12},
			"trigger_type": "scheduled",
		})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "validation")
}

func TestModelHealth(t *testing.T) {
	env := newTestEnv(t, &stubTrainer{})

	env.do(t, http.MethodPost, "/api/v1/tenants/acme/models/demand-daily/versions", registerBody("v1", 12.0))
	env.do(t, http.MethodPost, "/api/v1/tenants/acme/models/demand-daily/versions", registerBody("v2", 13.5))

	resp, body := env.do(t, http.MethodGet, "/api/v1/tenants/acme/models/demand-daily/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	champ := body["champion"].(map[string]any)
	assert.Equal(t, "v1", champ["version"])
	chal := body["challenger"].(map[string]any)
	assert.Equal(t, "v2", chal["version"], "regressing candidate held as challenger")
}

func TestPromote_RequiresReasonAndActor(t *testing.T) {
	env := newTestEnv(t, &stubTrainer{})
	env.do(t, http.MethodPost, "/api/v1/tenants/acme/models/demand-daily/versions", registerBody("v1", 12.0))
	env.do(t, http.MethodPost, "/api/v1/tenants/acme/models/demand-daily/versions", registerBody("v2", 13.5))

	resp, _ := env.do(t, http.MethodPost,
		"/api/v1/tenants/acme/models/demand-daily/promote",
		map[string]any{"version": "v2", "actor": "ops"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "reason is mandatory")

	resp, body := env.do(t, http.MethodPost,
		"/api/v1/tenants/acme/models/demand-daily/promote",
		map[string]any{"version": "v2", "reason": "manual override after review", "actor": "ops"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	champ := body["champion"].(map[string]any)
	assert.Equal(t, "v2", champ["version"])
}

func TestPromote_UnknownVersion404(t *testing.T) {
	env := newTestEnv(t, &stubTrainer{})
	resp, _ := env.do(t, http.MethodPost,
		"/api/v1/tenants/acme/models/demand-daily/promote",
		map[string]any{"version": "v99", "reason": "x", "actor": "ops"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRollback_RestoresArchivedVersion(t *testing.T) {
	env := newTestEnv(t, &stubTrainer{})
	env.do(t, http.MethodPost, "/api/v1/tenants/acme/models/demand-daily/versions", registerBody("v1", 12.0))
	env.do(t, http.MethodPost, "/api/v1/tenants/acme/models/demand-daily/versions", registerBody("v2", 10.0))

	resp, body := env.do(t, http.MethodPost,
		"/api/v1/tenants/acme/models/demand-daily/rollback",
		map[string]any{"version": "v1", "reason": "v2 underforecasting promo SKUs", "actor": "ops"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	champ := body["champion"].(map[string]any)
	assert.Equal(t, "v1", champ["version"])
}

func TestRetrain_ConflictWhileInFlight(t *testing.T) {
	st := &stubTrainer{release: make(chan struct{})}
	env := newTestEnv(t, st)

	resp, _ := env.do(t, http.MethodPost,
		"/api/v1/tenants/acme/models/demand-daily/retrain",
		map[string]any{"trigger_type": "manual"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := env.do(t, http.MethodPost,
		"/api/v1/tenants/acme/models/demand-daily/retrain",
		map[string]any{"trigger_type": "manual"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["error"], "already in flight")

	close(st.release)
	env.orch.Wait()
}

func TestIngestMetrics(t *testing.T) {
	env := newTestEnv(t, &stubTrainer{})

	resp, body := env.do(t, http.MethodPost, "/api/v1/metrics", map[string]any{
		"windows": []map[string]any{{
			"tenant_id":    "acme",
			"model_name":   "demand-daily",
			"version":      "v1",
			"window_start": "2026-08-01T00:00:00Z",
			"window_end":   "2026-08-02T00:00:00Z",
			"sample_count": 120,
			"metrics": map[string]float64{
				model.MetricMAE: 11, model.MetricMAPE: 0.16, model.MetricCoverage: 0.91,
			},
		}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["upserted"])
}

func TestShadowRecordAndReconcile(t *testing.T) {
	env := newTestEnv(t, &stubTrainer{})
	env.do(t, http.MethodPost, "/api/v1/tenants/acme/models/demand-daily/versions", registerBody("v1", 12.0))

	resp, body := env.do(t, http.MethodPost, "/api/v1/shadow/predictions", map[string]any{
		"predictions": []map[string]any{{
			"model_version_id": "ignored-buffered",
			"input_key":        "sku-1|store-9",
			"forecast_window":  "2026-08-01",
			"predicted_value":  40.0,
		}},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, float64(1), body["accepted"])

	resp, _ = env.do(t, http.MethodPost, "/api/v1/shadow/reconcile", map[string]any{
		"truths": []map[string]any{{
			"input_key":       "sku-1|store-9",
			"forecast_window": "2026-08-01",
			"actual_value":    42.0,
		}},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestExperimentLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, &stubTrainer{})

	resp, body := env.do(t, http.MethodPost, "/api/v1/experiments/", map[string]any{
		"tenant_id":       "acme",
		"model_name":      "demand-daily",
		"hypothesis":      "price elasticity features cut promo-week MAE",
		"experiment_type": "feature_addition",
		"proposed_by":     "ds-team",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["id"].(string)

	resp, _ = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/experiments/%s/approve", id),
		map[string]any{"actor": "lead", "rationale": "clear hypothesis, bounded scope"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/experiments/%s/complete", id),
		map[string]any{"actor": "lead", "rationale": "skip ahead", "decision": "adopt"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "cannot skip straight to completed")

	resp, body = env.do(t, http.MethodGet, "/api/v1/experiments/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "approved", body["status"])
}

func TestExperimentGet_NotFound(t *testing.T) {
	env := newTestEnv(t, &stubTrainer{})
	resp, _ := env.do(t, http.MethodGet, "/api/v1/experiments/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
