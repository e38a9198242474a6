package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/model-governor/internal/config"
	"github.com/sells-group/model-governor/internal/model"
)

func TestCheckOnce_EmitsForStaleChampion(t *testing.T) {
	st := newSnapshotStore(t)
	ctx := context.Background()

	stale := time.Now().UTC().AddDate(0, 0, -60)
	require.NoError(t, st.CreateVersion(ctx, &model.ModelVersion{
		TenantID: "acme", ModelName: "demand-daily", Version: "v3",
		Status:      model.StatusChampion,
		Metrics:     model.Metrics{model.MetricMAE: 12, model.MetricMAPE: 0.18, model.MetricCoverage: 0.9},
		TriggerType: model.TriggerScheduled,
		PromotedAt:  &stale,
	}))

	fresh := time.Now().UTC().AddDate(0, 0, -5)
	require.NoError(t, st.CreateVersion(ctx, &model.ModelVersion{
		TenantID: "beta", ModelName: "demand-daily", Version: "v8",
		Status:      model.StatusChampion,
		Metrics:     model.Metrics{model.MetricMAE: 9, model.MetricMAPE: 0.14, model.MetricCoverage: 0.92},
		TriggerType: model.TriggerScheduled,
		PromotedAt:  &fresh,
	}))

	var alerts []Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		alerts = append(alerts, a)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.AlertsConfig{
		WebhookURL:        srv.URL,
		RatePerMinute:     600,
		Burst:             10,
		StaleChampionDays: 45,
	}
	checker := NewChecker(NewCollector(st), NewWebhookAlerter(cfg), cfg)
	checker.CheckOnce(ctx)

	require.Len(t, alerts, 1, "only the 60-day-old champion is stale")
	assert.Equal(t, "stale_champion", alerts[0].Type)
	assert.Equal(t, "warning", alerts[0].Severity)
	assert.Equal(t, "acme", alerts[0].Payload["tenant_id"])
	assert.Equal(t, "v3", alerts[0].Payload["version"])
}

func TestCheckOnce_InFlightRetrainingSuppressesAlert(t *testing.T) {
	st := newSnapshotStore(t)
	ctx := context.Background()

	stale := time.Now().UTC().AddDate(0, 0, -60)
	require.NoError(t, st.CreateVersion(ctx, &model.ModelVersion{
		TenantID: "acme", ModelName: "demand-daily", Version: "v3",
		Status:      model.StatusChampion,
		Metrics:     model.Metrics{model.MetricMAE: 12, model.MetricMAPE: 0.18, model.MetricCoverage: 0.9},
		TriggerType: model.TriggerScheduled,
		PromotedAt:  &stale,
	}))
	require.NoError(t, st.StartRetraining(ctx, &model.RetrainingLogEntry{
		TenantID: "acme", ModelName: "demand-daily", TriggerType: model.TriggerScheduled,
	}))

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.AlertsConfig{
		WebhookURL:        srv.URL,
		RatePerMinute:     600,
		Burst:             10,
		StaleChampionDays: 45,
	}
	NewChecker(NewCollector(st), NewWebhookAlerter(cfg), cfg).CheckOnce(ctx)

	assert.False(t, called, "retraining already in flight, no alert")
}

func TestCheckOnce_DisabledWhenZeroDays(t *testing.T) {
	st := newSnapshotStore(t)
	cfg := config.AlertsConfig{RatePerMinute: 600, Burst: 10}
	NewChecker(NewCollector(st), NewWebhookAlerter(cfg), cfg).CheckOnce(context.Background())
}
