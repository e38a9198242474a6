package drift

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/model-governor/internal/config"
	"github.com/sells-group/model-governor/internal/model"
	"github.com/sells-group/model-governor/internal/store"
)

type fakeSink struct {
	calls []model.TriggerType
}

func (f *fakeSink) Trigger(_ context.Context, _, _ string, trigger model.TriggerType, _ map[string]any) (*model.RetrainingLogEntry, error) {
	f.calls = append(f.calls, trigger)
	return &model.RetrainingLogEntry{}, nil
}

type fakeAlerter struct {
	alerts []string
}

func (f *fakeAlerter) Emit(_ context.Context, alertType, severity string, _ map[string]any) {
	f.alerts = append(f.alerts, alertType+"/"+severity)
}

func seedChampion(t *testing.T, st store.Store) *model.ModelVersion {
	t.Helper()
	v := &model.ModelVersion{
		TenantID:    "acme",
		ModelName:   "demand-daily",
		Version:     "v12",
		Status:      model.StatusChampion,
		Metrics:     model.Metrics{model.MetricMAE: 12, model.MetricMAPE: 0.18, model.MetricCoverage: 0.9},
		TriggerType: model.TriggerScheduled,
	}
	require.NoError(t, st.CreateVersion(context.Background(), v))
	return v
}

func seedWindows(t *testing.T, st store.Store, v *model.ModelVersion, daysAgo int, mae float64) {
	t.Helper()
	end := time.Now().UTC().AddDate(0, 0, -daysAgo)
	_, err := st.UpsertMetricWindows(context.Background(), []model.MetricWindow{{
		TenantID:    v.TenantID,
		ModelName:   v.ModelName,
		Version:     v.Version,
		WindowStart: end.AddDate(0, 0, -1),
		WindowEnd:   end,
		SampleCount: 100,
		Metrics: model.Metrics{
			model.MetricMAE:      mae,
			model.MetricMAPE:     0.18,
			model.MetricCoverage: 0.9,
		},
	}})
	require.NoError(t, err)
}

func newDetector(t *testing.T) (*Detector, store.Store, *fakeSink, *fakeAlerter) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	sink := &fakeSink{}
	alerter := &fakeAlerter{}
	d := New(st, config.DriftConfig{
		Threshold:        0.15,
		RecentWindowDays: 7,
		BaselineDays:     21,
	}, sink, alerter)
	return d, st, sink, alerter
}

func TestCheck_AboveThresholdTriggersRetraining(t *testing.T) {
	d, st, sink, alerter := newDetector(t)
	v := seedChampion(t, st)

	// Baseline MAE 10, recent MAE 12: drift_pct 0.20 > 0.15.
	seedWindows(t, st, v, 20, 10)
	seedWindows(t, st, v, 14, 10)
	seedWindows(t, st, v, 3, 12)

	report, err := d.Check(context.Background(), v, time.Now().UTC())
	require.NoError(t, err)

	assert.True(t, report.Triggered)
	assert.InDelta(t, 0.20, report.DriftPct, 0.001)
	require.Len(t, sink.calls, 1)
	assert.Equal(t, model.TriggerDriftDetected, sink.calls[0])
	require.Len(t, alerter.alerts, 1)
	assert.Equal(t, "champion_drift/critical", alerter.alerts[0])
}

func TestCheck_BelowThresholdNoAction(t *testing.T) {
	d, st, sink, alerter := newDetector(t)
	v := seedChampion(t, st)

	// 10% drift is under the 15% threshold: no alert fatigue from noise.
	seedWindows(t, st, v, 14, 10)
	seedWindows(t, st, v, 3, 11)

	report, err := d.Check(context.Background(), v, time.Now().UTC())
	require.NoError(t, err)

	assert.False(t, report.Triggered)
	assert.InDelta(t, 0.10, report.DriftPct, 0.001)
	assert.Empty(t, sink.calls)
	assert.Empty(t, alerter.alerts)
}

func TestCheck_InsufficientDataSkips(t *testing.T) {
	d, st, sink, _ := newDetector(t)
	v := seedChampion(t, st)

	// Recent data only, no baseline.
	seedWindows(t, st, v, 3, 12)

	report, err := d.Check(context.Background(), v, time.Now().UTC())
	require.NoError(t, err)

	assert.True(t, report.Insufficient)
	assert.False(t, report.Triggered)
	assert.Empty(t, sink.calls)
}

func TestCheck_PerTenantThresholdOverride(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	sink := &fakeSink{}
	d := New(st, config.DriftConfig{
		Threshold:        0.15,
		TenantThresholds: map[string]float64{"acme": 0.30},
		RecentWindowDays: 7,
		BaselineDays:     21,
	}, sink, nil)

	v := seedChampion(t, st)
	seedWindows(t, st, v, 14, 10)
	seedWindows(t, st, v, 3, 12) // 20% drift

	report, err := d.Check(context.Background(), v, time.Now().UTC())
	require.NoError(t, err)

	assert.Equal(t, 0.30, report.Threshold)
	assert.False(t, report.Triggered, "20% drift stays under the tenant's 30% threshold")
	assert.Empty(t, sink.calls)
}

func TestCheckAll_CoversEveryChampion(t *testing.T) {
	d, st, _, _ := newDetector(t)
	seedChampion(t, st)

	other := &model.ModelVersion{
		TenantID:    "globex",
		ModelName:   "demand-weekly",
		Version:     "v3",
		Status:      model.StatusChampion,
		Metrics:     model.Metrics{model.MetricMAE: 8, model.MetricMAPE: 0.2, model.MetricCoverage: 0.88},
		TriggerType: model.TriggerScheduled,
	}
	require.NoError(t, st.CreateVersion(context.Background(), other))

	reports, err := d.CheckAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, reports, 2)
}
