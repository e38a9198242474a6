package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/model-governor/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedVersion(t *testing.T, st *SQLiteStore, version string, status model.VersionStatus) *model.ModelVersion {
	t.Helper()
	v := &model.ModelVersion{
		TenantID:    "acme",
		ModelName:   "demand-daily",
		Version:     version,
		Status:      status,
		Metrics:     model.Metrics{model.MetricMAE: 12.4, model.MetricMAPE: 0.18, model.MetricCoverage: 0.89},
		TriggerType: model.TriggerScheduled,
	}
	if status == model.StatusChampion {
		now := time.Now().UTC()
		v.PromotedAt = &now
	}
	require.NoError(t, st.CreateVersion(context.Background(), v))
	return v
}

func TestSwapChampion_ArchivesPriorAndPromotesTarget(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	champ := seedVersion(t, st, "v1", model.StatusChampion)
	cand := seedVersion(t, st, "v2", model.StatusCandidate)

	err := st.SwapChampion(ctx, ChampionSwap{
		TenantID:         "acme",
		ModelName:        "demand-daily",
		PriorChampionID:  champ.ID,
		PriorLockVersion: champ.LockVersion,
		TargetID:         cand.ID,
		Decision: &model.PromotionDecision{
			ModelVersionID: cand.ID,
			Outcome:        model.OutcomePromoted,
			Confidence:     model.ConfidenceMeasured,
			Actor:          "gate",
		},
	})
	require.NoError(t, err)

	cur, err := st.GetByStatus(ctx, "acme", "demand-daily", model.StatusChampion)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, "v2", cur.Version)
	assert.NotNil(t, cur.PromotedAt)
	assert.Greater(t, cur.LockVersion, cand.LockVersion)

	prior, err := st.GetVersion(ctx, champ.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusArchived, prior.Status)
	assert.NotNil(t, prior.ArchivedAt)

	decisions, err := st.ListDecisions(ctx, cand.ID, 10)
	require.NoError(t, err)
	require.Len(t, decisions, 1, "decision persists in the same transaction")
	assert.Equal(t, model.OutcomePromoted, decisions[0].Outcome)
}

func TestSwapChampion_StaleLockVersionConflicts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	champ := seedVersion(t, st, "v1", model.StatusChampion)
	first := seedVersion(t, st, "v2", model.StatusCandidate)
	second := seedVersion(t, st, "v3", model.StatusCandidate)

	// Two evaluations observe the same champion; the first swap wins.
	require.NoError(t, st.SwapChampion(ctx, ChampionSwap{
		TenantID: "acme", ModelName: "demand-daily",
		PriorChampionID: champ.ID, PriorLockVersion: champ.LockVersion,
		TargetID: first.ID,
	}))

	err := st.SwapChampion(ctx, ChampionSwap{
		TenantID: "acme", ModelName: "demand-daily",
		PriorChampionID: champ.ID, PriorLockVersion: champ.LockVersion,
		TargetID: second.ID,
	})
	var cme *model.ConcurrentModificationError
	require.ErrorAs(t, err, &cme)
	assert.Equal(t, "acme", cme.TenantID)

	cur, err := st.GetByStatus(ctx, "acme", "demand-daily", model.StatusChampion)
	require.NoError(t, err)
	assert.Equal(t, "v2", cur.Version, "loser must not overwrite the winner")
}

func TestSwapChampion_BootstrapWithNoPriorChampion(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cand := seedVersion(t, st, "v1", model.StatusCandidate)
	require.NoError(t, st.SwapChampion(ctx, ChampionSwap{
		TenantID: "acme", ModelName: "demand-daily",
		TargetID: cand.ID,
	}))

	cur, err := st.GetByStatus(ctx, "acme", "demand-daily", model.StatusChampion)
	require.NoError(t, err)
	assert.Equal(t, "v1", cur.Version)
}

func TestSwapChampion_ArchivedTargetRequiresRollback(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	old := seedVersion(t, st, "v1", model.StatusArchived)
	champ := seedVersion(t, st, "v2", model.StatusChampion)

	err := st.SwapChampion(ctx, ChampionSwap{
		TenantID: "acme", ModelName: "demand-daily",
		PriorChampionID: champ.ID, PriorLockVersion: champ.LockVersion,
		TargetID: old.ID,
	})
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)

	require.NoError(t, st.SwapChampion(ctx, ChampionSwap{
		TenantID: "acme", ModelName: "demand-daily",
		PriorChampionID: champ.ID, PriorLockVersion: champ.LockVersion,
		TargetID: old.ID,
		Rollback: true,
	}))

	cur, err := st.GetByStatus(ctx, "acme", "demand-daily", model.StatusChampion)
	require.NoError(t, err)
	assert.Equal(t, "v1", cur.Version)
	assert.Nil(t, cur.ArchivedAt, "rollback clears archived_at")
}

func TestGetByStatus_AbsenceIsNotAnError(t *testing.T) {
	st := newTestStore(t)
	cur, err := st.GetByStatus(context.Background(), "acme", "demand-daily", model.StatusChampion)
	require.NoError(t, err)
	assert.Nil(t, cur)
}

func TestCreateVersion_DuplicateRejected(t *testing.T) {
	st := newTestStore(t)
	seedVersion(t, st, "v1", model.StatusCandidate)

	err := st.CreateVersion(context.Background(), &model.ModelVersion{
		TenantID: "acme", ModelName: "demand-daily", Version: "v1",
		Status:      model.StatusCandidate,
		Metrics:     model.Metrics{model.MetricMAE: 1},
		TriggerType: model.TriggerManual,
	})
	require.Error(t, err, "unique (tenant, model, version) index")
}

func TestMetricWindowMAE_SampleWeighted(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	windows := []model.MetricWindow{
		{
			TenantID: "acme", ModelName: "demand-daily", Version: "v1",
			WindowStart: base, WindowEnd: base.AddDate(0, 0, 1),
			SampleCount: 100,
			Metrics:     model.Metrics{model.MetricMAE: 10, model.MetricMAPE: 0.2, model.MetricCoverage: 0.9},
		},
		{
			TenantID: "acme", ModelName: "demand-daily", Version: "v1",
			WindowStart: base.AddDate(0, 0, 1), WindowEnd: base.AddDate(0, 0, 2),
			SampleCount: 300,
			Metrics:     model.Metrics{model.MetricMAE: 20, model.MetricMAPE: 0.25, model.MetricCoverage: 0.88},
		},
		{
			// Outside the queried range; must not contribute.
			TenantID: "acme", ModelName: "demand-daily", Version: "v1",
			WindowStart: base.AddDate(0, 0, 10), WindowEnd: base.AddDate(0, 0, 11),
			SampleCount: 1000,
			Metrics:     model.Metrics{model.MetricMAE: 99, model.MetricMAPE: 0.9, model.MetricCoverage: 0.1},
		},
	}
	n, err := st.UpsertMetricWindows(ctx, windows)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	mae, samples, err := st.MetricWindowMAE(ctx, "acme", "demand-daily", "v1", base, base.AddDate(0, 0, 3))
	require.NoError(t, err)
	assert.Equal(t, 400, samples)
	// (10*100 + 20*300) / 400
	assert.InDelta(t, 17.5, mae, 1e-9)
}

func TestUpsertMetricWindows_ReplayUpdatesInPlace(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	w := model.MetricWindow{
		TenantID: "acme", ModelName: "demand-daily", Version: "v1",
		WindowStart: base, WindowEnd: base.AddDate(0, 0, 1),
		SampleCount: 50,
		Metrics:     model.Metrics{model.MetricMAE: 10, model.MetricMAPE: 0.2, model.MetricCoverage: 0.9},
	}
	_, err := st.UpsertMetricWindows(ctx, []model.MetricWindow{w})
	require.NoError(t, err)

	w.SampleCount = 80
	w.Metrics[model.MetricMAE] = 12
	_, err = st.UpsertMetricWindows(ctx, []model.MetricWindow{w})
	require.NoError(t, err)

	latest, err := st.LatestMetricWindow(ctx, "acme", "demand-daily", "v1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 80, latest.SampleCount)
	assert.InDelta(t, 12, latest.Metrics[model.MetricMAE], 1e-9)
}

func TestReapStaleRetraining(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	stale := &model.RetrainingLogEntry{
		TenantID: "acme", ModelName: "demand-daily",
		TriggerType: model.TriggerScheduled,
		StartedAt:   time.Now().UTC().Add(-6 * time.Hour),
	}
	require.NoError(t, st.StartRetraining(ctx, stale))

	fresh := &model.RetrainingLogEntry{
		TenantID: "acme", ModelName: "demand-weekly",
		TriggerType: model.TriggerScheduled,
	}
	require.NoError(t, st.StartRetraining(ctx, fresh))

	reaped, err := st.ReapStaleRetraining(ctx, 4*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reaped)

	running, err := st.HasRunningRetraining(ctx, "acme", "demand-daily")
	require.NoError(t, err)
	assert.False(t, running)

	running, err = st.HasRunningRetraining(ctx, "acme", "demand-weekly")
	require.NoError(t, err)
	assert.True(t, running)

	entries, err := st.ListRetraining(ctx, "acme", "demand-daily", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.RetrainFailed, entries[0].Status)
}

func TestListVersions_FilterByStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedVersion(t, st, "v1", model.StatusArchived)
	seedVersion(t, st, "v2", model.StatusChampion)
	seedVersion(t, st, "v3", model.StatusChallenger)

	all, err := st.ListVersions(ctx, VersionFilter{TenantID: "acme", ModelName: "demand-daily"})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	challengers, err := st.ListVersions(ctx, VersionFilter{
		TenantID: "acme", ModelName: "demand-daily", Status: model.StatusChallenger,
	})
	require.NoError(t, err)
	require.Len(t, challengers, 1)
	assert.Equal(t, "v3", challengers[0].Version)
}

func TestUpdateVersionStatus_StaleLockRejected(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	v := seedVersion(t, st, "v1", model.StatusCandidate)
	require.NoError(t, st.UpdateVersionStatus(ctx, v.ID, model.StatusChallenger, v.LockVersion))

	err := st.UpdateVersionStatus(ctx, v.ID, model.StatusArchived, v.LockVersion)
	var cme *model.ConcurrentModificationError
	require.ErrorAs(t, err, &cme, "stale lock version must not silently succeed")
}
