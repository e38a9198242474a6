package experiment

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/model-governor/internal/model"
	"github.com/sells-group/model-governor/internal/store"
)

func newWorkflow(t *testing.T) *Workflow {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return New(st)
}

func propose(t *testing.T, w *Workflow) *model.Experiment {
	t.Helper()
	ex, err := w.Propose(context.Background(), ProposeRequest{
		TenantID:       "acme",
		ModelName:      "demand-daily",
		Hypothesis:     "segment-specific models beat the global model for seasonal SKUs",
		ExperimentType: "segmentation",
		ProposedBy:     "data-science",
	})
	require.NoError(t, err)
	return ex
}

func TestWorkflow_FullLifecycle(t *testing.T) {
	w := newWorkflow(t)
	ctx := context.Background()
	ex := propose(t, w)
	assert.Equal(t, model.ExperimentProposed, ex.Status)

	ex, err := w.Approve(ctx, ex.ID, "lead", "well-scoped hypothesis with a clear baseline")
	require.NoError(t, err)
	assert.Equal(t, model.ExperimentApproved, ex.Status)
	assert.Equal(t, "lead", ex.ApprovedBy)

	ex, err = w.Start(ctx, ex.ID, "data-science")
	require.NoError(t, err)
	assert.Equal(t, model.ExperimentInProgress, ex.Status)

	ex, err = w.StartShadow(ctx, ex.ID, "data-science", []string{"v14-seasonal", "v14-flat"})
	require.NoError(t, err)
	assert.Equal(t, model.ExperimentShadowTesting, ex.Status)
	assert.Equal(t, []string{"v14-seasonal", "v14-flat"}, ex.ExperimentalVersions)

	ex, err = w.Complete(ctx, ex.ID, CompleteRequest{
		Actor:     "lead",
		Rationale: "seasonal variant wins on MAE for its segment; flat variant archived",
		Decision:  model.DecisionPartialAdopt,
		Results:   map[string]any{"winner": "v14-seasonal"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.ExperimentCompleted, ex.Status)
	assert.Equal(t, model.DecisionPartialAdopt, ex.Decision)
	assert.Equal(t, "v14-seasonal", ex.Results["winner"])
}

func TestWorkflow_RejectIsTerminal(t *testing.T) {
	w := newWorkflow(t)
	ctx := context.Background()
	ex := propose(t, w)

	ex, err := w.Reject(ctx, ex.ID, "lead", "hypothesis duplicates a completed experiment")
	require.NoError(t, err)
	assert.Equal(t, model.ExperimentRejected, ex.Status)

	_, err = w.Approve(ctx, ex.ID, "lead", "changed my mind")
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "rejected")
}

func TestWorkflow_NoSkippingStates(t *testing.T) {
	w := newWorkflow(t)
	ctx := context.Background()
	ex := propose(t, w)

	// proposed -> in_progress is not a legal edge.
	_, err := w.Start(ctx, ex.ID, "data-science")
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)

	// proposed -> completed is not either.
	_, err = w.Complete(ctx, ex.ID, CompleteRequest{
		Actor: "lead", Rationale: "skip ahead", Decision: model.DecisionAdopt,
	})
	require.ErrorAs(t, err, &verr)
}

func TestWorkflow_ActorAndRationaleRequired(t *testing.T) {
	w := newWorkflow(t)
	ctx := context.Background()
	ex := propose(t, w)

	var verr *model.ValidationError
	_, err := w.Approve(ctx, ex.ID, "", "fine idea")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "actor", verr.Field)

	_, err = w.Approve(ctx, ex.ID, "lead", "")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "rationale", verr.Field)

	// Start needs an actor but no rationale.
	_, err = w.Approve(ctx, ex.ID, "lead", "ok")
	require.NoError(t, err)
	_, err = w.Start(ctx, ex.ID, "")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "actor", verr.Field)
}

func TestWorkflow_CompleteValidatesDecision(t *testing.T) {
	w := newWorkflow(t)
	ex := propose(t, w)

	_, err := w.Complete(context.Background(), ex.ID, CompleteRequest{
		Actor: "lead", Rationale: "done", Decision: "ship_it",
	})
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "decision", verr.Field)
}

func TestWorkflow_ProposeValidation(t *testing.T) {
	w := newWorkflow(t)

	_, err := w.Propose(context.Background(), ProposeRequest{
		TenantID:  "acme",
		ModelName: "demand-daily",
	})
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "hypothesis", verr.Field)
}
