// Package experiment manages hypothesis-driven model experiments
// through their approval and shadow-testing lifecycle. Experimental
// versions reach production only through the ordinary registry
// operations, so every promotion still passes the gate.
package experiment

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/model-governor/internal/model"
	"github.com/sells-group/model-governor/internal/store"
)

// Workflow enforces the experiment state machine and its audit
// requirements.
type Workflow struct {
	store store.Store
	log   *zap.Logger
}

func New(st store.Store) *Workflow {
	return &Workflow{
		store: st,
		log:   zap.L().With(zap.String("component", "experiment")),
	}
}

// ProposeRequest opens a new experiment.
type ProposeRequest struct {
	TenantID             string
	ModelName            string
	Hypothesis           string
	ExperimentType       string
	BaselineVersion      string
	ExperimentalVersions []string
	ProposedBy           string
}

// Propose creates an experiment in proposed status.
func (w *Workflow) Propose(ctx context.Context, req ProposeRequest) (*model.Experiment, error) {
	switch {
	case req.TenantID == "":
		return nil, &model.ValidationError{Field: "tenant_id", Reason: "required"}
	case req.ModelName == "":
		return nil, &model.ValidationError{Field: "model_name", Reason: "required"}
	case req.Hypothesis == "":
		return nil, &model.ValidationError{Field: "hypothesis", Reason: "required"}
	case req.ExperimentType == "":
		return nil, &model.ValidationError{Field: "experiment_type", Reason: "required"}
	case req.ProposedBy == "":
		return nil, &model.ValidationError{Field: "proposed_by", Reason: "actor required"}
	}

	ex := &model.Experiment{
		TenantID:             req.TenantID,
		ModelName:            req.ModelName,
		Hypothesis:           req.Hypothesis,
		ExperimentType:       req.ExperimentType,
		Status:               model.ExperimentProposed,
		BaselineVersion:      req.BaselineVersion,
		ExperimentalVersions: req.ExperimentalVersions,
		ProposedBy:           req.ProposedBy,
	}
	if err := w.store.CreateExperiment(ctx, ex); err != nil {
		return nil, eris.Wrap(err, "experiment: create")
	}

	w.log.Info("experiment proposed",
		zap.String("experiment_id", ex.ID),
		zap.String("tenant_id", ex.TenantID),
		zap.String("model_name", ex.ModelName),
		zap.String("proposed_by", ex.ProposedBy),
	)
	return ex, nil
}

// Approve moves proposed -> approved. Requires an actor and rationale.
func (w *Workflow) Approve(ctx context.Context, id, actor, rationale string) (*model.Experiment, error) {
	return w.transition(ctx, id, model.ExperimentApproved, actor, rationale, true, func(ex *model.Experiment) {
		ex.ApprovedBy = actor
		ex.DecisionRationale = rationale
	})
}

// Reject moves proposed -> rejected (terminal). Requires an actor and
// rationale.
func (w *Workflow) Reject(ctx context.Context, id, actor, rationale string) (*model.Experiment, error) {
	return w.transition(ctx, id, model.ExperimentRejected, actor, rationale, true, func(ex *model.Experiment) {
		ex.Decision = model.DecisionReject
		ex.DecisionRationale = rationale
	})
}

// Start moves approved -> in_progress.
func (w *Workflow) Start(ctx context.Context, id, actor string) (*model.Experiment, error) {
	return w.transition(ctx, id, model.ExperimentInProgress, actor, "", false, nil)
}

// StartShadow moves in_progress -> shadow_testing, optionally recording
// the versions now under shadow comparison.
func (w *Workflow) StartShadow(ctx context.Context, id, actor string, versions []string) (*model.Experiment, error) {
	return w.transition(ctx, id, model.ExperimentShadowTesting, actor, "", false, func(ex *model.Experiment) {
		if len(versions) > 0 {
			ex.ExperimentalVersions = versions
		}
	})
}

// CompleteRequest closes an experiment with its decision.
type CompleteRequest struct {
	Actor     string
	Rationale string
	Decision  model.ExperimentDecision
	Results   map[string]any
}

// Complete moves shadow_testing -> completed with a decision and
// results payload. adopt/partial_adopt do not promote anything here;
// the caller promotes chosen versions through the registry, where the
// gate still applies.
func (w *Workflow) Complete(ctx context.Context, id string, req CompleteRequest) (*model.Experiment, error) {
	switch req.Decision {
	case model.DecisionAdopt, model.DecisionReject, model.DecisionPartialAdopt:
	default:
		return nil, &model.ValidationError{Field: "decision", Reason: fmt.Sprintf("unknown decision %q", req.Decision)}
	}

	return w.transition(ctx, id, model.ExperimentCompleted, req.Actor, req.Rationale, true, func(ex *model.Experiment) {
		ex.Decision = req.Decision
		ex.DecisionRationale = req.Rationale
		ex.Results = req.Results
	})
}

// Get returns one experiment.
func (w *Workflow) Get(ctx context.Context, id string) (*model.Experiment, error) {
	return w.store.GetExperiment(ctx, id)
}

// List returns experiments, newest first, optionally scoped to a tenant.
func (w *Workflow) List(ctx context.Context, tenantID string, limit int) ([]model.Experiment, error) {
	return w.store.ListExperiments(ctx, tenantID, limit)
}

// transition loads, validates, mutates, and saves one status change.
func (w *Workflow) transition(ctx context.Context, id string, to model.ExperimentStatus, actor, rationale string, rationaleRequired bool, mutate func(*model.Experiment)) (*model.Experiment, error) {
	if actor == "" {
		return nil, &model.ValidationError{Field: "actor", Reason: "required"}
	}
	if rationaleRequired && rationale == "" {
		return nil, &model.ValidationError{Field: "rationale", Reason: "required"}
	}

	ex, err := w.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "experiment: load %s", id)
	}

	if !model.CanTransitionExperiment(ex.Status, to) {
		return nil, &model.ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("illegal transition %s -> %s", ex.Status, to),
		}
	}

	ex.Status = to
	if mutate != nil {
		mutate(ex)
	}
	if err := w.store.UpdateExperiment(ctx, ex); err != nil {
		return nil, eris.Wrapf(err, "experiment: update %s", id)
	}

	w.log.Info("experiment transitioned",
		zap.String("experiment_id", ex.ID),
		zap.String("status", string(to)),
		zap.String("actor", actor),
	)
	return ex, nil
}
