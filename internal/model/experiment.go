package model

import (
	"time"
)

// ExperimentStatus is the state of a hypothesis-driven experiment.
// Transitions are monotonic; a status never regresses.
type ExperimentStatus string

const (
	ExperimentProposed      ExperimentStatus = "proposed"
	ExperimentApproved      ExperimentStatus = "approved"
	ExperimentRejected      ExperimentStatus = "rejected"
	ExperimentInProgress    ExperimentStatus = "in_progress"
	ExperimentShadowTesting ExperimentStatus = "shadow_testing"
	ExperimentCompleted     ExperimentStatus = "completed"
)

// ExperimentDecision is the recorded outcome of a completed experiment.
type ExperimentDecision string

const (
	DecisionAdopt        ExperimentDecision = "adopt"
	DecisionReject       ExperimentDecision = "reject"
	DecisionPartialAdopt ExperimentDecision = "partial_adopt"
)

// experimentTransitions is the closed set of legal experiment status
// transitions. rejected and completed are terminal.
var experimentTransitions = map[ExperimentStatus][]ExperimentStatus{
	ExperimentProposed:      {ExperimentApproved, ExperimentRejected},
	ExperimentApproved:      {ExperimentInProgress},
	ExperimentInProgress:    {ExperimentShadowTesting},
	ExperimentShadowTesting: {ExperimentCompleted},
	ExperimentRejected:      {},
	ExperimentCompleted:     {},
}

// CanTransitionExperiment reports whether an experiment may move from
// one status to another.
func CanTransitionExperiment(from, to ExperimentStatus) bool {
	for _, next := range experimentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Experiment tracks a human-proposed hypothesis through approval,
// implementation, shadow testing, and an auditable adopt/reject
// decision. Experimental versions are promoted only through the
// ordinary registry operations, never directly.
type Experiment struct {
	ID                   string             `json:"id"`
	TenantID             string             `json:"tenant_id"`
	ModelName            string             `json:"model_name"`
	Hypothesis           string             `json:"hypothesis"`
	ExperimentType       string             `json:"experiment_type"`
	Status               ExperimentStatus   `json:"status"`
	BaselineVersion      string             `json:"baseline_version,omitempty"`
	ExperimentalVersions []string           `json:"experimental_versions,omitempty"`
	Results              map[string]any     `json:"results,omitempty"`
	Decision             ExperimentDecision `json:"decision,omitempty"`
	DecisionRationale    string             `json:"decision_rationale,omitempty"`
	ProposedBy           string             `json:"proposed_by"`
	ApprovedBy           string             `json:"approved_by,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}
