package model

import (
	"time"
)

// VersionStatus represents the lifecycle state of a model version.
type VersionStatus string

const (
	StatusCandidate  VersionStatus = "candidate"
	StatusChallenger VersionStatus = "challenger"
	StatusChampion   VersionStatus = "champion"
	StatusShadow     VersionStatus = "shadow"
	StatusArchived   VersionStatus = "archived"
)

// TriggerType identifies what initiated a registration or retraining run.
type TriggerType string

const (
	TriggerScheduled     TriggerType = "scheduled"
	TriggerDriftDetected TriggerType = "drift_detected"
	TriggerManual        TriggerType = "manual"
	TriggerNewMarket     TriggerType = "new_market"
	TriggerExperiment    TriggerType = "experiment"
)

// versionTransitions is the closed set of legal status transitions.
// archived -> champion is deliberately absent: a superseded champion
// re-enters production only through the explicit rollback operation,
// which bypasses this table after validating its own preconditions.
var versionTransitions = map[VersionStatus][]VersionStatus{
	StatusCandidate:  {StatusChallenger, StatusChampion, StatusShadow, StatusArchived},
	StatusChallenger: {StatusChampion, StatusShadow, StatusArchived},
	StatusShadow:     {StatusChallenger, StatusChampion, StatusArchived},
	StatusChampion:   {StatusArchived},
	StatusArchived:   {},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to VersionStatus) bool {
	for _, next := range versionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ModelVersion is a registered version of a forecasting model for one
// (tenant, model name) pair. At most one version per pair holds
// StatusChampion at any instant; the store enforces this transactionally.
type ModelVersion struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	ModelName       string         `json:"model_name"`
	Version         string         `json:"version"`
	Status          VersionStatus  `json:"status"`
	FeatureTier     string         `json:"feature_tier,omitempty"`
	DatasetID       string         `json:"dataset_id,omitempty"`
	ArtifactRef     string         `json:"artifact_ref,omitempty"`
	Metrics         Metrics        `json:"metrics"`
	RoutingWeight   float64        `json:"routing_weight"`
	SmokeTestPassed *bool          `json:"smoke_test_passed,omitempty"`
	TriggerType     TriggerType    `json:"trigger_type"`
	TriggerMetadata map[string]any `json:"trigger_metadata,omitempty"`

	// LockVersion is the optimistic concurrency token. Every status
	// mutation increments it; promote and rollback re-check it inside
	// their transaction.
	LockVersion int64 `json:"lock_version"`

	CreatedAt  time.Time  `json:"created_at"`
	PromotedAt *time.Time `json:"promoted_at,omitempty"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// IsServing reports whether this version is the one serving traffic.
func (v *ModelVersion) IsServing() bool {
	return v.Status == StatusChampion
}

// IsRetired reports whether this version no longer records shadow
// predictions.
func (v *ModelVersion) IsRetired() bool {
	return v.Status == StatusArchived
}
