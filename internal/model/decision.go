package model

import (
	"time"
)

// DecisionOutcome is the result of one promotion gate evaluation.
type DecisionOutcome string

const (
	OutcomePromoted               DecisionOutcome = "promoted"
	OutcomeHeldAsChallenger       DecisionOutcome = "held_as_challenger"
	OutcomeBlockedMissingBusiness DecisionOutcome = "blocked_missing_business_metrics"
	OutcomeBlockedLowConfidence   DecisionOutcome = "blocked_low_confidence"
	OutcomeBlockedRegression      DecisionOutcome = "blocked_regression"
)

// ConfidenceLabel qualifies how much evidence backed a decision.
type ConfidenceLabel string

const (
	ConfidenceMeasured    ConfidenceLabel = "measured"
	ConfidenceEstimated   ConfidenceLabel = "estimated"
	ConfidenceLowSample   ConfidenceLabel = "low_sample"
	ConfidenceUnavailable ConfidenceLabel = "unavailable"
)

// PromotionDecision is the immutable audit record of one gate
// evaluation or explicit promote/rollback call. Blocked outcomes are
// legitimate decisions, not failures; each names the rules that failed.
type PromotionDecision struct {
	ID             string             `json:"id"`
	ModelVersionID string             `json:"model_version_id"`
	Outcome        DecisionOutcome    `json:"outcome"`
	Confidence     ConfidenceLabel    `json:"confidence"`
	Deltas         map[string]float64 `json:"deltas,omitempty"`
	FailedRules    []string           `json:"failed_rules,omitempty"`
	MissingMetrics []string           `json:"missing_metrics,omitempty"`
	Reason         string             `json:"reason,omitempty"`
	Actor          string             `json:"actor,omitempty"`
	EvaluatedAt    time.Time          `json:"evaluated_at"`
}

// Blocked reports whether the outcome prevents promotion.
func (d *PromotionDecision) Blocked() bool {
	switch d.Outcome {
	case OutcomeBlockedMissingBusiness, OutcomeBlockedLowConfidence, OutcomeBlockedRegression:
		return true
	}
	return false
}
