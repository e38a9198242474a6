package model

import (
	"time"
)

// ShadowPrediction is one parallel prediction recorded for a non-retired
// version at inference time. ActualValue is filled exactly once by the
// reconciliation pass when ground truth arrives; rows where it is still
// nil are excluded from aggregates.
type ShadowPrediction struct {
	ID             string     `json:"id"`
	ModelVersionID string     `json:"model_version_id"`
	InputKey       string     `json:"input_key"`
	ForecastWindow string     `json:"forecast_window"`
	PredictedValue float64    `json:"predicted_value"`
	ActualValue    *float64   `json:"actual_value,omitempty"`
	RecordedAt     time.Time  `json:"recorded_at"`
	ReconciledAt   *time.Time `json:"reconciled_at,omitempty"`
}

// GroundTruth is one observed actual used to reconcile shadow
// predictions, keyed the same way predictions are.
type GroundTruth struct {
	InputKey       string    `json:"input_key"`
	ForecastWindow string    `json:"forecast_window"`
	ActualValue    float64   `json:"actual_value"`
	ObservedAt     time.Time `json:"observed_at"`
}

// ShadowAggregate is a per-version accuracy summary over one trailing
// window, computed from reconciled rows only.
type ShadowAggregate struct {
	ModelVersionID string    `json:"model_version_id"`
	WindowDays     int       `json:"window_days"`
	SampleCount    int       `json:"sample_count"`
	MAE            float64   `json:"mae"`
	MAPE           float64   `json:"mape"`
	ComputedAt     time.Time `json:"computed_at"`
}
