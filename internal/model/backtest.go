package model

import (
	"time"
)

// BacktestResult is one walk-forward evaluation step for a version over
// a historical window. Read-only after creation.
type BacktestResult struct {
	ID               string    `json:"id"`
	ModelVersionID   string    `json:"model_version_id"`
	WindowStart      time.Time `json:"window_start"`
	WindowEnd        time.Time `json:"window_end"`
	MAE              float64   `json:"mae"`
	MAPENonZero      float64   `json:"mape_nonzero"`
	Coverage         float64   `json:"coverage"`
	StockoutMissRate float64   `json:"stockout_miss_rate"`
	OverstockRate    float64   `json:"overstock_rate"`
	SampleCount      int       `json:"sample_count"`
	CreatedAt        time.Time `json:"created_at"`
}
