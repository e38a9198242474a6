package model

import (
	"time"
)

// Canonical metric keys. The engine never computes these itself; they
// arrive from the external metrics evaluator and business analytics feed.
const (
	MetricMAE              = "mae"
	MetricMAPE             = "mape"
	MetricCoverage         = "coverage"
	MetricStockoutMissRate = "stockout_miss_rate"
	MetricOverstockRate    = "overstock_rate"
	MetricOverstockDollars = "overstock_dollars"
)

// StatisticalKeys are required on every registered version.
var StatisticalKeys = []string{MetricMAE, MetricMAPE, MetricCoverage}

// BusinessKeys are required before any promotion can pass the gate.
var BusinessKeys = []string{MetricStockoutMissRate, MetricOverstockRate, MetricOverstockDollars}

// Metrics is a named-float metric set for one model version.
type Metrics map[string]float64

// Has reports whether every named key is present.
func (m Metrics) Has(keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			return false
		}
	}
	return true
}

// Missing returns the subset of keys absent from the metric set.
func (m Metrics) Missing(keys ...string) []string {
	var missing []string
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

// MetricWindow is one externally computed evaluation window, as accepted
// by the metrics ingestor.
type MetricWindow struct {
	TenantID    string    `json:"tenant_id"`
	ModelName   string    `json:"model_name"`
	Version     string    `json:"version"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	SampleCount int       `json:"sample_count"`
	Metrics     Metrics   `json:"metrics"`
}

// Validate checks the window carries an identity, a sane interval, and
// the canonical statistical keys.
func (w *MetricWindow) Validate() error {
	switch {
	case w.TenantID == "":
		return &ValidationError{Field: "tenant_id", Reason: "required"}
	case w.ModelName == "":
		return &ValidationError{Field: "model_name", Reason: "required"}
	case w.Version == "":
		return &ValidationError{Field: "version", Reason: "required"}
	case !w.WindowEnd.After(w.WindowStart):
		return &ValidationError{Field: "window_end", Reason: "must be after window_start"}
	}
	if missing := w.Metrics.Missing(StatisticalKeys...); len(missing) > 0 {
		return &ValidationError{Field: "metrics", Reason: "missing required keys", Missing: missing}
	}
	return nil
}
