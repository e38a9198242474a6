package model

import (
	"time"
)

// RetrainStatus is the lifecycle state of one retraining run.
type RetrainStatus string

const (
	RetrainRunning   RetrainStatus = "running"
	RetrainCompleted RetrainStatus = "completed"
	RetrainFailed    RetrainStatus = "failed"
)

// RetrainingLogEntry records one retraining run for a (tenant, model)
// pair. Created at trigger time in status running, updated exactly once
// to a terminal status. A running entry blocks further triggers for the
// same target until it completes, fails, or is reaped.
type RetrainingLogEntry struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	ModelName       string         `json:"model_name"`
	TriggerType     TriggerType    `json:"trigger_type"`
	TriggerMetadata map[string]any `json:"trigger_metadata,omitempty"`
	Status          RetrainStatus  `json:"status"`
	VersionProduced string         `json:"version_produced,omitempty"`
	Error           string         `json:"error,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// Terminal reports whether the entry has reached a final status.
func (e *RetrainingLogEntry) Terminal() bool {
	return e.Status == RetrainCompleted || e.Status == RetrainFailed
}
