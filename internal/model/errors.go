package model

import (
	"fmt"
	"strings"
)

// ValidationError rejects malformed or incomplete input before any
// state change is made.
type ValidationError struct {
	Field   string
	Reason  string
	Missing []string
}

func (e *ValidationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("validation: %s %s: %s", e.Field, e.Reason, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// ConcurrentModificationError signals an optimistic-lock conflict on
// promote or rollback: the champion changed after the caller's decision
// was computed. The caller must re-evaluate against current state.
type ConcurrentModificationError struct {
	TenantID  string
	ModelName string
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("concurrent modification: champion for %s/%s changed since evaluation", e.TenantID, e.ModelName)
}

// TrainerFailure wraps an external trainer error. It is logged to the
// retraining log entry and never corrupts registry state.
type TrainerFailure struct {
	TenantID  string
	ModelName string
	Err       error
}

func (e *TrainerFailure) Error() string {
	return fmt.Sprintf("trainer failure for %s/%s: %v", e.TenantID, e.ModelName, e.Err)
}

func (e *TrainerFailure) Unwrap() error {
	return e.Err
}
