package models

import (
	"fmt"
	"strings"
)

// InsufficientDataError reports a series too short for the requested fit.
// It is a hard precondition failure and is never retried.
type InsufficientDataError struct {
	Location string
	Got      int
	Min      int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for %q: have %d points, need at least %d", e.Location, e.Got, e.Min)
}

// Retryable is false: rerunning on the same series cannot help.
func (e *InsufficientDataError) Retryable() bool { return false }

// ModelFitError reports which variant(s) failed to converge. For the
// ensemble it is raised only when every member failed.
type ModelFitError struct {
	Failures map[ModelVariant]error
}

func NewModelFitError(variant ModelVariant, err error) *ModelFitError {
	return &ModelFitError{Failures: map[ModelVariant]error{variant: err}}
}

func (e *ModelFitError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for v, err := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", v, err))
	}
	return "model fit failed: " + strings.Join(parts, "; ")
}

// Retryable is false: fits are deterministic, so a retry reproduces the
// same failure.
func (e *ModelFitError) Retryable() bool { return false }

// CacheComputationError wraps a failure inside a single-flight computation
// so every waiting caller observes the same error instead of hanging.
type CacheComputationError struct {
	Key string
	Err error
}

func (e *CacheComputationError) Error() string {
	return fmt.Sprintf("cached computation for %s failed: %v", e.Key, e.Err)
}

func (e *CacheComputationError) Unwrap() error { return e.Err }

// JobExecutionError is raised inside a scheduled job. Transient causes go
// back to the queue with backoff; the rest are terminal.
type JobExecutionError struct {
	JobID     string
	Kind      JobKind
	Err       error
	Transient bool
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("job %s (%s) failed: %v", e.JobID, e.Kind, e.Err)
}

func (e *JobExecutionError) Unwrap() error { return e.Err }

func (e *JobExecutionError) Retryable() bool { return e.Transient }
