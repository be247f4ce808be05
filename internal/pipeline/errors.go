package pipeline

import (
	"errors"
	"fmt"
)

// Stage tags where in the processing chain a job failed.
type Stage string

const (
	StageValidate Stage = "validate"
	StageAnalyze  Stage = "analyze"
	StageFetch    Stage = "fetch"
	StageDeliver  Stage = "deliver"
	StageSettle   Stage = "settle"
	StageInternal Stage = "internal"
)

// StageError wraps a failure with the stage it occurred in. Callers render the
// stage code to the user and log the wrapped cause.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func fail(stage Stage, err error) *StageError {
	return &StageError{Stage: stage, Err: err}
}

// StageOf extracts the stage tag from an error chain, or StageInternal if the
// error is not stage-tagged.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return StageInternal
}

// SizeError reports a source or artifact above the caller's per-variant
// ceiling, carrying the measured size for the user-facing message.
type SizeError struct {
	Measured int64
	Ceiling  int64
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("size %d exceeds ceiling %d", e.Measured, e.Ceiling)
}
