package runner

import "errors"

var (
	// ErrNotFound is returned when an execution, stage execution or pending
	// approval does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an operation does not apply to the
	// current state of a record, e.g. cancelling a finished execution
	ErrConflict = errors.New("conflict")

	// ErrInvalidPipeline is returned for stage definitions that cannot run
	ErrInvalidPipeline = errors.New("invalid pipeline")
)
