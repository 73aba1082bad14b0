package services

import "errors"

var (
	// ErrNotFound covers missing learning paths, build jobs, and steps.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState marks an operation attempted on a job whose status does
	// not permit it, e.g. cancelling a terminal job.
	ErrInvalidState = errors.New("invalid state")
)
