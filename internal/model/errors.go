package model

import (
	"errors"
)

var (
	// ErrLaunchFailed the script could not be started, fatal to the phase
	ErrLaunchFailed = errors.New("launch failed")
	// ErrStoreUnavailable the job store path is not creatable or writable
	ErrStoreUnavailable = errors.New("job store unavailable")
	// ErrNoSuchTable the job store exists, but its schema is incomplete
	ErrNoSuchTable = errors.New("no such table")
	// ErrTerminationFailed a pid from the ledger could not be killed
	ErrTerminationFailed = errors.New("termination failed")
	// ErrExecutionFailed the script exited with non zero code
	ErrExecutionFailed = errors.New("execution failed")
	// ErrStoppedByUser the run was cancelled on request
	ErrStoppedByUser = errors.New("stopped by user")

	ErrRunInProgress     = errors.New("run in progress")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("not found")
)
