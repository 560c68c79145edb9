package coordinator

import (
	"errors"
	"fmt"
)

var (
	// ErrNoEmployees is the precondition failure of GenerateSchedules when
	// the employee catalog is empty.
	ErrNoEmployees = errors.New("coordinator: no employees loaded")
	// ErrNotLoaded is returned for UpdateShift outside the Loaded phase.
	ErrNotLoaded = errors.New("coordinator: schedules are not loaded")
	// ErrStopped is returned by Do and Post after Stop.
	ErrStopped = errors.New("coordinator: stopped")
	// ErrNotStarted is returned by Do and Post before Start.
	ErrNotStarted = errors.New("coordinator: not started")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("coordinator: already started")
)

// LocalPreconditionError reports an intent rejected before any I/O.
type LocalPreconditionError struct {
	Intent string
	Err    error
}

func (e *LocalPreconditionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Intent, e.Err)
}

func (e *LocalPreconditionError) Unwrap() error { return e.Err }
