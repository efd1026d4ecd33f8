package modman

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when a location already has an operation in flight.
	ErrBusy = errors.New("location is busy")

	ErrMalformedDefinition = errors.New("malformed definition")
	ErrIO                  = errors.New("i/o error")
	ErrPackageNotFound     = errors.New("package not found in library")
	ErrNotApplied          = errors.New("package is not applied")
	ErrProtected           = errors.New("write to protected path")
	ErrNotAttached         = errors.New("location has no state store")
)

// LocationError reports a location whose folders cannot be used.
type LocationError struct {
	Location string
	Path     string
	Err      error
}

func (e *LocationError) Error() string {
	return fmt.Sprintf("location %s: %s: %v", e.Location, e.Path, e.Err)
}

func (e *LocationError) Unwrap() error { return e.Err }

// BatchError reports a failed batch definition operation. Kind is
// ErrMalformedDefinition or ErrIO; Err holds the underlying cause.
type BatchError struct {
	Op   string
	Path string
	Kind error
	Err  error
}

func (e *BatchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("batch %s %s: %v", e.Op, e.Path, e.Kind)
	}
	return fmt.Sprintf("batch %s %s: %v: %v", e.Op, e.Path, e.Kind, e.Err)
}

func (e *BatchError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
