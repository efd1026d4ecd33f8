package app

import (
	"strings"
	"time"
)

// Operation identifies one CLI invocation. Its ID tags every log line the
// invocation writes; the engine journals its own tasks per location.
type Operation struct {
	ID         string
	Name       string
	Parameters string
	StartedAt  time.Time
}

// NewOperation creates an operation started at now.
func NewOperation(name string, now time.Time, params ...string) *Operation {
	return &Operation{
		ID:         now.UTC().Format("20060102T150405Z"),
		Name:       name,
		Parameters: strings.Join(params, " "),
		StartedAt:  now,
	}
}
