package modman

import (
	"context"
	"sync"

	"modman/internal/modpack"
)

// Phase is a step of a reconciliation task.
type Phase int

const (
	PhasePlanning Phase = iota
	PhaseUninstalling
	PhaseInstalling
	PhaseFinalizing
	PhaseDone
	PhaseAborted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhasePlanning:
		return "planning"
	case PhaseUninstalling:
		return "uninstalling"
	case PhaseInstalling:
		return "installing"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseDone:
		return "done"
	case PhaseAborted:
		return "aborted"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

// Event describes task progress. Index counts packages from 1 within the
// current phase; File is the entry being written, if any.
type Event struct {
	Phase   Phase
	Index   int
	Total   int
	Package string
	File    string
}

// Action is what a task did to one package.
type Action string

const (
	ActionInstall   Action = "install"
	ActionUninstall Action = "uninstall"
)

// Outcome is the per-package result of a task. Err is nil on success.
type Outcome struct {
	Package modpack.Identity
	Action  Action
	Err     error
}

// Conflict is a destination path written by two packages in one pass, or
// a protected path a package tried to overwrite.
type Conflict struct {
	Path      string
	First     string
	Second    string
	Protected bool
}

// MissingDependency names a dependency of an installed package that is
// neither applied nor available in the library.
type MissingDependency struct {
	Package    string
	Dependency string
}

// Result is the final report of a task.
type Result struct {
	State       Phase // PhaseDone, PhaseAborted or PhaseFailed
	Outcomes    []Outcome
	Conflicts   []Conflict
	MissingDeps []MissingDependency
}

// Succeeded returns the packages that were transitioned without error.
func (r *Result) Succeeded() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Err == nil {
			out = append(out, o)
		}
	}
	return out
}

// Failed returns the outcomes that carry an error.
func (r *Result) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Task is the handle of a running reconciliation.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	progress Event
	result   *Result
	err      error
}

func newTask(cancel context.CancelFunc) *Task {
	return &Task{cancel: cancel, done: make(chan struct{})}
}

// Cancel asks the task to stop at the next package boundary.
func (t *Task) Cancel() { t.cancel() }

// Done is closed when the task has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Progress returns the most recent progress event.
func (t *Task) Progress() Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// Wait blocks until the task finishes and returns its result. The error is
// set only when the task could not run at all; per-package failures are in
// the result.
func (t *Task) Wait() (*Result, error) {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

func (t *Task) setProgress(ev Event) {
	t.mu.Lock()
	t.progress = ev
	t.mu.Unlock()
}

func (t *Task) finish(res *Result, err error) {
	t.mu.Lock()
	t.result = res
	t.err = err
	t.mu.Unlock()
	t.cancel()
	close(t.done)
}
