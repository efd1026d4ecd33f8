// Package modman applies mod packages to locations and keeps what is needed
// to take them off again.
package modman

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"modman/internal/fs"
	"modman/internal/modpack"
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	// Workers bounds parallel entry extraction within one package.
	Workers int

	// Protected lists glob patterns of destination paths that packages
	// should not overwrite. They are merged with the destination's protect
	// file.
	Protected []string

	// BlockProtected turns an overwrite of a protected path into a failed
	// install instead of a warning.
	BlockProtected bool
}

// ApplyOptions carries the caller's callbacks. Both run on the task's
// goroutine and must not block for long.
type ApplyOptions struct {
	OnProgress func(Event)
	OnConflict func(Conflict)
}

// Engine reconciles locations against batches. Each operation runs on its
// own goroutine and holds the location's lock until it finishes.
type Engine struct {
	logger Logger
	clock  Clock
	ids    IDGenerator
	locks  *LockTable
	opts   EngineOptions
}

func NewEngine(logger Logger, clock Clock, ids IDGenerator, opts EngineOptions) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	return &Engine{
		logger: logger,
		clock:  clock,
		ids:    ids,
		locks:  NewLockTable(),
		opts:   opts,
	}
}

// Apply makes the packages applied at loc match the batch's target list for
// it. Packages in both sets are not touched.
func (e *Engine) Apply(ctx context.Context, loc *Location, batch *Batch, opts ApplyOptions) (*Task, error) {
	return e.start(ctx, loc, "apply", batch.Title(), opts, func(r *run) (*Result, error) {
		return r.apply(batch)
	})
}

// InstallOne applies a single package on top of the current state.
func (e *Engine) InstallOne(ctx context.Context, loc *Location, pkg *modpack.Package, opts ApplyOptions) (*Task, error) {
	return e.start(ctx, loc, "install", pkg.Ident(), opts, func(r *run) (*Result, error) {
		return r.installOne(pkg)
	})
}

// UninstallOne removes a single applied package.
func (e *Engine) UninstallOne(ctx context.Context, loc *Location, id modpack.Identity, opts ApplyOptions) (*Task, error) {
	return e.start(ctx, loc, "uninstall", id.Name, opts, func(r *run) (*Result, error) {
		return r.uninstallOne(id)
	})
}

// PurgeLocation removes every applied package from loc.
func (e *Engine) PurgeLocation(ctx context.Context, loc *Location, opts ApplyOptions) (*Task, error) {
	return e.start(ctx, loc, "purge", loc.Title, opts, func(r *run) (*Result, error) {
		return r.purge()
	})
}

func (e *Engine) start(ctx context.Context, loc *Location, op, params string, opts ApplyOptions, fn func(*run) (*Result, error)) (*Task, error) {
	if err := loc.attached(); err != nil {
		return nil, err
	}
	if !e.locks.TryLock(loc.UUID) {
		return nil, fmt.Errorf("%w: %s", ErrBusy, loc.Title)
	}

	ctx, cancel := context.WithCancel(ctx)
	task := newTask(cancel)
	r := &run{
		engine:  e,
		ctx:     ctx,
		loc:     loc,
		task:    task,
		opts:    opts,
		result:  &Result{},
		written: make(map[string]string),
	}

	go func() {
		opID, jerr := loc.state.CreateOperation(op, params, e.clock.Now())
		if jerr != nil {
			e.logger.Warn("journaling operation", "location", loc.Title, "operation", op, "error", jerr)
		}
		e.logger.Info("operation started", "location", loc.Title, "operation", op, "target", params)

		res, err := fn(r)

		status := "error"
		if err == nil {
			status = res.State.String()
		}
		if jerr == nil {
			if ferr := loc.state.FinishOperation(opID, status, e.clock.Now()); ferr != nil {
				e.logger.Warn("journaling operation", "location", loc.Title, "operation", op, "error", ferr)
			}
		}
		e.logger.Info("operation finished", "location", loc.Title, "operation", op, "status", status)

		e.locks.Unlock(loc.UUID)
		task.finish(res, err)
	}()
	return task, nil
}

// run is the state of one task.
type run struct {
	engine    *Engine
	ctx       context.Context
	loc       *Location
	task      *Task
	opts      ApplyOptions
	result    *Result
	protected *fs.PatternMatcher
	library   []*modpack.Package
	scanned   bool

	// written maps destination paths extracted in this pass to the package
	// that wrote them.
	written map[string]string

	emitMu sync.Mutex
}

func (r *run) log() Logger { return r.engine.logger }

func (r *run) emit(ev Event) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.task.setProgress(ev)
	if r.opts.OnProgress != nil {
		r.opts.OnProgress(ev)
	}
}

func (r *run) conflict(c Conflict) {
	r.result.Conflicts = append(r.result.Conflicts, c)
	if c.Protected {
		r.log().Warn("protected path overwritten", "location", r.loc.Title, "path", c.Path, "package", c.Second)
	} else {
		r.log().Warn("package overlap", "location", r.loc.Title, "path", c.Path, "first", c.First, "second", c.Second)
	}
	if r.opts.OnConflict != nil {
		r.opts.OnConflict(c)
	}
}

func (r *run) cancelled() bool { return r.ctx.Err() != nil }

func (r *run) outcome(id modpack.Identity, action Action, err error) {
	r.result.Outcomes = append(r.result.Outcomes, Outcome{Package: id, Action: action, Err: err})
	if err != nil {
		r.log().Error("package "+string(action)+" failed", "location", r.loc.Title, "package", id.Name, "error", err)
	} else {
		r.log().Info("package "+string(action)+"ed", "location", r.loc.Title, "package", id.Name)
	}
}

// prepare runs the checks common to every task.
func (r *run) prepare() error {
	r.emit(Event{Phase: PhasePlanning})
	if err := r.loc.CheckAccess(); err != nil {
		return err
	}
	m, err := r.loc.Protected(r.engine.opts.Protected)
	if err != nil {
		return fmt.Errorf("reading protected paths: %w", err)
	}
	r.protected = m
	return nil
}

func (r *run) scanLibrary() ([]*modpack.Package, error) {
	if !r.scanned {
		lib, err := r.loc.ScanLibrary()
		if err != nil {
			return nil, err
		}
		r.library = lib
		r.scanned = true
	}
	return r.library, nil
}

// finish fills in the final state.
func (r *run) finish(aborted bool) *Result {
	switch {
	case aborted:
		r.result.State = PhaseAborted
	case len(r.result.Failed()) > 0:
		r.result.State = PhaseFailed
	default:
		r.result.State = PhaseDone
	}
	r.emit(Event{Phase: r.result.State})
	return r.result
}

func (r *run) failed(err error) (*Result, error) {
	r.result.State = PhaseFailed
	r.emit(Event{Phase: PhaseFailed})
	return r.result, err
}

type planned struct {
	id  modpack.Identity
	pkg *modpack.Package
	err error
}

func (r *run) apply(batch *Batch) (*Result, error) {
	if err := r.prepare(); err != nil {
		return r.failed(err)
	}
	if !batch.HasLocation(r.loc.UUID) {
		r.log().Info("batch does not target location", "batch", batch.Title(), "location", r.loc.Title)
		return r.finish(false), nil
	}

	records, err := r.loc.state.ListRecords()
	if err != nil {
		return r.failed(fmt.Errorf("listing applied packages: %w", err))
	}
	target := batch.Installed(r.loc.UUID)

	applied := make(map[uint64]bool, len(records))
	for _, rec := range records {
		applied[rec.Package.Hash] = true
	}

	// Targets resolve by hash first, then by identity against the library.
	keep := make(map[uint64]bool, len(target))
	var renamed bool
	var toAdd []planned
	for _, id := range target {
		if applied[id.Hash] {
			keep[id.Hash] = true
			continue
		}
		p := planned{id: id}
		lib, err := r.scanLibrary()
		if err != nil {
			return r.failed(err)
		}
		p.pkg, p.err = findPackage(lib, id)
		if p.err == nil && applied[p.pkg.Hash()] {
			// Matched by name to a package that is already applied.
			keep[p.pkg.Hash()] = true
			renamed = true
			continue
		}
		toAdd = append(toAdd, p)
	}

	var toRemove []*BackupRecord
	for _, rec := range records {
		if !keep[rec.Package.Hash] {
			toRemove = append(toRemove, rec)
		}
	}
	r.log().Info("reconciliation planned", "location", r.loc.Title, "batch", batch.Title(),
		"remove", len(toRemove), "add", len(toAdd))

	// Last installed comes off first.
	for i := len(toRemove) - 1; i >= 0; i-- {
		if r.cancelled() {
			return r.finish(true), nil
		}
		rec := toRemove[i]
		r.emit(Event{Phase: PhaseUninstalling, Index: len(toRemove) - i, Total: len(toRemove), Package: rec.Package.Name})
		r.outcome(rec.Package, ActionUninstall, r.loc.uninstall(rec))
	}

	var installed []*modpack.Package
	for i, p := range toAdd {
		if r.cancelled() {
			return r.finish(true), nil
		}
		r.emit(Event{Phase: PhaseInstalling, Index: i + 1, Total: len(toAdd), Package: p.id.Name})
		if p.err != nil {
			r.outcome(p.id, ActionInstall, p.err)
			continue
		}
		err := r.install(p.pkg, i+1, len(toAdd))
		r.outcome(p.pkg.Identity(), ActionInstall, err)
		if err != nil {
			continue
		}
		installed = append(installed, p.pkg)
		if p.pkg.Hash() != p.id.Hash {
			renamed = true
		}
	}
	for _, pkg := range installed {
		r.checkDependencies(pkg)
	}

	r.emit(Event{Phase: PhaseFinalizing})
	if err := r.finalize(batch, renamed); err != nil {
		return r.failed(err)
	}
	return r.finish(false), nil
}

// finalize records the batch as current and, when packages were found by
// identity rather than hash, rewrites the batch with the hashes now applied.
func (r *run) finalize(batch *Batch, renamed bool) error {
	records, err := r.loc.state.ListRecords()
	if err != nil {
		return fmt.Errorf("listing applied packages: %w", err)
	}

	if renamed {
		target := batch.Installed(r.loc.UUID)
		appliedIDs := make([]modpack.Identity, len(records))
		for i, rec := range records {
			appliedIDs[i] = rec.Package
		}
		for i, id := range target {
			if m, ok := modpack.MatchIdentity(appliedIDs, id); ok {
				target[i] = m
			}
		}
		if err := batch.SetInstalled(r.loc.UUID, target); err != nil {
			return fmt.Errorf("updating batch: %w", err)
		}
	}

	if err := r.loc.state.SetMeta(MetaCurrentBatch, batch.UUID()); err != nil {
		return fmt.Errorf("recording current batch: %w", err)
	}
	return nil
}

func (r *run) installOne(pkg *modpack.Package) (*Result, error) {
	if err := r.prepare(); err != nil {
		return r.failed(err)
	}
	rec, err := r.loc.state.FindRecord(pkg.Hash())
	if err != nil {
		return r.failed(err)
	}
	if rec != nil {
		r.log().Info("package already applied", "location", r.loc.Title, "package", pkg.Ident())
		return r.finish(false), nil
	}

	r.emit(Event{Phase: PhaseInstalling, Index: 1, Total: 1, Package: pkg.Ident()})
	err = r.install(pkg, 1, 1)
	r.outcome(pkg.Identity(), ActionInstall, err)
	if err == nil {
		r.checkDependencies(pkg)
	}
	r.emit(Event{Phase: PhaseFinalizing})
	return r.finish(false), nil
}

// checkDependencies reports dependencies of pkg that are neither applied
// nor present in the library.
func (r *run) checkDependencies(pkg *modpack.Package) {
	if len(pkg.Depends) == 0 {
		return
	}
	records, err := r.loc.state.ListRecords()
	if err != nil {
		r.log().Warn("checking dependencies", "location", r.loc.Title, "error", err)
		return
	}
	lib, err := r.scanLibrary()
	if err != nil {
		r.log().Warn("checking dependencies", "location", r.loc.Title, "error", err)
		return
	}

	for _, dep := range pkg.Depends {
		found := false
		for _, rec := range records {
			if strings.EqualFold(rec.Package.Name, dep) {
				found = true
				break
			}
		}
		for _, p := range lib {
			if found {
				break
			}
			found = strings.EqualFold(p.Ident(), dep)
		}
		if !found {
			r.result.MissingDeps = append(r.result.MissingDeps, MissingDependency{Package: pkg.Ident(), Dependency: dep})
			r.log().Warn("missing dependency", "location", r.loc.Title, "package", pkg.Ident(), "dependency", dep)
		}
	}
}

func (r *run) uninstallOne(id modpack.Identity) (*Result, error) {
	if err := r.prepare(); err != nil {
		return r.failed(err)
	}
	records, err := r.loc.state.ListRecords()
	if err != nil {
		return r.failed(err)
	}
	ids := make([]modpack.Identity, len(records))
	for i, rec := range records {
		ids[i] = rec.Package
	}
	match, ok := modpack.MatchIdentity(ids, id)
	if !ok {
		r.outcome(id, ActionUninstall, fmt.Errorf("%w: %s", ErrNotApplied, id.Name))
		return r.finish(false), nil
	}

	for _, rec := range records {
		if rec.Package.Hash == match.Hash {
			r.emit(Event{Phase: PhaseUninstalling, Index: 1, Total: 1, Package: rec.Package.Name})
			r.outcome(rec.Package, ActionUninstall, r.loc.uninstall(rec))
			break
		}
	}
	r.emit(Event{Phase: PhaseFinalizing})
	return r.finish(false), nil
}

func (r *run) purge() (*Result, error) {
	if err := r.prepare(); err != nil {
		return r.failed(err)
	}
	err := r.loc.purge(r.ctx,
		func(total, done int, rec *BackupRecord) bool {
			if r.cancelled() {
				return false
			}
			r.emit(Event{Phase: PhaseUninstalling, Index: done + 1, Total: total, Package: rec.Package.Name})
			return true
		},
		func(rec *BackupRecord, err error) {
			r.outcome(rec.Package, ActionUninstall, err)
		})

	if errors.Is(err, ErrPurgeAborted) {
		return r.finish(true), nil
	}
	var lerr *LocationError
	if err != nil && !errors.As(err, &lerr) {
		return r.failed(err)
	}
	r.emit(Event{Phase: PhaseFinalizing})
	return r.finish(false), nil
}
