package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"modman/internal/backupstore"
	"modman/internal/config"
	"modman/internal/database"
	"modman/internal/modman"
	"modman/internal/modpack"
	"modman/internal/remote"
	"modman/internal/thumbnail"
)

// ErrNotFound is returned when a location, batch or repository name does
// not resolve.
var ErrNotFound = errors.New("not found")

// ModApp is the application layer between the CLI and the engine.
// It loads locations and batches from config, attaches each location to its
// stores, and exposes high-level operations that accept names instead of
// objects. The caller must call Close when done.
type ModApp struct {
	cfg       *config.Config
	logger    modman.Logger
	logFile   *os.File
	clock     modman.Clock
	ids       modman.IDGenerator
	engine    *modman.Engine
	locations []*modman.Location
	batches   []*modman.Batch
	remote    *remote.Client
	op        *Operation
}

// Options tweak how NewModApp wires the application.
type Options struct {
	Verbose bool
	Clock   modman.Clock
	IDs     modman.IDGenerator
	// Remote replaces the repository client built from config.
	Remote *remote.Client
}

// NewModApp creates a fully wired ModApp from the given config.
// operation identifies the CLI command being run (e.g. "Apply", "Install").
func NewModApp(cfg *config.Config, operation string, opts Options, params ...string) (*ModApp, error) {
	if opts.Clock == nil {
		opts.Clock = modman.RealClock{}
	}
	if opts.IDs == nil {
		opts.IDs = modman.UUIDGenerator{}
	}

	op := NewOperation(operation, opts.Clock.Now(), params...)
	sl, logFile, err := newLogger(cfg.LogDir, op.ID, opts.Verbose)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: sl}

	a := &ModApp{
		cfg:     cfg,
		logger:  logger,
		logFile: logFile,
		clock:   opts.Clock,
		ids:     opts.IDs,
		remote:  opts.Remote,
		op:      op,
		engine: modman.NewEngine(logger, opts.Clock, opts.IDs, modman.EngineOptions{
			Workers:        cfg.Engine.Workers,
			Protected:      cfg.Conflicts.Protected,
			BlockProtected: cfg.Conflicts.BlockProtected,
		}),
	}

	locs, err := modman.LoadLocations(cfg.LocationDir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("loading locations: %w", err)
	}
	for _, loc := range locs {
		if err := loc.ValidateBackupExclusive(locs); err != nil {
			a.Close()
			return nil, err
		}
		if err := a.attach(loc); err != nil {
			a.Close()
			return nil, err
		}
		a.locations = append(a.locations, loc)
	}

	a.batches, err = modman.LoadBatches(cfg.BatchDir, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("loading batches: %w", err)
	}

	logger.Debug("application started", "operation", op.Name, "parameters", op.Parameters,
		"locations", len(a.locations), "batches", len(a.batches))
	return a, nil
}

// attach opens the state and backup stores of loc.
func (a *ModApp) attach(loc *modman.Location) error {
	state, err := database.NewStateStoreFromConfig(a.cfg.State, loc.Backup)
	if err != nil {
		return fmt.Errorf("location %s: opening state: %w", loc.Title, err)
	}
	if m, ok := state.(interface{ CheckMigrations() error }); ok {
		if err := m.CheckMigrations(); err != nil {
			state.Close()
			return fmt.Errorf("location %s: state schema out of date: %w", loc.Title, err)
		}
	}

	blobs, err := backupstore.NewBlobStoreFromConfig(a.cfg.Backup, loc.Backup, loc.BackupCompress)
	if err != nil {
		state.Close()
		return fmt.Errorf("location %s: opening backup store: %w", loc.Title, err)
	}
	loc.Attach(state, blobs, a.logger)
	return nil
}

// Config returns the loaded configuration.
func (a *ModApp) Config() *config.Config { return a.cfg }

// Locations returns the configured locations sorted by title.
func (a *ModApp) Locations() []*modman.Location { return a.locations }

// Batches returns the batches sorted by index then title.
func (a *ModApp) Batches() []*modman.Batch { return a.batches }

// FindLocation resolves a location by uuid or case-insensitive title.
func (a *ModApp) FindLocation(name string) (*modman.Location, error) {
	for _, l := range a.locations {
		if l.UUID == name || strings.EqualFold(l.Title, name) {
			return l, nil
		}
	}
	return nil, fmt.Errorf("location %q: %w", name, ErrNotFound)
}

// FindBatch resolves a batch by uuid or case-insensitive title.
func (a *ModApp) FindBatch(name string) (*modman.Batch, error) {
	for _, b := range a.batches {
		if b.UUID() == name || strings.EqualFold(b.Title(), name) {
			return b, nil
		}
	}
	return nil, fmt.Errorf("batch %q: %w", name, ErrNotFound)
}

// AddLocation creates a location definition and attaches it.
func (a *ModApp) AddLocation(title, destination, library, backup string) (*modman.Location, error) {
	if _, err := a.FindLocation(title); err == nil {
		return nil, fmt.Errorf("location %q already exists", title)
	}
	if err := os.MkdirAll(a.cfg.LocationDir, 0755); err != nil {
		return nil, fmt.Errorf("creating location directory: %w", err)
	}

	probe := &modman.Location{UUID: "new", Title: title, Backup: backup}
	if err := probe.ValidateBackupExclusive(a.locations); err != nil {
		return nil, err
	}

	loc, err := modman.NewLocation(a.cfg.LocationDir, title, destination, library, backup, a.ids)
	if err != nil {
		return nil, err
	}
	if err := a.attach(loc); err != nil {
		return nil, err
	}
	a.locations = append(a.locations, loc)
	a.logger.Info("location added", "location", title, "destination", destination)
	return loc, nil
}

// AddRepository registers a remote package index with a location.
func (a *ModApp) AddRepository(locName, name, url string) error {
	loc, err := a.FindLocation(locName)
	if err != nil {
		return err
	}
	for _, r := range loc.Repositories {
		if strings.EqualFold(r.Name, name) {
			return fmt.Errorf("repository %q already exists at %s", name, loc.Title)
		}
	}
	loc.Repositories = append(loc.Repositories, modman.Repository{Name: name, URL: url})
	return loc.Save()
}

// LocationStatus summarizes one location.
type LocationStatus struct {
	Location     *modman.Location
	Applied      []modpack.Identity
	Library      []*modpack.Package
	CurrentBatch string
	HasBackup    bool
	AccessErr    error
}

// Status reports the applied packages and library content of a location.
func (a *ModApp) Status(locName string) (*LocationStatus, error) {
	loc, err := a.FindLocation(locName)
	if err != nil {
		return nil, err
	}
	st := &LocationStatus{Location: loc, AccessErr: loc.CheckAccess()}

	if st.Applied, err = loc.ListApplied(); err != nil {
		return nil, err
	}
	if st.HasBackup, err = loc.HasBackupData(); err != nil {
		return nil, err
	}
	if st.CurrentBatch, err = loc.State().GetMeta(modman.MetaCurrentBatch); err != nil {
		return nil, err
	}
	if b, err := a.FindBatch(st.CurrentBatch); err == nil {
		st.CurrentBatch = b.Title()
	}
	if st.AccessErr == nil {
		if st.Library, err = loc.ScanLibrary(); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// History returns the most recent journaled tasks of a location.
func (a *ModApp) History(locName string, limit int) ([]*modman.Operation, error) {
	loc, err := a.FindLocation(locName)
	if err != nil {
		return nil, err
	}
	return loc.State().ListOperations(limit)
}

// SnapshotState copies the state database of a location to dest.
func (a *ModApp) SnapshotState(locName, dest string) error {
	loc, err := a.FindLocation(locName)
	if err != nil {
		return err
	}
	s, ok := loc.State().(interface{ BackupTo(string) error })
	if !ok {
		return fmt.Errorf("location %s: state store cannot be snapshotted", loc.Title)
	}
	return s.BackupTo(dest)
}

// CreateBatch writes a new, empty batch definition.
func (a *ModApp) CreateBatch(title string, index int) (*modman.Batch, error) {
	if _, err := a.FindBatch(title); err == nil {
		return nil, fmt.Errorf("batch %q already exists", title)
	}
	if err := os.MkdirAll(a.cfg.BatchDir, 0755); err != nil {
		return nil, fmt.Errorf("creating batch directory: %w", err)
	}
	b, err := modman.NewBatch(a.cfg.BatchDir, title, index, a.ids)
	if err != nil {
		return nil, err
	}
	a.batches = append(a.batches, b)
	return b, nil
}

// RenameBatch changes a batch title and its definition file name.
func (a *ModApp) RenameBatch(name, title string) error {
	b, err := a.FindBatch(name)
	if err != nil {
		return err
	}
	return b.Rename(title)
}

// SetBatchTarget sets the packages a batch installs at a location. Each
// ident is resolved against the location's library.
func (a *ModApp) SetBatchTarget(batchName, locName string, idents []string) error {
	b, err := a.FindBatch(batchName)
	if err != nil {
		return err
	}
	loc, err := a.FindLocation(locName)
	if err != nil {
		return err
	}
	lib, err := loc.ScanLibrary()
	if err != nil {
		return err
	}

	ids := make([]modpack.Identity, 0, len(idents))
	for _, ident := range idents {
		pkg, err := lookup(lib, ident)
		if err != nil {
			return err
		}
		ids = append(ids, pkg.Identity())
	}
	return b.SetInstalled(loc.UUID, ids)
}

// SnapshotBatch sets the batch target of a location to what is currently
// applied there.
func (a *ModApp) SnapshotBatch(batchName, locName string) error {
	b, err := a.FindBatch(batchName)
	if err != nil {
		return err
	}
	loc, err := a.FindLocation(locName)
	if err != nil {
		return err
	}
	applied, err := loc.ListApplied()
	if err != nil {
		return err
	}
	return b.SetInstalled(loc.UUID, applied)
}

// Apply reconciles every location the batch names, or only locName when
// set. Locations are processed one after another.
func (a *ModApp) Apply(ctx context.Context, batchName, locName string, opts modman.ApplyOptions) (map[string]*modman.Result, error) {
	b, err := a.FindBatch(batchName)
	if err != nil {
		return nil, err
	}

	var targets []*modman.Location
	if locName != "" {
		loc, err := a.FindLocation(locName)
		if err != nil {
			return nil, err
		}
		targets = append(targets, loc)
	} else {
		for _, uuid := range b.Locations() {
			loc, err := a.FindLocation(uuid)
			if err != nil {
				a.logger.Warn("batch names unknown location", "batch", b.Title(), "location", uuid)
				continue
			}
			targets = append(targets, loc)
		}
	}

	results := make(map[string]*modman.Result, len(targets))
	for _, loc := range targets {
		res, err := a.wait(a.engine.Apply(ctx, loc, b, opts))
		if err != nil {
			return results, err
		}
		results[loc.Title] = res
		if res.State == modman.PhaseAborted {
			break
		}
	}
	return results, nil
}

// Install applies one library package to a location.
func (a *ModApp) Install(ctx context.Context, locName, ident string, opts modman.ApplyOptions) (*modman.Result, error) {
	loc, err := a.FindLocation(locName)
	if err != nil {
		return nil, err
	}
	lib, err := loc.ScanLibrary()
	if err != nil {
		return nil, err
	}
	pkg, err := lookup(lib, ident)
	if err != nil {
		return nil, err
	}
	return a.wait(a.engine.InstallOne(ctx, loc, pkg, opts))
}

// Uninstall removes one applied package from a location. ident is a
// package name or hash.
func (a *ModApp) Uninstall(ctx context.Context, locName, ident string, opts modman.ApplyOptions) (*modman.Result, error) {
	loc, err := a.FindLocation(locName)
	if err != nil {
		return nil, err
	}
	return a.wait(a.engine.UninstallOne(ctx, loc, identityArg(ident), opts))
}

// Purge restores every backup of a location.
func (a *ModApp) Purge(ctx context.Context, locName string, opts modman.ApplyOptions) (*modman.Result, error) {
	loc, err := a.FindLocation(locName)
	if err != nil {
		return nil, err
	}
	return a.wait(a.engine.PurgeLocation(ctx, loc, opts))
}

func (a *ModApp) wait(task *modman.Task, err error) (*modman.Result, error) {
	if err != nil {
		return nil, err
	}
	return task.Wait()
}

// PackageSpec describes a package to build from a folder.
type PackageSpec struct {
	Source      string // folder holding the package files
	Output      string // container path; defaults to <source>.modpack
	Method      string // defaults to engine.method from config
	Level       string // defaults to engine.level from config
	Category    string
	Description string
	Depends     []string
	Thumbnail   string // optional image file
}

// CreatePackage builds a package container from a folder. progress may be
// nil.
func (a *ModApp) CreatePackage(spec PackageSpec, progress modpack.ProgressFunc) (*modpack.Package, error) {
	src, err := modpack.ParseSource(spec.Source)
	if err != nil {
		return nil, err
	}
	if !src.IsFolder() {
		return nil, fmt.Errorf("%s is not a folder", spec.Source)
	}

	method, err := modpack.ParseMethod(firstNonEmpty(spec.Method, a.cfg.Engine.Method, "zstd"))
	if err != nil {
		return nil, err
	}
	level, err := modpack.ParseLevel(firstNonEmpty(spec.Level, a.cfg.Engine.Level, "normal"))
	if err != nil {
		return nil, err
	}

	pkg := modpack.New(src.Ident())
	if err := pkg.AddTree(spec.Source); err != nil {
		return nil, err
	}
	pkg.Category = spec.Category
	pkg.Description = spec.Description
	pkg.Depends = spec.Depends

	if spec.Thumbnail != "" {
		f, err := os.Open(spec.Thumbnail)
		if err != nil {
			return nil, fmt.Errorf("opening thumbnail: %w", err)
		}
		img, err := thumbnail.Decode(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		if err := pkg.SetThumbnail(img); err != nil {
			return nil, err
		}
	}

	out := spec.Output
	if out == "" {
		out = strings.TrimRight(spec.Source, string(os.PathSeparator)) + modpack.Extension
	}
	start := a.clock.Now()
	if err := pkg.SaveAs(out, method, level, progress, nil); err != nil {
		return nil, err
	}
	a.logger.Info("package created", "package", pkg.Ident(), "path", out, "method", method,
		"level", level, "entries", len(pkg.Entries()), "elapsed", a.clock.Now().Sub(start).Round(time.Millisecond))
	return modpack.ParseSource(out)
}

// RepositoryStatus is the result of checking one repository.
type RepositoryStatus struct {
	Repository modman.Repository
	Index      *remote.Index
	Missing    []remote.IndexEntry
	Err        error
}

func (a *ModApp) remoteClient(ctx context.Context) (*remote.Client, error) {
	if a.remote != nil {
		return a.remote, nil
	}
	c, err := remote.NewClientFromConfig(ctx, a.cfg.Remote, a.logger)
	if err != nil {
		return nil, err
	}
	a.remote = c
	return c, nil
}

// CheckRepositories fetches every repository index of a location and lists
// the packages the library lacks. Failing repositories are reported in
// their status.
func (a *ModApp) CheckRepositories(ctx context.Context, locName string) ([]RepositoryStatus, error) {
	loc, err := a.FindLocation(locName)
	if err != nil {
		return nil, err
	}
	client, err := a.remoteClient(ctx)
	if err != nil {
		return nil, err
	}
	lib, err := loc.ScanLibrary()
	if err != nil {
		return nil, err
	}

	out := make([]RepositoryStatus, 0, len(loc.Repositories))
	for _, repo := range loc.Repositories {
		st := RepositoryStatus{Repository: repo}
		st.Index, st.Err = client.Check(ctx, repo)
		if st.Err == nil {
			st.Missing = remote.Missing(st.Index, lib)
		} else {
			a.logger.Warn("repository check failed", "location", loc.Title, "repository", repo.Name, "error", st.Err)
		}
		out = append(out, st)
	}
	return out, nil
}

// FetchMissing downloads every package a repository offers that the
// location's library lacks. An empty repoName fetches from all
// repositories. It returns the downloaded packages.
func (a *ModApp) FetchMissing(ctx context.Context, locName, repoName string) ([]*modpack.Package, error) {
	loc, err := a.FindLocation(locName)
	if err != nil {
		return nil, err
	}
	statuses, err := a.CheckRepositories(ctx, locName)
	if err != nil {
		return nil, err
	}
	client, err := a.remoteClient(ctx)
	if err != nil {
		return nil, err
	}

	var got []*modpack.Package
	var errs []error
	found := repoName == ""
	for _, st := range statuses {
		if repoName != "" && !strings.EqualFold(st.Repository.Name, repoName) {
			continue
		}
		found = true
		if st.Err != nil {
			errs = append(errs, st.Err)
			continue
		}
		for _, e := range st.Missing {
			if ctx.Err() != nil {
				return got, ctx.Err()
			}
			pkg, err := client.Download(ctx, st.Repository, e, loc.Library)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			got = append(got, pkg)
		}
	}
	if !found {
		return nil, fmt.Errorf("repository %q: %w", repoName, ErrNotFound)
	}
	return got, errors.Join(errs...)
}

// Close releases every location and the log file.
func (a *ModApp) Close() error {
	var errs []error
	for _, loc := range a.locations {
		if err := loc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing location %s: %w", loc.Title, err))
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return errors.Join(errs...)
}

// lookup resolves a CLI package argument: a library ident, or a hash.
func lookup(lib []*modpack.Package, arg string) (*modpack.Package, error) {
	id := identityArg(arg)
	ids := make([]modpack.Identity, len(lib))
	for i, p := range lib {
		ids[i] = p.Identity()
	}
	match, ok := modpack.MatchIdentity(ids, id)
	if ok {
		for _, p := range lib {
			if p.Hash() == match.Hash {
				return p, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", modman.ErrPackageNotFound, arg)
}

// identityArg reads arg as a hash when it parses as one, else as a name.
func identityArg(arg string) modpack.Identity {
	if len(arg) == 16 || strings.HasPrefix(arg, "0x") {
		if h, err := modpack.ParseHash(arg); err == nil {
			return modpack.Identity{Hash: h}
		}
	}
	return modpack.Identity{Name: arg}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
