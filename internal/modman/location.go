package modman

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"modman/internal/fs"
	"modman/internal/modpack"
)

// LocationExt is the suffix of location definition files.
const LocationExt = ".location.toml"

// Repository is a remote package index a location can download from.
type Repository struct {
	Name string `toml:"name"`
	URL  string `toml:"url"`
}

// Location is an installation target: packages from Library are applied to
// Destination, and the files they replace are kept under Backup.
type Location struct {
	UUID           string       `toml:"uuid"`
	Title          string       `toml:"title"`
	Destination    string       `toml:"destination"`
	Library        string       `toml:"library"`
	Backup         string       `toml:"backup"`
	BackupCompress string       `toml:"backup_compress,omitempty"`
	Repositories   []Repository `toml:"repositories,omitempty"`

	path   string
	state  StateStore
	blobs  BlobStore
	logger Logger
}

// NewLocation creates a location definition in dir. Missing library and
// backup folders are created.
func NewLocation(dir, title, destination, library, backup string, ids IDGenerator) (*Location, error) {
	l := &Location{
		UUID:        ids.New(),
		Title:       title,
		Destination: destination,
		Library:     library,
		Backup:      backup,
		path:        filepath.Join(dir, title+LocationExt),
	}
	if err := l.validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(l.path); err == nil {
		return nil, fmt.Errorf("location definition already exists: %s", l.path)
	}
	for _, d := range []string{l.Library, l.Backup} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, &LocationError{Location: title, Path: d, Err: err}
		}
	}
	if err := l.Save(); err != nil {
		return nil, err
	}
	return l, nil
}

// LoadLocation reads a location definition file.
func LoadLocation(path string) (*Location, error) {
	var l Location
	if _, err := toml.DecodeFile(path, &l); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedDefinition, path, err)
	}
	l.path = path
	if err := l.validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// LoadLocations reads every location definition in dir, sorted by title.
func LoadLocations(dir string) ([]*Location, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+LocationExt))
	if err != nil {
		return nil, fmt.Errorf("listing locations: %w", err)
	}
	locs := make([]*Location, 0, len(matches))
	for _, m := range matches {
		l, err := LoadLocation(m)
		if err != nil {
			return nil, err
		}
		locs = append(locs, l)
	}
	sort.Slice(locs, func(i, j int) bool { return locs[i].Title < locs[j].Title })
	return locs, nil
}

func (l *Location) validate() error {
	if l.UUID == "" {
		return fmt.Errorf("%w: location needs a uuid", ErrMalformedDefinition)
	}
	if err := checkTitle(l.Title); err != nil {
		return fmt.Errorf("%w: location %v", ErrMalformedDefinition, err)
	}
	for name, p := range map[string]string{"destination": l.Destination, "library": l.Library, "backup": l.Backup} {
		if p == "" {
			return fmt.Errorf("%w: location %s has no %s path", ErrMalformedDefinition, l.Title, name)
		}
	}
	if fs.IsWithin(l.Destination, l.Backup) || fs.IsWithin(l.Backup, l.Destination) {
		return &LocationError{Location: l.Title, Path: l.Backup, Err: errors.New("backup and destination folders overlap")}
	}
	return nil
}

// checkTitle rejects titles that cannot serve as a definition file name.
func checkTitle(title string) error {
	switch {
	case strings.TrimSpace(title) == "":
		return errors.New("empty title")
	case strings.ContainsAny(title, `/\`) || strings.Contains(title, ".."):
		return fmt.Errorf("title %q may not contain path separators or \"..\"", title)
	}
	return nil
}

// Path is the definition file of the location.
func (l *Location) Path() string { return l.path }

// Save writes the definition file atomically.
func (l *Location) Save() error {
	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(l); err != nil {
		return fmt.Errorf("encoding location: %w", err)
	}
	if err := fs.WriteFileAtomic(l.path, strings.NewReader(sb.String()), 0644); err != nil {
		return fmt.Errorf("saving location %s: %w", l.Title, err)
	}
	return nil
}

// Attach connects the location to its state and backup stores.
func (l *Location) Attach(state StateStore, blobs BlobStore, logger Logger) {
	l.state = state
	l.blobs = blobs
	if logger == nil {
		logger = NewNopLogger()
	}
	l.logger = logger
}

// Close releases the state store.
func (l *Location) Close() error {
	if l.state == nil {
		return nil
	}
	err := l.state.Close()
	l.state = nil
	return err
}

func (l *Location) attached() error {
	if l.state == nil || l.blobs == nil {
		return fmt.Errorf("%w: %s", ErrNotAttached, l.Title)
	}
	return nil
}

// State exposes the location's state store.
func (l *Location) State() StateStore { return l.state }

// CheckAccess verifies that the destination folder exists and is writable
// and that the backup folder can be written.
func (l *Location) CheckAccess() error {
	if err := fs.CheckWritable(l.Destination); err != nil {
		return &LocationError{Location: l.Title, Path: l.Destination, Err: err}
	}
	if err := os.MkdirAll(l.Backup, 0755); err != nil {
		return &LocationError{Location: l.Title, Path: l.Backup, Err: err}
	}
	if err := fs.CheckWritable(l.Backup); err != nil {
		return &LocationError{Location: l.Title, Path: l.Backup, Err: err}
	}
	return nil
}

// ValidateBackupExclusive fails when l's backup folder equals or nests
// with the backup folder of any other location.
func (l *Location) ValidateBackupExclusive(others []*Location) error {
	for _, o := range others {
		if o == l || o.UUID == l.UUID {
			continue
		}
		if fs.IsWithin(o.Backup, l.Backup) || fs.IsWithin(l.Backup, o.Backup) {
			return &LocationError{
				Location: l.Title,
				Path:     l.Backup,
				Err:      fmt.Errorf("backup folder shared with location %s", o.Title),
			}
		}
	}
	return nil
}

// ListApplied returns the applied packages in install order.
func (l *Location) ListApplied() ([]modpack.Identity, error) {
	if err := l.attached(); err != nil {
		return nil, err
	}
	recs, err := l.state.ListRecords()
	if err != nil {
		return nil, fmt.Errorf("listing applied packages: %w", err)
	}
	ids := make([]modpack.Identity, len(recs))
	for i, r := range recs {
		ids[i] = r.Package
	}
	return ids, nil
}

// IsApplied reports whether a package with hash is applied.
func (l *Location) IsApplied(hash uint64) (bool, error) {
	if err := l.attached(); err != nil {
		return false, err
	}
	rec, err := l.state.FindRecord(hash)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// HasBackupData reports whether any backup record or stored blob exists.
func (l *Location) HasBackupData() (bool, error) {
	if err := l.attached(); err != nil {
		return false, err
	}
	recs, err := l.state.ListRecords()
	if err != nil {
		return false, fmt.Errorf("listing backup records: %w", err)
	}
	if len(recs) > 0 {
		return true, nil
	}
	blobs, err := l.blobs.List()
	if err != nil {
		return false, fmt.Errorf("listing backup blobs: %w", err)
	}
	return len(blobs) > 0, nil
}

// ScanLibrary parses every package container and folder in the library.
// Entries that cannot be parsed are logged and skipped.
func (l *Location) ScanLibrary() ([]*modpack.Package, error) {
	entries, err := os.ReadDir(l.Library)
	if err != nil {
		return nil, &LocationError{Location: l.Title, Path: l.Library, Err: err}
	}

	var pkgs []*modpack.Package
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if !e.IsDir() && !strings.EqualFold(filepath.Ext(e.Name()), modpack.Extension) {
			continue
		}
		p, err := modpack.ParseSource(filepath.Join(l.Library, e.Name()))
		if err != nil {
			l.log().Warn("skipping library entry", "location", l.Title, "entry", e.Name(), "error", err)
			continue
		}
		pkgs = append(pkgs, p)
	}
	return pkgs, nil
}

// FindInLibrary resolves id against the library by hash, falling back to a
// case-insensitive identity match.
func (l *Location) FindInLibrary(id modpack.Identity) (*modpack.Package, error) {
	pkgs, err := l.ScanLibrary()
	if err != nil {
		return nil, err
	}
	return findPackage(pkgs, id)
}

func findPackage(pkgs []*modpack.Package, id modpack.Identity) (*modpack.Package, error) {
	ids := make([]modpack.Identity, len(pkgs))
	for i, p := range pkgs {
		ids[i] = p.Identity()
	}
	match, ok := modpack.MatchIdentity(ids, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPackageNotFound, id)
	}
	for _, p := range pkgs {
		if p.Hash() == match.Hash {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPackageNotFound, id)
}

// Protected returns the patterns of the destination's protect file merged
// with extra.
func (l *Location) Protected(extra []string) (*fs.PatternMatcher, error) {
	lines, err := fs.ReadPatternFile(filepath.Join(l.Destination, fs.ProtectFile))
	if err != nil {
		return nil, err
	}
	return fs.NewPatternMatcher(extra, lines), nil
}

func (l *Location) log() Logger {
	if l.logger == nil {
		return NewNopLogger()
	}
	return l.logger
}
