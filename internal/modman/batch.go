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

// BatchExt is the suffix of batch definition files.
const BatchExt = ".batch.toml"

type batchInstall struct {
	Hash  string `toml:"hash"`
	Ident string `toml:"ident"`
}

type batchLocation struct {
	UUID    string         `toml:"uuid"`
	Install []batchInstall `toml:"install"`
}

type batchFile struct {
	UUID      string          `toml:"uuid"`
	Title     string          `toml:"title"`
	Index     int             `toml:"index"`
	Locations []batchLocation `toml:"locations"`
}

// Batch is a named target state: for each known location, the ordered list
// of packages that should be applied when the batch is activated. Every
// mutating method writes the definition file before returning.
type Batch struct {
	uuid      string
	title     string
	index     int
	locations []batchTarget
	path      string
}

type batchTarget struct {
	uuid    string
	install []modpack.Identity
}

// NewBatch creates a batch definition file in dir.
func NewBatch(dir, title string, index int, ids IDGenerator) (*Batch, error) {
	if err := checkTitle(title); err != nil {
		return nil, &BatchError{Op: "create", Path: dir, Kind: ErrMalformedDefinition, Err: err}
	}
	b := &Batch{
		uuid:  ids.New(),
		title: title,
		index: index,
		path:  filepath.Join(dir, title+BatchExt),
	}
	if _, err := os.Stat(b.path); err == nil {
		return nil, &BatchError{Op: "create", Path: b.path, Kind: ErrIO, Err: os.ErrExist}
	}
	if err := b.save(); err != nil {
		return nil, err
	}
	return b, nil
}

// LoadBatch parses a batch definition file.
func LoadBatch(path string) (*Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &BatchError{Op: "parse", Path: path, Kind: ErrIO, Err: err}
	}
	var f batchFile
	if _, err := toml.Decode(string(data), &f); err != nil {
		return nil, &BatchError{Op: "parse", Path: path, Kind: ErrMalformedDefinition, Err: err}
	}
	if f.UUID == "" || f.Title == "" {
		return nil, &BatchError{Op: "parse", Path: path, Kind: ErrMalformedDefinition,
			Err: errors.New("uuid and title are required")}
	}

	b := &Batch{uuid: f.UUID, title: f.Title, index: f.Index, path: path}
	for _, fl := range f.Locations {
		if fl.UUID == "" {
			return nil, &BatchError{Op: "parse", Path: path, Kind: ErrMalformedDefinition,
				Err: errors.New("location without uuid")}
		}
		t := batchTarget{uuid: fl.UUID}
		for _, in := range fl.Install {
			h, err := modpack.ParseHash(in.Hash)
			if err != nil {
				return nil, &BatchError{Op: "parse", Path: path, Kind: ErrMalformedDefinition, Err: err}
			}
			t.install = appendUnique(t.install, modpack.Identity{Hash: h, Name: in.Ident})
		}
		b.locations = append(b.locations, t)
	}
	return b, nil
}

// LoadBatches reads every batch definition in dir, sorted by index then
// title. Malformed files are logged and skipped.
func LoadBatches(dir string, logger Logger) ([]*Batch, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+BatchExt))
	if err != nil {
		return nil, fmt.Errorf("listing batches: %w", err)
	}
	var batches []*Batch
	for _, m := range matches {
		b, err := LoadBatch(m)
		if err != nil {
			logger.Warn("skipping batch definition", "path", m, "error", err)
			continue
		}
		batches = append(batches, b)
	}
	sort.SliceStable(batches, func(i, j int) bool {
		if batches[i].index != batches[j].index {
			return batches[i].index < batches[j].index
		}
		return batches[i].title < batches[j].title
	})
	return batches, nil
}

func (b *Batch) UUID() string  { return b.uuid }
func (b *Batch) Title() string { return b.title }
func (b *Batch) Index() int    { return b.index }
func (b *Batch) Path() string  { return b.path }

// Locations returns the uuids of the locations known to the batch.
func (b *Batch) Locations() []string {
	out := make([]string, len(b.locations))
	for i, t := range b.locations {
		out[i] = t.uuid
	}
	return out
}

func (b *Batch) target(locUUID string) *batchTarget {
	for i := range b.locations {
		if b.locations[i].uuid == locUUID {
			return &b.locations[i]
		}
	}
	return nil
}

func (b *Batch) HasLocation(locUUID string) bool { return b.target(locUUID) != nil }

// Installed returns the target packages for a location, in apply order.
func (b *Batch) Installed(locUUID string) []modpack.Identity {
	t := b.target(locUUID)
	if t == nil {
		return nil
	}
	return append([]modpack.Identity(nil), t.install...)
}

func (b *Batch) HasInstalledHash(locUUID string, hash uint64) bool {
	t := b.target(locUUID)
	if t == nil {
		return false
	}
	for _, id := range t.install {
		if id.Hash == hash {
			return true
		}
	}
	return false
}

// HasInstalledIdentity matches by hash, then by case-insensitive identity.
func (b *Batch) HasInstalledIdentity(locUUID string, id modpack.Identity) bool {
	t := b.target(locUUID)
	if t == nil {
		return false
	}
	_, ok := modpack.MatchIdentity(t.install, id)
	return ok
}

// AddLocation adds an empty target list for a location. Adding a known
// location does nothing.
func (b *Batch) AddLocation(locUUID string) error {
	if b.HasLocation(locUUID) {
		return nil
	}
	b.locations = append(b.locations, batchTarget{uuid: locUUID})
	return b.save()
}

// RemoveLocation drops a location and its target list. Removing an unknown
// location does nothing.
func (b *Batch) RemoveLocation(locUUID string) error {
	for i := range b.locations {
		if b.locations[i].uuid == locUUID {
			b.locations = append(b.locations[:i], b.locations[i+1:]...)
			return b.save()
		}
	}
	return nil
}

// SetInstalled replaces the target list of a location, adding the location
// if needed. Later duplicates of a hash are dropped.
func (b *Batch) SetInstalled(locUUID string, ids []modpack.Identity) error {
	var list []modpack.Identity
	for _, id := range ids {
		list = appendUnique(list, id)
	}
	if t := b.target(locUUID); t != nil {
		t.install = list
	} else {
		b.locations = append(b.locations, batchTarget{uuid: locUUID, install: list})
	}
	return b.save()
}

func (b *Batch) SetIndex(index int) error {
	b.index = index
	return b.save()
}

// Rename changes the title and moves the definition file accordingly. If
// the file cannot be moved the batch is reloaded from its old path.
func (b *Batch) Rename(title string) error {
	if err := checkTitle(title); err != nil {
		return &BatchError{Op: "rename", Path: b.path, Kind: ErrMalformedDefinition, Err: err}
	}
	oldPath := b.path
	newPath := filepath.Join(filepath.Dir(oldPath), title+BatchExt)

	fail := func(err error) error {
		if nb, lerr := LoadBatch(oldPath); lerr == nil {
			*b = *nb
		}
		return &BatchError{Op: "rename", Path: oldPath, Kind: ErrIO, Err: err}
	}

	if newPath != oldPath {
		if _, err := os.Stat(newPath); err == nil {
			return fail(fmt.Errorf("%s: %w", newPath, os.ErrExist))
		}
		if err := os.Rename(oldPath, newPath); err != nil {
			return fail(err)
		}
	}

	b.title = title
	b.path = newPath
	if err := b.save(); err != nil {
		// Put the file back where it was before reloading.
		os.Rename(newPath, oldPath)
		return fail(err)
	}
	return nil
}

func (b *Batch) save() error {
	f := batchFile{UUID: b.uuid, Title: b.title, Index: b.index}
	for _, t := range b.locations {
		fl := batchLocation{UUID: t.uuid}
		for _, id := range t.install {
			fl.Install = append(fl.Install, batchInstall{Hash: id.HashString(), Ident: id.Name})
		}
		f.Locations = append(f.Locations, fl)
	}

	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(f); err != nil {
		return &BatchError{Op: "save", Path: b.path, Kind: ErrIO, Err: err}
	}
	if err := fs.WriteFileAtomic(b.path, strings.NewReader(sb.String()), 0644); err != nil {
		return &BatchError{Op: "save", Path: b.path, Kind: ErrIO, Err: err}
	}
	return nil
}

func appendUnique(list []modpack.Identity, id modpack.Identity) []modpack.Identity {
	for _, have := range list {
		if have.Hash == id.Hash {
			return list
		}
	}
	return append(list, id)
}
