package modman

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"modman/internal/fs"
)

// uninstall undoes rec. Paths that a later, still applied package has
// written again are not touched on disk; their backup entry is handed to
// that package instead. The record is deleted only after every entry has
// been restored, and blobs nothing references any more are removed.
func (l *Location) uninstall(rec *BackupRecord) error {
	recs, err := l.state.ListRecords()
	if err != nil {
		return fmt.Errorf("listing backup records: %w", err)
	}
	var later []*BackupRecord
	for _, r := range recs {
		if r.Seq > rec.Seq {
			later = append(later, r)
		}
	}

	var transfers []Transfer
	var restore []BackupEntry
	blobs := rec.BlobIDs()
	for _, e := range rec.Entries {
		if owner := nextOwner(later, e); owner != nil {
			transfers = append(transfers, Transfer{RecordID: owner.ID, Entry: e})
			// The owner's copy of this path is replaced by ours.
			if i, ok := owner.Entry(e.Path); ok && owner.Entries[i].BlobID != "" {
				blobs = append(blobs, owner.Entries[i].BlobID)
			}
			continue
		}
		restore = append(restore, e)
	}

	if err := l.restoreEntries(rec, restore); err != nil {
		return err
	}

	if err := l.state.CommitUninstall(rec.ID, transfers); err != nil {
		return fmt.Errorf("deleting backup record: %w", err)
	}
	l.collectBlobs(blobs)
	return nil
}

// nextOwner returns the earliest later record that wrote e.Path, or, for a
// directory created by the package, anything below it.
func nextOwner(later []*BackupRecord, e BackupEntry) *BackupRecord {
	for _, r := range later {
		for _, le := range r.Entries {
			if le.Path == e.Path {
				return r
			}
			if e.IsDir && !e.Existed && strings.HasPrefix(le.Path, e.Path+"/") {
				return r
			}
		}
	}
	return nil
}

// restoreEntries puts entries back in their pre-install state. Files are
// handled last-written-first, then directories deepest first.
func (l *Location) restoreEntries(rec *BackupRecord, entries []BackupEntry) error {
	var files, dirs []BackupEntry
	for _, e := range entries {
		if e.IsDir {
			dirs = append(dirs, e)
		} else {
			files = append(files, e)
		}
	}
	sort.SliceStable(dirs, func(i, j int) bool {
		return strings.Count(dirs[i].Path, "/") > strings.Count(dirs[j].Path, "/")
	})

	var errs []error
	for i := len(files) - 1; i >= 0; i-- {
		if err := l.restoreFile(files[i]); err != nil {
			errs = append(errs, fmt.Errorf("restoring %s: %w", files[i].Path, err))
		}
	}
	for _, d := range dirs {
		if err := l.restoreDir(rec, d); err != nil {
			errs = append(errs, fmt.Errorf("restoring %s: %w", d.Path, err))
		}
	}
	return errors.Join(errs...)
}

func (l *Location) restoreFile(e BackupEntry) error {
	dest, err := fs.SafeJoin(l.Destination, e.Path)
	if err != nil {
		return err
	}
	if !e.Existed {
		if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	var buf bytes.Buffer
	if err := l.blobs.Get(e.BlobID, &buf); err != nil {
		return fmt.Errorf("reading backup blob: %w", err)
	}
	mode := os.FileMode(e.Mode).Perm()
	if mode == 0 {
		mode = 0644
	}
	return fs.WriteFileAtomic(dest, &buf, mode)
}

func (l *Location) restoreDir(rec *BackupRecord, e BackupEntry) error {
	dest, err := fs.SafeJoin(l.Destination, e.Path)
	if err != nil {
		return err
	}
	if e.Existed {
		return os.MkdirAll(dest, 0755)
	}
	gone, err := fs.RemoveIfEmpty(dest)
	if err != nil {
		return err
	}
	if !gone {
		l.log().Warn("directory not empty, leaving it in place",
			"location", l.Title, "package", rec.Package.Name, "path", e.Path)
	}
	return nil
}

// collectBlobs removes blobs that no record references any more.
func (l *Location) collectBlobs(ids []string) {
	for _, id := range ids {
		used, err := l.state.BlobReferenced(id)
		if err != nil {
			l.log().Warn("checking blob reference", "location", l.Title, "blob", id, "error", err)
			continue
		}
		if used {
			continue
		}
		if err := l.blobs.Remove(id); err != nil {
			l.log().Warn("removing backup blob", "location", l.Title, "blob", id, "error", err)
		}
	}
}

// PurgeProgressFunc is called before each package is restored. Returning
// false stops the purge; packages not yet restored stay applied.
type PurgeProgressFunc func(total, done int, rec *BackupRecord) bool

// ErrPurgeAborted is returned by PurgeBackups when progress asked to stop.
var ErrPurgeAborted = errors.New("purge aborted")

// PurgeBackups restores every backup record, last installed first, leaving
// the destination as it was before any package was applied. It stops
// between packages when ctx is cancelled or progress returns false.
func (l *Location) PurgeBackups(ctx context.Context, progress PurgeProgressFunc) error {
	return l.purge(ctx, progress, nil)
}

// purge is PurgeBackups with a callback receiving the result of each
// restored package.
func (l *Location) purge(ctx context.Context, progress PurgeProgressFunc, report func(*BackupRecord, error)) error {
	if err := l.attached(); err != nil {
		return err
	}
	recs, err := l.state.ListRecords()
	if err != nil {
		return &LocationError{Location: l.Title, Path: l.Backup, Err: err}
	}

	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		done := len(recs) - 1 - i
		if ctx.Err() != nil || (progress != nil && !progress(len(recs), done, rec)) {
			return ErrPurgeAborted
		}
		err := l.uninstall(rec)
		if report != nil {
			report(rec, err)
		}
		if err != nil {
			return &LocationError{Location: l.Title, Path: l.Destination,
				Err: fmt.Errorf("restoring %s: %w", rec.Package.Name, err)}
		}
		l.log().Info("package backup restored", "location", l.Title, "package", rec.Package.Name)
	}

	if err := l.state.SetMeta(MetaCurrentBatch, ""); err != nil {
		return &LocationError{Location: l.Title, Path: l.Backup, Err: err}
	}
	l.sweepBlobs()
	return nil
}

// sweepBlobs removes blobs left over from installs that never committed.
func (l *Location) sweepBlobs() {
	ids, err := l.blobs.List()
	if err != nil {
		l.log().Warn("listing backup blobs", "location", l.Title, "error", err)
		return
	}
	l.collectBlobs(ids)
}

// parentDirs returns the slash separated parents of p, outermost first.
func parentDirs(p string) []string {
	var dirs []string
	for d := path.Dir(p); d != "." && d != "/"; d = path.Dir(d) {
		dirs = append(dirs, d)
	}
	for i, j := 0, len(dirs)-1; i < j; i, j = i+1, j-1 {
		dirs[i], dirs[j] = dirs[j], dirs[i]
	}
	return dirs
}
