package modman

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"modman/internal/fs"
	"modman/internal/modpack"
)

// install applies pkg to the location. The backup record is committed before
// the destination is touched; if extraction fails the record is used to put
// everything back.
func (r *run) install(pkg *modpack.Package, index, total int) error {
	loc := r.loc
	name := pkg.Ident()

	if err := r.checkConflicts(pkg); err != nil {
		return err
	}

	rec, err := r.buildRecord(pkg)
	if err != nil {
		return err
	}
	if err := loc.state.CommitInstall(rec); err != nil {
		loc.collectBlobs(rec.BlobIDs())
		return fmt.Errorf("committing backup record: %w", err)
	}

	if err := r.extract(pkg, index, total); err != nil {
		if rerr := loc.uninstall(rec); rerr != nil {
			r.log().Error("rollback incomplete", "location", loc.Title, "package", name, "error", rerr)
			return errors.Join(err, fmt.Errorf("rollback: %w", rerr))
		}
		r.log().Info("rolled back", "location", loc.Title, "package", name)
		return err
	}

	for _, e := range pkg.Entries() {
		if !e.IsDir() {
			r.written[e.Path] = name
		}
	}
	return nil
}

// checkConflicts reports paths pkg shares with packages written earlier in
// this task and existing files it would overwrite at protected paths.
func (r *run) checkConflicts(pkg *modpack.Package) error {
	name := pkg.Ident()
	var blocked []string
	for _, e := range pkg.Entries() {
		if e.IsDir() {
			continue
		}
		if first, ok := r.written[e.Path]; ok {
			r.conflict(Conflict{Path: e.Path, First: first, Second: name})
		}
		if r.protected.Empty() || !r.protected.Match(e.Path) {
			continue
		}
		dest, err := fs.SafeJoin(r.loc.Destination, e.Path)
		if err != nil {
			return err
		}
		if fi, err := os.Lstat(dest); err == nil && !fi.IsDir() {
			r.conflict(Conflict{Path: e.Path, Second: name, Protected: true})
			blocked = append(blocked, e.Path)
		}
	}
	if len(blocked) > 0 && r.engine.opts.BlockProtected {
		return fmt.Errorf("%w: %s", ErrProtected, blocked[0])
	}
	return nil
}

// buildRecord captures the current state of every path pkg will write and
// stores the bytes of files it will overwrite.
func (r *run) buildRecord(pkg *modpack.Package) (rec *BackupRecord, err error) {
	loc := r.loc
	rec = &BackupRecord{
		ID:          r.engine.ids.New(),
		Package:     pkg.Identity(),
		InstalledAt: r.engine.clock.Now(),
	}
	defer func() {
		if err != nil {
			loc.collectBlobs(rec.BlobIDs())
		}
	}()

	seen := make(map[string]bool)
	addDir := func(p string, explicit bool) error {
		if seen[p] {
			return nil
		}
		seen[p] = true
		dest, err := fs.SafeJoin(loc.Destination, p)
		if err != nil {
			return err
		}
		fi, err := os.Lstat(dest)
		switch {
		case os.IsNotExist(err):
			rec.Entries = append(rec.Entries, BackupEntry{Path: p, IsDir: true})
		case err != nil:
			return err
		case !fi.IsDir():
			return fmt.Errorf("%s exists and is not a directory", p)
		case explicit:
			rec.Entries = append(rec.Entries, BackupEntry{Path: p, IsDir: true, Existed: true, Mode: uint32(fi.Mode().Perm())})
		}
		return nil
	}

	var files []*modpack.Entry
	for _, e := range pkg.Entries() {
		for _, d := range parentDirs(e.Path) {
			if err := addDir(d, false); err != nil {
				return nil, err
			}
		}
		if e.IsDir() {
			if err := addDir(e.Path, true); err != nil {
				return nil, err
			}
			continue
		}
		files = append(files, e)
	}

	for _, e := range files {
		be, err := r.backupFile(e.Path)
		if err != nil {
			return nil, fmt.Errorf("backing up %s: %w", e.Path, err)
		}
		rec.Entries = append(rec.Entries, be)
	}
	return rec, nil
}

func (r *run) backupFile(p string) (BackupEntry, error) {
	be := BackupEntry{Path: p}
	dest, err := fs.SafeJoin(r.loc.Destination, p)
	if err != nil {
		return be, err
	}
	fi, err := os.Lstat(dest)
	if os.IsNotExist(err) {
		return be, nil
	}
	if err != nil {
		return be, err
	}
	if fi.IsDir() {
		return be, errors.New("a directory is in the way")
	}

	f, err := os.Open(dest)
	if err != nil {
		return be, err
	}
	defer f.Close()
	id, err := r.loc.blobs.Put(f)
	if err != nil {
		return be, err
	}
	be.Existed = true
	be.BlobID = id
	be.Mode = uint32(fi.Mode().Perm())
	return be, nil
}

// extract writes the package content. Directories are created first, then
// files are extracted by up to Workers goroutines.
func (r *run) extract(pkg *modpack.Package, index, total int) error {
	name := pkg.Ident()
	var files []*modpack.Entry
	for _, e := range pkg.Entries() {
		if !e.IsDir() {
			files = append(files, e)
			continue
		}
		dest, err := fs.SafeJoin(r.loc.Destination, e.Path)
		if err != nil {
			return err
		}
		if err := pkg.ExtractEntry(e, dest); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(context.Background())
	g.SetLimit(r.engine.opts.Workers)
	for _, e := range files {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			dest, err := fs.SafeJoin(r.loc.Destination, e.Path)
			if err != nil {
				return err
			}
			r.emit(Event{Phase: PhaseInstalling, Index: index, Total: total, Package: name, File: e.Path})
			return pkg.ExtractEntry(e, dest)
		})
	}
	return g.Wait()
}
