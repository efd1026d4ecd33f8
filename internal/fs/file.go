// Package fs holds the file system helpers shared by the location store
// and the reconciliation engine.
package fs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// IsWithin reports whether target resolves to root or a path below it.
func IsWithin(root, target string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return false
	}
	absRoot = filepath.Clean(absRoot)
	absTarget = filepath.Clean(absTarget)

	return absTarget == absRoot ||
		strings.HasPrefix(absTarget, absRoot+string(filepath.Separator))
}

// SafeJoin joins a slash separated relative path onto root, rejecting
// results that would land outside root.
func SafeJoin(root, rel string) (string, error) {
	full := filepath.Join(root, filepath.FromSlash(rel))
	if filepath.IsAbs(filepath.FromSlash(rel)) || !IsWithin(root, full) || filepath.Clean(full) == filepath.Clean(root) {
		return "", fmt.Errorf("path %q escapes %s", rel, root)
	}
	return full, nil
}

// WriteFileAtomic writes r to path through a temporary file in the same
// directory and renames it into place.
func WriteFileAtomic(path string, r io.Reader, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".modman-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Chmod(mode.Perm()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("setting file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// RemoveIfEmpty removes dir when it exists and has no entries.
// It reports whether the directory is gone afterwards.
func RemoveIfEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	if len(entries) > 0 {
		return false, nil
	}
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	return true, nil
}

// CheckWritable verifies that dir exists, is a directory, and accepts new
// files.
func CheckWritable(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	f, err := os.CreateTemp(dir, ".modman-probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
