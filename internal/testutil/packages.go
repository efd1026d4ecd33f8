package testutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"modman/internal/modpack"
)

// Files describes a tree by slash separated relative path. A path ending in
// "/" is an empty directory.
type Files map[string]string

func (f Files) sortedPaths() []string {
	paths := make([]string, 0, len(f))
	for p := range f {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// NewPackage builds an unsaved package from files.
func NewPackage(t *testing.T, ident string, files Files) *modpack.Package {
	t.Helper()

	p := modpack.New(ident)
	for _, path := range files.sortedPaths() {
		var err error
		if strings.HasSuffix(path, "/") {
			err = p.AddDir(strings.TrimSuffix(path, "/"))
		} else {
			err = p.AddData(path, []byte(files[path]))
		}
		if err != nil {
			t.Fatalf("adding %s to %s: %v", path, ident, err)
		}
	}
	return p
}

// WritePackage saves a container named ident+".modpack" in dir and returns
// the authored package.
func WritePackage(t *testing.T, dir, ident string, files Files) *modpack.Package {
	t.Helper()

	p := NewPackage(t, ident, files)
	path := filepath.Join(dir, ident+modpack.Extension)
	if err := p.SaveAs(path, modpack.Zstd, modpack.LevelFast, nil, nil); err != nil {
		t.Fatalf("saving package %s: %v", ident, err)
	}
	return p
}

// WriteTree creates files below root.
func WriteTree(t *testing.T, root string, files Files) {
	t.Helper()

	for _, path := range files.sortedPaths() {
		full := filepath.Join(root, filepath.FromSlash(path))
		if strings.HasSuffix(path, "/") {
			if err := os.MkdirAll(full, 0755); err != nil {
				t.Fatalf("creating %s: %v", path, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatalf("creating parent of %s: %v", path, err)
		}
		if err := os.WriteFile(full, []byte(files[path]), 0644); err != nil {
			t.Fatalf("writing %s: %v", path, err)
		}
	}
}

// ReadTree returns the files and directories below root in the form
// WriteTree accepts. Every directory is listed, empty or not.
func ReadTree(t *testing.T, root string) Files {
	t.Helper()

	out := make(Files)
	err := filepath.WalkDir(root, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if full == root {
			return nil
		}
		rel, err := filepath.Rel(root, full)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			out[rel+"/"] = ""
			return nil
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return err
		}
		out[rel] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("reading tree %s: %v", root, err)
	}
	return out
}

// EqualTrees reports the first difference between two trees, or "".
func EqualTrees(got, want Files) string {
	for _, p := range want.sortedPaths() {
		g, ok := got[p]
		if !ok {
			return "missing " + p
		}
		if g != want[p] {
			return "content of " + p + " is " + g + ", want " + want[p]
		}
	}
	for _, p := range got.sortedPaths() {
		if _, ok := want[p]; !ok {
			return "unexpected " + p
		}
	}
	return ""
}
