package backupstore

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewFileSystemStore(t *testing.T) {
	t.Run("creates root directory", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "blobs")
		if _, err := NewFileSystemStore(root, ""); err != nil {
			t.Fatalf("NewFileSystemStore() error = %v", err)
		}
		if _, err := os.Stat(root); err != nil {
			t.Errorf("root directory not created: %v", err)
		}
	})

	t.Run("rejects unknown compression level", func(t *testing.T) {
		if _, err := NewFileSystemStore(t.TempDir(), "extreme"); err == nil {
			t.Fatal("NewFileSystemStore() expected error for unknown level")
		}
	})
}

func TestFileSystemStore_PutGet(t *testing.T) {
	tests := []struct {
		name     string
		compress string
		data     string
	}{
		{"raw", "", "hello world"},
		{"zstd default", "default", strings.Repeat("compressible ", 100)},
		{"zstd best", "best", "short"},
		{"empty content", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewFileSystemStore(t.TempDir(), tt.compress)
			if err != nil {
				t.Fatalf("NewFileSystemStore() error = %v", err)
			}

			id, err := s.Put(strings.NewReader(tt.data))
			if err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			if !validID(id) {
				t.Fatalf("Put() id = %q, want sha256 hex", id)
			}

			var buf bytes.Buffer
			if err := s.Get(id, &buf); err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if buf.String() != tt.data {
				t.Errorf("Get() = %q, want %q", buf.String(), tt.data)
			}

			_, statErr := os.Stat(s.blobPath(id) + zstdSuffix)
			if compressed := statErr == nil; compressed != (tt.compress != "") {
				t.Errorf("compressed file present = %v, want %v", compressed, tt.compress != "")
			}
		})
	}
}

func TestFileSystemStore_PutIdempotent(t *testing.T) {
	s, err := NewFileSystemStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewFileSystemStore() error = %v", err)
	}

	id1, err := s.Put(strings.NewReader("same"))
	if err != nil {
		t.Fatalf("first Put() error = %v", err)
	}
	id2, err := s.Put(strings.NewReader("same"))
	if err != nil {
		t.Fatalf("second Put() error = %v", err)
	}
	if id1 != id2 {
		t.Errorf("ids differ: %q and %q", id1, id2)
	}

	ids, err := s.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("len(List()) = %d, want 1 (temp files must not remain)", len(ids))
	}
}

func TestFileSystemStore_CompressionChange(t *testing.T) {
	root := t.TempDir()
	raw, _ := NewFileSystemStore(root, "")
	id, err := raw.Put(strings.NewReader("written raw"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	compressed, _ := NewFileSystemStore(root, "fastest")
	var buf bytes.Buffer
	if err := compressed.Get(id, &buf); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if buf.String() != "written raw" {
		t.Errorf("Get() = %q, want %q", buf.String(), "written raw")
	}
}

func TestFileSystemStore_Remove(t *testing.T) {
	s, _ := NewFileSystemStore(t.TempDir(), "default")

	id, err := s.Put(strings.NewReader("bye"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Remove(id); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := s.Get(id, &bytes.Buffer{}); err == nil {
		t.Error("Get() after Remove() expected error")
	}
	if err := s.Remove(id); err != nil {
		t.Errorf("second Remove() error = %v, want nil", err)
	}

	ids, _ := s.List()
	if len(ids) != 0 {
		t.Errorf("List() = %v, want empty", ids)
	}
}

func TestFileSystemStore_InvalidID(t *testing.T) {
	s, _ := NewFileSystemStore(t.TempDir(), "")

	for _, id := range []string{"", "abc", "../../../../etc/passwd", strings.Repeat("z", 64)} {
		if err := s.Get(id, &bytes.Buffer{}); err == nil {
			t.Errorf("Get(%q) expected error", id)
		}
		if err := s.Remove(id); err == nil {
			t.Errorf("Remove(%q) expected error", id)
		}
	}
}
