// Package backupstore keeps the original bytes of files a package
// overwrote, addressed by their SHA-256.
package backupstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"modman/internal/modman"
)

const zstdSuffix = ".zst"

// FileSystemStore stores blobs as files in a two level directory tree:
//
//	<root>/
//	  <id[:2]>/
//	    <id>        (raw content)
//	    <id>.zst    (zstd compressed content)
//
// Blobs written with compression enabled get the .zst suffix; Get reads
// either form, so the setting can change between runs.
type FileSystemStore struct {
	root     string
	compress bool
	level    zstd.EncoderLevel
}

// NewFileSystemStore creates a store rooted at root. compress is a zstd
// level name ("fastest", "default", "better", "best"); empty disables
// compression.
func NewFileSystemStore(root, compress string) (*FileSystemStore, error) {
	s := &FileSystemStore{root: root}
	if compress != "" {
		ok, level := zstd.EncoderLevelFromString(compress)
		if !ok {
			return nil, fmt.Errorf("unknown compression level: %s", compress)
		}
		s.compress = true
		s.level = level
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return s, nil
}

func (s *FileSystemStore) blobPath(id string) string {
	return filepath.Join(s.root, id[:2], id)
}

func validID(id string) bool {
	if len(id) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}

// Put stores the content of r. Storing content that is already present
// leaves the existing blob in place.
func (s *FileSystemStore) Put(r io.Reader) (string, error) {
	tmpFile, err := os.CreateTemp(s.root, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	h := sha256.New()
	var w io.Writer = tmpFile
	var enc *zstd.Encoder
	if s.compress {
		enc, err = zstd.NewWriter(tmpFile, zstd.WithEncoderLevel(s.level), zstd.WithEncoderConcurrency(1))
		if err != nil {
			tmpFile.Close()
			return "", fmt.Errorf("failed to create encoder: %w", err)
		}
		w = enc
	}

	if _, err := io.Copy(io.MultiWriter(w, h), r); err != nil {
		tmpFile.Close()
		return "", fmt.Errorf("failed to write data: %w", err)
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			tmpFile.Close()
			return "", fmt.Errorf("failed to finish compression: %w", err)
		}
	}
	if err := tmpFile.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	id := hex.EncodeToString(h.Sum(nil))
	if s.exists(id) {
		return id, nil
	}

	dest := s.blobPath(id)
	if s.compress {
		dest += zstdSuffix
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return id, nil
}

func (s *FileSystemStore) exists(id string) bool {
	p := s.blobPath(id)
	for _, c := range []string{p, p + zstdSuffix} {
		if _, err := os.Stat(c); err == nil {
			return true
		}
	}
	return false
}

// Get writes the content stored under id to w.
func (s *FileSystemStore) Get(id string, w io.Writer) error {
	if !validID(id) {
		return fmt.Errorf("invalid blob id: %q", id)
	}
	p := s.blobPath(id)

	f, err := os.Open(p + zstdSuffix)
	if err == nil {
		defer f.Close()
		dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return fmt.Errorf("failed to create decoder: %w", err)
		}
		defer dec.Close()
		if _, err := io.Copy(w, dec); err != nil {
			return fmt.Errorf("failed to read blob: %w", err)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("failed to open blob: %w", err)
	}

	f, err = os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("blob not found: %s", id)
		}
		return fmt.Errorf("failed to open blob: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read blob: %w", err)
	}
	return nil
}

// Remove deletes the blob in either form.
func (s *FileSystemStore) Remove(id string) error {
	if !validID(id) {
		return fmt.Errorf("invalid blob id: %q", id)
	}
	p := s.blobPath(id)
	for _, c := range []string{p, p + zstdSuffix} {
		if err := os.Remove(c); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove blob: %w", err)
		}
	}
	// Drop the fan-out directory once it is empty.
	os.Remove(filepath.Dir(p))
	return nil
}

// List returns the ids of all stored blobs.
func (s *FileSystemStore) List() ([]string, error) {
	var ids []string
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		id := strings.TrimSuffix(d.Name(), zstdSuffix)
		if validID(id) {
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}
	return ids, nil
}

var _ modman.BlobStore = (*FileSystemStore)(nil)
