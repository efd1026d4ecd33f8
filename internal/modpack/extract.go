package modpack

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
)

type sectionReadCloser struct {
	io.Reader
	closers []io.Closer
}

func (s *sectionReadCloser) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Open returns a reader over the decoded bytes of a file entry. The reader
// yields at most e.Size bytes; callers verify the checksum themselves or use
// ExtractEntry.
func (p *Package) Open(e *Entry) (io.ReadCloser, error) {
	if e.IsDir() {
		return nil, fmt.Errorf("entry %s is a directory", e.Path)
	}

	switch {
	case e.data != nil:
		return io.NopCloser(bytes.NewReader(e.data)), nil
	case e.srcPath != "":
		return os.Open(e.srcPath)
	}

	if p.source == "" {
		return nil, fmt.Errorf("entry %s has no data", e.Path)
	}
	f, err := os.Open(p.source)
	if err != nil {
		return nil, err
	}
	section := io.NewSectionReader(f, e.offset, e.CompressedSize)
	dec, err := newDecompressor(section, e.Method)
	if err != nil {
		f.Close()
		return nil, err
	}
	// One extra byte lets the caller notice a stream longer than declared.
	return &sectionReadCloser{
		Reader:  io.LimitReader(dec, e.Size+1),
		closers: []io.Closer{f, dec},
	}, nil
}

// ExtractEntry writes the decoded entry to dest, an absolute path, creating
// missing parent directories. A directory entry creates an empty directory.
// The file is written to a temporary name and renamed once its size and
// checksum have been verified.
func (p *Package) ExtractEntry(e *Entry, dest string) error {
	if e.IsDir() {
		if err := os.MkdirAll(dest, 0755); err != nil {
			return archiveErr("extract", dest, err)
		}
		return nil
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return archiveErr("extract", dest, err)
	}

	src, err := p.Open(e)
	if err != nil {
		return archiveErr("extract", dest, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(dir, ".modman-extract-*")
	if err != nil {
		return archiveErr("extract", dest, err)
	}
	tmpPath := tmp.Name()

	h := xxhash.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), src)
	if err == nil {
		err = tmp.Chmod(0644)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil && (n != e.Size || h.Sum64() != e.Checksum) {
		err = fmt.Errorf("%w: %s", ErrCorrupt, e.Path)
	}
	if err == nil {
		err = os.Rename(tmpPath, dest)
	}
	if err != nil {
		os.Remove(tmpPath)
		return archiveErr("extract", dest, err)
	}
	return nil
}

// ReadEntry returns the verified content of a file entry.
func (p *Package) ReadEntry(e *Entry) ([]byte, error) {
	src, err := p.Open(e)
	if err != nil {
		return nil, archiveErr("read", e.Path, err)
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, archiveErr("read", e.Path, err)
	}
	if int64(len(data)) != e.Size || xxhash.Sum64(data) != e.Checksum {
		return nil, archiveErr("read", e.Path, ErrCorrupt)
	}
	return data, nil
}
