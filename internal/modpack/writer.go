package modpack

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
)

// ProgressFunc is called after each entry is written. Returning false
// aborts the write.
type ProgressFunc func(total, current int) bool

// EntryFunc reports the entry about to be compressed.
type EntryFunc func(path string)

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// SaveAs writes the package to path as a new container, with every file
// entry encoded using method and level. The container is assembled in a
// temporary file next to path and renamed into place only once complete;
// on error or abort the temporary file is removed. A thumbnail that is not
// yet a small square is normalized as SetThumbnail would. After a successful save
// the package is reloaded from path.
func (p *Package) SaveAs(path string, method Method, level Level, progress ProgressFunc, entry EntryFunc) (err error) {
	if !method.Valid() {
		return archiveErr("save", path, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method))
	}
	// Thumbnails assigned directly still need the stored square size.
	if err := p.SetThumbnail(p.Thumbnail); err != nil {
		return archiveErr("save", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".modpack-*.tmp")
	if err != nil {
		return archiveErr("save", path, fmt.Errorf("creating temp file: %w", err))
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	cw := &countingWriter{w: tmp}
	meta := p.encodeMetadata()
	if _, err := cw.Write(encodeHeader(len(meta))); err != nil {
		return archiveErr("save", path, err)
	}
	if _, err := cw.Write(meta); err != nil {
		return archiveErr("save", path, err)
	}

	written := make([]*Entry, len(p.entries))
	for i, e := range p.entries {
		if entry != nil {
			entry(e.Path)
		}
		out, err := p.writeEntry(cw, e, method, level)
		if err != nil {
			return archiveErr("save", path, fmt.Errorf("writing entry %s: %w", e.Path, err))
		}
		written[i] = out
		if progress != nil && !progress(len(p.entries), i+1) {
			return archiveErr("save", path, ErrAborted)
		}
	}

	tableOffset := cw.n
	var table bytes.Buffer
	for _, e := range written {
		encodeEntry(&table, e)
	}
	table.Write(encodeTrailer(tableOffset, len(written)))
	if _, err := cw.Write(table.Bytes()); err != nil {
		return archiveErr("save", path, err)
	}

	if err := tmp.Sync(); err != nil {
		return archiveErr("save", path, err)
	}
	if err := tmp.Close(); err != nil {
		return archiveErr("save", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return archiveErr("save", path, fmt.Errorf("renaming temp file: %w", err))
	}

	np, err := ParseSource(path)
	if err != nil {
		return err
	}
	*p = *np
	return nil
}

// writeEntry encodes one entry at the current position of cw and returns
// its table record.
func (p *Package) writeEntry(cw *countingWriter, e *Entry, method Method, level Level) (*Entry, error) {
	out := &Entry{Path: e.Path, Attr: e.Attr, offset: cw.n}
	if e.IsDir() {
		return out, nil
	}
	out.Method = method

	src, err := p.Open(e)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	start := cw.n
	comp, err := newCompressor(cw, method, level)
	if err != nil {
		return nil, err
	}
	h := xxhash.New()
	n, err := io.Copy(comp, io.TeeReader(src, h))
	if err != nil {
		comp.Close()
		return nil, err
	}
	if err := comp.Close(); err != nil {
		return nil, err
	}

	out.Size = n
	out.Checksum = h.Sum64()
	out.CompressedSize = cw.n - start
	if out.Size != e.Size || out.Checksum != e.Checksum {
		return nil, ErrCorrupt
	}
	return out, nil
}
