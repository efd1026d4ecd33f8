package modpack

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ParseSource opens a package container, or a plain folder used as a
// package, and reads its entry table and metadata. Entry data is not read
// until it is extracted; the file is closed before ParseSource returns.
func ParseSource(path string) (*Package, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, archiveErr("parse", path, err)
	}
	if info.IsDir() {
		return parseFolder(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, archiveErr("parse", path, err)
	}
	defer f.Close()

	p, err := parseContainer(f, info.Size())
	if err != nil {
		return nil, archiveErr("parse", path, err)
	}
	p.source = path
	p.ident = identFromPath(path, false)
	return p, nil
}

func parseFolder(dir string) (*Package, error) {
	p := New(identFromPath(dir, true))
	if err := p.AddTree(dir); err != nil {
		return nil, archiveErr("parse", dir, err)
	}
	p.source = dir
	p.isDir = true
	return p, nil
}

func parseContainer(r io.ReaderAt, size int64) (*Package, error) {
	header := make([]byte, headerSize)
	n, err := r.ReadAt(header, 0)
	if n < len(headerMagic) || !bytes.Equal(header[:8], headerMagic[:]) {
		return nil, ErrNotAContainer
	}
	if n < headerSize {
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		return nil, ErrTruncated
	}

	if v := binary.LittleEndian.Uint16(header[8:]); v != formatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	metaLen := int64(binary.LittleEndian.Uint32(header[12:]))
	if headerSize+metaLen+trailerSize > size {
		return nil, ErrTruncated
	}

	trailer := make([]byte, trailerSize)
	if _, err := r.ReadAt(trailer, size-trailerSize); err != nil {
		return nil, ErrTruncated
	}
	if !bytes.Equal(trailer[12:], trailerMagic[:]) {
		return nil, ErrTruncated
	}
	tableOffset := int64(binary.LittleEndian.Uint64(trailer))
	count := int(binary.LittleEndian.Uint32(trailer[8:]))
	tableEnd := size - trailerSize
	if tableOffset < headerSize+metaLen || tableOffset > tableEnd {
		return nil, ErrTruncated
	}

	p := New("")

	meta := make([]byte, metaLen)
	if _, err := r.ReadAt(meta, headerSize); err != nil {
		return nil, ErrTruncated
	}
	if err := p.decodeMetadata(meta); err != nil {
		return nil, err
	}

	table := make([]byte, tableEnd-tableOffset)
	if _, err := r.ReadAt(table, tableOffset); err != nil {
		return nil, ErrTruncated
	}
	entries, err := decodeTable(table, count)
	if err != nil {
		return nil, err
	}

	methodSet := false
	for _, e := range entries {
		if !e.Method.Valid() {
			return nil, fmt.Errorf("%w: entry %s declares %s", ErrUnsupportedMethod, e.Path, e.Method)
		}
		if e.offset < headerSize+metaLen || e.offset+e.CompressedSize > tableOffset {
			return nil, ErrTruncated
		}
		if err := p.add(e); err != nil {
			return nil, err
		}
		if !methodSet && !e.IsDir() {
			p.method = e.Method
			methodSet = true
		}
	}
	return p, nil
}
