// Package modpack reads and writes mod package containers and derives the
// content identity of a package.
package modpack

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"

	"modman/internal/thumbnail"
)

// Extension is the file extension of package containers.
const Extension = ".modpack"

// ThumbnailSize is the edge length of embedded thumbnails.
const ThumbnailSize = 128

// DefaultCategory is reported for packages without a category.
const DefaultCategory = "Generic"

// Attr holds entry attribute flags.
type Attr uint8

const AttrDir Attr = 1 << 0

// Entry is one payload item of a package.
type Entry struct {
	Path           string // slash separated, relative
	Attr           Attr
	Size           int64
	CompressedSize int64
	Checksum       uint64
	Method         Method

	offset  int64
	srcPath string
	data    []byte
}

func (e *Entry) IsDir() bool { return e.Attr&AttrDir != 0 }

// Package is a parsed or in-construction package container.
type Package struct {
	Category    string
	Description string
	Thumbnail   *thumbnail.Image
	Depends     []string

	source  string
	isDir   bool
	ident   string
	hash    uint64
	hashed  bool
	entries []*Entry
	method  Method
	index   map[string]int
}

// New returns an empty package for authoring. ident is the human identity
// string, usually the intended file name without extension.
func New(ident string) *Package {
	return &Package{ident: ident, index: make(map[string]int)}
}

// Source is the container file or folder the package was parsed from.
func (p *Package) Source() string { return p.source }

// IsFolder reports whether the package is backed by a plain directory.
func (p *Package) IsFolder() bool { return p.isDir }

// Method is the compression method of the first file entry.
func (p *Package) Method() Method { return p.method }

func (p *Package) Entries() []*Entry { return p.entries }

// Ident is the human identity string of the package.
func (p *Package) Ident() string { return p.ident }

// DisplayName returns the name part of the identity with underscores
// replaced by spaces.
func (p *Package) DisplayName() string {
	name, _, _ := ParseIdentity(p.ident, true)
	return name
}

// Version returns the version part of the identity, if any.
func (p *Package) Version() string {
	_, v, _ := ParseIdentity(p.ident, false)
	return v
}

// CategoryOrDefault returns Category, or DefaultCategory when it is empty.
func (p *Package) CategoryOrDefault() string {
	if p.Category == "" {
		return DefaultCategory
	}
	return p.Category
}

// Hash returns the content hash. It is computed over the canonical entry
// table, so it does not depend on the file name, compression or metadata.
func (p *Package) Hash() uint64 {
	if !p.hashed {
		p.hash = contentHash(p.entries)
		p.hashed = true
	}
	return p.hash
}

func (p *Package) Identity() Identity {
	return Identity{Hash: p.Hash(), Name: p.ident}
}

// Entry returns the entry stored at archivePath.
func (p *Package) Entry(archivePath string) (*Entry, bool) {
	i, ok := p.index[archivePath]
	if !ok {
		return nil, false
	}
	return p.entries[i], true
}

// AddData adds a file entry holding data.
func (p *Package) AddData(archivePath string, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	return p.add(&Entry{
		Path:     archivePath,
		Size:     int64(len(buf)),
		Checksum: xxhash.Sum64(buf),
		data:     buf,
	})
}

// AddFile adds a file entry whose content is read from srcPath when the
// package is saved.
func (p *Package) AddFile(archivePath, srcPath string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer f.Close()

	h := xxhash.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return fmt.Errorf("hashing source file: %w", err)
	}

	return p.add(&Entry{
		Path:     archivePath,
		Size:     n,
		Checksum: h.Sum64(),
		srcPath:  srcPath,
	})
}

// AddDir adds an empty directory entry.
func (p *Package) AddDir(archivePath string) error {
	return p.add(&Entry{Path: archivePath, Attr: AttrDir})
}

// AddTree adds every file and directory below root, in lexical walk order.
func (p *Package) AddTree(root string) error {
	return filepath.WalkDir(root, func(fullPath string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if fullPath == root {
			return nil
		}
		rel, err := filepath.Rel(root, fullPath)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			return p.AddDir(rel)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return p.AddFile(rel, fullPath)
	})
}

func (p *Package) add(e *Entry) error {
	clean, err := CleanPath(e.Path)
	if err != nil {
		return err
	}
	e.Path = clean
	if p.index == nil {
		p.index = make(map[string]int)
	}
	if _, dup := p.index[clean]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, clean)
	}
	p.index[clean] = len(p.entries)
	p.entries = append(p.entries, e)
	p.hashed = false
	return nil
}

// SetThumbnail stores img as the package thumbnail, squaring and scaling it
// to ThumbnailSize unless it already is a square of at most that size.
func (p *Package) SetThumbnail(img *thumbnail.Image) error {
	if img == nil {
		p.Thumbnail = nil
		return nil
	}
	if err := img.Validate(); err != nil {
		return fmt.Errorf("invalid thumbnail: %w", err)
	}
	if img.Width == img.Height && img.Width <= ThumbnailSize {
		cp := *img
		cp.Pix = append([]byte(nil), img.Pix...)
		p.Thumbnail = &cp
		return nil
	}
	sq, err := thumbnail.Square(img, ThumbnailSize)
	if err != nil {
		return fmt.Errorf("scaling thumbnail: %w", err)
	}
	p.Thumbnail = sq
	return nil
}

// CleanPath normalizes an archive path to a relative slash separated form
// and rejects paths that would escape the extraction root.
func CleanPath(p string) (string, error) {
	s := strings.ReplaceAll(p, "\\", "/")
	if s == "" || strings.HasPrefix(s, "/") || filepath.VolumeName(p) != "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	s = path.Clean(s)
	if s == "." || s == ".." || strings.HasPrefix(s, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return s, nil
}

func contentHash(entries []*Entry) uint64 {
	h := xxhash.New()
	var buf [8]byte
	for _, e := range entries {
		binary.LittleEndian.PutUint16(buf[:2], uint16(len(e.Path)))
		h.Write(buf[:2])
		h.WriteString(e.Path)
		h.Write([]byte{byte(e.Attr)})
		binary.LittleEndian.PutUint64(buf[:], uint64(e.Size))
		h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], e.Checksum)
		h.Write(buf[:])
	}
	return h.Sum64()
}

// identFromPath derives the identity string from a container file name
// (extension stripped) or a folder name.
func identFromPath(p string, isDir bool) string {
	base := filepath.Base(p)
	if isDir {
		return base
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}
