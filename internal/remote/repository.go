package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"modman/internal/modman"
	"modman/internal/modpack"
)

// ErrHashMismatch is returned when a downloaded package does not have the
// hash its index announced.
var ErrHashMismatch = errors.New("downloaded package hash mismatch")

// IndexEntry describes one package offered by a repository.
type IndexEntry struct {
	Ident       string   `toml:"ident"`
	File        string   `toml:"file"`
	Hash        string   `toml:"hash"`
	Size        int64    `toml:"size"`
	Category    string   `toml:"category,omitempty"`
	Description string   `toml:"description,omitempty"`
	Depends     []string `toml:"depends,omitempty"`
}

// Identity returns the package identity the entry announces.
func (e IndexEntry) Identity() (modpack.Identity, error) {
	h, err := modpack.ParseHash(e.Hash)
	if err != nil {
		return modpack.Identity{}, fmt.Errorf("package %s: %w", e.Ident, err)
	}
	return modpack.Identity{Hash: h, Name: e.Ident}, nil
}

// Index is the definition a repository url points to.
type Index struct {
	Title    string       `toml:"title"`
	Packages []IndexEntry `toml:"packages"`
}

// Client reads repository indexes and downloads packages into a library.
type Client struct {
	fetchers map[string]Fetcher
	logger   modman.Logger
}

// NewClient creates a client. fetchers maps url schemes to fetchers.
func NewClient(logger modman.Logger, fetchers map[string]Fetcher) *Client {
	if logger == nil {
		logger = modman.NewNopLogger()
	}
	return &Client{fetchers: fetchers, logger: logger}
}

func (c *Client) fetcher(u *url.URL) (Fetcher, error) {
	f, ok := c.fetchers[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return f, nil
}

// Check fetches and parses the repository index.
func (c *Client) Check(ctx context.Context, repo modman.Repository) (*Index, error) {
	u, err := url.Parse(repo.URL)
	if err != nil {
		return nil, fmt.Errorf("repository %s: %w", repo.Name, err)
	}
	f, err := c.fetcher(u)
	if err != nil {
		return nil, fmt.Errorf("repository %s: %w", repo.Name, err)
	}

	var buf bytes.Buffer
	if err := f.Fetch(ctx, u, &buf); err != nil {
		return nil, fmt.Errorf("repository %s: %w", repo.Name, err)
	}
	var idx Index
	if _, err := toml.Decode(buf.String(), &idx); err != nil {
		return nil, fmt.Errorf("repository %s: invalid index: %w", repo.Name, err)
	}
	for _, e := range idx.Packages {
		if e.File == "" || path.IsAbs(e.File) || strings.Contains(e.File, "..") {
			return nil, fmt.Errorf("repository %s: invalid file for %s: %q", repo.Name, e.Ident, e.File)
		}
		if _, err := e.Identity(); err != nil {
			return nil, fmt.Errorf("repository %s: %w", repo.Name, err)
		}
	}
	c.logger.Info("repository checked", "repository", repo.Name, "packages", len(idx.Packages))
	return &idx, nil
}

// Missing returns the index entries whose hash is not in the library.
func Missing(idx *Index, library []*modpack.Package) []IndexEntry {
	have := make(map[uint64]bool, len(library))
	for _, p := range library {
		have[p.Hash()] = true
	}
	var out []IndexEntry
	for _, e := range idx.Packages {
		id, err := e.Identity()
		if err != nil || !have[id.Hash] {
			out = append(out, e)
		}
	}
	return out
}

// Download fetches entry into libraryDir. The file is written under a
// hidden temporary name, parsed, and only renamed into place once its
// identity hash matches the index.
func (c *Client) Download(ctx context.Context, repo modman.Repository, entry IndexEntry, libraryDir string) (*modpack.Package, error) {
	want, err := entry.Identity()
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(repo.URL)
	if err != nil {
		return nil, fmt.Errorf("repository %s: %w", repo.Name, err)
	}
	ref, err := url.Parse(entry.File)
	if err != nil {
		return nil, fmt.Errorf("package %s: %w", entry.Ident, err)
	}
	u := base.ResolveReference(ref)
	f, err := c.fetcher(u)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(libraryDir, ".download-*"+modpack.Extension)
	if err != nil {
		return nil, fmt.Errorf("creating download file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	err = f.Fetch(ctx, u, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", entry.Ident, err)
	}

	pkg, err := modpack.ParseSource(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", entry.Ident, err)
	}
	if pkg.Hash() != want.Hash {
		return nil, fmt.Errorf("%w: %s is %s, index says %s", ErrHashMismatch,
			entry.Ident, modpack.FormatHash(pkg.Hash()), entry.Hash)
	}

	dest := filepath.Join(libraryDir, path.Base(entry.File))
	if err := os.Rename(tmpPath, dest); err != nil {
		return nil, fmt.Errorf("moving download into library: %w", err)
	}
	success = true
	c.logger.Info("package downloaded", "repository", repo.Name, "package", entry.Ident, "path", dest)

	return modpack.ParseSource(dest)
}
