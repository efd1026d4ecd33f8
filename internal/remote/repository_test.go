package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"modman/internal/modman"
	"modman/internal/modpack"
	"modman/internal/testutil"
)

// newRepoServer serves files from dir under /repo/.
func newRepoServer(t *testing.T, dir string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.StripPrefix("/repo/", http.FileServer(http.Dir(dir))))
	t.Cleanup(srv.Close)
	return srv
}

func writeIndex(t *testing.T, dir string, entries ...IndexEntry) {
	t.Helper()
	var b strings.Builder
	b.WriteString("title = \"Test repo\"\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "\n[[packages]]\nident = %q\nfile = %q\nhash = %q\nsize = %d\n", e.Ident, e.File, e.Hash, e.Size)
	}
	if err := os.WriteFile(filepath.Join(dir, "index.toml"), []byte(b.String()), 0644); err != nil {
		t.Fatal(err)
	}
}

func newHTTPClient() *Client {
	web := NewHTTPFetcher(5 * time.Second)
	return NewClient(nil, map[string]Fetcher{"http": web, "https": web})
}

func TestClient_Check(t *testing.T) {
	dir := t.TempDir()
	writeIndex(t, dir,
		IndexEntry{Ident: "A", File: "A.modpack", Hash: "00000000000000aa"},
		IndexEntry{Ident: "B", File: "sub/B.modpack", Hash: "00000000000000bb"},
	)
	srv := newRepoServer(t, dir)

	idx, err := newHTTPClient().Check(context.Background(), modman.Repository{Name: "test", URL: srv.URL + "/repo/index.toml"})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if idx.Title != "Test repo" || len(idx.Packages) != 2 {
		t.Errorf("Check() = %+v", idx)
	}
}

func TestClient_CheckErrors(t *testing.T) {
	tests := []struct {
		name  string
		index string
		url   string
	}{
		{name: "missing index", url: "/repo/nothing.toml"},
		{name: "invalid toml", index: "packages = [", url: "/repo/index.toml"},
		{name: "bad hash", index: "[[packages]]\nident = \"x\"\nfile = \"x.modpack\"\nhash = \"nope\"\n", url: "/repo/index.toml"},
		{name: "escaping file", index: "[[packages]]\nident = \"x\"\nfile = \"../x.modpack\"\nhash = \"01\"\n", url: "/repo/index.toml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.index != "" {
				os.WriteFile(filepath.Join(dir, "index.toml"), []byte(tt.index), 0644)
			}
			srv := newRepoServer(t, dir)
			if _, err := newHTTPClient().Check(context.Background(), modman.Repository{Name: "r", URL: srv.URL + tt.url}); err == nil {
				t.Error("Check() expected error")
			}
		})
	}

	t.Run("unsupported scheme", func(t *testing.T) {
		_, err := newHTTPClient().Check(context.Background(), modman.Repository{Name: "r", URL: "ftp://host/index.toml"})
		if !errors.Is(err, ErrUnsupportedScheme) {
			t.Errorf("Check() error = %v, want ErrUnsupportedScheme", err)
		}
	})
}

func TestClient_Download(t *testing.T) {
	repoDir := t.TempDir()
	pkg := testutil.WritePackage(t, repoDir, "Remote Mod v1.0", testutil.Files{"remote.txt": "from afar"})
	entry := IndexEntry{Ident: pkg.Ident(), File: "Remote Mod v1.0.modpack", Hash: pkg.Identity().HashString()}
	writeIndex(t, repoDir, entry)
	srv := newRepoServer(t, repoDir)
	repo := modman.Repository{Name: "test", URL: srv.URL + "/repo/index.toml"}
	client := newHTTPClient()

	t.Run("verified download lands in library", func(t *testing.T) {
		lib := t.TempDir()
		got, err := client.Download(context.Background(), repo, entry, lib)
		if err != nil {
			t.Fatalf("Download() error = %v", err)
		}
		if got.Hash() != pkg.Hash() {
			t.Errorf("Hash() = %x, want %x", got.Hash(), pkg.Hash())
		}
		if got.Source() != filepath.Join(lib, "Remote Mod v1.0.modpack") {
			t.Errorf("Source() = %q", got.Source())
		}
		entries, _ := os.ReadDir(lib)
		if len(entries) != 1 {
			t.Errorf("library holds %d files, want 1", len(entries))
		}
	})

	t.Run("hash mismatch leaves nothing behind", func(t *testing.T) {
		lib := t.TempDir()
		bad := entry
		bad.Hash = "0123456789abcdef"
		if _, err := client.Download(context.Background(), repo, bad, lib); !errors.Is(err, ErrHashMismatch) {
			t.Fatalf("Download() error = %v, want ErrHashMismatch", err)
		}
		entries, _ := os.ReadDir(lib)
		if len(entries) != 0 {
			t.Errorf("library holds %d files after failed download", len(entries))
		}
	})

	t.Run("not a container", func(t *testing.T) {
		os.WriteFile(filepath.Join(repoDir, "junk.modpack"), []byte("junk"), 0644)
		junk := IndexEntry{Ident: "junk", File: "junk.modpack", Hash: "01"}
		if _, err := client.Download(context.Background(), repo, junk, t.TempDir()); !errors.Is(err, modpack.ErrNotAContainer) {
			t.Errorf("Download() error = %v, want ErrNotAContainer", err)
		}
	})
}

func TestMissing(t *testing.T) {
	a := testutil.NewPackage(t, "A", testutil.Files{"a": "a"})
	idx := &Index{Packages: []IndexEntry{
		{Ident: "A", File: "A.modpack", Hash: a.Identity().HashString()},
		{Ident: "B", File: "B.modpack", Hash: "00000000000000bb"},
	}}
	got := Missing(idx, []*modpack.Package{a})
	if len(got) != 1 || got[0].Ident != "B" {
		t.Errorf("Missing() = %+v, want only B", got)
	}
}

type fakeS3 struct {
	objects map[string]string
	gotKey  string
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := *in.Bucket + "/" + *in.Key
	f.gotKey = key
	data, ok := f.objects[key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(data))}, nil
}

func TestS3Fetcher(t *testing.T) {
	fake := &fakeS3{objects: map[string]string{"mods/repo/index.toml": "title = \"s3\""}}
	f := NewS3Fetcher(fake)

	u, _ := url.Parse("s3://mods/repo/index.toml")
	var buf bytes.Buffer
	if err := f.Fetch(context.Background(), u, &buf); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if buf.String() != "title = \"s3\"" || fake.gotKey != "mods/repo/index.toml" {
		t.Errorf("Fetch() = %q from %q", buf.String(), fake.gotKey)
	}

	for _, raw := range []string{"s3://mods/missing.toml", "s3://bucket-only/"} {
		u, _ := url.Parse(raw)
		if err := f.Fetch(context.Background(), u, &buf); err == nil {
			t.Errorf("Fetch(%s) expected error", raw)
		}
	}

	client := NewClient(nil, map[string]Fetcher{"s3": f})
	idx, err := client.Check(context.Background(), modman.Repository{Name: "s3", URL: "s3://mods/repo/index.toml"})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if idx.Title != "s3" {
		t.Errorf("Title = %q", idx.Title)
	}
}
