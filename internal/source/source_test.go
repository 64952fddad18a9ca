package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func writeFile(t *testing.T, root, rel string, data []byte) {
	t.Helper()
	fp := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(fp), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(fp, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestDir_Fetch(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "0/chunk_0_0_0.bin", []byte("abc"))
	d := Dir{Root: root}

	got, err := d.Fetch(context.Background(), "0/chunk_0_0_0.bin")
	if err != nil || string(got) != "abc" {
		t.Fatalf("fetch: %q %v", got, err)
	}
	if _, err := d.Fetch(context.Background(), "0/missing.bin"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := d.Fetch(context.Background(), "  "); err == nil {
		t.Fatalf("expected error for empty name")
	}
}

func TestHTTP_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/data/manifest.json":
			_, _ = w.Write([]byte(`{}`))
		case "/data/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	h, err := NewHTTP(srv.URL+"/data", 0)
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	ctx := context.Background()
	if got, err := h.Fetch(ctx, "manifest.json"); err != nil || string(got) != "{}" {
		t.Fatalf("fetch: %q %v", got, err)
	}
	if _, err := h.Fetch(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := h.Fetch(ctx, "broken"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected status error, got %v", err)
	}
	if _, err := NewHTTP("ftp://x", 0); err == nil {
		t.Fatalf("expected scheme error")
	}
}

func TestZstd_Transparent(t *testing.T) {
	root := t.TempDir()
	raw := make([]byte, 1200)
	for i := range raw {
		raw[i] = byte(i % 7)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	writeFile(t, root, "0/a.bin.zst", enc.EncodeAll(raw, nil))
	writeFile(t, root, "0/b.bin", enc.EncodeAll(raw, nil))
	writeFile(t, root, "0/c.bin", raw)
	enc.Close()

	z, err := NewZstd(Dir{Root: root})
	if err != nil {
		t.Fatalf("NewZstd: %v", err)
	}
	defer z.Close()
	for _, name := range []string{"0/a.bin.zst", "0/b.bin", "0/c.bin"} {
		got, err := z.Fetch(context.Background(), name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if len(got) != len(raw) || got[13] != raw[13] {
			t.Fatalf("%s: payload mismatch", name)
		}
	}

	writeFile(t, root, "0/bad.zst", []byte("not zstd"))
	if _, err := z.Fetch(context.Background(), "0/bad.zst"); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestOpen(t *testing.T) {
	if s, err := Open("https://cdn.example.com/terrain", nil, 0); err != nil || s.String() != "https://cdn.example.com/terrain/" {
		t.Fatalf("http: %v %v", s, err)
	}
	if _, err := Open("s3://terrain", nil, 0); err == nil {
		t.Fatalf("expected credentials error")
	}
	if s, err := Open("./data", nil, 0); err != nil || s.String() != "dir:./data" {
		t.Fatalf("dir: %v %v", s, err)
	}
}

func TestMirror_LocalDataset(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "manifest.json", []byte(`{"levels":{}}`))
	writeFile(t, src, "0/chunk_0_0_0.bin", []byte{1, 2, 3, 4})

	dst := filepath.Join(t.TempDir(), "mirror")
	if err := Mirror(context.Background(), src, dst); err != nil {
		t.Fatalf("mirror: %v", err)
	}
	got, err := Dir{Root: dst}.Fetch(context.Background(), "0/chunk_0_0_0.bin")
	if err != nil || len(got) != 4 {
		t.Fatalf("mirrored payload: %v %v", got, err)
	}
}
