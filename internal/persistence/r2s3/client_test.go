package r2s3

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Authorization"), sigV4Algorithm+" Credential=AK/") {
		http.Error(w, "unsigned", http.StatusForbidden)
		return
	}
	if r.Header.Get("x-amz-content-sha256") == "" || r.Header.Get("x-amz-date") == "" {
		http.Error(w, "missing amz headers", http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		b.objects[r.URL.Path] = body
	case http.MethodGet:
		data, ok := b.objects[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}
}

func newTestClient(t *testing.T) (*Client, *fakeBucket) {
	t.Helper()
	fb := &fakeBucket{objects: map[string][]byte{}}
	srv := httptest.NewServer(fb)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, "terrain", "AK", "SK")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, fb
}

func TestClient_PutGet(t *testing.T) {
	c, fb := newTestClient(t)
	ctx := context.Background()

	if err := c.PutObject(ctx, "/v1/0/chunk_0_0_0.bin", []byte{1, 2, 3}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok := fb.objects["/terrain/v1/0/chunk_0_0_0.bin"]; !ok {
		t.Fatalf("object stored under unexpected path: %v", fb.objects)
	}
	got, err := c.GetObject(ctx, "v1/0/chunk_0_0_0.bin")
	if err != nil || string(got) != "\x01\x02\x03" {
		t.Fatalf("get: %v %v", got, err)
	}
	if _, err := c.GetObject(ctx, "v1/missing"); !errors.Is(err, ErrNoSuchKey) {
		t.Fatalf("expected ErrNoSuchKey, got %v", err)
	}
	if _, err := c.GetObject(ctx, "../.."); err == nil {
		t.Fatalf("expected error for escaping key")
	}
}

func TestNew_RequiresCredentials(t *testing.T) {
	if _, err := New("example.com", "", "a", "b"); err == nil {
		t.Fatalf("expected error")
	}
	c, err := New("r2.example.com", "b", "a", "s")
	if err != nil || c.endpoint != "https://r2.example.com" {
		t.Fatalf("endpoint normalization: %+v %v", c, err)
	}
}

func TestPublisher_PublishTree(t *testing.T) {
	c, fb := newTestClient(t)
	root := t.TempDir()
	for _, rel := range []string{"manifest.json", "0/chunk_0_0_0.bin", "1/chunk_0_0_0.bin"} {
		fp := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(fp), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(fp, []byte(rel), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	p := NewPublisher(c, root, "datasets/demo", 2, nil)
	if err := p.PublishTree(); err != nil {
		t.Fatalf("walk: %v", err)
	}
	st := p.Close()
	if st.UploadSuccessTotal != 3 || st.UploadFailTotal != 0 {
		t.Fatalf("stats: %+v", st)
	}
	if string(fb.objects["/terrain/datasets/demo/0/chunk_0_0_0.bin"]) != "0/chunk_0_0_0.bin" {
		t.Fatalf("objects: %v", fb.objects)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("VVTEST_R2_ENDPOINT", "")
	t.Setenv("VVTEST_R2_BUCKET", "")
	t.Setenv("VVTEST_R2_ACCESS_KEY_ID", "")
	t.Setenv("VVTEST_R2_SECRET_ACCESS_KEY", "")
	c, _, err := FromEnv("VVTEST_R2")
	if err != nil || c != nil {
		t.Fatalf("unset env: client=%v err=%v", c, err)
	}

	t.Setenv("VVTEST_R2_BUCKET", "terrain")
	if _, _, err := FromEnv("VVTEST_R2"); err == nil {
		t.Fatalf("expected error for partial env")
	}

	t.Setenv("VVTEST_R2_ENDPOINT", "acct.r2.example.com")
	t.Setenv("VVTEST_R2_ACCESS_KEY_ID", "ak")
	t.Setenv("VVTEST_R2_SECRET_ACCESS_KEY", "sk")
	t.Setenv("VVTEST_R2_PREFIX", "datasets/a")
	c, prefix, err := FromEnv("VVTEST_R2")
	if err != nil || c == nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if prefix != "datasets/a" || c.Bucket() != "terrain" {
		t.Fatalf("prefix=%q bucket=%q", prefix, c.Bucket())
	}
}
