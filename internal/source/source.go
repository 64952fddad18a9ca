// Package source fetches manifest and chunk payload bytes by relative name
// from a local directory, an HTTP base URL or an S3-compatible bucket.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"voxelview.ai/internal/persistence/r2s3"
)

// ErrNotFound is wrapped by every source when the name does not exist.
var ErrNotFound = errors.New("not found")

// Source returns the full contents of a dataset-relative file. Fetch may be
// called from many goroutines.
type Source interface {
	Fetch(ctx context.Context, name string) ([]byte, error)
	String() string
}

func cleanName(name string) (string, error) {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	clean := strings.TrimPrefix(path.Clean("/"+name), "/")
	if clean == "" || clean == "." {
		return "", fmt.Errorf("empty name %q", name)
	}
	return clean, nil
}

// Dir reads below a local root.
type Dir struct {
	Root string
}

func (d Dir) String() string { return "dir:" + d.Root }

func (d Dir) Fetch(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clean, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filepath.Join(d.Root, filepath.FromSlash(clean)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", clean, ErrNotFound)
	}
	return b, err
}

// HTTP reads below a base URL. Any non-2xx status is an error.
type HTTP struct {
	base   *url.URL
	client *http.Client
}

func NewHTTP(base string, timeout time.Duration) (*HTTP, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http(s): %s", base)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &HTTP{base: u, client: &http.Client{Timeout: timeout}}, nil
}

func (h *HTTP) String() string { return h.base.String() }

func (h *HTTP) Fetch(ctx context.Context, name string) ([]byte, error) {
	clean, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	ref, err := url.Parse(clean)
	if err != nil {
		return nil, err
	}
	u := h.base.ResolveReference(ref).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", u, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("GET %s: status %d", u, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Bucket reads objects below a key prefix.
type Bucket struct {
	Client *r2s3.Client
	Prefix string
}

func (b Bucket) String() string {
	return "bucket:" + b.Client.Bucket() + "/" + strings.Trim(b.Prefix, "/")
}

func (b Bucket) Fetch(ctx context.Context, name string) ([]byte, error) {
	clean, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	key := clean
	if p := strings.Trim(b.Prefix, "/"); p != "" {
		key = p + "/" + clean
	}
	data, err := b.Client.GetObject(ctx, key)
	if errors.Is(err, r2s3.ErrNoSuchKey) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return data, err
}

// Open picks a source for a location string: http(s) URLs, s3://prefix
// (requires client) or a local directory.
func Open(loc string, client *r2s3.Client, timeout time.Duration) (Source, error) {
	switch {
	case strings.HasPrefix(loc, "http://"), strings.HasPrefix(loc, "https://"):
		return NewHTTP(loc, timeout)
	case strings.HasPrefix(loc, "s3://"):
		if client == nil {
			return nil, fmt.Errorf("%s needs bucket credentials", loc)
		}
		return Bucket{Client: client, Prefix: strings.TrimPrefix(loc, "s3://")}, nil
	case loc == "":
		return nil, fmt.Errorf("empty data location")
	}
	return Dir{Root: loc}, nil
}
