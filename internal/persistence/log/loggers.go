// Package log writes hourly-rotated, zstd-compressed JSONL journals.
package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"voxelview.ai/internal/chunkcache"
	"voxelview.ai/internal/manifest"
)

type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	p := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	// Each rotation appends a new zstd frame; readers decode concatenated frames.
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// Files lists journal files of this writer's prefix, oldest first.
func (w *JSONLZstdWriter) Files() ([]string, error) {
	out, err := filepath.Glob(filepath.Join(w.baseDir, w.prefix+"-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// ReadJSONL decodes every line of one journal file into fn.
func ReadJSONL(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	r := bufio.NewReaderSize(dec, 64*1024)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 1 {
			if ferr := fn(line[:len(line)-1]); ferr != nil {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// LoadEntry is one journaled chunk load.
type LoadEntry struct {
	Time       string `json:"time"`
	SessionID  string `json:"session_id"`
	Level      int    `json:"level"`
	ChunkID    string `json:"chunk_id"`
	Path       string `json:"path"`
	Outcome    string `json:"outcome"`
	Bytes      int    `json:"bytes"`
	Samples    int    `json:"samples,omitempty"`
	Faces      int    `json:"faces,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Err        string `json:"err,omitempty"`
}

// Event rebuilds the cache event the entry was written from.
func (e LoadEntry) Event() chunkcache.LoadEvent {
	return chunkcache.LoadEvent{
		Key:        manifest.Key{Level: e.Level, ChunkID: e.ChunkID},
		Path:       e.Path,
		Outcome:    e.Outcome,
		Bytes:      e.Bytes,
		Samples:    e.Samples,
		Faces:      e.Faces,
		DurationMS: e.DurationMS,
		Err:        e.Err,
	}
}

// LoadJournal writes one JSONL entry per chunk load outcome (compressed).
type LoadJournal struct{ w *JSONLZstdWriter }

func NewLoadJournal(dir string) *LoadJournal {
	return &LoadJournal{w: NewJSONLZstdWriter(filepath.Join(dir, "loads"), "loads")}
}

func (l *LoadJournal) WriteLoad(sessionID string, ev chunkcache.LoadEvent) error {
	return l.w.Write(LoadEntry{
		Time:       l.w.now().UTC().Format(time.RFC3339Nano),
		SessionID:  sessionID,
		Level:      ev.Key.Level,
		ChunkID:    ev.Key.ChunkID,
		Path:       ev.Path,
		Outcome:    ev.Outcome,
		Bytes:      ev.Bytes,
		Samples:    ev.Samples,
		Faces:      ev.Faces,
		DurationMS: ev.DurationMS,
		Err:        ev.Err,
	})
}

func (l *LoadJournal) Files() ([]string, error) { return l.w.Files() }
func (l *LoadJournal) Close() error             { return l.w.Close() }

// ReadLoads returns every entry of one journal file.
func ReadLoads(path string) ([]LoadEntry, error) {
	var out []LoadEntry
	err := ReadJSONL(path, func(line []byte) error {
		var e LoadEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}
