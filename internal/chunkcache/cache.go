// Package chunkcache owns the loaded render primitives of one viewer session.
//
// All methods except the fetch goroutines it starts itself must be called
// from a single owner goroutine. Fetches run concurrently and report back on
// Completions; the owner applies each result with Apply, which decodes and
// builds synchronously. A key is either in the in-flight set (Loading) or in
// the entry map (Resident or Empty), never both.
package chunkcache

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"sort"
	"sync"
	"time"

	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"voxelview.ai/internal/geometry"
	"voxelview.ai/internal/manifest"
	"voxelview.ai/internal/source"
	"voxelview.ai/internal/voxel"
)

type State int

const (
	Unloaded State = iota
	Loading
	Resident
	// Empty: the payload decoded to nothing drawable. Not re-requested.
	Empty
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Resident:
		return "resident"
	case Empty:
		return "empty"
	default:
		return "unloaded"
	}
}

// Sink receives primitive lifecycle notifications, typically a renderer.
type Sink interface {
	Registered(key manifest.Key, p *geometry.Primitive, visible bool)
	VisibilityChanged(key manifest.Key, visible bool)
	Released(key manifest.Key)
}

// Recorder persists load outcomes.
type Recorder interface {
	RecordLoad(ev LoadEvent)
}

const (
	OutcomeResident = "resident"
	OutcomeEmpty    = "empty"
	OutcomeFailed   = "failed"
)

type LoadEvent struct {
	Key        manifest.Key
	Path       string
	Outcome    string
	Bytes      int
	Samples    int
	Faces      int
	DurationMS int64
	Err        string
}

type Config struct {
	Source  source.Source
	Builder *geometry.Builder
	// Payload record layout; defaults to voxel.ChunkF32.
	Schema voxel.Schema

	FetchTimeout time.Duration
	// At most RetryLimit failures per key per RetryWindow; 0 disables.
	RetryLimit  int
	RetryWindow time.Duration

	Sink     Sink
	Recorder Recorder
	Logger   *log.Logger
}

// Result is one finished fetch waiting to be applied.
type Result struct {
	chunk     manifest.Chunk
	voxelSize float64
	data      []byte
	err       error
	started   time.Time
}

func (r Result) Key() manifest.Key { return r.chunk.Key() }

type entry struct {
	state   State
	prim    *geometry.Primitive
	visible bool
}

type Stats struct {
	Loading      int
	Resident     int
	Visible      int
	Empty        int
	Fetches      uint64
	Failures     uint64
	Throttled    uint64
	Released     uint64
	BytesFetched uint64
}

type Cache struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	entries  map[manifest.Key]*entry
	inflight map[manifest.Key]struct{}
	done     chan Result
	retry    *limiter.Limiter
	wg       sync.WaitGroup
	closed   bool

	stats Stats
}

func New(parent context.Context, cfg Config) *Cache {
	if cfg.Schema.RecordSize == 0 {
		cfg.Schema = voxel.ChunkF32
	}
	if cfg.Builder == nil {
		cfg.Builder = geometry.NewBuilder(geometry.Options{})
	}
	if cfg.RetryWindow <= 0 {
		cfg.RetryWindow = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Cache{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		entries:  map[manifest.Key]*entry{},
		inflight: map[manifest.Key]struct{}{},
		done:     make(chan Result, 64),
	}
	if cfg.RetryLimit > 0 {
		c.retry = limiter.New(memory.NewStore(), limiter.Rate{
			Period: cfg.RetryWindow,
			Limit:  int64(cfg.RetryLimit),
		})
	}
	return c
}

// Completions delivers finished fetches. Pass each to Apply.
func (c *Cache) Completions() <-chan Result { return c.done }

func (c *Cache) State(key manifest.Key) State {
	if _, ok := c.inflight[key]; ok {
		return Loading
	}
	if e, ok := c.entries[key]; ok {
		return e.state
	}
	return Unloaded
}

// Visible reports whether key is resident and shown.
func (c *Cache) Visible(key manifest.Key) bool {
	e, ok := c.entries[key]
	return ok && e.state == Resident && e.visible
}

func (c *Cache) Primitive(key manifest.Key) *geometry.Primitive {
	if e, ok := c.entries[key]; ok {
		return e.prim
	}
	return nil
}

// RequestLoad starts a fetch for chunk unless it is already loading, loaded,
// known empty or out of retry budget. It reports whether a fetch started.
func (c *Cache) RequestLoad(chunk manifest.Chunk, voxelSize float64) bool {
	if c.closed {
		return false
	}
	key := chunk.Key()
	if _, busy := c.inflight[key]; busy {
		return false
	}
	if _, known := c.entries[key]; known {
		return false
	}
	if c.retry != nil {
		lctx, err := c.retry.Peek(c.ctx, key.String())
		if err == nil && lctx.Remaining <= 0 {
			c.stats.Throttled++
			return false
		}
	}

	c.inflight[key] = struct{}{}
	c.stats.Fetches++
	c.wg.Add(1)
	go c.fetch(chunk, voxelSize)
	return true
}

func (c *Cache) fetch(chunk manifest.Chunk, voxelSize float64) {
	defer c.wg.Done()
	started := time.Now()
	ctx := c.ctx
	if c.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(c.ctx, c.cfg.FetchTimeout)
		defer cancel()
	}
	var (
		data []byte
		err  error
	)
	if c.cfg.Source == nil {
		err = errors.New("no source configured")
	} else {
		data, err = c.cfg.Source.Fetch(ctx, chunk.PayloadPath())
	}
	if err == nil && len(data) == 0 {
		err = errors.New("zero-length payload")
	}
	res := Result{chunk: chunk, voxelSize: voxelSize, data: data, err: err, started: started}
	select {
	case c.done <- res:
	case <-c.ctx.Done():
	}
}

// Apply finishes a load on the owner goroutine. Results arriving after
// Teardown are dropped.
func (c *Cache) Apply(r Result) {
	if c.closed {
		return
	}
	key := r.Key()
	delete(c.inflight, key)

	ev := LoadEvent{
		Key:        key,
		Path:       r.chunk.PayloadPath(),
		Bytes:      len(r.data),
		DurationMS: time.Since(r.started).Milliseconds(),
	}
	if r.err != nil {
		c.fail(key, ev, r.err)
		return
	}
	if c.cfg.Schema.Records(len(r.data)) == 0 {
		c.fail(key, ev, fmt.Errorf("payload shorter than one %d-byte record", c.cfg.Schema.RecordSize))
		return
	}

	samples := voxel.Decode(r.data, c.cfg.Schema)
	prim := c.cfg.Builder.Build(r.chunk.Level, r.voxelSize, samples)
	if prim == nil {
		c.entries[key] = &entry{state: Empty}
		ev.Outcome = OutcomeEmpty
		c.record(ev)
		return
	}
	c.register(key, prim)
	ev.Outcome = OutcomeResident
	ev.Samples = prim.Cells
	ev.Faces = prim.Faces
	c.stats.BytesFetched += uint64(len(r.data))
	c.record(ev)
}

// Settle applies completions until nothing is in flight or ctx ends.
func (c *Cache) Settle(ctx context.Context) error {
	for len(c.inflight) > 0 {
		select {
		case r := <-c.done:
			c.Apply(r)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Cache) fail(key manifest.Key, ev LoadEvent, err error) {
	c.stats.Failures++
	if c.retry != nil {
		_, _ = c.retry.Get(c.ctx, key.String())
	}
	ev.Outcome = OutcomeFailed
	ev.Err = err.Error()
	c.printf("chunk load failed key=%s path=%s bytes=%d err=%v", key, ev.Path, ev.Bytes, err)
	c.record(ev)
}

func (c *Cache) register(key manifest.Key, prim *geometry.Primitive) {
	if old, ok := c.entries[key]; ok && old.prim != nil && old.prim != prim {
		old.prim.Release()
		c.stats.Released++
		if c.cfg.Sink != nil {
			c.cfg.Sink.Released(key)
		}
	}
	c.entries[key] = &entry{state: Resident, prim: prim, visible: true}
	if c.cfg.Sink != nil {
		c.cfg.Sink.Registered(key, prim, true)
	}
}

// SetVisible toggles a resident primitive. It reports whether anything
// changed; non-resident keys and repeated values are no-ops.
func (c *Cache) SetVisible(key manifest.Key, visible bool) bool {
	e, ok := c.entries[key]
	if !ok || e.state != Resident || e.visible == visible {
		return false
	}
	e.visible = visible
	if c.cfg.Sink != nil {
		c.cfg.Sink.VisibilityChanged(key, visible)
	}
	return true
}

// Evict forgets a resident or empty key and releases its primitive.
func (c *Cache) Evict(key manifest.Key) bool {
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	delete(c.entries, key)
	if e.prim != nil {
		e.prim.Release()
		c.stats.Released++
		if c.cfg.Sink != nil {
			c.cfg.Sink.Released(key)
		}
	}
	return true
}

// Teardown cancels outstanding fetches, releases every primitive and clears
// all state. The cache rejects further loads afterwards.
func (c *Cache) Teardown() {
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	c.wg.Wait()
	for _, key := range c.Keys() {
		c.Evict(key)
	}
	c.inflight = map[manifest.Key]struct{}{}
}

// Keys lists resident and empty keys in a stable order.
func (c *Cache) Keys() []manifest.Key {
	out := make([]manifest.Key, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out
}

// Drawable is one resident primitive with its visibility.
type Drawable struct {
	Key       manifest.Key
	Primitive *geometry.Primitive
	Visible   bool
}

// Drawables returns every resident primitive, read-only, in key order.
func (c *Cache) Drawables() []Drawable {
	var out []Drawable
	for _, k := range c.Keys() {
		e := c.entries[k]
		if e.state != Resident {
			continue
		}
		out = append(out, Drawable{Key: k, Primitive: e.prim, Visible: e.visible})
	}
	return out
}

// Resident yields every resident key with its visibility, unordered and
// without allocating. The loop body may call SetVisible.
func (c *Cache) Resident() iter.Seq2[manifest.Key, bool] {
	return func(yield func(manifest.Key, bool) bool) {
		for k, e := range c.entries {
			if e.state != Resident {
				continue
			}
			if !yield(k, e.visible) {
				return
			}
		}
	}
}

func (c *Cache) Stats() Stats {
	s := c.stats
	s.Loading = len(c.inflight)
	s.Resident, s.Visible, s.Empty = 0, 0, 0
	for _, e := range c.entries {
		switch e.state {
		case Resident:
			s.Resident++
			if e.visible {
				s.Visible++
			}
		case Empty:
			s.Empty++
		}
	}
	return s
}

func (c *Cache) record(ev LoadEvent) {
	if c.cfg.Recorder != nil {
		c.cfg.Recorder.RecordLoad(ev)
	}
}

func (c *Cache) printf(format string, args ...any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Printf(format, args...)
	}
}
