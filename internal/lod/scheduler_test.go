package lod

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"voxelview.ai/internal/chunkcache"
	"voxelview.ai/internal/manifest"
	"voxelview.ai/internal/voxel"
)

type memSource struct {
	files   map[string][]byte
	fetches atomic.Int64
}

func (m *memSource) String() string { return "mem" }

func (m *memSource) Fetch(_ context.Context, name string) ([]byte, error) {
	m.fetches.Add(1)
	b, ok := m.files[name]
	if !ok {
		return nil, errors.New("missing " + name)
	}
	return b, nil
}

func cube(vs float64) []byte {
	return voxel.AppendRecord(nil, voxel.ChunkF32, [3]float64{vs / 2, vs / 2, vs / 2}, true)
}

func twoLevelManifest(t *testing.T) *manifest.Manifest {
	t.Helper()
	m, err := manifest.FromDocument(manifest.Document{
		BaseVoxelSize:  0.5,
		ChunkDimension: 32,
		Levels: map[string]manifest.LevelDocument{
			"0": {VoxelSize: 0.5, ChunkPhysicalSize: 16, Chunks: map[string]manifest.ChunkDocument{
				"0_0_0": {File: "chunk_0_0_0.bin", Count: 1},
			}},
			"1": {VoxelSize: 1, ChunkPhysicalSize: 16, Chunks: map[string]manifest.ChunkDocument{
				"0_0_0": {File: "chunk_0_0_0.bin", Count: 1},
			}},
		},
	})
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	return m
}

func newScheduler(t *testing.T, m *manifest.Manifest, src *memSource, cfg Config) *Scheduler {
	t.Helper()
	cache := chunkcache.New(context.Background(), chunkcache.Config{Source: src})
	s, err := New(m, cache, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Teardown)
	return s
}

func settle(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Cache().Settle(ctx); err != nil {
		t.Fatalf("settle: %v", err)
	}
}

var (
	key0 = manifest.Key{Level: 0, ChunkID: "0_0_0"}
	key1 = manifest.Key{Level: 1, ChunkID: "0_0_0"}
)

func TestTick_BucketBoundary(t *testing.T) {
	src := &memSource{files: map[string][]byte{"0/chunk_0_0_0.bin": cube(0.5), "1/chunk_0_0_0.bin": cube(1)}}
	s := newScheduler(t, twoLevelManifest(t), src, Config{Ranges: Ranges{0: {0, 60}, 1: {60, 150}}})
	center := mgl64.Vec3{8, 8, 8}
	c := s.Cache()

	near := center.Add(mgl64.Vec3{59.9, 0, 0})
	s.Tick(near)
	settle(t, s)
	s.Tick(near)
	if !c.Visible(key0) {
		t.Fatalf("level 0 should be shown at 59.9")
	}
	if c.State(key1) != chunkcache.Unloaded {
		t.Fatalf("level 1 should not be loaded at 59.9, got %s", c.State(key1))
	}

	far := center.Add(mgl64.Vec3{60.1, 0, 0})
	rep := s.Tick(far)
	if rep.Hidden != 1 || rep.Loads != 1 {
		t.Fatalf("report at 60.1: %+v", rep)
	}
	settle(t, s)
	s.Tick(far)
	if c.Visible(key0) || !c.Visible(key1) {
		t.Fatalf("at 60.1 want level 1 shown and level 0 hidden: v0=%v v1=%v", c.Visible(key0), c.Visible(key1))
	}
	if c.State(key0) != chunkcache.Resident {
		t.Fatalf("hidden chunk must stay resident")
	}
}

func TestTick_EndToEnd(t *testing.T) {
	m, err := manifest.Parse([]byte(`{"levels":{"0":{"voxel_size":0.5,"chunk_physical_size":16,
	  "chunks":{"0_0_0":{"file":"chunk_0_0_0.bin","x":0,"y":0,"z":0,"count":1}}}}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	src := &memSource{files: map[string][]byte{"0/chunk_0_0_0.bin": cube(0.5)}}
	s := newScheduler(t, m, src, Config{Ranges: Ranges{0: {0, 60}}})
	c := s.Cache()

	cam := mgl64.Vec3{8, 8, 18}
	s.Tick(cam)
	if c.State(key0) != chunkcache.Loading {
		t.Fatalf("after first tick: got %s want loading", c.State(key0))
	}
	settle(t, s)
	if c.State(key0) != chunkcache.Resident || !c.Visible(key0) {
		t.Fatalf("after load: got %s visible=%v", c.State(key0), c.Visible(key0))
	}
	prim := c.Primitive(key0)

	s.Tick(mgl64.Vec3{8, 8, 1008})
	if c.Visible(key0) {
		t.Fatalf("chunk should be hidden at distance 1000")
	}
	if c.Primitive(key0) != prim || prim.Released() {
		t.Fatalf("hidden primitive must remain allocated")
	}
	if src.fetches.Load() != 1 {
		t.Fatalf("fetches: %d", src.fetches.Load())
	}
}

func TestRefresh_TogglesResidentOnly(t *testing.T) {
	src := &memSource{files: map[string][]byte{"0/chunk_0_0_0.bin": cube(0.5), "1/chunk_0_0_0.bin": cube(1)}}
	s := newScheduler(t, twoLevelManifest(t), src, Config{Ranges: Ranges{0: {0, 60}, 1: {60, 150}}})
	s.Tick(mgl64.Vec3{8, 8, 8})
	settle(t, s)

	if n := s.Refresh(mgl64.Vec3{8, 8, 108}); n != 1 {
		t.Fatalf("refresh changed %d", n)
	}
	if s.Cache().Visible(key0) {
		t.Fatalf("refresh should hide level 0")
	}
	if s.Cache().State(key1) != chunkcache.Unloaded {
		t.Fatalf("refresh must never start loads")
	}
	if n := s.Refresh(mgl64.Vec3{8, 8, 108}); n != 0 {
		t.Fatalf("second refresh changed %d", n)
	}
}

func TestTick_Eviction(t *testing.T) {
	src := &memSource{files: map[string][]byte{"0/chunk_0_0_0.bin": cube(0.5)}}
	s := newScheduler(t, twoLevelManifest(t), src, Config{
		Ranges:          Ranges{0: {0, 60}},
		EvictDistance:   500,
		EvictAfterTicks: 3,
	})
	s.Tick(mgl64.Vec3{8, 8, 8})
	settle(t, s)
	prim := s.Cache().Primitive(key0)

	away := mgl64.Vec3{8, 8, 1008}
	for i := 0; i < 2; i++ {
		if rep := s.Tick(away); rep.Evicted != 0 {
			t.Fatalf("evicted too early at tick %d", rep.Tick)
		}
	}
	rep := s.Tick(away)
	if rep.Evicted != 1 || !prim.Released() || s.Cache().State(key0) != chunkcache.Unloaded {
		t.Fatalf("expected eviction: %+v", rep)
	}

	mid := mgl64.Vec3{8, 8, 308}
	s.Tick(mgl64.Vec3{8, 8, 8})
	settle(t, s)
	for i := 0; i < 5; i++ {
		s.Tick(mid)
	}
	if s.Cache().State(key0) != chunkcache.Resident {
		t.Fatalf("chunks inside the evict distance must stay resident")
	}
}

func TestTick_LoadBudget(t *testing.T) {
	doc := manifest.Document{Levels: map[string]manifest.LevelDocument{
		"0": {VoxelSize: 1, ChunkPhysicalSize: 4, Chunks: map[string]manifest.ChunkDocument{}},
	}}
	files := map[string][]byte{}
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		doc.Levels["0"].Chunks[id] = manifest.ChunkDocument{File: id + ".bin", Count: 1}
		files["0/"+id+".bin"] = cube(1)
	}
	m, err := manifest.FromDocument(doc)
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	s := newScheduler(t, m, &memSource{files: files}, Config{Ranges: Ranges{0: {0, 100}}, MaxLoadsPerTick: 2})

	rep := s.Tick(mgl64.Vec3{})
	if rep.Loads != 2 || rep.Deferred != 3 {
		t.Fatalf("first tick: %+v", rep)
	}
	rep = s.Tick(mgl64.Vec3{})
	if rep.Loads != 2 || rep.Deferred != 1 {
		t.Fatalf("second tick: %+v", rep)
	}
}

func TestRanges_Validate(t *testing.T) {
	if _, err := (Ranges{0: {0, 60}, 1: {50, 150}}).Validate(); !errors.Is(err, ErrBadRanges) {
		t.Fatalf("overlap: %v", err)
	}
	if _, err := (Ranges{0: {10, 5}}).Validate(); !errors.Is(err, ErrBadRanges) {
		t.Fatalf("inverted: %v", err)
	}
	if _, err := (Ranges{}).Validate(); !errors.Is(err, ErrBadRanges) {
		t.Fatalf("empty: %v", err)
	}
	warn, err := (Ranges{0: {0, 60}, 2: {80, 150}}).Validate()
	if err != nil || len(warn) != 1 || !strings.Contains(warn[0], "gap") {
		t.Fatalf("gap: %v %v", warn, err)
	}

	m, _ := manifest.FromDocument(manifest.Document{Levels: map[string]manifest.LevelDocument{
		"0": {VoxelSize: 1, ChunkPhysicalSize: 4, Chunks: map[string]manifest.ChunkDocument{"a": {File: "a"}}},
	}})
	cache := chunkcache.New(context.Background(), chunkcache.Config{})
	defer cache.Teardown()
	if _, err := New(m, cache, Config{Ranges: Ranges{0: {0, 60}}, EvictDistance: 30}); !errors.Is(err, ErrBadRanges) {
		t.Fatalf("evict distance inside ranges should fail: %v", err)
	}
}
