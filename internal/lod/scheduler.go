// Package lod decides which chunks at which level of detail are shown.
//
// Every scheduler tick scans all chunks of all levels, maps camera distance
// to the chunk center onto the configured range buckets and either requests
// a load, toggles visibility, or (optionally) evicts chunks that have been
// out of range long enough. The Scheduler must be driven from the goroutine
// that owns its chunk cache.
package lod

import (
	"fmt"
	"log"

	"github.com/go-gl/mathgl/mgl64"

	"voxelview.ai/internal/chunkcache"
	"voxelview.ai/internal/manifest"
)

type Config struct {
	Ranges Ranges
	// Evict resident chunks farther than EvictDistance that have not been
	// wanted for EvictAfterTicks ticks. 0 disables eviction.
	EvictDistance   float64
	EvictAfterTicks uint64
	// 0 means unlimited.
	MaxLoadsPerTick int
	Logger          *log.Logger
}

type TickReport struct {
	Tick     uint64
	Loads    int
	Deferred int
	Shown    int
	Hidden   int
	Evicted  int
}

type Scheduler struct {
	cfg   Config
	man   *manifest.Manifest
	cache *chunkcache.Cache

	byKey      map[manifest.Key]manifest.Chunk
	lastWanted map[manifest.Key]uint64
	tick       uint64
	done       bool
}

func New(man *manifest.Manifest, cache *chunkcache.Cache, cfg Config) (*Scheduler, error) {
	if man == nil || cache == nil {
		return nil, fmt.Errorf("scheduler needs a manifest and a cache")
	}
	warnings, err := cfg.Ranges.Validate()
	if err != nil {
		return nil, err
	}
	if cfg.EvictDistance > 0 && cfg.EvictDistance <= cfg.Ranges.Outer() {
		return nil, fmt.Errorf("%w: evict distance %g must exceed the outermost range %g",
			ErrBadRanges, cfg.EvictDistance, cfg.Ranges.Outer())
	}
	if cfg.EvictAfterTicks == 0 {
		cfg.EvictAfterTicks = 50
	}
	s := &Scheduler{
		cfg:        cfg,
		man:        man,
		cache:      cache,
		byKey:      make(map[manifest.Key]manifest.Chunk, man.ChunkCount()),
		lastWanted: map[manifest.Key]uint64{},
	}
	for _, w := range warnings {
		s.printf("lod: %s", w)
	}
	for _, lv := range man.Levels {
		if _, ok := cfg.Ranges[lv.Index]; !ok {
			s.printf("lod: level %d has no range and is never shown", lv.Index)
		}
		for _, c := range lv.Chunks {
			s.byKey[c.Key()] = c
		}
	}
	return s, nil
}

func (s *Scheduler) Cache() *chunkcache.Cache { return s.cache }

func (s *Scheduler) Manifest() *manifest.Manifest { return s.man }

func (s *Scheduler) Ticks() uint64 { return s.tick }

// Tick runs one full scheduling pass for the camera position.
func (s *Scheduler) Tick(cam mgl64.Vec3) TickReport {
	if s.done {
		return TickReport{Tick: s.tick}
	}
	s.tick++
	rep := TickReport{Tick: s.tick}
	budget := s.cfg.MaxLoadsPerTick

	for _, lv := range s.man.Levels {
		r, hasRange := s.cfg.Ranges[lv.Index]
		for _, c := range lv.Chunks {
			key := c.Key()
			d := cam.Sub(c.Center()).Len()
			show := hasRange && r.Contains(d)
			state := s.cache.State(key)

			if show {
				s.lastWanted[key] = s.tick
				switch state {
				case chunkcache.Unloaded:
					if s.cfg.MaxLoadsPerTick > 0 && budget <= 0 {
						rep.Deferred++
						continue
					}
					if s.cache.RequestLoad(c, lv.VoxelSize) {
						rep.Loads++
						budget--
					}
				case chunkcache.Resident:
					if s.cache.SetVisible(key, true) {
						rep.Shown++
					}
				}
				continue
			}

			if state == chunkcache.Resident && s.cache.SetVisible(key, false) {
				rep.Hidden++
			}
			if s.evictable(key, state, d) && s.cache.Evict(key) {
				delete(s.lastWanted, key)
				rep.Evicted++
			}
		}
	}
	return rep
}

func (s *Scheduler) evictable(key manifest.Key, state chunkcache.State, d float64) bool {
	if s.cfg.EvictDistance <= 0 || d <= s.cfg.EvictDistance {
		return false
	}
	if state != chunkcache.Resident && state != chunkcache.Empty {
		return false
	}
	return s.tick-s.lastWanted[key] >= s.cfg.EvictAfterTicks
}

// Refresh re-evaluates visibility of resident chunks only. It never starts
// loads and is cheap enough to run every frame.
func (s *Scheduler) Refresh(cam mgl64.Vec3) int {
	if s.done {
		return 0
	}
	changed := 0
	for key, visible := range s.cache.Resident() {
		c, ok := s.byKey[key]
		if !ok {
			continue
		}
		r, hasRange := s.cfg.Ranges[c.Level]
		show := hasRange && r.Contains(cam.Sub(c.Center()).Len())
		if show != visible && s.cache.SetVisible(key, show) {
			changed++
		}
	}
	return changed
}

// Teardown releases every primitive. The scheduler is inert afterwards.
func (s *Scheduler) Teardown() {
	if s.done {
		return
	}
	s.done = true
	s.cache.Teardown()
	s.lastWanted = map[manifest.Key]uint64{}
}

func (s *Scheduler) printf(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Printf(format, args...)
	}
}
