// Package viewer runs one viewing session: it loads the manifest, owns the
// LOD scheduler and its chunk cache on a single goroutine, and hands every
// frame to a renderer.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"voxelview.ai/internal/chunkcache"
	"voxelview.ai/internal/geometry"
	"voxelview.ai/internal/lod"
	"voxelview.ai/internal/manifest"
	"voxelview.ai/internal/source"
	"voxelview.ai/internal/tuning"
)

const (
	StatusLoading = "loading manifest"
	StatusReady   = "ready"
)

// ManifestErrorStatus is the user-visible status for a failed manifest.
func ManifestErrorStatus(err error) string { return "manifest error: " + err.Error() }

// RendererErrorStatus is the user-visible status for a renderer that failed
// to initialize.
func RendererErrorStatus(err error) string { return "renderer error: " + err.Error() }

// ErrInit wraps every failure that keeps the scheduler from starting.
var ErrInit = errors.New("viewer init failed")

// Frame is what the renderer draws. Drawables is a read-only snapshot.
type Frame struct {
	Seq       uint64
	Tick      uint64
	Pose      Pose
	Drawables []chunkcache.Drawable
	Stats     chunkcache.Stats
}

// Renderer is the drawing side. The chunkcache.Sink methods and Draw are
// called from the driver goroutine; Init completes before the first Draw.
type Renderer interface {
	chunkcache.Sink
	Init(ctx context.Context) error
	Status(status string)
	Draw(ctx context.Context, f Frame) error
}

type Config struct {
	Source source.Source
	// Optional preloaded manifest; fetched from Source when nil.
	Manifest *manifest.Manifest
	Tuning   tuning.Viewer
	Camera   Camera
	Renderer Renderer
	Recorder chunkcache.Recorder
	Logger   *log.Logger
}

// Summary is safe to read from other goroutines.
type Summary struct {
	Status       string
	Ticks        uint64
	Frames       uint64
	PeakResident int
	Cache        chunkcache.Stats
}

type Driver struct {
	cfg Config

	mu      sync.Mutex
	summary Summary
}

func NewDriver(cfg Config) *Driver {
	return &Driver{cfg: cfg}
}

func (d *Driver) Summary() Summary {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.summary
}

func (d *Driver) setStatus(s string) {
	d.mu.Lock()
	d.summary.Status = s
	d.mu.Unlock()
	d.cfg.Renderer.Status(s)
}

// LoadManifest fetches and parses the dataset manifest.
func LoadManifest(ctx context.Context, src source.Source) (*manifest.Manifest, error) {
	data, err := src.Fetch(ctx, manifest.FileName)
	if err != nil {
		return nil, fmt.Errorf("fetch %s from %s: %w", manifest.FileName, src, err)
	}
	return manifest.Parse(data)
}

func (d *Driver) init(ctx context.Context) (*lod.Scheduler, error) {
	d.setStatus(StatusLoading)
	man := d.cfg.Manifest
	if man == nil {
		if d.cfg.Source == nil {
			return nil, fmt.Errorf("%w: no source", ErrInit)
		}
		m, err := LoadManifest(ctx, d.cfg.Source)
		if err != nil {
			d.setStatus(ManifestErrorStatus(err))
			return nil, fmt.Errorf("%w: %w", ErrInit, err)
		}
		man = m
	}
	if err := d.cfg.Renderer.Init(ctx); err != nil {
		d.setStatus(RendererErrorStatus(err))
		return nil, fmt.Errorf("%w: renderer: %w", ErrInit, err)
	}

	opts, err := d.cfg.Tuning.BuilderOptions()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInit, err)
	}
	cache := chunkcache.New(ctx, chunkcache.Config{
		Source:       d.cfg.Source,
		Builder:      geometry.NewBuilder(opts),
		FetchTimeout: d.cfg.Tuning.FetchTimeout(),
		RetryLimit:   d.cfg.Tuning.RetryLimit,
		RetryWindow:  d.cfg.Tuning.RetryWindow(),
		Sink:         d.cfg.Renderer,
		Recorder:     d.cfg.Recorder,
		Logger:       d.cfg.Logger,
	})
	lcfg := d.cfg.Tuning.LODConfig()
	lcfg.Logger = d.cfg.Logger
	sched, err := lod.New(man, cache, lcfg)
	if err != nil {
		cache.Teardown()
		d.setStatus(ManifestErrorStatus(err))
		return nil, fmt.Errorf("%w: %w", ErrInit, err)
	}
	d.setStatus(StatusReady)
	return sched, nil
}

// Run drives the session until ctx ends. Scheduler ticks, load completions
// and frames are serialized on this goroutine. Only initialization errors
// are returned; chunk failures never leave the cache.
func (d *Driver) Run(ctx context.Context) error {
	sched, err := d.init(ctx)
	if err != nil {
		return err
	}
	defer sched.Teardown()

	cache := sched.Cache()
	interval := d.cfg.Tuning.SchedulerInterval()
	if interval <= 0 {
		interval = tuning.Defaults().SchedulerInterval()
	}
	schedT := time.NewTicker(interval)
	defer schedT.Stop()
	frameT := time.NewTicker(d.cfg.Tuning.FramePeriod())
	defer frameT.Stop()

	var frames uint64
	sched.Tick(d.cfg.Camera.Pose().Position)
	for {
		select {
		case <-ctx.Done():
			sched.Teardown()
			d.publish(sched, frames)
			return nil
		case r := <-cache.Completions():
			cache.Apply(r)
		case <-schedT.C:
			rep := sched.Tick(d.cfg.Camera.Pose().Position)
			if rep.Evicted > 0 {
				d.printf("lod tick=%d evicted=%d", rep.Tick, rep.Evicted)
			}
		case <-frameT.C:
			pose := d.cfg.Camera.Pose()
			sched.Refresh(pose.Position)
			frames++
			f := Frame{
				Seq:       frames,
				Tick:      sched.Ticks(),
				Pose:      pose,
				Drawables: cache.Drawables(),
				Stats:     cache.Stats(),
			}
			if err := d.cfg.Renderer.Draw(ctx, f); err != nil && ctx.Err() == nil {
				d.printf("draw frame=%d err=%v", frames, err)
			}
			d.publish(sched, frames)
		}
	}
}

func (d *Driver) publish(sched *lod.Scheduler, frames uint64) {
	st := sched.Cache().Stats()
	d.mu.Lock()
	d.summary.Ticks = sched.Ticks()
	d.summary.Frames = frames
	d.summary.Cache = st
	if st.Resident > d.summary.PeakResident {
		d.summary.PeakResident = st.Resident
	}
	d.mu.Unlock()
}

func (d *Driver) printf(format string, args ...any) {
	if d.cfg.Logger != nil {
		d.cfg.Logger.Printf(format, args...)
	}
}
