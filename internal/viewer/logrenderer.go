package viewer

import (
	"context"
	"log"
	"sync/atomic"

	"voxelview.ai/internal/geometry"
	"voxelview.ai/internal/manifest"
)

// LogRenderer is the headless renderer: it draws nothing and logs a frame
// summary every Every frames.
type LogRenderer struct {
	Logger *log.Logger
	Every  uint64

	registered atomic.Uint64
	released   atomic.Uint64
	toggles    atomic.Uint64
	frames     atomic.Uint64
	triangles  atomic.Int64
	elements   atomic.Int64
	lastStatus atomic.Value
}

func (r *LogRenderer) Init(context.Context) error { return nil }

func (r *LogRenderer) Status(s string) {
	r.lastStatus.Store(s)
	r.printf("status: %s", s)
}

func (r *LogRenderer) LastStatus() string {
	s, _ := r.lastStatus.Load().(string)
	return s
}

func (r *LogRenderer) Registered(key manifest.Key, p *geometry.Primitive, visible bool) {
	r.registered.Add(1)
	r.triangles.Add(int64(p.Triangles()))
	r.elements.Add(int64(p.Size()))
}

func (r *LogRenderer) VisibilityChanged(manifest.Key, bool) { r.toggles.Add(1) }

func (r *LogRenderer) Released(manifest.Key) { r.released.Add(1) }

func (r *LogRenderer) Draw(_ context.Context, f Frame) error {
	n := r.frames.Add(1)
	every := r.Every
	if every == 0 {
		every = 30
	}
	if n%every != 0 {
		return nil
	}
	visible, tris, elems := 0, 0, 0
	for _, d := range f.Drawables {
		if d.Visible {
			visible++
			tris += d.Primitive.Triangles()
			elems += d.Primitive.Size()
		}
	}
	p := f.Pose.Position
	r.printf("frame=%d tick=%d pos=(%.1f,%.1f,%.1f) visible=%d resident=%d loading=%d empty=%d tris=%d elems=%d failures=%d",
		f.Seq, f.Tick, p[0], p[1], p[2], visible, f.Stats.Resident, f.Stats.Loading, f.Stats.Empty, tris, elems, f.Stats.Failures)
	return nil
}

type RenderCounts struct {
	Frames     uint64
	Registered uint64
	Released   uint64
	Toggles    uint64
	Triangles  int64
	Elements   int64
}

func (r *LogRenderer) Counts() RenderCounts {
	return RenderCounts{
		Frames:     r.frames.Load(),
		Registered: r.registered.Load(),
		Released:   r.released.Load(),
		Toggles:    r.toggles.Load(),
		Triangles:  r.triangles.Load(),
		Elements:   r.elements.Load(),
	}
}

func (r *LogRenderer) printf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
	}
}
