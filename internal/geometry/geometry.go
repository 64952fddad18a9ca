// Package geometry turns decoded voxel samples into render primitives.
//
// Two strategies are supported. Instanced emits one model matrix and one
// palette index per sample. Culled builds a flat-shaded surface mesh that
// only contains faces whose neighbor cell is empty.
package geometry

import (
	"fmt"
	"iter"
	"strconv"
	"strings"

	"voxelview.ai/internal/voxel"
)

type Mode string

const (
	ModeCulled    Mode = "culled"
	ModeInstanced Mode = "instanced"
)

type ColorPolicy string

const (
	ColorByLevel ColorPolicy = "level"
	ColorRandom  ColorPolicy = "random"
)

// Color is linear RGB in [0,1].
type Color [3]float32

// ParseColor accepts "#rrggbb" or "rrggbb".
func ParseColor(s string) (Color, error) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(h) != 6 {
		return Color{}, fmt.Errorf("bad color %q", s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return Color{}, fmt.Errorf("bad color %q: %w", s, err)
	}
	return Color{
		float32((v>>16)&0xFF) / 255,
		float32((v>>8)&0xFF) / 255,
		float32(v&0xFF) / 255,
	}, nil
}

func (c Color) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", uint8(c[0]*255+0.5), uint8(c[1]*255+0.5), uint8(c[2]*255+0.5))
}

// DefaultPalette is indexed by LOD level (wrapping).
var DefaultPalette = []string{"#4caf50", "#8bc34a", "#cddc39", "#ffc107", "#ff9800", "#795548"}

type Options struct {
	Mode        Mode
	Edges       bool
	ColorPolicy ColorPolicy
	Palette     []Color
	Seed        uint64
}

// Primitive is an opaque render object owned by the chunk cache.
type Primitive struct {
	Mode      Mode
	Level     int
	VoxelSize float64

	// Instanced.
	Instances    []Instance
	ColorIndices []uint16

	// Culled. Positions and Normals are xyz triples, Indices are triangles.
	Positions []float32
	Normals   []float32
	Indices   []uint32
	Faces     int
	Cells     int

	// Edges are segment endpoint pairs (xyz, xyz) of the zero-angle overlay.
	Edges []float32

	released bool
}

// Triangles reports the triangle count of a culled mesh.
func (p *Primitive) Triangles() int {
	if p == nil {
		return 0
	}
	return len(p.Indices) / 3
}

// Size is a rough element count used for stats.
func (p *Primitive) Size() int {
	if p == nil {
		return 0
	}
	return len(p.Instances) + len(p.Positions)/3
}

// Release drops every buffer. Calling it twice is harmless.
func (p *Primitive) Release() {
	if p == nil || p.released {
		return
	}
	p.released = true
	p.Instances = nil
	p.ColorIndices = nil
	p.Positions = nil
	p.Normals = nil
	p.Indices = nil
	p.Edges = nil
}

func (p *Primitive) Released() bool { return p == nil || p.released }

type Builder struct {
	opts Options
}

func NewBuilder(opts Options) *Builder {
	if opts.Mode == "" {
		opts.Mode = ModeCulled
	}
	if opts.ColorPolicy == "" {
		opts.ColorPolicy = ColorByLevel
	}
	if len(opts.Palette) == 0 {
		for _, s := range DefaultPalette {
			c, _ := ParseColor(s)
			opts.Palette = append(opts.Palette, c)
		}
	}
	return &Builder{opts: opts}
}

func (b *Builder) Options() Options { return b.opts }

// Build returns nil when the samples produce nothing to draw.
func (b *Builder) Build(level int, voxelSize float64, samples iter.Seq[voxel.Sample]) *Primitive {
	if voxelSize <= 0 {
		return nil
	}
	var p *Primitive
	switch b.opts.Mode {
	case ModeInstanced:
		p = b.instance(level, voxelSize, samples)
	default:
		p = Mesh(voxelSize, samples, b.opts.Edges)
	}
	if p == nil {
		return nil
	}
	p.Level = level
	return p
}
