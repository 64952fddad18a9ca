package geometry

import (
	"iter"
	"math/rand/v2"

	"github.com/go-gl/mathgl/mgl64"

	"voxelview.ai/internal/voxel"
)

// Instance is one voxel drawn as a unit cube scaled to the level voxel size.
type Instance struct {
	Center mgl64.Vec3
	Model  mgl64.Mat4
}

func (b *Builder) instance(level int, voxelSize float64, samples iter.Seq[voxel.Sample]) *Primitive {
	p := &Primitive{Mode: ModeInstanced, VoxelSize: voxelSize}
	scale := mgl64.Scale3D(voxelSize, voxelSize, voxelSize)
	n := len(b.opts.Palette)

	var rng *rand.Rand
	if b.opts.ColorPolicy == ColorRandom {
		rng = rand.New(rand.NewPCG(b.opts.Seed, uint64(level)))
	}
	for s := range samples {
		c := mgl64.Vec3(s.Pos)
		p.Instances = append(p.Instances, Instance{
			Center: c,
			Model:  mgl64.Translate3D(c[0], c[1], c[2]).Mul4(scale),
		})
		idx := level % n
		if rng != nil {
			idx = rng.IntN(n)
		}
		p.ColorIndices = append(p.ColorIndices, uint16(idx))
	}
	if len(p.Instances) == 0 {
		return nil
	}
	p.Cells = len(p.Instances)
	return p
}
