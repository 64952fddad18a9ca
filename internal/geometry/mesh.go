package geometry

import (
	"iter"
	"math"

	"voxelview.ai/internal/voxel"
)

// cell is an integer grid index: floor(coord / voxelSize) per axis.
type cell [3]int64

func cellOf(pos [3]float64, voxelSize float64) cell {
	return cell{
		int64(math.Floor(pos[0] / voxelSize)),
		int64(math.Floor(pos[1] / voxelSize)),
		int64(math.Floor(pos[2] / voxelSize)),
	}
}

type face struct {
	dir     cell
	normal  [3]float32
	corners [4]cell // unit cube corners, counter-clockwise seen from outside
}

var faces = [6]face{
	{dir: cell{1, 0, 0}, normal: [3]float32{1, 0, 0}, corners: [4]cell{{1, 0, 0}, {1, 1, 0}, {1, 1, 1}, {1, 0, 1}}},
	{dir: cell{-1, 0, 0}, normal: [3]float32{-1, 0, 0}, corners: [4]cell{{0, 0, 0}, {0, 0, 1}, {0, 1, 1}, {0, 1, 0}}},
	{dir: cell{0, 1, 0}, normal: [3]float32{0, 1, 0}, corners: [4]cell{{0, 1, 0}, {0, 1, 1}, {1, 1, 1}, {1, 1, 0}}},
	{dir: cell{0, -1, 0}, normal: [3]float32{0, -1, 0}, corners: [4]cell{{0, 0, 0}, {1, 0, 0}, {1, 0, 1}, {0, 0, 1}}},
	{dir: cell{0, 0, 1}, normal: [3]float32{0, 0, 1}, corners: [4]cell{{0, 0, 1}, {1, 0, 1}, {1, 1, 1}, {0, 1, 1}}},
	{dir: cell{0, 0, -1}, normal: [3]float32{0, 0, -1}, corners: [4]cell{{0, 0, 0}, {0, 1, 0}, {1, 1, 0}, {1, 0, 0}}},
}

type edgeKey [2]cell

func orderedEdge(a, b cell) edgeKey {
	for i := 0; i < 3; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return edgeKey{a, b}
			}
			return edgeKey{b, a}
		}
	}
	return edgeKey{a, b}
}

// Mesh builds the face-culled surface of the occupied cells. A face is
// emitted only when the cell on its other side is empty. Each face owns its
// four vertices so normals stay flat. Returns nil when nothing is visible.
func Mesh(voxelSize float64, samples iter.Seq[voxel.Sample], edges bool) *Primitive {
	if voxelSize <= 0 {
		return nil
	}
	occupied := make(map[cell]struct{})
	var order []cell
	for s := range samples {
		c := cellOf(s.Pos, voxelSize)
		if _, dup := occupied[c]; dup {
			continue
		}
		occupied[c] = struct{}{}
		order = append(order, c)
	}
	if len(order) == 0 {
		return nil
	}

	p := &Primitive{Mode: ModeCulled, VoxelSize: voxelSize, Cells: len(order)}
	var seen map[edgeKey]struct{}
	if edges {
		seen = make(map[edgeKey]struct{})
	}
	for _, c := range order {
		for _, f := range faces {
			n := cell{c[0] + f.dir[0], c[1] + f.dir[1], c[2] + f.dir[2]}
			if _, hidden := occupied[n]; hidden {
				continue
			}
			base := uint32(len(p.Positions) / 3)
			var quad [4]cell
			for i, k := range f.corners {
				v := cell{c[0] + k[0], c[1] + k[1], c[2] + k[2]}
				quad[i] = v
				p.Positions = append(p.Positions,
					float32(float64(v[0])*voxelSize),
					float32(float64(v[1])*voxelSize),
					float32(float64(v[2])*voxelSize))
				p.Normals = append(p.Normals, f.normal[0], f.normal[1], f.normal[2])
			}
			p.Indices = append(p.Indices, base, base+1, base+2, base, base+2, base+3)
			p.Faces++

			if edges {
				// Outline plus the diagonal shared by the two triangles.
				for _, e := range [5][2]int{{0, 1}, {1, 2}, {2, 3}, {3, 0}, {0, 2}} {
					k := orderedEdge(quad[e[0]], quad[e[1]])
					if _, dup := seen[k]; dup {
						continue
					}
					seen[k] = struct{}{}
					p.Edges = appendCorner(p.Edges, k[0], voxelSize)
					p.Edges = appendCorner(p.Edges, k[1], voxelSize)
				}
			}
		}
	}
	if p.Faces == 0 {
		return nil
	}
	return p
}

func appendCorner(dst []float32, v cell, voxelSize float64) []float32 {
	return append(dst,
		float32(float64(v[0])*voxelSize),
		float32(float64(v[1])*voxelSize),
		float32(float64(v[2])*voxelSize))
}
