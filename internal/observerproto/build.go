package observerproto

import (
	"voxelview.ai/internal/encoding"
	"voxelview.ai/internal/geometry"
	"voxelview.ai/internal/manifest"
)

// PrimitiveMessage encodes a registered primitive as CHUNK_MESH or
// CHUNK_INSTANCES.
func PrimitiveMessage(key manifest.Key, p *geometry.Primitive, visible bool, palette []geometry.Color) any {
	if p.Mode == geometry.ModeInstanced {
		centers := make([]float32, 0, 3*len(p.Instances))
		for _, in := range p.Instances {
			centers = append(centers, float32(in.Center[0]), float32(in.Center[1]), float32(in.Center[2]))
		}
		return ChunkInstancesMsg{
			Type:          TypeChunkInstances,
			Level:         key.Level,
			ChunkID:       key.ChunkID,
			VoxelSize:     p.VoxelSize,
			Count:         len(p.Instances),
			Visible:       visible,
			Encoding:      EncodingF32LE,
			Centers:       encoding.EncodeFloat32s(centers),
			ColorEncoding: EncodingRuns,
			Colors:        encoding.EncodeRuns(p.ColorIndices),
		}
	}
	msg := ChunkMeshMsg{
		Type:          TypeChunkMesh,
		Level:         key.Level,
		ChunkID:       key.ChunkID,
		VoxelSize:     p.VoxelSize,
		Faces:         p.Faces,
		Visible:       visible,
		Encoding:      EncodingF32LE,
		Positions:     encoding.EncodeFloat32s(p.Positions),
		Normals:       encoding.EncodeFloat32s(p.Normals),
		IndexEncoding: EncodingU32LE,
		Indices:       encoding.EncodeUint32s(p.Indices),
	}
	if len(palette) > 0 {
		msg.Color = palette[key.Level%len(palette)].Hex()
	}
	if len(p.Edges) > 0 {
		msg.Edges = encoding.EncodeFloat32s(p.Edges)
	}
	return msg
}

func VisibilityMessage(key manifest.Key, visible bool) ChunkVisibilityMsg {
	return ChunkVisibilityMsg{Type: TypeChunkVisibility, Level: key.Level, ChunkID: key.ChunkID, Visible: visible}
}

func EvictMessage(key manifest.Key) ChunkEvictMsg {
	return ChunkEvictMsg{Type: TypeChunkEvict, Level: key.Level, ChunkID: key.ChunkID}
}
