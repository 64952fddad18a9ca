// Package manifest models the chunk manifest: the per-level list of chunk
// payload files, their world-space origins and the level voxel sizes.
package manifest

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const FileName = "manifest.json"

var (
	// ErrInvalid wraps every structural or schema problem.
	ErrInvalid = errors.New("invalid manifest")
	// ErrNoBaseLevel is returned when level "0" is missing or has no chunks.
	ErrNoBaseLevel = errors.New("manifest has no base level")
)

//go:embed manifest.schema.json
var schemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("manifest.schema.json", schemaJSON)
	})
	return schema, schemaErr
}

// Document is the JSON form, shared with the LOD builder that writes it.
type Document struct {
	BaseVoxelSize  float64                  `json:"base_voxel_size"`
	ChunkDimension int                      `json:"chunk_dimension"`
	Levels         map[string]LevelDocument `json:"levels"`
}

type LevelDocument struct {
	VoxelSize         float64                  `json:"voxel_size"`
	ChunkPhysicalSize float64                  `json:"chunk_physical_size"`
	Chunks            map[string]ChunkDocument `json:"chunks"`
}

type ChunkDocument struct {
	File  string  `json:"file"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Count int     `json:"count"`
}

// Key identifies one chunk at one level.
type Key struct {
	Level   int
	ChunkID string
}

func (k Key) String() string { return "L" + strconv.Itoa(k.Level) + "/" + k.ChunkID }

// Chunk is a read-only chunk descriptor.
type Chunk struct {
	Level   int
	ID      string
	File    string
	Origin  mgl64.Vec3
	Count   int
	PhysLen float64
}

func (c Chunk) Key() Key { return Key{Level: c.Level, ChunkID: c.ID} }

// Center is the geometric center of the chunk's cube.
func (c Chunk) Center() mgl64.Vec3 {
	h := c.PhysLen / 2
	return c.Origin.Add(mgl64.Vec3{h, h, h})
}

// PayloadPath is the payload location relative to the dataset root.
func (c Chunk) PayloadPath() string {
	return path.Join(strconv.Itoa(c.Level), c.File)
}

type Level struct {
	Index             int
	VoxelSize         float64
	ChunkPhysicalSize float64
	Chunks            []Chunk // sorted by ID
}

type Manifest struct {
	BaseVoxelSize  float64
	ChunkDimension int
	Levels         []Level // sorted by Index
}

// Level returns the level with the given index.
func (m *Manifest) Level(i int) (*Level, bool) {
	if m == nil {
		return nil, false
	}
	for j := range m.Levels {
		if m.Levels[j].Index == i {
			return &m.Levels[j], true
		}
	}
	return nil, false
}

// ChunkCount is the total number of chunks over every level.
func (m *Manifest) ChunkCount() int {
	if m == nil {
		return 0
	}
	n := 0
	for _, lv := range m.Levels {
		n += len(lv.Chunks)
	}
	return n
}

// Parse validates raw manifest JSON against the embedded schema and then
// against the structural invariants.
func Parse(data []byte) (*Manifest, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	sch, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}
	if err := sch.Validate(raw); err != nil {
		if lv, ok := levelsOf(raw); ok && lv["0"] == nil {
			return nil, fmt.Errorf("%w: level \"0\" missing", ErrNoBaseLevel)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return FromDocument(doc)
}

func levelsOf(raw any) (map[string]any, bool) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, false
	}
	lv, ok := obj["levels"].(map[string]any)
	return lv, ok
}

// FromDocument converts a decoded document into the runtime model.
func FromDocument(doc Document) (*Manifest, error) {
	m := &Manifest{BaseVoxelSize: doc.BaseVoxelSize, ChunkDimension: doc.ChunkDimension}
	for name, ld := range doc.Levels {
		idx, err := strconv.Atoi(name)
		if err != nil || idx < 0 || strconv.Itoa(idx) != name {
			return nil, fmt.Errorf("%w: bad level key %q", ErrInvalid, name)
		}
		if ld.VoxelSize <= 0 {
			return nil, fmt.Errorf("%w: level %d voxel_size must be > 0", ErrInvalid, idx)
		}
		if ld.ChunkPhysicalSize <= 0 {
			return nil, fmt.Errorf("%w: level %d chunk_physical_size must be > 0", ErrInvalid, idx)
		}
		lv := Level{Index: idx, VoxelSize: ld.VoxelSize, ChunkPhysicalSize: ld.ChunkPhysicalSize}
		for id, cd := range ld.Chunks {
			if cd.File == "" {
				return nil, fmt.Errorf("%w: level %d chunk %s has no file", ErrInvalid, idx, id)
			}
			if cd.Count < 0 {
				return nil, fmt.Errorf("%w: level %d chunk %s has negative count", ErrInvalid, idx, id)
			}
			lv.Chunks = append(lv.Chunks, Chunk{
				Level:   idx,
				ID:      id,
				File:    cd.File,
				Origin:  mgl64.Vec3{cd.X, cd.Y, cd.Z},
				Count:   cd.Count,
				PhysLen: ld.ChunkPhysicalSize,
			})
		}
		sort.Slice(lv.Chunks, func(i, j int) bool { return lv.Chunks[i].ID < lv.Chunks[j].ID })
		m.Levels = append(m.Levels, lv)
	}
	sort.Slice(m.Levels, func(i, j int) bool { return m.Levels[i].Index < m.Levels[j].Index })

	base, ok := m.Level(0)
	if !ok {
		return nil, fmt.Errorf("%w: level \"0\" missing", ErrNoBaseLevel)
	}
	if len(base.Chunks) == 0 {
		return nil, fmt.Errorf("%w: level \"0\" has no chunks", ErrNoBaseLevel)
	}
	for i := 1; i < len(m.Levels); i++ {
		if m.Levels[i].VoxelSize < m.Levels[i-1].VoxelSize {
			return nil, fmt.Errorf("%w: level %d voxel_size %g is finer than level %d (%g)",
				ErrInvalid, m.Levels[i].Index, m.Levels[i].VoxelSize, m.Levels[i-1].Index, m.Levels[i-1].VoxelSize)
		}
	}
	return m, nil
}

// Document converts back to the JSON form.
func (m *Manifest) Document() Document {
	doc := Document{BaseVoxelSize: m.BaseVoxelSize, ChunkDimension: m.ChunkDimension, Levels: map[string]LevelDocument{}}
	for _, lv := range m.Levels {
		ld := LevelDocument{VoxelSize: lv.VoxelSize, ChunkPhysicalSize: lv.ChunkPhysicalSize, Chunks: map[string]ChunkDocument{}}
		for _, c := range lv.Chunks {
			ld.Chunks[c.ID] = ChunkDocument{File: c.File, X: c.Origin[0], Y: c.Origin[1], Z: c.Origin[2], Count: c.Count}
		}
		doc.Levels[strconv.Itoa(lv.Index)] = ld
	}
	return doc
}

// LevelSummary is the per-level digest sent to renderers at bootstrap.
type LevelSummary struct {
	Level             int     `json:"level"`
	VoxelSize         float64 `json:"voxel_size"`
	ChunkPhysicalSize float64 `json:"chunk_physical_size"`
	Chunks            int     `json:"chunks"`
	Voxels            int     `json:"voxels"`
}

func (m *Manifest) Summary() []LevelSummary {
	if m == nil {
		return nil
	}
	out := make([]LevelSummary, 0, len(m.Levels))
	for _, lv := range m.Levels {
		s := LevelSummary{Level: lv.Index, VoxelSize: lv.VoxelSize, ChunkPhysicalSize: lv.ChunkPhysicalSize, Chunks: len(lv.Chunks)}
		for _, c := range lv.Chunks {
			s.Voxels += c.Count
		}
		out = append(out, s)
	}
	return out
}
