// Package lodbuild turns a dense voxel dump into a multi-level chunked
// dataset: one directory per level holding chunk payloads, plus
// manifest.json at the root.
package lodbuild

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log"
	"maps"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"sync/atomic"

	"github.com/alitto/pond/v2"
	"github.com/klauspost/compress/zstd"

	"voxelview.ai/internal/manifest"
	"voxelview.ai/internal/voxel"
)

var ErrNoVoxels = errors.New("no voxels")

type Options struct {
	BaseVoxelSize  float64
	MaxVoxelSize   float64
	ChunkDimension int
	// Zstd writes chunk_<id>.bin.zst instead of chunk_<id>.bin.
	Zstd    bool
	Workers int
	Logger  *log.Logger
}

func (o *Options) fill() error {
	if o.BaseVoxelSize == 0 {
		o.BaseVoxelSize = 0.5
	}
	if o.MaxVoxelSize == 0 {
		o.MaxVoxelSize = 4.0
	}
	if o.ChunkDimension == 0 {
		o.ChunkDimension = 32
	}
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.BaseVoxelSize <= 0 || math.IsNaN(o.BaseVoxelSize) {
		return fmt.Errorf("base voxel size must be positive, got %g", o.BaseVoxelSize)
	}
	if o.MaxVoxelSize < o.BaseVoxelSize {
		return fmt.Errorf("max voxel size %g is below base %g", o.MaxVoxelSize, o.BaseVoxelSize)
	}
	if o.ChunkDimension < 1 {
		return fmt.Errorf("chunk dimension must be >= 1, got %d", o.ChunkDimension)
	}
	return nil
}

type Result struct {
	Manifest *manifest.Manifest
	Files    []string // written paths, manifest last
	Bytes    int64
}

type cell [3]int64

func cmpCell(a, b cell) int {
	if c := cmp.Compare(a[0], b[0]); c != 0 {
		return c
	}
	if c := cmp.Compare(a[1], b[1]); c != 0 {
		return c
	}
	return cmp.Compare(a[2], b[2])
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// BuildFile decodes inPath with schema and writes the dataset below outDir.
func BuildFile(ctx context.Context, inPath string, schema voxel.Schema, outDir string, opts Options) (Result, error) {
	if err := schema.Validate(); err != nil {
		return Result{}, err
	}
	data, err := os.ReadFile(inPath)
	if err != nil {
		return Result{}, err
	}
	if rem := len(data) % schema.RecordSize; rem != 0 && opts.Logger != nil {
		opts.Logger.Printf("lodbuild: %s has %d trailing bytes, ignored", inPath, rem)
	}
	return Build(ctx, voxel.Decode(data, schema), outDir, opts)
}

// Build quantizes samples to the base grid and writes every level.
func Build(ctx context.Context, samples iter.Seq[voxel.Sample], outDir string, opts Options) (Result, error) {
	if err := opts.fill(); err != nil {
		return Result{}, err
	}
	cells := map[cell]struct{}{}
	for s := range samples {
		var c cell
		for i := range 3 {
			c[i] = int64(math.Floor(s.Pos[i] / opts.BaseVoxelSize))
		}
		cells[c] = struct{}{}
	}
	if len(cells) == 0 {
		return Result{}, ErrNoVoxels
	}

	var enc *zstd.Encoder
	if opts.Zstd {
		e, err := zstd.NewWriter(nil)
		if err != nil {
			return Result{}, err
		}
		defer e.Close()
		enc = e
	}

	pool := pond.NewPool(opts.Workers)
	defer pool.StopAndWait()

	doc := manifest.Document{
		BaseVoxelSize:  opts.BaseVoxelSize,
		ChunkDimension: opts.ChunkDimension,
		Levels:         map[string]manifest.LevelDocument{},
	}
	var res Result
	var written atomic.Int64
	vs := opts.BaseVoxelSize
	for level := 0; vs <= opts.MaxVoxelSize; level++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		lvl, files, err := writeLevel(pool, enc, &written, outDir, level, vs, cells, opts)
		if err != nil {
			return Result{}, fmt.Errorf("level %d: %w", level, err)
		}
		doc.Levels[strconv.Itoa(level)] = lvl
		res.Files = append(res.Files, files...)
		if opts.Logger != nil {
			opts.Logger.Printf("lodbuild: level=%d voxel_size=%g cells=%d chunks=%d", level, vs, len(cells), len(lvl.Chunks))
		}
		if vs >= opts.MaxVoxelSize {
			break
		}
		cells = downsample(cells)
		vs *= 2
	}

	man, err := manifest.FromDocument(doc)
	if err != nil {
		return Result{}, err
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return Result{}, err
	}
	manPath := filepath.Join(outDir, manifest.FileName)
	if err := os.WriteFile(manPath, append(b, '\n'), 0o644); err != nil {
		return Result{}, err
	}
	res.Manifest = man
	res.Files = append(res.Files, manPath)
	res.Bytes = written.Load() + int64(len(b)+1)
	return res, nil
}

// downsample merges each 2x2x2 block of cells into one parent cell.
func downsample(cells map[cell]struct{}) map[cell]struct{} {
	out := make(map[cell]struct{}, len(cells)/2+1)
	for c := range cells {
		out[cell{c[0] >> 1, c[1] >> 1, c[2] >> 1}] = struct{}{}
	}
	return out
}

func chunkID(c cell) string {
	return strconv.FormatInt(c[0], 10) + "_" + strconv.FormatInt(c[1], 10) + "_" + strconv.FormatInt(c[2], 10)
}

func writeLevel(pool pond.Pool, enc *zstd.Encoder, written *atomic.Int64, outDir string, level int, vs float64, cells map[cell]struct{}, opts Options) (manifest.LevelDocument, []string, error) {
	dim := int64(opts.ChunkDimension)
	byChunk := map[cell][]cell{}
	for c := range cells {
		k := cell{floorDiv(c[0], dim), floorDiv(c[1], dim), floorDiv(c[2], dim)}
		byChunk[k] = append(byChunk[k], c)
	}

	dir := filepath.Join(outDir, strconv.Itoa(level))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return manifest.LevelDocument{}, nil, err
	}
	phys := float64(opts.ChunkDimension) * vs
	lvl := manifest.LevelDocument{
		VoxelSize:         vs,
		ChunkPhysicalSize: phys,
		Chunks:            make(map[string]manifest.ChunkDocument, len(byChunk)),
	}

	keys := slices.SortedFunc(maps.Keys(byChunk), cmpCell)
	files := make([]string, len(keys))
	group := pool.NewGroup()
	for i, k := range keys {
		id := chunkID(k)
		name := "chunk_" + id + ".bin"
		if enc != nil {
			name += ".zst"
		}
		members := byChunk[k]
		slices.SortFunc(members, cmpCell)
		lvl.Chunks[id] = manifest.ChunkDocument{
			File:  name,
			X:     float64(k[0]) * phys,
			Y:     float64(k[1]) * phys,
			Z:     float64(k[2]) * phys,
			Count: len(members),
		}
		path := filepath.Join(dir, name)
		files[i] = path
		group.SubmitErr(func() error {
			payload := make([]byte, 0, len(members)*voxel.ChunkF32.RecordSize)
			for _, c := range members {
				center := [3]float64{
					(float64(c[0]) + 0.5) * vs,
					(float64(c[1]) + 0.5) * vs,
					(float64(c[2]) + 0.5) * vs,
				}
				payload = voxel.AppendRecord(payload, voxel.ChunkF32, center, true)
			}
			if enc != nil {
				payload = enc.EncodeAll(payload, nil)
			}
			if err := os.WriteFile(path, payload, 0o644); err != nil {
				return err
			}
			written.Add(int64(len(payload)))
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return manifest.LevelDocument{}, nil, err
	}
	return lvl, files, nil
}
