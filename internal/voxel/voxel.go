// Package voxel decodes fixed-size binary voxel records.
//
// Two families of files are understood: the dense source dump (float64
// centers followed by an occupancy byte and an optional neighbor block) and
// the per-chunk payloads written by the LOD builder (packed float32 centers,
// every record occupied).
package voxel

import (
	"encoding/binary"
	"fmt"
	"iter"
	"math"
)

// Sample is one occupied cell. Pos is the world-space center; the edge length
// is implied by the level the sample was read for.
type Sample struct {
	Pos [3]float64
}

// Schema describes the byte layout of one record.
type Schema struct {
	Name       string
	RecordSize int
	Wide       bool   // float64 coordinates when true, float32 otherwise
	Offsets    [3]int // x, y, z
	FlagOffset int    // <0: no occupancy byte, every record is a sample
}

var (
	// Dense49 is the source dump layout with the trailing 6x int32 neighbor block.
	Dense49 = Schema{Name: "dense49", RecordSize: 49, Wide: true, Offsets: [3]int{0, 8, 16}, FlagOffset: 24}
	// Dense33 is the source dump layout without the neighbor block.
	Dense33 = Schema{Name: "dense33", RecordSize: 33, Wide: true, Offsets: [3]int{0, 8, 16}, FlagOffset: 24}
	// ChunkF32 is the chunk payload layout: tightly packed float32 triples.
	ChunkF32 = Schema{Name: "chunk_f32", RecordSize: 12, Wide: false, Offsets: [3]int{0, 4, 8}, FlagOffset: -1}
)

// SchemaByName resolves the names used in configuration files.
func SchemaByName(name string) (Schema, error) {
	switch name {
	case Dense49.Name:
		return Dense49, nil
	case Dense33.Name:
		return Dense33, nil
	case ChunkF32.Name:
		return ChunkF32, nil
	}
	return Schema{}, fmt.Errorf("unknown record schema %q", name)
}

func (s Schema) width() int {
	if s.Wide {
		return 8
	}
	return 4
}

// Validate checks that every field fits inside one record.
func (s Schema) Validate() error {
	if s.RecordSize <= 0 {
		return fmt.Errorf("schema %s: record size must be positive", s.Name)
	}
	for i, off := range s.Offsets {
		if off < 0 || off+s.width() > s.RecordSize {
			return fmt.Errorf("schema %s: coordinate %d at offset %d exceeds record size %d", s.Name, i, off, s.RecordSize)
		}
	}
	if s.FlagOffset >= s.RecordSize {
		return fmt.Errorf("schema %s: flag offset %d exceeds record size %d", s.Name, s.FlagOffset, s.RecordSize)
	}
	return nil
}

// Records returns the number of candidate records in a buffer of n bytes.
// A trailing partial record is not counted.
func (s Schema) Records(n int) int {
	if s.RecordSize <= 0 || n <= 0 {
		return 0
	}
	return n / s.RecordSize
}

func (s Schema) coord(rec []byte, i int) float64 {
	off := s.Offsets[i]
	if s.Wide {
		return math.Float64frombits(binary.LittleEndian.Uint64(rec[off : off+8]))
	}
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(rec[off : off+4])))
}

// Decode returns a lazy sequence over the occupied records of buf. The
// sequence can be ranged over any number of times. Records whose flag byte is
// zero are dropped; a final partial record is ignored.
func Decode(buf []byte, s Schema) iter.Seq[Sample] {
	return func(yield func(Sample) bool) {
		n := s.Records(len(buf))
		for i := 0; i < n; i++ {
			start := i * s.RecordSize
			end := start + s.RecordSize
			if end > len(buf) {
				continue
			}
			rec := buf[start:end]
			if s.FlagOffset >= 0 && rec[s.FlagOffset] == 0 {
				continue
			}
			smp := Sample{Pos: [3]float64{s.coord(rec, 0), s.coord(rec, 1), s.coord(rec, 2)}}
			if !yield(smp) {
				return
			}
		}
	}
}

// Collect drains Decode into a slice.
func Collect(buf []byte, s Schema) []Sample {
	out := make([]Sample, 0, s.Records(len(buf)))
	for smp := range Decode(buf, s) {
		out = append(out, smp)
	}
	return out
}

// AppendRecord encodes one record in schema s. The neighbor block and any
// padding are left zeroed.
func AppendRecord(dst []byte, s Schema, pos [3]float64, filled bool) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, s.RecordSize)...)
	rec := dst[start:]
	for i, off := range s.Offsets {
		if s.Wide {
			binary.LittleEndian.PutUint64(rec[off:off+8], math.Float64bits(pos[i]))
		} else {
			binary.LittleEndian.PutUint32(rec[off:off+4], math.Float32bits(float32(pos[i])))
		}
	}
	if s.FlagOffset >= 0 && filled {
		rec[s.FlagOffset] = 1
	}
	return dst
}
