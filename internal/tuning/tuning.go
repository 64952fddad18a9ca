// Package tuning loads the viewer configuration (configs/viewer.yaml).
package tuning

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"voxelview.ai/internal/geometry"
	"voxelview.ai/internal/lod"
	"voxelview.ai/internal/voxel"
)

type Viewer struct {
	SchedulerIntervalMs int `yaml:"scheduler_interval_ms" validate:"min=10,max=60000"`
	FrameRateHz         int `yaml:"frame_rate_hz" validate:"min=1,max=240"`

	Builder     string   `yaml:"builder" validate:"oneof=culled instanced"`
	Edges       bool     `yaml:"edges"`
	ColorPolicy string   `yaml:"color_policy" validate:"oneof=level random"`
	ColorSeed   uint64   `yaml:"color_seed"`
	Palette     []string `yaml:"palette" validate:"min=1,dive,hexcolor"`

	// Layout of the dense source dump read by the LOD builder.
	RecordSchema string `yaml:"record_schema" validate:"oneof=dense49 dense33"`

	// level -> [min, max) camera distance.
	LODRanges map[int][]float64 `yaml:"lod_ranges" validate:"min=1,dive,len=2"`

	FetchTimeoutMs  int     `yaml:"fetch_timeout_ms" validate:"min=0"`
	RetryLimit      int     `yaml:"retry_limit" validate:"min=0"`
	RetryWindowMs   int     `yaml:"retry_window_ms" validate:"min=0"`
	EvictDistance   float64 `yaml:"evict_distance" validate:"min=0"`
	EvictAfterTicks int     `yaml:"evict_after_ticks" validate:"min=0"`
	MaxLoadsPerTick int     `yaml:"max_loads_per_tick" validate:"min=0"`

	// Headless flythrough waypoints and speed in world units per second.
	Flythrough      [][]float64 `yaml:"flythrough" validate:"dive,len=3"`
	FlythroughSpeed float64     `yaml:"flythrough_speed" validate:"min=0"`
}

func Defaults() Viewer {
	return Viewer{
		SchedulerIntervalMs: 250,
		FrameRateHz:         30,
		Builder:             string(geometry.ModeCulled),
		Edges:               true,
		ColorPolicy:         string(geometry.ColorByLevel),
		ColorSeed:           1,
		Palette:             append([]string(nil), geometry.DefaultPalette...),
		RecordSchema:        voxel.Dense49.Name,
		LODRanges: map[int][]float64{
			0: {0, 60},
			1: {60, 150},
			2: {150, 400},
			3: {400, 1000},
		},
		FetchTimeoutMs:  10000,
		RetryLimit:      3,
		RetryWindowMs:   30000,
		EvictDistance:   0,
		EvictAfterTicks: 50,
		MaxLoadsPerTick: 8,
		Flythrough: [][]float64{
			{0, 20, 0},
			{200, 40, 200},
			{600, 120, 600},
			{0, 20, 0},
		},
		FlythroughSpeed: 40,
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Viewer, error) {
	v := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return v, err
	}
	// yaml merges into a non-nil map; a configured range set replaces the default one.
	v.LODRanges = nil
	if err := yaml.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("viewer.yaml: %w", err)
	}
	if v.LODRanges == nil {
		v.LODRanges = Defaults().LODRanges
	}
	if err := v.Validate(); err != nil {
		return v, fmt.Errorf("viewer.yaml: %w", err)
	}
	return v, nil
}

var validate = validator.New()

func (v Viewer) Validate() error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return err
	}
	if _, err := v.Ranges().Validate(); err != nil {
		return err
	}
	if v.EvictDistance > 0 && v.EvictDistance <= v.Ranges().Outer() {
		return fmt.Errorf("evict_distance %g must exceed the outermost lod range %g", v.EvictDistance, v.Ranges().Outer())
	}
	if _, err := v.BuilderOptions(); err != nil {
		return err
	}
	return nil
}

func (v Viewer) Ranges() lod.Ranges {
	out := lod.Ranges{}
	for lv, r := range v.LODRanges {
		if len(r) == 2 {
			out[lv] = lod.Range{Min: r[0], Max: r[1]}
		}
	}
	return out
}

func (v Viewer) BuilderOptions() (geometry.Options, error) {
	opts := geometry.Options{
		Mode:        geometry.Mode(v.Builder),
		Edges:       v.Edges,
		ColorPolicy: geometry.ColorPolicy(v.ColorPolicy),
		Seed:        v.ColorSeed,
	}
	for _, s := range v.Palette {
		c, err := geometry.ParseColor(s)
		if err != nil {
			return opts, fmt.Errorf("palette: %w", err)
		}
		opts.Palette = append(opts.Palette, c)
	}
	return opts, nil
}

func (v Viewer) SchedulerInterval() time.Duration {
	return time.Duration(v.SchedulerIntervalMs) * time.Millisecond
}

func (v Viewer) FramePeriod() time.Duration {
	if v.FrameRateHz <= 0 {
		return time.Second / 30
	}
	return time.Second / time.Duration(v.FrameRateHz)
}

func (v Viewer) FetchTimeout() time.Duration {
	return time.Duration(v.FetchTimeoutMs) * time.Millisecond
}

func (v Viewer) RetryWindow() time.Duration {
	return time.Duration(v.RetryWindowMs) * time.Millisecond
}

func (v Viewer) LODConfig() lod.Config {
	return lod.Config{
		Ranges:          v.Ranges(),
		EvictDistance:   v.EvictDistance,
		EvictAfterTicks: uint64(v.EvictAfterTicks),
		MaxLoadsPerTick: v.MaxLoadsPerTick,
	}
}

func (v Viewer) Schema() voxel.Schema {
	s, err := voxel.SchemaByName(v.RecordSchema)
	if err != nil {
		return voxel.Dense49
	}
	return s
}
