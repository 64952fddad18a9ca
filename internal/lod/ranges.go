package lod

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var ErrBadRanges = errors.New("bad lod ranges")

// Range is a half-open camera distance interval [Min, Max).
type Range struct {
	Min float64
	Max float64
}

func (r Range) Contains(d float64) bool { return d >= r.Min && d < r.Max }

// Ranges maps a level index to the distances at which it is shown. A level
// without an entry is never shown.
type Ranges map[int]Range

func (rs Ranges) levels() []int {
	out := make([]int, 0, len(rs))
	for lv := range rs {
		out = append(out, lv)
	}
	sort.Ints(out)
	return out
}

// Validate requires every range to be well formed and the ranges to increase
// with level without overlapping. Gaps are allowed but reported as warnings.
func (rs Ranges) Validate() (warnings []string, err error) {
	if len(rs) == 0 {
		return nil, fmt.Errorf("%w: no ranges configured", ErrBadRanges)
	}
	lvs := rs.levels()
	for i, lv := range lvs {
		r := rs[lv]
		if lv < 0 {
			return nil, fmt.Errorf("%w: negative level %d", ErrBadRanges, lv)
		}
		if math.IsNaN(r.Min) || math.IsNaN(r.Max) || r.Min < 0 || r.Max <= r.Min {
			return nil, fmt.Errorf("%w: level %d range [%g,%g)", ErrBadRanges, lv, r.Min, r.Max)
		}
		if i == 0 {
			continue
		}
		prev := rs[lvs[i-1]]
		switch {
		case r.Min < prev.Max:
			return nil, fmt.Errorf("%w: level %d [%g,%g) overlaps level %d [%g,%g)",
				ErrBadRanges, lv, r.Min, r.Max, lvs[i-1], prev.Min, prev.Max)
		case r.Min > prev.Max:
			warnings = append(warnings, fmt.Sprintf("gap [%g,%g) between level %d and level %d shows nothing", prev.Max, r.Min, lvs[i-1], lv))
		}
	}
	return warnings, nil
}

// Outer is the largest Max over all ranges.
func (rs Ranges) Outer() float64 {
	out := 0.0
	for _, r := range rs {
		out = math.Max(out, r.Max)
	}
	return out
}
