// Package baseline decides which rows of a dataset are touched, from the
// row's antenna pair (baseline length) and its data-description id.
package baseline

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidUVRange reports a malformed "low~high" range.
var ErrInvalidUVRange = errors.New("baseline: invalid uv range")

// Antennas maps antenna index to position in metres (ITRF/ECEF-like frame).
type Antennas [][3]float64

// UVRange is an inclusive baseline-length range in metres.
type UVRange struct {
	Low  float64
	High float64
}

// Unbounded is the range [0, +Inf).
func Unbounded() UVRange { return UVRange{Low: 0, High: math.Inf(1)} }

// IsUnbounded reports whether the range selects every baseline.
func (r UVRange) IsUnbounded() bool { return r.Low <= 0 && math.IsInf(r.High, 1) }

func (r UVRange) String() string {
	if r.IsUnbounded() {
		return "all"
	}
	high := "inf"
	if !math.IsInf(r.High, 1) {
		high = strconv.FormatFloat(r.High, 'g', -1, 64)
	}
	return strconv.FormatFloat(r.Low, 'g', -1, 64) + "~" + high + " m"
}

// Purpose: Parse a "low~high" baseline range in metres.
// Key aspects: Empty input is unbounded; either side may be omitted
// ("~500", "100~"); negative values and low > high are rejected.
// Upstream: config resolution in main.
// Downstream: strconv.ParseFloat.
func ParseUVRange(s string) (UVRange, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Unbounded(), nil
	}
	lowText, highText, ok := strings.Cut(trimmed, "~")
	if !ok {
		return UVRange{}, fmt.Errorf("%w: %q (want low~high in metres)", ErrInvalidUVRange, s)
	}
	r := Unbounded()
	if v := strings.TrimSpace(lowText); v != "" {
		low, err := strconv.ParseFloat(v, 64)
		if err != nil || low < 0 || math.IsNaN(low) {
			return UVRange{}, fmt.Errorf("%w: bad lower bound %q", ErrInvalidUVRange, v)
		}
		r.Low = low
	}
	if v := strings.TrimSpace(highText); v != "" {
		high, err := strconv.ParseFloat(v, 64)
		if err != nil || high < 0 || math.IsNaN(high) {
			return UVRange{}, fmt.Errorf("%w: bad upper bound %q", ErrInvalidUVRange, v)
		}
		r.High = high
	}
	if r.Low > r.High {
		return UVRange{}, fmt.Errorf("%w: lower bound %g exceeds upper bound %g", ErrInvalidUVRange, r.Low, r.High)
	}
	return r, nil
}

// Selector is the per-dataset row predicate.
type Selector struct {
	antennas Antennas
	lowSq    float64
	highSq   float64
	all      bool
	targets  map[int]bool
}

// Purpose: Build the row predicate for one dataset.
// Key aspects: targets lists the data-description ids to touch (empty means
// all); squared limits avoid a square root per row.
// Upstream: flagger planning.
// Downstream: None.
func NewSelector(ants Antennas, r UVRange, targets []int) *Selector {
	s := &Selector{
		antennas: ants,
		lowSq:    r.Low * r.Low,
		highSq:   r.High * r.High,
		all:      r.IsUnbounded(),
		targets:  make(map[int]bool, len(targets)),
	}
	for _, t := range targets {
		s.targets[t] = true
	}
	return s
}

// Select reports whether a row with antennas a1, a2 and data-description id
// ddid is touched. Rows naming unknown antennas are never selected.
func (s *Selector) Select(a1, a2, ddid int) bool {
	if len(s.targets) > 0 && !s.targets[ddid] {
		return false
	}
	d2, ok := s.distanceSq(a1, a2)
	if !ok {
		return false
	}
	return s.all || (d2 >= s.lowSq && d2 <= s.highSq)
}

// Distance returns the baseline length in metres.
func (s *Selector) Distance(a1, a2 int) (float64, bool) {
	d2, ok := s.distanceSq(a1, a2)
	if !ok {
		return 0, false
	}
	return math.Sqrt(d2), true
}

func (s *Selector) distanceSq(a1, a2 int) (float64, bool) {
	if a1 < 0 || a2 < 0 || a1 >= len(s.antennas) || a2 >= len(s.antennas) {
		return 0, false
	}
	p, q := s.antennas[a1], s.antennas[a2]
	dx, dy, dz := p[0]-q[0], p[1]-q[1], p[2]-q[2]
	return dx*dx + dy*dy + dz*dz, true
}
