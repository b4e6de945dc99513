package mask

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrDilationUnsupported reports a frequency-width dilation requested on a
// mask whose channel spacing is unknown.
var ErrDilationUnsupported = errors.New("mask: frequency dilation needs a frequency-labelled mask with at least two channels")

// Dilation widens flagged runs either by a channel count or by a frequency
// width converted to channels with the mask's spacing.
type Dilation struct {
	Channels    int
	Width       float64 // Hz, used when ByFrequency
	ByFrequency bool
}

func (d *Dilation) String() string {
	if d == nil {
		return "none"
	}
	if d.ByFrequency {
		return formatHz(d.Width)
	}
	return fmt.Sprintf("%d channels", d.Channels)
}

var unitScale = []struct {
	suffix string
	scale  float64
}{
	{"ghz", 1e9},
	{"mhz", 1e6},
	{"khz", 1e3},
	{"hz", 1},
}

// Purpose: Parse a dilation value: a bare channel count or a width with a
// Hz/kHz/MHz/GHz suffix.
// Key aspects: Empty input means no dilation (nil, nil); units are
// case-insensitive and may be separated by spaces.
// Upstream: config resolution in main.
// Downstream: strconv.
func ParseDilation(s string) (*Dilation, error) {
	trimmed := strings.ToLower(strings.TrimSpace(s))
	if trimmed == "" {
		return nil, nil
	}
	for _, u := range unitScale {
		if !strings.HasSuffix(trimmed, u.suffix) {
			continue
		}
		num := strings.TrimSpace(strings.TrimSuffix(trimmed, u.suffix))
		v, err := strconv.ParseFloat(num, 64)
		if err != nil || v < 0 || math.IsInf(v, 0) || math.IsNaN(v) {
			return nil, fmt.Errorf("mask: invalid dilation width %q", s)
		}
		return &Dilation{Width: v * u.scale, ByFrequency: true}, nil
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("mask: invalid dilation %q (want channels or a width with Hz/kHz/MHz/GHz)", s)
	}
	return &Dilation{Channels: n}, nil
}

// Purpose: Resolve the dilation into a channel iteration count for m.
// Key aspects: count = floor(width/spacing) + 1 for frequency widths. The
// result is capped at m.Len(); a wider dilation cannot reach further.
// Upstream: Dilate, run summaries.
// Downstream: Mask.Spacing.
func (d *Dilation) ChannelCount(m *Mask) (int, error) {
	if d == nil {
		return 0, nil
	}
	if !d.ByFrequency {
		return min(d.Channels, m.Len()), nil
	}
	spacing := m.Spacing()
	if !m.HasFrequencies() || spacing <= 0 {
		return 0, ErrDilationUnsupported
	}
	steps := math.Floor(d.Width / spacing)
	if steps >= float64(m.Len()) {
		return m.Len(), nil
	}
	return min(int(steps)+1, m.Len()), nil
}

// Purpose: Widen flagged runs of m without mutating it.
// Key aspects: Equivalent to binary dilation with a 3-wide structuring
// element iterated count times, clipped at both ends; computed as a two-pass
// distance sweep so the cost does not grow with count.
// Upstream: main startup, flagger tests.
// Downstream: ChannelCount.
func Dilate(m *Mask, d *Dilation) (*Mask, error) {
	out := m.Clone()
	count, err := d.ChannelCount(m)
	if err != nil {
		return nil, err
	}
	if count <= 0 || m.Len() == 0 {
		return out, nil
	}
	n := m.Len()
	// dist[i] is the distance to the nearest flagged channel; MaxInt when none.
	dist := make([]int, n)
	last := -1
	for i := 0; i < n; i++ {
		if m.Flags[i] {
			last = i
		}
		dist[i] = math.MaxInt
		if last >= 0 && i-last < dist[i] {
			dist[i] = i - last
		}
	}
	last = -1
	for i := n - 1; i >= 0; i-- {
		if m.Flags[i] {
			last = i
		}
		if last >= 0 && last-i < dist[i] {
			dist[i] = last - i
		}
	}
	for i := range out.Flags {
		out.Flags[i] = dist[i] <= count
	}
	return out, nil
}

func formatHz(v float64) string {
	switch {
	case v >= 1e9:
		return strconv.FormatFloat(v/1e9, 'g', -1, 64) + " GHz"
	case v >= 1e6:
		return strconv.FormatFloat(v/1e6, 'g', -1, 64) + " MHz"
	case v >= 1e3:
		return strconv.FormatFloat(v/1e3, 'g', -1, 64) + " kHz"
	default:
		return strconv.FormatFloat(v, 'g', -1, 64) + " Hz"
	}
}
