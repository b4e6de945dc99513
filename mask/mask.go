// Package mask holds the static per-channel RFI mask: loading it from its
// persisted NumPy form, deriving channel spans from its frequency grid, and
// widening flagged runs by morphological dilation.
package mask

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/zeebo/xxh3"
)

// ErrInvalidMaskFormat reports a persisted mask that is neither a boolean
// vector nor a (bool, float64) structured array.
var ErrInvalidMaskFormat = errors.New("mask: invalid mask format")

// Mask is an ordered list of channels, each flagged or not. Freqs is nil for
// legacy masks that carry no frequency grid.
type Mask struct {
	Flags []bool
	Freqs []float64
}

// FromFlags builds a legacy mask aligned to datasets by channel index.
func FromFlags(flags []bool) *Mask {
	return &Mask{Flags: append([]bool(nil), flags...)}
}

// Purpose: Build a frequency-labelled mask.
// Key aspects: Frequencies must be finite and strictly monotonic (either
// direction) so channel spans can be derived from neighbours.
// Upstream: Load (extended format), tests, cmd/msgen.
// Downstream: None.
func FromChannels(flags []bool, freqs []float64) (*Mask, error) {
	if len(flags) != len(freqs) {
		return nil, fmt.Errorf("%w: %d flags but %d frequencies", ErrInvalidMaskFormat, len(flags), len(freqs))
	}
	for i, f := range freqs {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: channel %d frequency is not finite", ErrInvalidMaskFormat, i)
		}
	}
	if len(freqs) > 1 {
		ascending := freqs[1] > freqs[0]
		for i := 1; i < len(freqs); i++ {
			if (ascending && freqs[i] <= freqs[i-1]) || (!ascending && freqs[i] >= freqs[i-1]) {
				return nil, fmt.Errorf("%w: frequencies are not monotonic at channel %d", ErrInvalidMaskFormat, i)
			}
		}
	}
	return &Mask{
		Flags: append([]bool(nil), flags...),
		Freqs: append(make([]float64, 0, len(freqs)), freqs...),
	}, nil
}

// Len returns the channel count.
func (m *Mask) Len() int { return len(m.Flags) }

// HasFrequencies reports whether the mask carries a frequency grid.
func (m *Mask) HasFrequencies() bool { return m.Freqs != nil }

// FlaggedCount returns the number of flagged channels.
func (m *Mask) FlaggedCount() int {
	n := 0
	for _, f := range m.Flags {
		if f {
			n++
		}
	}
	return n
}

// Clone returns a deep copy.
func (m *Mask) Clone() *Mask {
	out := &Mask{Flags: append([]bool(nil), m.Flags...)}
	if m.Freqs != nil {
		out.Freqs = append(make([]float64, 0, len(m.Freqs)), m.Freqs...)
	}
	return out
}

// Spacing returns the mean absolute channel spacing, or 0 with fewer than two
// channels or no frequency grid.
func (m *Mask) Spacing() float64 {
	if len(m.Freqs) < 2 {
		return 0
	}
	return math.Abs(m.Freqs[len(m.Freqs)-1]-m.Freqs[0]) / float64(len(m.Freqs)-1)
}

// Purpose: Derive each channel's [lo, hi) frequency span.
// Key aspects: Interior edges sit at neighbour midpoints; the two boundary
// channels mirror their only neighbour's spacing; lo <= hi regardless of grid
// direction. A single channel has a zero-width span.
// Upstream: spectral.Align.
// Downstream: None.
func (m *Mask) Bounds() (lo, hi []float64) {
	n := len(m.Freqs)
	lo = make([]float64, n)
	hi = make([]float64, n)
	if n == 0 {
		return lo, hi
	}
	if n == 1 {
		lo[0], hi[0] = m.Freqs[0], m.Freqs[0]
		return lo, hi
	}
	// edges[i] separates channel i-1 and channel i; edges[0] and edges[n] are extrapolated.
	edges := make([]float64, n+1)
	for i := 1; i < n; i++ {
		edges[i] = (m.Freqs[i-1] + m.Freqs[i]) / 2
	}
	edges[0] = m.Freqs[0] - (edges[1] - m.Freqs[0])
	edges[n] = m.Freqs[n-1] + (m.Freqs[n-1] - edges[n-1])
	for i := 0; i < n; i++ {
		a, b := edges[i], edges[i+1]
		if a > b {
			a, b = b, a
		}
		lo[i], hi[i] = a, b
	}
	return lo, hi
}

// Fingerprint digests flags and frequencies so runs applying the same mask
// can be recognised in the journal.
func (m *Mask) Fingerprint() uint64 {
	buf := make([]byte, 0, len(m.Flags)+8*len(m.Freqs)+1)
	if m.HasFrequencies() {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	for _, f := range m.Flags {
		if f {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	for _, f := range m.Freqs {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(f))
	}
	return xxh3.Hash(buf)
}
