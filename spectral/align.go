// Package spectral maps the mask's channel grid onto a dataset's spectral
// windows, producing a per-window boolean channel mask.
package spectral

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"rfimasker/mask"
)

// ErrChannelCountMismatch reports a legacy (index-aligned) mask whose length
// differs from a spectral window's channel count.
var ErrChannelCountMismatch = errors.New("spectral: channel count mismatch")

// Window is one spectral window of a dataset.
type Window struct {
	ID          int
	Name        string
	CenterFreqs []float64
	Widths      []float64
}

// NumChannels returns the channel count.
func (w Window) NumChannels() int { return len(w.CenterFreqs) }

// ChannelMask has one entry per spectral-window channel; true means masked.
type ChannelMask []bool

// Count returns the number of masked channels.
func (c ChannelMask) Count() int {
	n := 0
	for _, v := range c {
		if v {
			n++
		}
	}
	return n
}

type span struct{ lo, hi float64 }

// Purpose: Compute which channels of w are contaminated according to m.
// Key aspects: Legacy masks align by index and require equal channel counts.
// Frequency-labelled masks mark a channel when a masked mask-channel centre
// falls in [centre-|width|/2, centre+|width|/2), or when the channel centre
// falls inside a masked mask-channel span. Both tests use sorted slices and
// binary search, O((N+M) log M). An all-false result is valid.
// Upstream: flagger planning.
// Downstream: mask.Mask.Bounds.
func Align(m *mask.Mask, w Window) (ChannelMask, error) {
	if len(w.Widths) != len(w.CenterFreqs) {
		return nil, fmt.Errorf("spectral: window %d has %d frequencies and %d widths", w.ID, len(w.CenterFreqs), len(w.Widths))
	}
	if !m.HasFrequencies() {
		if m.Len() != w.NumChannels() {
			return nil, fmt.Errorf("%w: spectral window %d (%s) has %d channels but the mask has %d",
				ErrChannelCountMismatch, w.ID, w.Name, w.NumChannels(), m.Len())
		}
		return ChannelMask(append([]bool(nil), m.Flags...)), nil
	}

	lo, hi := m.Bounds()
	centers := make([]float64, 0, m.FlaggedCount())
	spans := make([]span, 0, m.FlaggedCount())
	for i, flagged := range m.Flags {
		if !flagged {
			continue
		}
		centers = append(centers, m.Freqs[i])
		if hi[i] > lo[i] {
			spans = append(spans, span{lo: lo[i], hi: hi[i]})
		}
	}
	sort.Float64s(centers)
	spans = mergeSpans(spans)

	out := make(ChannelMask, w.NumChannels())
	for c, center := range w.CenterFreqs {
		half := math.Abs(w.Widths[c]) / 2
		out[c] = centerIn(centers, center-half, center+half) || insideSpan(spans, center)
	}
	return out, nil
}

// centerIn reports whether any sorted centre lies in [lo, hi).
func centerIn(centers []float64, lo, hi float64) bool {
	i := sort.SearchFloat64s(centers, lo)
	return i < len(centers) && centers[i] < hi
}

// insideSpan reports whether f lies in one of the disjoint, sorted spans.
func insideSpan(spans []span, f float64) bool {
	i := sort.Search(len(spans), func(i int) bool { return spans[i].hi > f })
	return i < len(spans) && spans[i].lo <= f
}

// mergeSpans sorts spans and unions overlapping or touching ones.
func mergeSpans(spans []span) []span {
	if len(spans) < 2 {
		return spans
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].lo < spans[j].lo })
	out := spans[:1]
	for _, s := range spans[1:] {
		last := &out[len(out)-1]
		if s.lo <= last.hi {
			if s.hi > last.hi {
				last.hi = s.hi
			}
			continue
		}
		out = append(out, s)
	}
	return out
}
