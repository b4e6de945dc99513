// Package stats counts flagged visibilities before and after masking and
// renders the per-dataset summary lines.
package stats

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Accumulator collects flag counts for one dataset.
type Accumulator struct {
	// atomics so a progress reader can sample while the writer streams
	rows   atomic.Uint64
	cells  atomic.Uint64
	before atomic.Uint64
	after  atomic.Uint64
	chunks atomic.Uint64
	start  atomic.Int64
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	a := &Accumulator{}
	a.start.Store(time.Now().UnixNano())
	return a
}

// AddCells records rows read with cellsPerRow flag elements each. Every row
// read counts, selected or not.
func (a *Accumulator) AddCells(rows, cellsPerRow int) {
	if rows <= 0 {
		return
	}
	a.rows.Add(uint64(rows))
	if cellsPerRow > 0 {
		a.cells.Add(uint64(rows) * uint64(cellsPerRow))
	}
}

// AddBefore adds flags observed before merging.
func (a *Accumulator) AddBefore(count int) {
	if count > 0 {
		a.before.Add(uint64(count))
	}
}

// AddAfter adds flags present after merging.
func (a *Accumulator) AddAfter(count int) {
	if count > 0 {
		a.after.Add(uint64(count))
	}
}

// AddChunk counts one completed chunk.
func (a *Accumulator) AddChunk() {
	a.chunks.Add(1)
}

// Result snapshots the counters.
func (a *Accumulator) Result() Result {
	return Result{
		Rows:    a.rows.Load(),
		Cells:   a.cells.Load(),
		Before:  a.before.Load(),
		After:   a.after.Load(),
		Chunks:  a.chunks.Load(),
		Elapsed: time.Since(time.Unix(0, a.start.Load())),
	}
}

// Result is the outcome of one dataset pass.
type Result struct {
	Rows    uint64
	Cells   uint64
	Before  uint64
	After   uint64
	Chunks  uint64
	Elapsed time.Duration
}

// PercentBefore is the flagged share before masking, 0 for an empty dataset.
func (r Result) PercentBefore() float64 { return percent(r.Before, r.Cells) }

// PercentAfter is the flagged share after masking, 0 for an empty dataset.
func (r Result) PercentAfter() float64 { return percent(r.After, r.Cells) }

// Newly is the number of flags the pass added.
func (r Result) Newly() uint64 {
	if r.After < r.Before {
		return 0
	}
	return r.After - r.Before
}

// Lines returns human-readable summary lines for console display.
func (r Result) Lines() []string {
	return []string{
		fmt.Sprintf("Rows: %s in %s chunks (%s flag cells)",
			humanize.Comma(int64(r.Rows)), humanize.Comma(int64(r.Chunks)), humanize.Comma(int64(r.Cells))),
		fmt.Sprintf("Flagged: %s before (%.2f%%), %s after (%.2f%%), %s new",
			humanize.Comma(int64(r.Before)), r.PercentBefore(),
			humanize.Comma(int64(r.After)), r.PercentAfter(),
			humanize.Comma(int64(r.Newly()))),
	}
}

func percent(n, d uint64) float64 {
	if d == 0 {
		return 0
	}
	return 100 * float64(n) / float64(d)
}
