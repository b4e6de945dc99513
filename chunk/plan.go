// Package chunk sizes the row chunks that bound memory while streaming a
// dataset's flag column.
package chunk

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

// ErrBudgetTooSmall reports a memory budget that cannot hold a single row.
var ErrBudgetTooSmall = errors.New("chunk: memory budget too small")

// FlagByteSize is the in-memory size of one flag element.
const FlagByteSize = 1

// RowOverheadBytes covers ANTENNA1, ANTENNA2 and DATA_DESC_ID per row.
const RowOverheadBytes = 3 * 4

// Plan is the chunk layout for one dataset.
type Plan struct {
	TotalRows    int
	RowBytes     int64
	RowsPerChunk int
	Chunks       int
}

// RowBytes returns the per-row buffer cost for a flag cell of
// channels x correlations. It covers the decoded chunk; write-back stages
// one encoded copy (one byte per element plus a small cell header) in the
// store's batch, so the resident peak while committing is about twice this.
func RowBytes(channels, correlations int) int64 {
	return int64(channels)*int64(correlations)*FlagByteSize + RowOverheadBytes
}

// Purpose: Derive the chunk size and count from a byte budget.
// Key aspects: rows per chunk = floor(budget / rowBytes) and never below one;
// a budget that cannot hold one row is rejected before any I/O rather than
// planning zero chunks. The last chunk may be short.
// Upstream: flagger planning.
// Downstream: None.
func NewPlan(totalRows int, rowBytes, budget int64) (Plan, error) {
	if totalRows < 0 {
		return Plan{}, fmt.Errorf("chunk: negative row count %d", totalRows)
	}
	if rowBytes <= 0 {
		return Plan{}, fmt.Errorf("chunk: row cost must be >0 (got %d)", rowBytes)
	}
	if budget < rowBytes {
		return Plan{}, fmt.Errorf("%w: %s budget cannot hold one %s row",
			ErrBudgetTooSmall, humanize.IBytes(uint64(max(budget, 0))), humanize.IBytes(uint64(rowBytes)))
	}
	perChunk := budget / rowBytes
	if perChunk > int64(totalRows) && totalRows > 0 {
		perChunk = int64(totalRows)
	}
	if perChunk < 1 {
		perChunk = 1
	}
	p := Plan{TotalRows: totalRows, RowBytes: rowBytes, RowsPerChunk: int(perChunk)}
	p.Chunks = (totalRows + p.RowsPerChunk - 1) / p.RowsPerChunk
	return p, nil
}

// Range returns the first row and row count of chunk i.
func (p Plan) Range(i int) (start, count int) {
	start = i * p.RowsPerChunk
	count = p.RowsPerChunk
	if start+count > p.TotalRows {
		count = p.TotalRows - start
	}
	if count < 0 {
		count = 0
	}
	return start, count
}

// PeakBytes is the largest buffer footprint of any chunk.
func (p Plan) PeakBytes() int64 {
	return int64(p.RowsPerChunk) * p.RowBytes
}

func (p Plan) String() string {
	return fmt.Sprintf("%s rows in %s chunks of %s rows (%s per chunk)",
		humanize.Comma(int64(p.TotalRows)), humanize.Comma(int64(p.Chunks)),
		humanize.Comma(int64(p.RowsPerChunk)), humanize.IBytes(uint64(p.PeakBytes())))
}
