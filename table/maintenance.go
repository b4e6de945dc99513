package table

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
)

// IntegrityStats reports the outcome of a full cell scan.
type IntegrityStats struct {
	Tables   int
	Cells    int64
	Duration time.Duration
}

// Purpose: Snapshot the dataset to dest before it is mutated.
// Key aspects: Pebble checkpoint with a flushed WAL; dest must not exist.
// Upstream: flagger backup step (flag versions).
// Downstream: pebble.DB.Checkpoint.
func (d *DB) Checkpoint(dest string) error {
	if err := d.check(); err != nil {
		return err
	}
	if strings.TrimSpace(dest) == "" {
		return errors.New("table: checkpoint destination is empty")
	}
	if err := d.db.Checkpoint(dest, pebble.WithFlushedWAL()); err != nil {
		return fmt.Errorf("table: checkpoint %s: %w", dest, err)
	}
	return nil
}

// Purpose: Decode every cell of every table and check row coverage.
// Key aspects: Honors ctx cancellation and maxDuration for bounded scans.
// Upstream: cmd/flaginfo -verify.
// Downstream: pebble iterator, decodeCellHeader.
func (d *DB) Verify(ctx context.Context, maxDuration time.Duration) (IntegrityStats, error) {
	start := time.Now()
	deadline := time.Time{}
	if maxDuration > 0 {
		deadline = start.Add(maxDuration)
	}
	stats := IntegrityStats{}
	names, err := d.Tables()
	if err != nil {
		return stats, err
	}
	for _, name := range names {
		t, err := d.Table(name)
		if err != nil {
			return stats, err
		}
		stats.Tables++
		for _, col := range t.columns {
			cells, err := d.verifyColumn(ctx, t, col, deadline)
			stats.Cells += cells
			if err != nil {
				return stats, err
			}
		}
	}
	stats.Duration = time.Since(start)
	return stats, nil
}

func (d *DB) verifyColumn(ctx context.Context, t *Table, col ColumnDesc, deadline time.Time) (int64, error) {
	prefix := columnPrefix(t.name, col.Name)
	iter, err := d.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return 0, fmt.Errorf("table: verify iterator: %w", err)
	}
	defer iter.Close()

	var cells int64
	for iter.First(); iter.Valid(); iter.Next() {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return cells, ctx.Err()
			default:
			}
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return cells, errors.New("table: integrity scan timed out")
		}
		row, ok := parseRowKey(iter.Key(), prefix)
		if !ok || row >= t.rows {
			return cells, fmt.Errorf("table: verify %s.%s: stray key %q", displayName(t.name), col.Name, bytes.Clone(iter.Key()))
		}
		kind, _, _, err := decodeCellHeader(iter.Value())
		if err != nil {
			return cells, fmt.Errorf("table: verify %s.%s row %d: %w", displayName(t.name), col.Name, row, err)
		}
		if kind != col.Kind {
			return cells, fmt.Errorf("table: verify %s.%s row %d: %w", displayName(t.name), col.Name, row, ErrKindMismatch)
		}
		cells++
	}
	if err := iter.Error(); err != nil {
		return cells, fmt.Errorf("table: verify iterate: %w", err)
	}
	return cells, nil
}

func prefixUpperBound(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
