package chunk

import (
	"errors"
	"testing"
)

func TestNewPlanEvenAndRemainder(t *testing.T) {
	rowBytes := RowBytes(4, 2) // 8 flag bytes + 12 overhead
	if rowBytes != 20 {
		t.Fatalf("expected 20 bytes per row, got %d", rowBytes)
	}
	p, err := NewPlan(10, rowBytes, 60)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if p.RowsPerChunk != 3 || p.Chunks != 4 {
		t.Fatalf("expected 4 chunks of 3 rows, got %+v", p)
	}
	total := 0
	for i := 0; i < p.Chunks; i++ {
		start, count := p.Range(i)
		if start != total {
			t.Fatalf("chunk %d starts at %d, expected %d", i, start, total)
		}
		total += count
	}
	if total != 10 {
		t.Fatalf("chunks cover %d rows, expected 10", total)
	}
	if _, last := p.Range(3); last != 1 {
		t.Fatalf("expected last chunk of 1 row, got %d", last)
	}
}

func TestNewPlanSingleChunk(t *testing.T) {
	p, err := NewPlan(10, 20, 5<<20)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if p.Chunks != 1 || p.RowsPerChunk != 10 {
		t.Fatalf("expected one chunk of 10 rows, got %+v", p)
	}
}

func TestNewPlanBudgetTooSmall(t *testing.T) {
	if _, err := NewPlan(10, RowBytes(4096, 4), 1024); !errors.Is(err, ErrBudgetTooSmall) {
		t.Fatalf("expected ErrBudgetTooSmall, got %v", err)
	}
	// Exactly one row fits.
	p, err := NewPlan(3, 20, 20)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if p.RowsPerChunk != 1 || p.Chunks != 3 {
		t.Fatalf("expected 3 single-row chunks, got %+v", p)
	}
}

func TestNewPlanEmptyDataset(t *testing.T) {
	p, err := NewPlan(0, 20, 100)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if p.Chunks != 0 {
		t.Fatalf("expected no chunks for an empty dataset, got %d", p.Chunks)
	}
}
