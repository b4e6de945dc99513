package table

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Bools holds a row range of a boolean array column. Shape is the per-row
// cell shape; Data is row-major with len(Data) == rows * product(Shape).
type Bools struct {
	Shape []int
	Data  []bool
}

// NewBools allocates a zeroed buffer for rows cells of the given shape.
func NewBools(rows int, shape []int) Bools {
	return Bools{Shape: append([]int(nil), shape...), Data: make([]bool, rows*shapeSize(shape))}
}

// CellSize returns the number of elements per row.
func (b Bools) CellSize() int { return shapeSize(b.Shape) }

// Rows returns the number of rows held.
func (b Bools) Rows() int {
	size := b.CellSize()
	if size == 0 {
		return 0
	}
	return len(b.Data) / size
}

// Row returns the slice backing one row's cell.
func (b Bools) Row(i int) []bool {
	size := b.CellSize()
	return b.Data[i*size : (i+1)*size]
}

// Count returns the number of true elements.
func (b Bools) Count() int64 {
	var n int64
	for _, v := range b.Data {
		if v {
			n++
		}
	}
	return n
}

// Floats holds a row range of a float array column.
type Floats struct {
	Shape []int
	Data  []float64
}

// CellSize returns the number of elements per row.
func (f Floats) CellSize() int { return shapeSize(f.Shape) }

// Row returns the slice backing one row's cell.
func (f Floats) Row(i int) []float64 {
	size := f.CellSize()
	return f.Data[i*size : (i+1)*size]
}

// Purpose: Read a row range of a boolean array column.
// Key aspects: All cells in the range must share one shape.
// Upstream: flagger chunk read.
// Downstream: scanCells.
func (t *Table) GetBools(column string, start, count int) (Bools, error) {
	var out Bools
	err := t.scanCells(column, KindBool, start, count, func(row int, raw []byte) error {
		kind, shape, payload, err := decodeCellHeader(raw)
		if err != nil {
			return fmt.Errorf("table: decode %s row %d: %w", column, row, err)
		}
		if err := expectKind(kind, KindBool); err != nil {
			return err
		}
		if out.Shape == nil {
			out.Shape = shape
			out.Data = make([]bool, 0, count*shapeSize(shape))
		} else if !sameShape(out.Shape, shape) {
			return fmt.Errorf("%w: %s row %d has shape %v, expected %v", ErrShapeMismatch, column, row, shape, out.Shape)
		}
		if len(payload) != shapeSize(shape) {
			return fmt.Errorf("table: decode %s row %d: %w", column, row, errInvalidCell)
		}
		for _, b := range payload {
			out.Data = append(out.Data, b != 0)
		}
		return nil
	})
	if err != nil {
		return Bools{}, err
	}
	return out, nil
}

// Purpose: Write a row range of a boolean array column.
// Key aspects: One synced batch per call; rows come from data.Rows().
// Upstream: flagger chunk write-back, cmd/msgen.
// Downstream: putCells.
func (t *Table) PutBools(column string, start int, data Bools) error {
	size := data.CellSize()
	if size > 0 && len(data.Data)%size != 0 {
		return fmt.Errorf("%w: %d elements do not fill cells of shape %v", ErrShapeMismatch, len(data.Data), data.Shape)
	}
	return t.putCells(column, KindBool, start, data.Rows(), func(i int) ([]byte, error) {
		return encodeBoolCell(data.Shape, data.Row(i)), nil
	})
}

// BoolRun is a run of consecutive rows whose cells share one shape.
type BoolRun struct {
	Start int
	Bools
}

// Purpose: Read a row range of a boolean array column whose cell shape may
// change between rows.
// Key aspects: Returns one BoolRun per maximal run of equal shapes, in row
// order, covering the whole range. All runs share one backing slice sized
// from the first cell, exact when the range has a single shape.
// Upstream: flagger chunk read.
// Downstream: scanCells.
func (t *Table) GetBoolRuns(column string, start, count int) ([]BoolRun, error) {
	var (
		runs []BoolRun
		ends []int
		data []bool
	)
	err := t.scanCells(column, KindBool, start, count, func(row int, raw []byte) error {
		kind, shape, payload, err := decodeCellHeader(raw)
		if err != nil {
			return fmt.Errorf("table: decode %s row %d: %w", column, row, err)
		}
		if err := expectKind(kind, KindBool); err != nil {
			return err
		}
		size := shapeSize(shape)
		if len(payload) != size {
			return fmt.Errorf("table: decode %s row %d: %w", column, row, errInvalidCell)
		}
		if data == nil {
			data = make([]bool, 0, count*size)
		}
		if len(runs) == 0 || !sameShape(runs[len(runs)-1].Shape, shape) {
			runs = append(runs, BoolRun{Start: row, Bools: Bools{Shape: shape}})
			ends = append(ends, len(data))
		}
		for _, b := range payload {
			data = append(data, b != 0)
		}
		ends[len(ends)-1] = len(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	from := 0
	for i := range runs {
		runs[i].Data = data[from:ends[i]:ends[i]]
		from = ends[i]
	}
	return runs, nil
}

// Purpose: Write back runs read by GetBoolRuns.
// Key aspects: All runs go into one synced batch; the runs must be
// contiguous and in row order.
// Upstream: flagger chunk write-back.
// Downstream: putCells.
func (t *Table) PutBoolRuns(column string, runs []BoolRun) error {
	if len(runs) == 0 {
		return nil
	}
	rows := 0
	for _, r := range runs {
		if r.Start != runs[0].Start+rows {
			return fmt.Errorf("table: %s runs are not contiguous at row %d", column, r.Start)
		}
		size := r.CellSize()
		if size == 0 || len(r.Data)%size != 0 {
			return fmt.Errorf("%w: %d elements do not fill cells of shape %v", ErrShapeMismatch, len(r.Data), r.Shape)
		}
		rows += r.Rows()
	}
	ri, off := 0, 0
	return t.putCells(column, KindBool, runs[0].Start, rows, func(int) ([]byte, error) {
		for off == runs[ri].Rows() {
			ri, off = ri+1, 0
		}
		off++
		return encodeBoolCell(runs[ri].Shape, runs[ri].Row(off-1)), nil
	})
}

// GetInts reads a row range of a scalar integer column.
func (t *Table) GetInts(column string, start, count int) ([]int64, error) {
	out := make([]int64, 0, count)
	err := t.scanCells(column, KindInt, start, count, func(row int, raw []byte) error {
		kind, _, payload, err := decodeCellHeader(raw)
		if err != nil {
			return fmt.Errorf("table: decode %s row %d: %w", column, row, err)
		}
		if err := expectKind(kind, KindInt); err != nil {
			return err
		}
		if len(payload) != 8 {
			return fmt.Errorf("table: decode %s row %d: %w", column, row, errInvalidCell)
		}
		out = append(out, int64(binary.BigEndian.Uint64(payload)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PutInts writes a row range of a scalar integer column.
func (t *Table) PutInts(column string, start int, vals []int64) error {
	return t.putCells(column, KindInt, start, len(vals), func(i int) ([]byte, error) {
		return encodeIntCell(vals[i]), nil
	})
}

// GetFloats reads a row range of a float array column.
func (t *Table) GetFloats(column string, start, count int) (Floats, error) {
	var out Floats
	err := t.scanCells(column, KindFloat, start, count, func(row int, raw []byte) error {
		kind, shape, payload, err := decodeCellHeader(raw)
		if err != nil {
			return fmt.Errorf("table: decode %s row %d: %w", column, row, err)
		}
		if err := expectKind(kind, KindFloat); err != nil {
			return err
		}
		if out.Shape == nil {
			out.Shape = shape
			out.Data = make([]float64, 0, count*shapeSize(shape))
		} else if !sameShape(out.Shape, shape) {
			return fmt.Errorf("%w: %s row %d has shape %v, expected %v", ErrShapeMismatch, column, row, shape, out.Shape)
		}
		if len(payload) != 8*shapeSize(shape) {
			return fmt.Errorf("table: decode %s row %d: %w", column, row, errInvalidCell)
		}
		for i := 0; i < len(payload); i += 8 {
			out.Data = append(out.Data, math.Float64frombits(binary.BigEndian.Uint64(payload[i:])))
		}
		return nil
	})
	if err != nil {
		return Floats{}, err
	}
	return out, nil
}

// GetFloatCell reads a single float array cell; cells of a column such as
// CHAN_FREQ may differ in length between rows.
func (t *Table) GetFloatCell(column string, row int) ([]float64, error) {
	f, err := t.GetFloats(column, row, 1)
	if err != nil {
		return nil, err
	}
	return f.Data, nil
}

// PutFloatCell writes a single float array cell.
func (t *Table) PutFloatCell(column string, row int, vals []float64) error {
	return t.PutFloats(column, row, Floats{Shape: []int{len(vals)}, Data: vals})
}

// PutFloats writes a row range of a float array column.
func (t *Table) PutFloats(column string, start int, data Floats) error {
	size := data.CellSize()
	if size == 0 || len(data.Data)%size != 0 {
		return fmt.Errorf("%w: %d elements do not fill cells of shape %v", ErrShapeMismatch, len(data.Data), data.Shape)
	}
	rows := len(data.Data) / size
	return t.putCells(column, KindFloat, start, rows, func(i int) ([]byte, error) {
		return encodeFloatCell(data.Shape, data.Row(i)), nil
	})
}

// GetStrings reads a row range of a string column.
func (t *Table) GetStrings(column string, start, count int) ([]string, error) {
	out := make([]string, 0, count)
	err := t.scanCells(column, KindString, start, count, func(row int, raw []byte) error {
		kind, _, payload, err := decodeCellHeader(raw)
		if err != nil {
			return fmt.Errorf("table: decode %s row %d: %w", column, row, err)
		}
		if err := expectKind(kind, KindString); err != nil {
			return err
		}
		out = append(out, string(payload))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PutStrings writes a row range of a string column.
func (t *Table) PutStrings(column string, start int, vals []string) error {
	return t.putCells(column, KindString, start, len(vals), func(i int) ([]byte, error) {
		return encodeStringCell(vals[i]), nil
	})
}
