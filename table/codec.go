package table

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const cellVersion = 1

var errInvalidCell = errors.New("table: invalid cell encoding")

// Cell layout: version, kind, ndims, uvarint dims..., payload.
// Bools use one byte per element, ints and floats eight bytes big-endian,
// strings are raw bytes.

func encodeCellHeader(kind Kind, shape []int, payload int) []byte {
	buf := make([]byte, 3, 3+len(shape)*binary.MaxVarintLen32+payload)
	buf[0] = cellVersion
	buf[1] = byte(kind)
	buf[2] = byte(len(shape))
	for _, dim := range shape {
		buf = binary.AppendUvarint(buf, uint64(dim))
	}
	return buf
}

func decodeCellHeader(raw []byte) (Kind, []int, []byte, error) {
	if len(raw) < 3 || raw[0] != cellVersion {
		return 0, nil, nil, errInvalidCell
	}
	kind := Kind(raw[1])
	ndims := int(raw[2])
	rest := raw[3:]
	shape := make([]int, ndims)
	for i := 0; i < ndims; i++ {
		dim, n := binary.Uvarint(rest)
		if n <= 0 || dim > math.MaxInt32 {
			return 0, nil, nil, errInvalidCell
		}
		shape[i] = int(dim)
		rest = rest[n:]
	}
	if !fitsPayload(shape, len(rest)) {
		return 0, nil, nil, errInvalidCell
	}
	return kind, shape, rest, nil
}

// fitsPayload reports whether shape has at most payload elements; every
// element takes at least one byte. The product is never formed past payload.
func fitsPayload(shape []int, payload int) bool {
	size := 1
	for _, dim := range shape {
		if dim == 0 {
			return true
		}
		if size > payload/dim {
			return false
		}
		size *= dim
	}
	return true
}

func shapeSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func encodeBoolCell(shape []int, data []bool) []byte {
	buf := encodeCellHeader(KindBool, shape, len(data))
	for _, v := range data {
		if v {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf
}

func encodeIntCell(v int64) []byte {
	buf := encodeCellHeader(KindInt, nil, 8)
	return binary.BigEndian.AppendUint64(buf, uint64(v))
}

func encodeFloatCell(shape []int, data []float64) []byte {
	buf := encodeCellHeader(KindFloat, shape, 8*len(data))
	for _, v := range data {
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(v))
	}
	return buf
}

func encodeStringCell(s string) []byte {
	buf := encodeCellHeader(KindString, nil, len(s))
	return append(buf, s...)
}

func expectKind(got, want Kind) error {
	if got != want {
		return fmt.Errorf("%w: cell holds %s, expected %s", errInvalidCell, got, want)
	}
	return nil
}

func encodeCatalog(names []string) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(names)))
	for _, n := range names {
		buf = binary.AppendUvarint(buf, uint64(len(n)))
		buf = append(buf, n...)
	}
	return buf
}

func decodeCatalog(raw []byte) ([]string, error) {
	count, n := binary.Uvarint(raw)
	if n <= 0 {
		return nil, errInvalidMeta
	}
	raw = raw[n:]
	// Every name takes at least its length byte.
	if count > uint64(len(raw)) {
		return nil, errInvalidMeta
	}
	names := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		s, rest, err := readString(raw)
		if err != nil {
			return nil, err
		}
		names = append(names, s)
		raw = rest
	}
	return names, nil
}

func encodeTableMeta(t *Table) []byte {
	buf := binary.AppendUvarint(nil, uint64(t.rows))
	buf = binary.AppendUvarint(buf, uint64(len(t.columns)))
	for _, c := range t.columns {
		buf = append(buf, byte(c.Kind))
		buf = binary.AppendUvarint(buf, uint64(len(c.Name)))
		buf = append(buf, c.Name...)
	}
	return buf
}

func decodeTableMeta(raw []byte) (*Table, error) {
	rows, n := binary.Uvarint(raw)
	if n <= 0 {
		return nil, errInvalidMeta
	}
	raw = raw[n:]
	ncols, n := binary.Uvarint(raw)
	if n <= 0 {
		return nil, errInvalidMeta
	}
	raw = raw[n:]
	if rows > math.MaxInt || ncols > uint64(len(raw)) {
		return nil, errInvalidMeta
	}
	t := &Table{rows: int(rows), columns: make([]ColumnDesc, 0, ncols)}
	for i := uint64(0); i < ncols; i++ {
		if len(raw) == 0 {
			return nil, errInvalidMeta
		}
		kind := Kind(raw[0])
		name, rest, err := readString(raw[1:])
		if err != nil {
			return nil, err
		}
		t.columns = append(t.columns, ColumnDesc{Name: name, Kind: kind})
		raw = rest
	}
	return t, nil
}

func readString(raw []byte) (string, []byte, error) {
	size, n := binary.Uvarint(raw)
	if n <= 0 || uint64(len(raw)-n) < size {
		return "", nil, errInvalidMeta
	}
	end := n + int(size)
	return string(raw[n:end]), raw[end:], nil
}
