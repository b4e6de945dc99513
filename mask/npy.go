package mask

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

var npyMagic = []byte("\x93NUMPY")

// npyHeader is the decoded header dictionary of a .npy file.
type npyHeader struct {
	fields       []npyField // one entry with an empty name for plain dtypes
	fortranOrder bool
	shape        []int
}

type npyField struct {
	name  string
	descr string
}

// Purpose: Load a mask from a NumPy .npy file.
// Key aspects: A boolean array becomes a legacy mask; a structured array with
// one bool and one float64 field becomes a frequency-labelled mask. Every
// other layout fails with ErrInvalidMaskFormat.
// Upstream: main startup.
// Downstream: decodeNPY, FromFlags, FromChannels.
func Load(path string) (*Mask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mask: read %s: %w", path, err)
	}
	m, err := decodeNPY(data)
	if err != nil {
		return nil, fmt.Errorf("mask %s: %w", path, err)
	}
	return m, nil
}

func decodeNPY(data []byte) (*Mask, error) {
	hdr, body, err := parseNPYHeader(data)
	if err != nil {
		return nil, err
	}
	count, err := elementCount(hdr.shape, len(body))
	if err != nil {
		return nil, err
	}
	nonUnit := 0
	for _, dim := range hdr.shape {
		if dim > 1 {
			nonUnit++
		}
	}
	if hdr.fortranOrder && nonUnit > 1 {
		return nil, fmt.Errorf("%w: fortran-ordered multi-dimensional arrays are not supported", ErrInvalidMaskFormat)
	}

	if len(hdr.fields) == 1 && hdr.fields[0].name == "" {
		if !isBoolDescr(hdr.fields[0].descr) {
			return nil, fmt.Errorf("%w: dtype %s is not boolean", ErrInvalidMaskFormat, hdr.fields[0].descr)
		}
		if len(body) < count {
			return nil, fmt.Errorf("%w: truncated data (%d of %d bytes)", ErrInvalidMaskFormat, len(body), count)
		}
		flags := make([]bool, count)
		for i := range flags {
			flags[i] = body[i] != 0
		}
		return FromFlags(flags), nil
	}
	return decodeStructured(hdr, body, count)
}

// elementCount multiplies the shape out. Every element takes at least one
// byte, so a product above limit is rejected before it can overflow.
func elementCount(shape []int, limit int) (int, error) {
	for _, dim := range shape {
		if dim == 0 {
			return 0, nil
		}
	}
	count := 1
	for _, dim := range shape {
		if dim > limit/count {
			return 0, fmt.Errorf("%w: shape %v needs more than the %d data bytes present", ErrInvalidMaskFormat, shape, limit)
		}
		count *= dim
	}
	return count, nil
}

func decodeStructured(hdr npyHeader, body []byte, count int) (*Mask, error) {
	flagOffset, freqOffset := -1, -1
	var freqOrder binary.ByteOrder
	itemSize := 0
	for _, f := range hdr.fields {
		size, err := descrSize(f.descr)
		if err != nil {
			return nil, err
		}
		switch {
		case f.name == "" && strings.Contains(f.descr, "V"):
			// padding
		case isBoolDescr(f.descr):
			if flagOffset >= 0 {
				return nil, fmt.Errorf("%w: more than one boolean field", ErrInvalidMaskFormat)
			}
			flagOffset = itemSize
		case isFloat64Descr(f.descr):
			if freqOffset >= 0 {
				return nil, fmt.Errorf("%w: more than one float64 field", ErrInvalidMaskFormat)
			}
			freqOffset = itemSize
			freqOrder = descrOrder(f.descr)
		default:
			return nil, fmt.Errorf("%w: field %q has unsupported dtype %s", ErrInvalidMaskFormat, f.name, f.descr)
		}
		itemSize += size
	}
	if flagOffset < 0 || freqOffset < 0 {
		return nil, fmt.Errorf("%w: structured mask needs one bool and one float64 field", ErrInvalidMaskFormat)
	}
	if itemSize == 0 || count > len(body)/itemSize {
		return nil, fmt.Errorf("%w: truncated data (%d bytes for %d records of %d bytes)", ErrInvalidMaskFormat, len(body), count, itemSize)
	}
	flags := make([]bool, count)
	freqs := make([]float64, count)
	for i := 0; i < count; i++ {
		rec := body[i*itemSize : (i+1)*itemSize]
		flags[i] = rec[flagOffset] != 0
		freqs[i] = math.Float64frombits(freqOrder.Uint64(rec[freqOffset:]))
	}
	return FromChannels(flags, freqs)
}

func parseNPYHeader(data []byte) (npyHeader, []byte, error) {
	if len(data) < 10 || !bytes.HasPrefix(data, npyMagic) {
		return npyHeader{}, nil, fmt.Errorf("%w: not a NumPy .npy file", ErrInvalidMaskFormat)
	}
	major := data[6]
	var hlen, offset int
	switch major {
	case 1:
		hlen = int(binary.LittleEndian.Uint16(data[8:10]))
		offset = 10
	case 2, 3:
		if len(data) < 12 {
			return npyHeader{}, nil, fmt.Errorf("%w: truncated header", ErrInvalidMaskFormat)
		}
		hlen = int(binary.LittleEndian.Uint32(data[8:12]))
		offset = 12
	default:
		return npyHeader{}, nil, fmt.Errorf("%w: unsupported .npy version %d", ErrInvalidMaskFormat, major)
	}
	if offset+hlen > len(data) {
		return npyHeader{}, nil, fmt.Errorf("%w: truncated header", ErrInvalidMaskFormat)
	}
	lit, err := parsePyLiteral(string(data[offset : offset+hlen]))
	if err != nil {
		return npyHeader{}, nil, fmt.Errorf("%w: header: %v", ErrInvalidMaskFormat, err)
	}
	dict, ok := lit.(map[string]any)
	if !ok {
		return npyHeader{}, nil, fmt.Errorf("%w: header is not a dictionary", ErrInvalidMaskFormat)
	}
	hdr := npyHeader{}
	if fo, ok := dict["fortran_order"].(bool); ok {
		hdr.fortranOrder = fo
	}
	shape, ok := dict["shape"].([]any)
	if !ok {
		return npyHeader{}, nil, fmt.Errorf("%w: header has no shape", ErrInvalidMaskFormat)
	}
	for _, dim := range shape {
		n, ok := dim.(int)
		if !ok || n < 0 {
			return npyHeader{}, nil, fmt.Errorf("%w: bad shape entry %v", ErrInvalidMaskFormat, dim)
		}
		hdr.shape = append(hdr.shape, n)
	}
	switch descr := dict["descr"].(type) {
	case string:
		hdr.fields = []npyField{{descr: descr}}
	case []any:
		for _, entry := range descr {
			tuple, ok := entry.([]any)
			if !ok || len(tuple) != 2 {
				return npyHeader{}, nil, fmt.Errorf("%w: unsupported structured field %v", ErrInvalidMaskFormat, entry)
			}
			name, ok1 := tuple[0].(string)
			typ, ok2 := tuple[1].(string)
			if !ok1 || !ok2 {
				return npyHeader{}, nil, fmt.Errorf("%w: unsupported structured field %v", ErrInvalidMaskFormat, entry)
			}
			hdr.fields = append(hdr.fields, npyField{name: name, descr: typ})
		}
		if len(hdr.fields) == 0 {
			return npyHeader{}, nil, fmt.Errorf("%w: empty structured dtype", ErrInvalidMaskFormat)
		}
	default:
		return npyHeader{}, nil, fmt.Errorf("%w: header has no descr", ErrInvalidMaskFormat)
	}
	return hdr, data[offset+hlen:], nil
}

func isBoolDescr(d string) bool {
	return d == "|b1" || d == "b1" || d == "?" || d == "|?"
}

func isFloat64Descr(d string) bool {
	return d == "<f8" || d == ">f8" || d == "=f8" || d == "f8"
}

func descrOrder(d string) binary.ByteOrder {
	if strings.HasPrefix(d, ">") {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func descrSize(d string) (int, error) {
	trimmed := strings.TrimLeft(d, "<>|=")
	if len(trimmed) < 2 {
		if trimmed == "?" {
			return 1, nil
		}
		return 0, fmt.Errorf("%w: unsupported dtype %q", ErrInvalidMaskFormat, d)
	}
	n, err := strconv.Atoi(trimmed[1:])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: unsupported dtype %q", ErrInvalidMaskFormat, d)
	}
	return n, nil
}

// Purpose: Persist a mask as .npy (version 1.0).
// Key aspects: Legacy masks are written as |b1 vectors, frequency-labelled
// masks as [('flagged','|b1'),('frequency','<f8')] records.
// Upstream: cmd/msgen, tests.
// Downstream: os.WriteFile.
func Save(path string, m *Mask) error {
	var descr string
	var body []byte
	if m.HasFrequencies() {
		descr = "[('flagged', '|b1'), ('frequency', '<f8')]"
		body = make([]byte, 0, 9*m.Len())
		for i, f := range m.Flags {
			body = append(body, boolByte(f))
			body = binary.LittleEndian.AppendUint64(body, math.Float64bits(m.Freqs[i]))
		}
	} else {
		descr = "'|b1'"
		body = make([]byte, 0, m.Len())
		for _, f := range m.Flags {
			body = append(body, boolByte(f))
		}
	}
	header := fmt.Sprintf("{'descr': %s, 'fortran_order': False, 'shape': (%d,), }", descr, m.Len())
	// Pad so the data starts on a 64-byte boundary, header ends with '\n'.
	total := len(npyMagic) + 4 + len(header) + 1
	if rem := total % 64; rem != 0 {
		header += strings.Repeat(" ", 64-rem)
	}
	header += "\n"
	out := make([]byte, 0, len(npyMagic)+4+len(header)+len(body))
	out = append(out, npyMagic...)
	out = append(out, 1, 0)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(header)))
	out = append(out, header...)
	out = append(out, body...)
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("mask: write %s: %w", path, err)
	}
	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
