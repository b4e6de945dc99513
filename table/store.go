// Package table persists measurement-set style tables (a main table plus named
// subtables such as SPECTRAL_WINDOW or ANTENNA) as typed, row-addressed columns
// in a Pebble key/value store. Row ranges map to contiguous key ranges so a
// chunk of rows is read with one bounded iterator and written with one batch.
package table

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	lev "github.com/agnivade/levenshtein"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
)

// Mode selects how a dataset is opened.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "read-write"
	}
	return "read-only"
}

// Kind is the element type of a column.
type Kind uint8

const (
	KindBool Kind = iota + 1
	KindInt
	KindFloat
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ColumnDesc names a column and its element type.
type ColumnDesc struct {
	Name string
	Kind Kind
}

// MainTable is the name of the main (visibility) table.
const MainTable = ""

const (
	catalogKey   = "meta|tables"
	tablePrefix  = "t|"
	metaSuffix   = "|m"
	columnInfix  = "|c|"
	rowKeyLength = 8
)

const (
	defaultCacheSizeBytes    = int64(16 << 20) // 16MB block cache; chunks are read once
	defaultBloomFilterBits   = 10
	defaultMemTableSizeBytes = uint64(16 << 20)
)

var (
	// ErrNotExist reports a dataset path that does not hold a dataset.
	ErrNotExist = errors.New("table: dataset does not exist")
	// ErrNoTable reports an unknown table name.
	ErrNoTable = errors.New("table: no such table")
	// ErrNoColumn reports an unknown column name.
	ErrNoColumn = errors.New("table: no such column")
	// ErrMissingCell reports a row without a stored cell in the requested range.
	ErrMissingCell = errors.New("table: missing cell")
	// ErrReadOnly reports a write attempted on a read-only dataset.
	ErrReadOnly = errors.New("table: dataset is read-only")
	// ErrShapeMismatch reports cells of differing shape inside one request.
	ErrShapeMismatch = errors.New("table: cell shape mismatch")
	// ErrKindMismatch reports an accessor used on a column of another kind.
	ErrKindMismatch = errors.New("table: column kind mismatch")
	// ErrRowRange reports a row range outside the table.
	ErrRowRange = errors.New("table: row range out of bounds")

	errClosed      = errors.New("table: dataset is closed")
	errInvalidMeta = errors.New("table: invalid table metadata")
)

// Options controls Pebble tuning for a dataset. Zero fields take defaults.
type Options struct {
	CacheSizeBytes        int64
	BloomFilterBitsPerKey int
	MemTableSizeBytes     uint64
}

func sanitizeOptions(opts Options) Options {
	if opts.CacheSizeBytes <= 0 {
		opts.CacheSizeBytes = defaultCacheSizeBytes
	}
	if opts.BloomFilterBitsPerKey <= 0 {
		opts.BloomFilterBitsPerKey = defaultBloomFilterBits
	}
	if opts.MemTableSizeBytes == 0 {
		opts.MemTableSizeBytes = defaultMemTableSizeBytes
	}
	return opts
}

// DB is one dataset on disk: a directory holding a Pebble database with a
// table catalog.
type DB struct {
	db    *pebble.DB
	cache *pebble.Cache
	path  string
	mode  Mode

	mu     sync.Mutex
	closed bool
	tables map[string]*Table
}

// Purpose: Open an existing dataset.
// Key aspects: Missing or non-dataset directories yield ErrNotExist; ReadOnly
// opens Pebble read-only so pre-flight checks never mutate the store.
// Upstream: flagger pre-flight and streaming, cmd tools.
// Downstream: pebble.Open, catalog load.
func Open(path string, mode Mode, opts Options) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("table: dataset path is empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
		}
		return nil, fmt.Errorf("table: stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrNotExist, path)
	}
	if entries, err := os.ReadDir(path); err == nil && len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrNotExist, path)
	}
	d, err := openPebble(path, mode, opts)
	if err != nil {
		return nil, err
	}
	if _, err := d.catalog(); err != nil {
		_ = d.Close()
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s has no table catalog", ErrNotExist, path)
		}
		return nil, err
	}
	return d, nil
}

// Purpose: Create a new, empty dataset directory.
// Key aspects: Refuses to reuse a directory that already holds a catalog.
// Upstream: cmd/msgen and tests.
// Downstream: pebble.Open, catalog write.
func Create(path string, opts Options) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("table: dataset path is empty")
	}
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return nil, fmt.Errorf("table: %s exists and is not a directory", path)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("table: ensure directory: %w", err)
	}
	d, err := openPebble(path, ReadWrite, opts)
	if err != nil {
		return nil, err
	}
	if _, err := d.catalog(); err == nil {
		_ = d.Close()
		return nil, fmt.Errorf("table: %s already holds a dataset", path)
	} else if !errors.Is(err, pebble.ErrNotFound) {
		_ = d.Close()
		return nil, err
	}
	if err := d.db.Set([]byte(catalogKey), encodeCatalog(nil), pebble.Sync); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("table: write catalog: %w", err)
	}
	return d, nil
}

func openPebble(path string, mode Mode, opts Options) (*DB, error) {
	opts = sanitizeOptions(opts)
	pebbleOpts := &pebble.Options{
		Cache:        pebble.NewCache(opts.CacheSizeBytes),
		MemTableSize: opts.MemTableSizeBytes,
		ReadOnly:     mode == ReadOnly,
	}
	level := pebble.LevelOptions{
		FilterPolicy: bloom.FilterPolicy(opts.BloomFilterBitsPerKey),
		FilterType:   pebble.TableFilter,
	}
	pebbleOpts.Levels = make([]pebble.LevelOptions, 7)
	for i := range pebbleOpts.Levels {
		pebbleOpts.Levels[i] = level
	}
	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		pebbleOpts.Cache.Unref()
		return nil, fmt.Errorf("table: open %s: %w", path, err)
	}
	return &DB{
		db:     db,
		cache:  pebbleOpts.Cache,
		path:   path,
		mode:   mode,
		tables: make(map[string]*Table),
	}, nil
}

// Path returns the dataset directory.
func (d *DB) Path() string { return d.path }

// Mode returns the mode the dataset was opened with.
func (d *DB) Mode() Mode { return d.mode }

// Purpose: Close the Pebble handle and release the block cache.
// Key aspects: Safe for repeated calls and nil receivers.
// Upstream: flagger after each dataset, tools, tests.
// Downstream: pebble.DB.Close, Cache.Unref.
func (d *DB) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.db == nil {
		return nil
	}
	d.closed = true
	err := d.db.Close()
	if d.cache != nil {
		d.cache.Unref()
		d.cache = nil
	}
	return err
}

// Tables lists table names in the catalog, main table first.
func (d *DB) Tables() ([]string, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	names, err := d.catalog()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Purpose: Resolve a table by name ("" is the main table).
// Key aspects: Caches table metadata; unknown names carry a spelling hint.
// Upstream: flagger, tools.
// Downstream: readTableMeta.
func (d *DB) Table(name string) (*Table, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	if t, ok := d.tables[name]; ok {
		d.mu.Unlock()
		return t, nil
	}
	d.mu.Unlock()

	names, err := d.catalog()
	if err != nil {
		return nil, err
	}
	found := false
	for _, n := range names {
		if n == name {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %q%s", ErrNoTable, name, suggest(name, names))
	}
	t, err := d.readTableMeta(name)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.tables[name] = t
	d.mu.Unlock()
	return t, nil
}

// Purpose: Declare a table with a fixed row count and column set.
// Key aspects: Cells are written separately with the Put* accessors.
// Upstream: cmd/msgen and tests.
// Downstream: catalog and metadata keys.
func (d *DB) CreateTable(name string, rows int, cols []ColumnDesc) (*Table, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	if d.mode != ReadWrite {
		return nil, ErrReadOnly
	}
	if strings.Contains(name, "|") {
		return nil, fmt.Errorf("table: invalid table name %q", name)
	}
	if rows < 0 {
		return nil, fmt.Errorf("table: negative row count %d", rows)
	}
	seen := make(map[string]bool, len(cols))
	for _, c := range cols {
		if c.Name == "" || strings.Contains(c.Name, "|") {
			return nil, fmt.Errorf("table: invalid column name %q", c.Name)
		}
		if c.Kind < KindBool || c.Kind > KindString {
			return nil, fmt.Errorf("table: column %s has invalid kind %d", c.Name, c.Kind)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("table: duplicate column %q", c.Name)
		}
		seen[c.Name] = true
	}
	names, err := d.catalog()
	if err != nil {
		return nil, err
	}
	for _, n := range names {
		if n == name {
			return nil, fmt.Errorf("table: table %q already exists", name)
		}
	}
	names = append(names, name)

	t := &Table{db: d, name: name, rows: rows, columns: append([]ColumnDesc(nil), cols...)}
	batch := d.db.NewBatch()
	defer batch.Close()
	if err := batch.Set([]byte(catalogKey), encodeCatalog(names), nil); err != nil {
		return nil, fmt.Errorf("table: batch set catalog: %w", err)
	}
	if err := batch.Set(metaKey(name), encodeTableMeta(t), nil); err != nil {
		return nil, fmt.Errorf("table: batch set meta %q: %w", name, err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("table: batch commit: %w", err)
	}
	d.mu.Lock()
	d.tables[name] = t
	d.mu.Unlock()
	return t, nil
}

func (d *DB) check() error {
	if d == nil || d.db == nil {
		return errors.New("table: dataset is not initialized")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errClosed
	}
	return nil
}

func (d *DB) catalog() ([]string, error) {
	value, closer, err := d.db.Get([]byte(catalogKey))
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	names, err := decodeCatalog(value)
	if err != nil {
		return nil, fmt.Errorf("table: decode catalog: %w", err)
	}
	return names, nil
}

func (d *DB) readTableMeta(name string) (*Table, error) {
	value, closer, err := d.db.Get(metaKey(name))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("%w: %q has no metadata", ErrNoTable, name)
		}
		return nil, fmt.Errorf("table: read meta %q: %w", name, err)
	}
	defer closer.Close()
	t, err := decodeTableMeta(value)
	if err != nil {
		return nil, fmt.Errorf("table: decode meta %q: %w", name, err)
	}
	t.db = d
	t.name = name
	return t, nil
}

// Table is one table of a dataset. Its row count and columns are fixed at
// creation.
type Table struct {
	db      *DB
	name    string
	rows    int
	columns []ColumnDesc
}

// Name returns the table name ("" for the main table).
func (t *Table) Name() string { return t.name }

// NumRows returns the row count.
func (t *Table) NumRows() int { return t.rows }

// Columns returns a copy of the column descriptors.
func (t *Table) Columns() []ColumnDesc {
	return append([]ColumnDesc(nil), t.columns...)
}

// Column resolves a column descriptor, suggesting a close name when missing.
func (t *Table) Column(name string) (ColumnDesc, error) {
	for _, c := range t.columns {
		if c.Name == name {
			return c, nil
		}
	}
	names := make([]string, len(t.columns))
	for i, c := range t.columns {
		names[i] = c.Name
	}
	return ColumnDesc{}, fmt.Errorf("%w: %q in table %s%s", ErrNoColumn, name, displayName(t.name), suggest(name, names))
}

// Purpose: Report the shape of one cell without reading a range.
// Key aspects: Scalars report an empty shape.
// Upstream: flagger validation (FLAG layout probe).
// Downstream: pebble Get, decodeCellHeader.
func (t *Table) CellShape(column string, row int) ([]int, error) {
	if _, err := t.Column(column); err != nil {
		return nil, err
	}
	if row < 0 || row >= t.rows {
		return nil, fmt.Errorf("%w: row %d of %d", ErrRowRange, row, t.rows)
	}
	if err := t.db.check(); err != nil {
		return nil, err
	}
	value, closer, err := t.db.db.Get(cellKey(t.name, column, row))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s row %d", ErrMissingCell, column, row)
		}
		return nil, fmt.Errorf("table: get %s row %d: %w", column, row, err)
	}
	defer closer.Close()
	_, shape, _, err := decodeCellHeader(value)
	if err != nil {
		return nil, fmt.Errorf("table: decode %s row %d: %w", column, row, err)
	}
	return shape, nil
}

// scanCells visits the cells of rows [start, start+count) in order. fn
// receives the raw value, which is only valid for the duration of the call.
func (t *Table) scanCells(column string, kind Kind, start, count int, fn func(row int, raw []byte) error) error {
	desc, err := t.Column(column)
	if err != nil {
		return err
	}
	if desc.Kind != kind {
		return fmt.Errorf("%w: %s is %s, not %s", ErrKindMismatch, column, desc.Kind, kind)
	}
	if err := t.checkRange(start, count); err != nil {
		return err
	}
	if err := t.db.check(); err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	iter, err := t.db.db.NewIter(&pebble.IterOptions{
		LowerBound: cellKey(t.name, column, start),
		UpperBound: cellKey(t.name, column, start+count),
	})
	if err != nil {
		return fmt.Errorf("table: %s iterator: %w", column, err)
	}
	defer iter.Close()

	next := start
	prefix := columnPrefix(t.name, column)
	for iter.First(); iter.Valid(); iter.Next() {
		row, ok := parseRowKey(iter.Key(), prefix)
		if !ok {
			return fmt.Errorf("table: malformed key in %s", column)
		}
		if row != next {
			return fmt.Errorf("%w: %s row %d", ErrMissingCell, column, next)
		}
		if err := fn(row, iter.Value()); err != nil {
			return err
		}
		next++
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("table: iterate %s: %w", column, err)
	}
	if next != start+count {
		return fmt.Errorf("%w: %s row %d", ErrMissingCell, column, next)
	}
	return nil
}

// putCells writes count cells produced by encode in one synced batch. encode
// is called exactly once per cell, in row order.
func (t *Table) putCells(column string, kind Kind, start, count int, encode func(i int) ([]byte, error)) error {
	desc, err := t.Column(column)
	if err != nil {
		return err
	}
	if desc.Kind != kind {
		return fmt.Errorf("%w: %s is %s, not %s", ErrKindMismatch, column, desc.Kind, kind)
	}
	if err := t.checkRange(start, count); err != nil {
		return err
	}
	if err := t.db.check(); err != nil {
		return err
	}
	if t.db.mode != ReadWrite {
		return ErrReadOnly
	}
	if count == 0 {
		return nil
	}
	batch := t.db.db.NewBatch()
	defer batch.Close()
	for i := 0; i < count; i++ {
		value, err := encode(i)
		if err != nil {
			return err
		}
		if err := batch.Set(cellKey(t.name, column, start+i), value, nil); err != nil {
			return fmt.Errorf("table: batch set %s row %d: %w", column, start+i, err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("table: batch commit %s: %w", column, err)
	}
	return nil
}

func (t *Table) checkRange(start, count int) error {
	if start < 0 || count < 0 || start+count > t.rows {
		return fmt.Errorf("%w: rows [%d, %d) of %d", ErrRowRange, start, start+count, t.rows)
	}
	return nil
}

func displayName(name string) string {
	if name == MainTable {
		return "MAIN"
	}
	return name
}

// suggest returns a " (did you mean X?)" hint for near misses.
func suggest(name string, candidates []string) string {
	best := ""
	bestDist := 3
	upper := strings.ToUpper(name)
	for _, c := range candidates {
		dist := lev.ComputeDistance(upper, strings.ToUpper(c))
		if dist < bestDist {
			best = c
			bestDist = dist
		}
	}
	if best == "" {
		return ""
	}
	return fmt.Sprintf(" (did you mean %q?)", best)
}

func metaKey(table string) []byte {
	return []byte(tablePrefix + table + metaSuffix)
}

func columnPrefix(table, column string) []byte {
	return []byte(tablePrefix + table + columnInfix + column + "|")
}

func cellKey(table, column string, row int) []byte {
	prefix := columnPrefix(table, column)
	buf := make([]byte, len(prefix)+rowKeyLength)
	copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[len(prefix):], uint64(row))
	return buf
}

func parseRowKey(key, prefix []byte) (int, bool) {
	if len(key) != len(prefix)+rowKeyLength || !bytes.HasPrefix(key, prefix) {
		return 0, false
	}
	return int(binary.BigEndian.Uint64(key[len(prefix):])), true
}
