package flagger

import (
	"errors"
	"fmt"

	"rfimasker/table"
)

// Table is the slice of the columnar store the mutator needs.
type Table interface {
	NumRows() int
	CellShape(column string, row int) ([]int, error)
	GetInts(column string, start, count int) ([]int64, error)
	GetStrings(column string, start, count int) ([]string, error)
	GetFloatCell(column string, row int) ([]float64, error)
	GetBoolRuns(column string, start, count int) ([]table.BoolRun, error)
	PutBoolRuns(column string, runs []table.BoolRun) error
}

// Dataset is one open measurement set.
type Dataset interface {
	Path() string
	Table(name string) (Table, error)
	Close() error
}

// Checkpointer is implemented by datasets that can snapshot themselves.
type Checkpointer interface {
	Checkpoint(dest string) error
}

// Opener opens a dataset at path.
type Opener func(path string, mode table.Mode) (Dataset, error)

type storeDataset struct {
	*table.DB
}

func (d storeDataset) Table(name string) (Table, error) {
	t, err := d.DB.Table(name)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// StoreOpener opens datasets from the Pebble-backed table store. A missing
// dataset maps to ErrDatasetNotFound.
func StoreOpener(opts table.Options) Opener {
	return func(path string, mode table.Mode) (Dataset, error) {
		db, err := table.Open(path, mode, opts)
		if err != nil {
			if errors.Is(err, table.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, path)
			}
			return nil, err
		}
		return storeDataset{DB: db}, nil
	}
}
