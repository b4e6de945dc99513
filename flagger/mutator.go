// Package flagger applies a channel mask to the FLAG column of measurement
// sets, streaming bounded row chunks through a read-merge-write loop.
package flagger

import (
	"errors"
	"fmt"
	"log"
	"sort"

	"rfimasker/baseline"
	"rfimasker/chunk"
	"rfimasker/mask"
	"rfimasker/spectral"
	"rfimasker/stats"
	"rfimasker/table"
)

var (
	// ErrDatasetNotFound reports a dataset path with no store behind it.
	ErrDatasetNotFound = errors.New("flagger: dataset not found")
	// ErrUnsupportedFlagLayout reports FLAG cells without a channel axis.
	ErrUnsupportedFlagLayout = errors.New("flagger: flag column has no channel axis")
	// ErrSpwSelectionMismatch reports a spectral-window selection that does
	// not fit the dataset list or the dataset.
	ErrSpwSelectionMismatch = errors.New("flagger: spectral window selection mismatch")
	// ErrChannelCountMismatch reports an index-aligned mask whose length
	// differs from a spectral window.
	ErrChannelCountMismatch = spectral.ErrChannelCountMismatch
	// ErrColumnIO reports a failed column read or write while streaming.
	ErrColumnIO = errors.New("flagger: column I/O failure")
)

// AllSpectralWindows selects every data description of a dataset.
const AllSpectralWindows = -1

// DefaultMemoryBudget matches the 5 MB default of the command line.
const DefaultMemoryBudget = 5 << 20

// Options configures one masking run.
type Options struct {
	Mode AccumulationMode
	// SpwIDs has zero entries (all windows), one shared entry, or one entry per dataset.
	SpwIDs       []int
	UVRange      baseline.UVRange
	Statistics   bool
	Simulate     bool
	MemoryBudget int64
	// Logf defaults to log.Printf.
	Logf func(string, ...any)
	// Progress, when set, is called after every chunk.
	Progress func(path string, chunk, chunks int)
}

func (o Options) logf(format string, args ...any) {
	if o.Logf != nil {
		o.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Job is the prepared mutator for one dataset.
type Job struct {
	ds       Dataset
	main     Table
	opts     Options
	state    State
	spw      int
	nchan    int
	ncorr    int
	windows  []spectral.Window
	masks    map[int]spectral.ChannelMask // data-description id -> channel mask
	selector *baseline.Selector
	plan     chunk.Plan
}

// State returns the current mutator state.
func (j *Job) State() State { return j.state }

// Plan returns the chunk plan computed while preparing.
func (j *Job) Plan() chunk.Plan { return j.plan }

// Rows returns the main-table row count.
func (j *Job) Rows() int { return j.plan.TotalRows }

// SpectralWindow returns the targeted window id or AllSpectralWindows.
func (j *Job) SpectralWindow() int { return j.spw }

// MaskedChannels returns the masked channel count per targeted data
// description id.
func (j *Job) MaskedChannels() map[int]int {
	out := make(map[int]int, len(j.masks))
	for ddid, cm := range j.masks {
		out[ddid] = cm.Count()
	}
	return out
}

// Purpose: Validate a dataset and plan its streaming pass.
// Key aspects: Runs Validating then Planning. Reads the SPECTRAL_WINDOW,
// DATA_DESCRIPTION and ANTENNA subtables and probes FLAG row 0. No rows are
// read or written beyond the probe; a budget that cannot hold one row fails
// here with chunk.ErrBudgetTooSmall.
// Upstream: Runner pre-flight and streaming passes, tests.
// Downstream: spectral.Align, baseline.NewSelector, chunk.NewPlan.
func Prepare(ds Dataset, m *mask.Mask, opts Options, spw int) (*Job, error) {
	j := &Job{ds: ds, opts: opts, spw: spw, state: StateValidating}
	if err := j.validate(m); err != nil {
		j.state = StateFailed
		return j, fmt.Errorf("%s: %w", ds.Path(), err)
	}
	j.state = StatePlanning
	if err := j.planChunks(); err != nil {
		j.state = StateFailed
		return j, fmt.Errorf("%s: %w", ds.Path(), err)
	}
	return j, nil
}

func (j *Job) validate(m *mask.Mask) error {
	main, err := j.ds.Table(table.MainTable)
	if err != nil {
		return err
	}
	j.main = main
	if main.NumRows() > 0 {
		shape, err := main.CellShape(table.ColFlag, 0)
		if err != nil {
			return err
		}
		if !channelLayout(shape) {
			return fmt.Errorf("%w: FLAG cell shape %v", ErrUnsupportedFlagLayout, shape)
		}
		j.nchan, j.ncorr = shape[0], shape[1]
	}

	windows, err := readWindows(j.ds)
	if err != nil {
		return err
	}
	j.windows = windows
	ddSpw, err := readDataDescriptions(j.ds)
	if err != nil {
		return err
	}

	var targets []int
	if j.spw != AllSpectralWindows {
		if j.spw < 0 || j.spw >= len(windows) {
			return fmt.Errorf("%w: spectral window %d not in dataset (%d windows)", ErrSpwSelectionMismatch, j.spw, len(windows))
		}
		for ddid, s := range ddSpw {
			if s == j.spw {
				targets = append(targets, ddid)
			}
		}
		if len(targets) == 0 {
			return fmt.Errorf("%w: spectral window %d has no data description", ErrSpwSelectionMismatch, j.spw)
		}
	}

	aligned := make(map[int]spectral.ChannelMask)
	j.masks = make(map[int]spectral.ChannelMask)
	for ddid, s := range ddSpw {
		if j.spw != AllSpectralWindows && s != j.spw {
			continue
		}
		if s < 0 || s >= len(windows) {
			return fmt.Errorf("%w: data description %d names spectral window %d", ErrSpwSelectionMismatch, ddid, s)
		}
		cm, ok := aligned[s]
		if !ok {
			cm, err = spectral.Align(m, windows[s])
			if err != nil {
				return err
			}
			aligned[s] = cm
		}
		j.masks[ddid] = cm
	}

	ants, err := readAntennas(j.ds)
	if err != nil {
		return err
	}
	j.selector = baseline.NewSelector(ants, j.opts.UVRange, targets)
	return nil
}

func (j *Job) planChunks() error {
	nchan := j.nchan
	for _, w := range j.windows {
		if w.NumChannels() > nchan {
			nchan = w.NumChannels()
		}
	}
	budget := j.opts.MemoryBudget
	if budget == 0 {
		budget = DefaultMemoryBudget
	}
	plan, err := chunk.NewPlan(j.main.NumRows(), chunk.RowBytes(nchan, max(j.ncorr, 1)), budget)
	if err != nil {
		return err
	}
	j.plan = plan
	return nil
}

// Purpose: Stream every chunk through read, merge and write-back.
// Key aspects: One chunk of FLAG, ANTENNA1, ANTENNA2 and DATA_DESC_ID is
// live at a time. Unselected rows keep their bytes; simulate computes the
// merge for statistics and skips the write. A failed read or write ends the
// dataset with ErrColumnIO; chunks already written stay written.
// Upstream: Runner streaming pass.
// Downstream: Table.GetBoolRuns, Table.PutBoolRuns, stats.Accumulator.
func (j *Job) Run() (stats.Result, error) {
	acc := stats.NewAccumulator()
	if j.state != StatePlanning {
		return acc.Result(), fmt.Errorf("flagger: %s: job is %s, not planning", j.ds.Path(), j.state)
	}
	j.state = StateStreaming
	for i := 0; i < j.plan.Chunks; i++ {
		start, count := j.plan.Range(i)
		if err := j.runChunk(acc, start, count); err != nil {
			j.state = StateFailed
			return acc.Result(), fmt.Errorf("%s: chunk %d/%d: %w", j.ds.Path(), i+1, j.plan.Chunks, err)
		}
		acc.AddChunk()
		if j.opts.Progress != nil {
			j.opts.Progress(j.ds.Path(), i+1, j.plan.Chunks)
		}
	}
	j.state = StateDone
	return acc.Result(), nil
}

func (j *Job) runChunk(acc *stats.Accumulator, start, count int) error {
	a1, err := j.readInts(table.ColAntenna1, start, count)
	if err != nil {
		return err
	}
	a2, err := j.readInts(table.ColAntenna2, start, count)
	if err != nil {
		return err
	}
	dd, err := j.readInts(table.ColDataDescID, start, count)
	if err != nil {
		return err
	}
	runs, err := j.main.GetBoolRuns(table.ColFlag, start, count)
	if err != nil {
		return fmt.Errorf("%w: read %s rows [%d, %d): %w", ErrColumnIO, table.ColFlag, start, start+count, err)
	}

	dirty := false
	for _, run := range runs {
		if !channelLayout(run.Shape) {
			return fmt.Errorf("%w: FLAG row %d has shape %v", ErrUnsupportedFlagLayout, run.Start, run.Shape)
		}
		nchan, ncorr := run.Shape[0], run.Shape[1]
		for i := 0; i < run.Rows(); i++ {
			row := run.Start + i
			k := row - start
			cell := run.Row(i)
			before := countTrue(cell)
			acc.AddCells(1, len(cell))
			acc.AddBefore(before)
			ddid := int(dd[k])
			cm, ok := j.masks[ddid]
			if ok && j.selector.Select(int(a1[k]), int(a2[k]), ddid) {
				if len(cm) != nchan {
					return fmt.Errorf("%w: row %d has %d channels, data description %d has %d",
						ErrChannelCountMismatch, row, nchan, ddid, len(cm))
				}
				j.opts.Mode.merge(cell, cm, ncorr)
				dirty = true
				acc.AddAfter(countTrue(cell))
			} else {
				acc.AddAfter(before)
			}
		}
	}
	if !dirty || j.opts.Simulate {
		return nil
	}
	if err := j.main.PutBoolRuns(table.ColFlag, runs); err != nil {
		return fmt.Errorf("%w: write %s rows [%d, %d): %w", ErrColumnIO, table.ColFlag, start, start+count, err)
	}
	return nil
}

func (j *Job) readInts(column string, start, count int) ([]int64, error) {
	vals, err := j.main.GetInts(column, start, count)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s rows [%d, %d): %w", ErrColumnIO, column, start, start+count, err)
	}
	return vals, nil
}

// channelLayout reports a non-empty [channels, correlations] cell shape.
func channelLayout(shape []int) bool {
	return len(shape) == 2 && shape[0] > 0 && shape[1] > 0
}

func countTrue(cell []bool) int {
	n := 0
	for _, v := range cell {
		if v {
			n++
		}
	}
	return n
}

func readWindows(ds Dataset) ([]spectral.Window, error) {
	t, err := ds.Table(table.SpectralWindow)
	if err != nil {
		return nil, err
	}
	n := t.NumRows()
	names, err := t.GetStrings(table.ColName, 0, n)
	if err != nil {
		return nil, err
	}
	numChan, err := t.GetInts(table.ColNumChan, 0, n)
	if err != nil {
		return nil, err
	}
	out := make([]spectral.Window, n)
	for i := 0; i < n; i++ {
		freqs, err := t.GetFloatCell(table.ColChanFreq, i)
		if err != nil {
			return nil, err
		}
		widths, err := t.GetFloatCell(table.ColChanWidth, i)
		if err != nil {
			return nil, err
		}
		if int64(len(freqs)) != numChan[i] || len(widths) != len(freqs) {
			return nil, fmt.Errorf("flagger: spectral window %d declares %d channels but has %d frequencies and %d widths",
				i, numChan[i], len(freqs), len(widths))
		}
		out[i] = spectral.Window{ID: i, Name: names[i], CenterFreqs: freqs, Widths: widths}
	}
	return out, nil
}

func readDataDescriptions(ds Dataset) ([]int, error) {
	t, err := ds.Table(table.DataDesc)
	if err != nil {
		return nil, err
	}
	ids, err := t.GetInts(table.ColSpwID, 0, t.NumRows())
	if err != nil {
		return nil, err
	}
	out := make([]int, len(ids))
	for i, v := range ids {
		out[i] = int(v)
	}
	return out, nil
}

func readAntennas(ds Dataset) (baseline.Antennas, error) {
	t, err := ds.Table(table.Antenna)
	if err != nil {
		return nil, err
	}
	ants := make(baseline.Antennas, t.NumRows())
	for i := range ants {
		pos, err := t.GetFloatCell(table.ColPosition, i)
		if err != nil {
			return nil, err
		}
		if len(pos) != 3 {
			return nil, fmt.Errorf("flagger: antenna %d position has %d components", i, len(pos))
		}
		copy(ants[i][:], pos)
	}
	return ants, nil
}

// sortedKeys is used for deterministic window listings in log lines.
func sortedKeys(m map[int]int) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
