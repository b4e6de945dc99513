package flagger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rfimasker/baseline"
	"rfimasker/chunk"
	"rfimasker/mask"
	"rfimasker/stats"
	"rfimasker/table"
)

var testStore = table.Options{CacheSizeBytes: 1 << 20, MemTableSizeBytes: 1 << 20}

// Antenna 0-1 is 50 m, 0-2 is 150 m and 1-2 is 100 m.
var testAntennas = [][3]float64{{0, 0, 0}, {30, 40, 0}, {90, 120, 0}}

func fiveChannelWindow() table.SpectralWindowDesc {
	return table.SpectralWindowDesc{
		Name:      "L-band",
		ChanFreq:  []float64{1.000e9, 1.001e9, 1.002e9, 1.003e9, 1.004e9},
		ChanWidth: []float64{1e6, 1e6, 1e6, 1e6, 1e6},
	}
}

// writeDataset creates a five-channel, two-correlation dataset where even
// rows arrive with channel 0 flagged.
func writeDataset(t *testing.T, dir string, rows []table.Row) string {
	t.Helper()
	layout := table.Layout{
		Antennas:        testAntennas,
		SpectralWindows: []table.SpectralWindowDesc{fiveChannelWindow()},
		DataDescSpw:     []int{0},
		Correlations:    2,
		Rows:            rows,
		Flags: func(row int, cell []bool) {
			if row%2 == 0 {
				cell[0] = true
				cell[1] = true
			}
		},
	}
	db, err := table.CreateMeasurementSet(dir, testStore, layout)
	if err != nil {
		t.Fatalf("create dataset: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close dataset: %v", err)
	}
	return dir
}

func shortBaselineRows(n int) []table.Row {
	rows := make([]table.Row, n)
	for i := range rows {
		rows[i] = table.Row{Antenna1: 0, Antenna2: 1}
	}
	return rows
}

func readFlags(t *testing.T, path string) [][]bool {
	t.Helper()
	db, err := table.Open(path, table.ReadOnly, testStore)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer db.Close()
	main, err := db.Table(table.MainTable)
	if err != nil {
		t.Fatalf("main table: %v", err)
	}
	runs, err := main.GetBoolRuns(table.ColFlag, 0, main.NumRows())
	if err != nil {
		t.Fatalf("read flags: %v", err)
	}
	var out [][]bool
	for _, run := range runs {
		for i := 0; i < run.Rows(); i++ {
			out = append(out, append([]bool(nil), run.Row(i)...))
		}
	}
	return out
}

func scenarioMask() *mask.Mask {
	return mask.FromFlags([]bool{false, true, false, true, true})
}

func newRunner(opts Options) *Runner {
	if opts.Logf == nil {
		opts.Logf = func(string, ...any) {}
	}
	return &Runner{Open: StoreOpener(testStore), Options: opts}
}

func TestScenarioOrAlignedMask(t *testing.T) {
	path := writeDataset(t, filepath.Join(t.TempDir(), "a.ms"), shortBaselineRows(4))
	var lines []string
	opts := Options{Mode: ModeOr, Statistics: true, Logf: func(f string, a ...any) {
		lines = append(lines, fmt.Sprintf(f, a...))
	}}
	outcomes, err := newRunner(opts).Run([]string{path}, scenarioMask())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for r, cell := range readFlags(t, path) {
		for c := 0; c < 5; c++ {
			for k := 0; k < 2; k++ {
				want := c == 1 || c == 3 || c == 4 || (c == 0 && r%2 == 0)
				if cell[c*2+k] != want {
					t.Fatalf("row %d chan %d corr %d: expected %t", r, c, k, want)
				}
			}
		}
	}
	res := outcomes[0].Result
	if res.PercentBefore() != 10 || res.PercentAfter() != 70 {
		t.Fatalf("expected 10%% -> 70%%, got %v -> %v", res.PercentBefore(), res.PercentAfter())
	}
	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "[1 / 1]: "+path+" had 10.00 % flagged visibilities before masking. After masking it has 70.00 % flagged") {
		t.Fatalf("missing statistics line in:\n%s", joined)
	}
	if !strings.Contains(joined, "RFI Masker terminated successfully") {
		t.Fatalf("missing completion line in:\n%s", joined)
	}
}

func TestOverrideIsIdempotent(t *testing.T) {
	path := writeDataset(t, filepath.Join(t.TempDir(), "a.ms"), shortBaselineRows(6))
	r := newRunner(Options{Mode: ModeOverride})
	if _, err := r.Run([]string{path}, scenarioMask()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	once := readFlags(t, path)
	if _, err := r.Run([]string{path}, scenarioMask()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	twice := readFlags(t, path)
	assertSameFlags(t, once, twice)
	// Override drops the pre-existing channel 0 flags.
	if once[0][0] {
		t.Fatalf("expected override to clear channel 0")
	}
}

func TestOrIsMonotonic(t *testing.T) {
	path := writeDataset(t, filepath.Join(t.TempDir(), "a.ms"), shortBaselineRows(9))
	before := readFlags(t, path)
	outcomes, err := newRunner(Options{Mode: ModeOr, MemoryBudget: 3 * chunk.RowBytes(5, 2)}).Run([]string{path}, scenarioMask())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := outcomes[0].Result; got.After < got.Before || got.Chunks != 3 {
		t.Fatalf("unexpected result %+v", got)
	}
	after := readFlags(t, path)
	for r := range before {
		for i := range before[r] {
			if before[r][i] && !after[r][i] {
				t.Fatalf("row %d element %d was cleared under or", r, i)
			}
		}
	}
}

func TestChunkBoundaryInvariance(t *testing.T) {
	dir := t.TempDir()
	rows := []table.Row{}
	for i := 0; i < 11; i++ {
		rows = append(rows, table.Row{Antenna1: 0, Antenna2: 1 + i%2})
	}
	single := writeDataset(t, filepath.Join(dir, "single.ms"), rows)
	many := writeDataset(t, filepath.Join(dir, "many.ms"), rows)
	uv, _ := baseline.ParseUVRange("0~100")

	if _, err := newRunner(Options{UVRange: uv, MemoryBudget: 1 << 20}).Run([]string{single}, scenarioMask()); err != nil {
		t.Fatalf("single-chunk run: %v", err)
	}
	out, err := newRunner(Options{UVRange: uv, MemoryBudget: chunk.RowBytes(5, 2)}).Run([]string{many}, scenarioMask())
	if err != nil {
		t.Fatalf("per-row run: %v", err)
	}
	if out[0].Result.Chunks != 11 {
		t.Fatalf("expected 11 chunks, got %d", out[0].Result.Chunks)
	}
	assertSameFlags(t, readFlags(t, single), readFlags(t, many))
}

func TestSelectorExclusivity(t *testing.T) {
	rows := []table.Row{{Antenna1: 0, Antenna2: 1}, {Antenna1: 0, Antenna2: 2}, {Antenna1: 0, Antenna2: 1}, {Antenna1: 0, Antenna2: 2}}
	path := writeDataset(t, filepath.Join(t.TempDir(), "a.ms"), rows)
	before := readFlags(t, path)
	uv, _ := baseline.ParseUVRange("0~100")
	if _, err := newRunner(Options{Mode: ModeOverride, UVRange: uv}).Run([]string{path}, scenarioMask()); err != nil {
		t.Fatalf("run: %v", err)
	}
	after := readFlags(t, path)
	for r := range rows {
		changed := fmt.Sprint(before[r]) != fmt.Sprint(after[r])
		if rows[r].Antenna2 == 2 && changed {
			t.Fatalf("150 m row %d was modified", r)
		}
		if rows[r].Antenna2 == 1 && !changed {
			t.Fatalf("50 m row %d was not flagged", r)
		}
	}
}

func TestPrepareBudgetTooSmall(t *testing.T) {
	path := writeDataset(t, filepath.Join(t.TempDir(), "a.ms"), shortBaselineRows(2))
	ds, err := StoreOpener(testStore)(path, table.ReadOnly)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ds.Close()
	job, err := Prepare(ds, scenarioMask(), Options{MemoryBudget: chunk.RowBytes(5, 2) - 1}, AllSpectralWindows)
	if !errors.Is(err, chunk.ErrBudgetTooSmall) {
		t.Fatalf("expected ErrBudgetTooSmall, got %v", err)
	}
	if job.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", job.State())
	}
}

func TestPrepareStates(t *testing.T) {
	path := writeDataset(t, filepath.Join(t.TempDir(), "a.ms"), shortBaselineRows(3))
	ds, err := StoreOpener(testStore)(path, table.ReadWrite)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ds.Close()
	job, err := Prepare(ds, scenarioMask(), Options{}, AllSpectralWindows)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if job.State() != StatePlanning || job.Rows() != 3 {
		t.Fatalf("unexpected job state %s rows %d", job.State(), job.Rows())
	}
	if got := job.MaskedChannels()[0]; got != 3 {
		t.Fatalf("expected 3 masked channels, got %d", got)
	}
	if _, err := job.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if job.State() != StateDone {
		t.Fatalf("expected done, got %s", job.State())
	}
	if _, err := job.Run(); err == nil {
		t.Fatalf("expected a finished job to refuse a second run")
	}
}

func TestUnsupportedFlagLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.ms")
	db, err := table.CreateMeasurementSet(path, testStore, table.Layout{
		Antennas:        testAntennas,
		SpectralWindows: []table.SpectralWindowDesc{fiveChannelWindow()},
		DataDescSpw:     []int{0},
		Correlations:    4,
		Rows:            shortBaselineRows(2),
		NoChannelAxis:   true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	db.Close()
	_, err = newRunner(Options{}).Run([]string{path}, scenarioMask())
	if !errors.Is(err, ErrUnsupportedFlagLayout) {
		t.Fatalf("expected ErrUnsupportedFlagLayout, got %v", err)
	}
}

// emptyCellTable reports FLAG cells with no correlations.
type emptyCellTable struct{ Table }

func (emptyCellTable) CellShape(string, int) ([]int, error) { return []int{5, 0}, nil }

type emptyCellDataset struct{ Dataset }

func (d emptyCellDataset) Table(name string) (Table, error) {
	t, err := d.Dataset.Table(name)
	if err != nil || name != table.MainTable {
		return t, err
	}
	return emptyCellTable{t}, nil
}

func TestEmptyFlagCellIsUnsupported(t *testing.T) {
	path := writeDataset(t, filepath.Join(t.TempDir(), "a.ms"), shortBaselineRows(2))
	ds, err := StoreOpener(testStore)(path, table.ReadOnly)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ds.Close()
	job, err := Prepare(emptyCellDataset{ds}, scenarioMask(), Options{}, AllSpectralWindows)
	if !errors.Is(err, ErrUnsupportedFlagLayout) {
		t.Fatalf("expected ErrUnsupportedFlagLayout, got %v", err)
	}
	if job.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", job.State())
	}
}

func TestPreflightAbortsWholeRun(t *testing.T) {
	dir := t.TempDir()
	good := writeDataset(t, filepath.Join(dir, "good.ms"), shortBaselineRows(2))
	before := readFlags(t, good)
	_, err := newRunner(Options{}).Run([]string{good, filepath.Join(dir, "missing.ms")}, scenarioMask())
	if !errors.Is(err, ErrDatasetNotFound) {
		t.Fatalf("expected ErrDatasetNotFound, got %v", err)
	}
	assertSameFlags(t, before, readFlags(t, good))
}

func TestLegacyMaskChannelMismatch(t *testing.T) {
	path := writeDataset(t, filepath.Join(t.TempDir(), "a.ms"), shortBaselineRows(2))
	_, err := newRunner(Options{}).Run([]string{path}, mask.FromFlags([]bool{true, false, true}))
	if !errors.Is(err, ErrChannelCountMismatch) {
		t.Fatalf("expected ErrChannelCountMismatch, got %v", err)
	}
}

func TestSpectralWindowsSelection(t *testing.T) {
	got, err := SpectralWindows(nil, 3)
	if err != nil || got[2] != AllSpectralWindows {
		t.Fatalf("expected all windows, got %v (err=%v)", got, err)
	}
	got, err = SpectralWindows([]int{4}, 2)
	if err != nil || got[0] != 4 || got[1] != 4 {
		t.Fatalf("expected shared window 4, got %v (err=%v)", got, err)
	}
	if _, err := SpectralWindows([]int{0, 1}, 3); !errors.Is(err, ErrSpwSelectionMismatch) {
		t.Fatalf("expected ErrSpwSelectionMismatch, got %v", err)
	}
}

func TestSpectralWindowTargetsOnlyItsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.ms")
	wide := table.SpectralWindowDesc{Name: "wide", ChanFreq: []float64{2e9, 2.1e9, 2.2e9}, ChanWidth: []float64{1e8, 1e8, 1e8}}
	db, err := table.CreateMeasurementSet(path, testStore, table.Layout{
		Antennas:        testAntennas,
		SpectralWindows: []table.SpectralWindowDesc{fiveChannelWindow(), wide},
		DataDescSpw:     []int{0, 1},
		Correlations:    1,
		Rows: []table.Row{
			{Antenna2: 1, DataDescID: 0},
			{Antenna2: 1, DataDescID: 1},
			{Antenna2: 1, DataDescID: 0},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	db.Close()
	if _, err := newRunner(Options{SpwIDs: []int{0}}).Run([]string{path}, scenarioMask()); err != nil {
		t.Fatalf("run: %v", err)
	}
	flags := readFlags(t, path)
	if fmt.Sprint(flags[0]) != "[false true false true true]" || fmt.Sprint(flags[2]) != fmt.Sprint(flags[0]) {
		t.Fatalf("unexpected spw 0 rows %v / %v", flags[0], flags[2])
	}
	if fmt.Sprint(flags[1]) != "[false false false]" {
		t.Fatalf("spw 1 row was modified: %v", flags[1])
	}
	if _, err := newRunner(Options{SpwIDs: []int{7}}).Run([]string{path}, scenarioMask()); !errors.Is(err, ErrSpwSelectionMismatch) {
		t.Fatalf("expected ErrSpwSelectionMismatch for a missing window, got %v", err)
	}
}

// Two windows of different widths interleave inside one chunk, and the mask
// sits on a third, coarser grid.
func TestFrequencyMaskAcrossMixedWindowsInOneChunk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mixed.ms")
	narrow := table.SpectralWindowDesc{
		Name:      "narrow",
		ChanFreq:  []float64{100e6, 110e6, 120e6, 130e6},
		ChanWidth: []float64{10e6, 10e6, 10e6, 10e6},
	}
	wide := table.SpectralWindowDesc{
		Name:      "wide",
		ChanFreq:  []float64{105e6, 125e6},
		ChanWidth: []float64{20e6, 20e6},
	}
	db, err := table.CreateMeasurementSet(path, testStore, table.Layout{
		Antennas:        testAntennas,
		SpectralWindows: []table.SpectralWindowDesc{narrow, wide},
		DataDescSpw:     []int{0, 1},
		Correlations:    2,
		Rows: []table.Row{
			{Antenna2: 1, DataDescID: 0},
			{Antenna2: 1, DataDescID: 1},
			{Antenna2: 1, DataDescID: 0},
			{Antenna2: 1, DataDescID: 1},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	db.Close()

	// Channels at 97 and 118 MHz are masked; 118 MHz spans [114.5, 121.5).
	m, err := mask.FromChannels(
		[]bool{true, false, false, true, false, false},
		[]float64{97e6, 104e6, 111e6, 118e6, 125e6, 132e6},
	)
	if err != nil {
		t.Fatalf("mask: %v", err)
	}
	outcomes, err := newRunner(Options{Mode: ModeOr, MemoryBudget: 1 << 20}).Run([]string{path}, m)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	res := outcomes[0].Result
	if res.Chunks != 1 {
		t.Fatalf("expected both window shapes in one chunk, got %d chunks", res.Chunks)
	}
	if res.Cells != 24 || res.Before != 0 || res.After != 16 {
		t.Fatalf("unexpected counts %+v", res)
	}

	want := []string{
		"[true true false false true true false false]",
		"[true true true true]",
		"[true true false false true true false false]",
		"[true true true true]",
	}
	flags := readFlags(t, path)
	if len(flags) != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), len(flags))
	}
	for r := range want {
		if got := fmt.Sprint(flags[r]); got != want[r] {
			t.Fatalf("row %d: expected %s, got %s", r, want[r], got)
		}
	}
}

func TestSimulateLeavesDataUntouched(t *testing.T) {
	path := writeDataset(t, filepath.Join(t.TempDir(), "a.ms"), shortBaselineRows(4))
	before := readFlags(t, path)
	out, err := newRunner(Options{Simulate: true}).Run([]string{path}, scenarioMask())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out[0].Result.PercentAfter() != 70 {
		t.Fatalf("expected simulated 70%%, got %v", out[0].Result.PercentAfter())
	}
	assertSameFlags(t, before, readFlags(t, path))
}

type failingTable struct{ Table }

func (failingTable) PutBoolRuns(string, []table.BoolRun) error {
	return errors.New("disk full")
}

type failingDataset struct{ Dataset }

func (f failingDataset) Table(name string) (Table, error) {
	t, err := f.Dataset.Table(name)
	if err != nil || name != table.MainTable {
		return t, err
	}
	return failingTable{t}, nil
}

func TestStreamingFailureContinues(t *testing.T) {
	dir := t.TempDir()
	bad := writeDataset(t, filepath.Join(dir, "bad.ms"), shortBaselineRows(2))
	good := writeDataset(t, filepath.Join(dir, "good.ms"), shortBaselineRows(2))
	open := StoreOpener(testStore)
	r := newRunner(Options{})
	r.Open = func(path string, mode table.Mode) (Dataset, error) {
		ds, err := open(path, mode)
		if err != nil || path != bad || mode != table.ReadWrite {
			return ds, err
		}
		return failingDataset{ds}, nil
	}
	outcomes, err := r.Run([]string{bad, good}, scenarioMask())
	if !errors.Is(err, ErrColumnIO) {
		t.Fatalf("expected ErrColumnIO, got %v", err)
	}
	if !errors.Is(outcomes[0].Err, ErrColumnIO) || outcomes[1].Err != nil {
		t.Fatalf("unexpected outcomes %v / %v", outcomes[0].Err, outcomes[1].Err)
	}
	if !readFlags(t, good)[1][2] {
		t.Fatalf("expected the second dataset to be flagged")
	}
}

func TestBackupCheckpoint(t *testing.T) {
	dir := t.TempDir()
	path := writeDataset(t, filepath.Join(dir, "a.ms"), shortBaselineRows(2))
	before := readFlags(t, path)
	r := newRunner(Options{})
	r.BackupDir = filepath.Join(dir, "backups")
	outcomes, err := r.Run([]string{path}, scenarioMask())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(outcomes[0].Backup); err != nil {
		t.Fatalf("expected backup at %q: %v", outcomes[0].Backup, err)
	}
	assertSameFlags(t, before, readFlags(t, outcomes[0].Backup))
}

type memoryRecorder struct {
	begun    []string
	finished []error
}

func (m *memoryRecorder) Begin(path string, job *Job) (int64, error) {
	m.begun = append(m.begun, path)
	return int64(len(m.begun)), nil
}

func (m *memoryRecorder) Finish(id int64, _ stats.Result, err error) error {
	m.finished = append(m.finished, err)
	return nil
}

func TestRecorderHooks(t *testing.T) {
	path := writeDataset(t, filepath.Join(t.TempDir(), "a.ms"), shortBaselineRows(2))
	rec := &memoryRecorder{}
	r := newRunner(Options{})
	r.Recorder = rec
	if _, err := r.Run([]string{path}, scenarioMask()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rec.begun) != 1 || len(rec.finished) != 1 || rec.finished[0] != nil {
		t.Fatalf("unexpected recorder calls %+v", rec)
	}
}

func assertSameFlags(t *testing.T, a, b [][]bool) {
	t.Helper()
	if len(a) != len(b) {
		t.Fatalf("row count differs: %d vs %d", len(a), len(b))
	}
	for r := range a {
		if fmt.Sprint(a[r]) != fmt.Sprint(b[r]) {
			t.Fatalf("row %d differs: %v vs %v", r, a[r], b[r])
		}
	}
}
