package flagger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"rfimasker/mask"
	"rfimasker/stats"
	"rfimasker/table"
)

// Recorder receives per-dataset lifecycle events. The journal implements it.
type Recorder interface {
	Begin(path string, job *Job) (int64, error)
	Finish(id int64, res stats.Result, runErr error) error
}

// Outcome is the result of one dataset.
type Outcome struct {
	Path   string
	Plan   string
	Result stats.Result
	Err    error
	Backup string
}

// Runner masks a list of datasets in order.
type Runner struct {
	Open    Opener
	Options Options
	// BackupDir, when set, receives a checkpoint of every dataset before it is
	// mutated. Ignored when simulating.
	BackupDir string
	Recorder  Recorder
}

// Purpose: Resolve the spectral window per dataset from SpwIDs.
// Key aspects: zero entries select all windows, one entry is shared, n entries
// map one-to-one; any other length is ErrSpwSelectionMismatch.
// Upstream: Runner.Run.
// Downstream: None.
func SpectralWindows(spwIDs []int, datasets int) ([]int, error) {
	out := make([]int, datasets)
	switch len(spwIDs) {
	case 0:
		for i := range out {
			out[i] = AllSpectralWindows
		}
	case 1:
		for i := range out {
			out[i] = spwIDs[0]
		}
	case datasets:
		copy(out, spwIDs)
	default:
		return nil, fmt.Errorf("%w: %d spectral window ids for %d datasets", ErrSpwSelectionMismatch, len(spwIDs), datasets)
	}
	for i, s := range out {
		if s < AllSpectralWindows {
			return nil, fmt.Errorf("%w: negative spectral window id %d for dataset %d", ErrSpwSelectionMismatch, s, i+1)
		}
	}
	return out, nil
}

// Purpose: Pre-flight every dataset, then stream them one after another.
// Key aspects: Any pre-flight failure aborts the run before a single row is
// written. Streaming failures are recorded per dataset and the run moves on;
// the returned error joins them.
// Upstream: main.
// Downstream: Prepare, Job.Run, Recorder.
func (r *Runner) Run(paths []string, m *mask.Mask) ([]Outcome, error) {
	if r.Open == nil {
		return nil, errors.New("flagger: runner has no opener")
	}
	spws, err := SpectralWindows(r.Options.SpwIDs, len(paths))
	if err != nil {
		return nil, err
	}
	if err := r.preflight(paths, m, spws); err != nil {
		return nil, err
	}

	outcomes := make([]Outcome, len(paths))
	var failures []error
	for i, path := range paths {
		outcomes[i] = r.runOne(path, m, spws[i])
		out := outcomes[i]
		if out.Err != nil {
			r.Options.logf("[%d / %d]: %s failed: %v", i+1, len(paths), path, out.Err)
			failures = append(failures, out.Err)
			continue
		}
		if r.Options.Statistics {
			r.Options.logf("[%d / %d]: %s had %.2f %% flagged visibilities before masking. After masking it has %.2f %% flagged",
				i+1, len(paths), path, out.Result.PercentBefore(), out.Result.PercentAfter())
		} else {
			r.Options.logf("[%d / %d]: %s has been flagged", i+1, len(paths), path)
		}
	}
	if len(failures) > 0 {
		return outcomes, errors.Join(failures...)
	}
	r.Options.logf("RFI Masker terminated successfully")
	return outcomes, nil
}

func (r *Runner) preflight(paths []string, m *mask.Mask, spws []int) error {
	var errs []error
	for i, path := range paths {
		ds, err := r.Open(path, table.ReadOnly)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		job, err := Prepare(ds, m, r.Options, spws[i])
		closeErr := ds.Close()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if closeErr != nil {
			errs = append(errs, fmt.Errorf("%s: close: %w", path, closeErr))
			continue
		}
		r.Options.logf("%s appears to be a valid measurement set with %d rows (%s)", path, job.Rows(), describeMasked(job))
	}
	if len(errs) > 0 {
		return fmt.Errorf("flagger: pre-flight failed, nothing was modified: %w", errors.Join(errs...))
	}
	return nil
}

func (r *Runner) runOne(path string, m *mask.Mask, spw int) (out Outcome) {
	out.Path = path
	mode := table.ReadWrite
	if r.Options.Simulate {
		mode = table.ReadOnly
	}
	ds, err := r.Open(path, mode)
	if err != nil {
		out.Err = err
		return out
	}
	defer func() {
		if cerr := ds.Close(); cerr != nil && out.Err == nil {
			out.Err = fmt.Errorf("%s: close: %w", path, cerr)
		}
	}()

	job, err := Prepare(ds, m, r.Options, spw)
	if err != nil {
		out.Err = err
		return out
	}
	out.Plan = job.Plan().String()
	r.Options.logf("%s: %s", path, out.Plan)

	var id int64
	if r.Recorder != nil {
		if id, err = r.Recorder.Begin(path, job); err != nil {
			r.Options.logf("journal: begin %s: %v", path, err)
		}
	}
	if r.BackupDir != "" && !r.Options.Simulate {
		out.Backup, out.Err = backup(ds, r.BackupDir)
		if out.Err == nil {
			r.Options.logf("%s: checkpoint written to %s", path, out.Backup)
		}
	}
	if out.Err == nil {
		out.Result, out.Err = job.Run()
	}
	if r.Recorder != nil && id > 0 {
		if err := r.Recorder.Finish(id, out.Result, out.Err); err != nil {
			r.Options.logf("journal: finish %s: %v", path, err)
		}
	}
	return out
}

func backup(ds Dataset, dir string) (string, error) {
	cp, ok := ds.(Checkpointer)
	if !ok {
		return "", fmt.Errorf("flagger: %s: dataset cannot be checkpointed", ds.Path())
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("flagger: backup dir: %w", err)
	}
	name := filepath.Base(filepath.Clean(ds.Path()))
	dest := filepath.Join(dir, fmt.Sprintf("%s.%s", name, time.Now().UTC().Format("20060102T150405.000000000")))
	if err := cp.Checkpoint(dest); err != nil {
		return "", fmt.Errorf("flagger: %s: checkpoint: %w", ds.Path(), err)
	}
	return dest, nil
}

func describeMasked(job *Job) string {
	counts := job.MaskedChannels()
	parts := make([]string, 0, len(counts))
	for _, ddid := range sortedKeys(counts) {
		parts = append(parts, fmt.Sprintf("ddid %d: %d channels masked", ddid, counts[ddid]))
	}
	if len(parts) == 0 {
		return "no data descriptions targeted"
	}
	return strings.Join(parts, ", ")
}
