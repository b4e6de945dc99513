// Program rfimasker applies a static RFI channel mask to the FLAG column of
// one or more measurement sets, streaming bounded row chunks so datasets of
// any size are flagged within a fixed memory budget.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"rfimasker/baseline"
	"rfimasker/config"
	"rfimasker/flagger"
	"rfimasker/journal"
	"rfimasker/mask"
	"rfimasker/stats"
	"rfimasker/table"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"
)

const (
	defaultConfigPath = "rfimasker.yaml"
	envConfigPath     = "RFIMASKER_CONFIG"

	exitOK    = 0
	exitFail  = 1
	exitUsage = 2
)

// cliOptions holds parsed flags. set records which flags were given so only
// those override the YAML configuration.
type cliOptions struct {
	configPath string
	mask       string
	mode       string
	spw        string
	dilate     string
	uvRange    string
	statistics bool
	memoryMB   int
	memorySize string
	simulate   bool
	journal    string
	backup     string
	history    int
	datasets   []string
	set        map[string]bool
}

// Purpose: Parse command-line flags.
// Key aspects: Uses its own FlagSet so tests can drive it; positional
// arguments are dataset paths.
// Upstream: main.
// Downstream: flag.FlagSet.
func parseArgs(args []string, stderr io.Writer) (*cliOptions, error) {
	opts := &cliOptions{set: make(map[string]bool)}
	fs := flag.NewFlagSet("rfimasker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "YAML config file or directory (env "+envConfigPath+")")
	fs.StringVar(&opts.mask, "mask", "", "mask .npy: a boolean vector or a (flagged, frequency) structured array")
	fs.StringVar(&opts.mode, "accumulation_mode", "", "or: add to existing flags; override: replace them")
	fs.StringVar(&opts.spw, "spw", "", "comma-separated spectral window ids, one shared or one per dataset")
	fs.StringVar(&opts.dilate, "dilate", "", "widen masked runs by channels (3) or by width (250kHz)")
	fs.StringVar(&opts.uvRange, "uvrange", "", "baseline length range low~high in metres")
	fs.BoolVar(&opts.statistics, "statistics", false, "report flagged percentages before and after")
	fs.IntVar(&opts.memoryMB, "memory", 0, "chunk memory budget in MB (default 5)")
	fs.StringVar(&opts.memorySize, "memory-size", "", "chunk memory budget as a size such as \"64 MiB\"")
	fs.BoolVar(&opts.simulate, "simulate", false, "compute flags without writing them")
	fs.StringVar(&opts.journal, "journal", "", "SQLite run history path")
	fs.StringVar(&opts.backup, "backup", "", "directory receiving a checkpoint of each dataset before it is modified")
	fs.IntVar(&opts.history, "history", 0, "print the last N journal entries and exit (0: journal.history)")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: rfimasker -mask mask.npy [flags] ms1 [ms2 ...]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })
	opts.datasets = fs.Args()
	return opts, nil
}

// Purpose: Resolve the effective configuration.
// Key aspects: -config, then the env override, then the default file; a
// missing default file is not an error. Flags given on the command line
// override YAML values; positional datasets replace the YAML list.
// Upstream: main.
// Downstream: config.Load, config.Normalize.
func resolveConfig(cli *cliOptions) (*config.Config, error) {
	cfg, err := loadConfig(cli.configPath)
	if err != nil {
		return nil, err
	}
	if cli.set["mask"] {
		cfg.Mask = cli.mask
	}
	if cli.set["accumulation_mode"] {
		cfg.AccumulationMode = cli.mode
	}
	if cli.set["spw"] {
		ids, err := parseSpwIDs(cli.spw)
		if err != nil {
			return nil, err
		}
		cfg.SpwIDs = ids
	}
	if cli.set["dilate"] {
		cfg.Dilate = cli.dilate
	}
	if cli.set["uvrange"] {
		cfg.UVRange = cli.uvRange
	}
	if cli.set["statistics"] {
		cfg.Statistics = cli.statistics
	}
	if cli.set["memory"] {
		cfg.MemoryMB = cli.memoryMB
		cfg.Memory = ""
	}
	if cli.set["memory-size"] {
		cfg.Memory = cli.memorySize
	}
	if cli.set["simulate"] {
		cfg.Simulate = cli.simulate
	}
	if cli.set["journal"] {
		cfg.Journal.Path = cli.journal
	}
	if cli.set["backup"] {
		cfg.BackupDir = cli.backup
	}
	if len(cli.datasets) > 0 {
		cfg.Datasets = cli.datasets
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadConfig(explicit string) (*config.Config, error) {
	if path := strings.TrimSpace(explicit); path != "" {
		return config.Load(path)
	}
	if path := strings.TrimSpace(os.Getenv(envConfigPath)); path != "" {
		return config.Load(path)
	}
	cfg, err := config.Load(defaultConfigPath)
	if err != nil {
		if os.IsNotExist(err) {
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func parseSpwIDs(s string) ([]int, error) {
	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("invalid spectral window id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Purpose: Report whether stdout is a terminal.
// Key aspects: Per-chunk progress is drawn only on a terminal.
// Upstream: main progress wiring.
// Downstream: term.IsTerminal.
func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func storeOptions(cfg *config.Config) table.Options {
	return table.Options{
		CacheSizeBytes:        cfg.Store.CacheSizeBytes,
		BloomFilterBitsPerKey: cfg.Store.BloomFilterBits,
		MemTableSizeBytes:     uint64(cfg.Store.MemTableSizeBytes),
	}
}

// Purpose: Load the mask and apply the configured dilation.
// Key aspects: Dilation happens once, before any dataset is touched.
// Upstream: run.
// Downstream: mask.Load, mask.ParseDilation, mask.Dilate.
func loadMask(cfg *config.Config) (*mask.Mask, *mask.Dilation, error) {
	if strings.TrimSpace(cfg.Mask) == "" {
		return nil, nil, errors.New("no mask given (-mask or mask:)")
	}
	m, err := mask.Load(cfg.Mask)
	if err != nil {
		return nil, nil, err
	}
	kind := "index-aligned"
	if m.HasFrequencies() {
		kind = "frequency-labelled"
	}
	log.Printf("Mask %s (%d chan, %s, %d flagged, fingerprint %016x) loaded successfully",
		cfg.Mask, m.Len(), kind, m.FlaggedCount(), m.Fingerprint())
	d, err := mask.ParseDilation(cfg.Dilate)
	if err != nil || d == nil {
		return m, nil, err
	}
	count, err := d.ChannelCount(m)
	if err != nil {
		return nil, nil, err
	}
	dilated, err := mask.Dilate(m, d)
	if err != nil {
		return nil, nil, err
	}
	log.Printf("Mask dilated by %s (%d channels): %d -> %d channels flagged", d, count, m.FlaggedCount(), dilated.FlaggedCount())
	return dilated, d, nil
}

// journalRecorder adapts the SQLite journal to the runner's lifecycle hooks.
type journalRecorder struct {
	j        *journal.Journal
	cfg      *config.Config
	maskHash uint64
	uvRange  string
	dilation string
}

func (r *journalRecorder) Begin(path string, job *flagger.Job) (int64, error) {
	return r.j.Begin(journal.Entry{
		Dataset:       path,
		MaskPath:      r.cfg.Mask,
		MaskHash:      r.maskHash,
		Mode:          r.cfg.AccumulationMode,
		Spw:           job.SpectralWindow(),
		UVRange:       r.uvRange,
		Dilation:      r.dilation,
		Simulate:      r.cfg.Simulate,
		Rows:          job.Rows(),
		PlannedChunks: job.Plan().Chunks,
	})
}

func (r *journalRecorder) Finish(id int64, res stats.Result, runErr error) error {
	out := journal.Outcome{
		Status: journal.StatusOK,
		Cells:  res.Cells,
		Before: res.Before,
		After:  res.After,
		Chunks: res.Chunks,
	}
	switch {
	case runErr != nil:
		out.Status = journal.StatusFailed
		out.Err = runErr.Error()
	case r.cfg.Simulate:
		out.Status = journal.StatusSimulated
	}
	return r.j.Finish(id, out)
}

// progressReporter draws per-chunk progress on a terminal, or writes a
// sparse trail to the log file when output is piped.
func progressReporter(tty bool, tee *logTee, stdout io.Writer) func(path string, chunk, chunks int) {
	if tty {
		return func(path string, chunk, chunks int) {
			fmt.Fprintf(stdout, "\r%s: chunk %s/%s", path, humanize.Comma(int64(chunk)), humanize.Comma(int64(chunks)))
			if chunk == chunks {
				fmt.Fprintln(stdout)
			}
		}
	}
	if !tee.HasFile() {
		return nil
	}
	return func(path string, chunk, chunks int) {
		step := max(chunks/10, 1)
		if chunk%step == 0 || chunk == chunks {
			tee.WriteFileOnly(fmt.Sprintf("%s: chunk %d/%d", path, chunk, chunks))
		}
	}
}

// Purpose: Execute one masking run from a resolved configuration.
// Key aspects: Loads and dilates the mask, opens the journal, then hands
// every dataset to the flagger runner.
// Upstream: main, tests.
// Downstream: loadMask, journal.Open, flagger.Runner.
func run(cfg *config.Config, progress func(string, int, int), stdout io.Writer) error {
	if len(cfg.Datasets) == 0 {
		return errors.New("no datasets given")
	}
	mode, err := flagger.ParseMode(cfg.AccumulationMode)
	if err != nil {
		return err
	}
	uv, err := baseline.ParseUVRange(cfg.UVRange)
	if err != nil {
		return err
	}
	budget, err := cfg.MemoryBudget()
	if err != nil {
		return err
	}
	m, dilation, err := loadMask(cfg)
	if err != nil {
		return err
	}

	runner := &flagger.Runner{
		Open: flagger.StoreOpener(storeOptions(cfg)),
		Options: flagger.Options{
			Mode:         mode,
			SpwIDs:       cfg.SpwIDs,
			UVRange:      uv,
			Statistics:   cfg.Statistics,
			Simulate:     cfg.Simulate,
			MemoryBudget: budget,
		},
		BackupDir: cfg.BackupDir,
	}

	j, err := journal.Open(cfg.Journal.Path, journal.Options{BusyTimeoutMS: cfg.Journal.BusyTimeoutMS})
	if err != nil {
		return err
	}
	defer j.Close()
	if j != nil {
		rec := &journalRecorder{j: j, cfg: cfg, maskHash: m.Fingerprint(), uvRange: uv.String()}
		if dilation != nil {
			rec.dilation = dilation.String()
		}
		runner.Recorder = rec
	}

	watch := newMemoryWatch(budget)
	watch.sample()
	runner.Options.Progress = chunkSampler(watch, progress)

	outcomes, err := runner.Run(cfg.Datasets, m)
	if cfg.Statistics {
		for _, out := range outcomes {
			if out.Err != nil {
				continue
			}
			for _, line := range out.Result.Lines() {
				fmt.Fprintf(stdout, "%s: %s\n", out.Path, line)
			}
		}
		watch.sample()
		fmt.Fprintln(stdout, watch.report())
	}
	return err
}

// printHistory writes the newest journal entries.
func printHistory(w io.Writer, recs []journal.Record) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No journal entries")
		return
	}
	for _, r := range recs {
		pct := 0.0
		if r.Cells > 0 {
			pct = 100 * float64(r.After) / float64(r.Cells)
		}
		fmt.Fprintf(w, "#%d %s %-9s %s mode=%s spw=%s rows=%s chunks=%d/%d flagged=%.2f%% mask=%s",
			r.ID, humanize.Time(r.StartedAt), r.Status, r.Dataset, r.Mode, spwLabel(r.Spw),
			humanize.Comma(int64(r.Rows)), r.Chunks, r.PlannedChunks, pct, r.MaskPath)
		if r.Err != "" {
			fmt.Fprintf(w, " error=%q", r.Err)
		}
		fmt.Fprintln(w)
	}
}

func spwLabel(spw int) string {
	if spw == flagger.AllSpectralWindows {
		return "all"
	}
	return strconv.Itoa(spw)
}

func showHistory(cfg *config.Config, limit int, w io.Writer) error {
	j, err := journal.Open(cfg.Journal.Path, journal.Options{BusyTimeoutMS: cfg.Journal.BusyTimeoutMS})
	if err != nil {
		return err
	}
	if j == nil {
		return journal.ErrNoJournal
	}
	defer j.Close()
	recs, err := j.Recent(limit)
	if err != nil {
		return err
	}
	printHistory(w, recs)
	return nil
}

// Purpose: Program entrypoint.
// Key aspects: Exit 2 on usage errors, 1 when any dataset fails or
// pre-flight rejects the run.
// Upstream: OS process start.
// Downstream: parseArgs, resolveConfig, setupLogging, run.
func main() {
	os.Exit(realMain(os.Args[1:], os.Stdout, os.Stderr))
}

func realMain(args []string, stdout, stderr io.Writer) int {
	cli, err := parseArgs(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	cfg, err := resolveConfig(cli)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return exitUsage
	}
	if cli.set["history"] {
		limit := cli.history
		if limit <= 0 {
			limit = cfg.Journal.History
		}
		if err := showHistory(cfg, limit, stdout); err != nil {
			fmt.Fprintf(stderr, "History: %v\n", err)
			return exitFail
		}
		return exitOK
	}

	tee, logErr := setupLogging(cfg.Logging, stderr)
	log.SetFlags(0)
	log.SetOutput(tee)
	defer func() {
		log.SetOutput(stderr)
		_ = tee.Close()
	}()
	if logErr != nil {
		log.Printf("Logging: file sink disabled: %v", logErr)
	}
	cfg.Print(log.Writer())

	if err := run(cfg, progressReporter(isStdoutTTY(), tee, stdout), stdout); err != nil {
		log.Printf("RFI Masker failed: %v", err)
		return exitFail
	}
	return exitOK
}
