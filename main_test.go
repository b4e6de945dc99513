package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rfimasker/mask"
	"rfimasker/table"
)

func writeTestDataset(t *testing.T, path string) {
	t.Helper()
	layout := table.Layout{
		Antennas: [][3]float64{{0, 0, 0}, {30, 40, 0}, {90, 120, 0}},
		SpectralWindows: []table.SpectralWindowDesc{{
			Name:      "L-band",
			ChanFreq:  []float64{1.000e9, 1.001e9, 1.002e9, 1.003e9, 1.004e9},
			ChanWidth: []float64{1e6, 1e6, 1e6, 1e6, 1e6},
		}},
		DataDescSpw:  []int{0},
		Correlations: 2,
		Rows: []table.Row{
			{Antenna1: 0, Antenna2: 1},
			{Antenna1: 0, Antenna2: 2},
		},
	}
	db, err := table.CreateMeasurementSet(path, table.Options{}, layout)
	if err != nil {
		t.Fatalf("create dataset: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close dataset: %v", err)
	}
}

func flaggedPerRow(t *testing.T, path string) []int64 {
	t.Helper()
	db, err := table.Open(path, table.ReadOnly, table.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	main, err := db.Table(table.MainTable)
	if err != nil {
		t.Fatalf("main: %v", err)
	}
	var out []int64
	for r := 0; r < main.NumRows(); r++ {
		cell, err := main.GetBools(table.ColFlag, r, 1)
		if err != nil {
			t.Fatalf("row %d: %v", r, err)
		}
		out = append(out, cell.Count())
	}
	return out
}

func TestResolveConfigFlagsOverrideYAML(t *testing.T) {
	t.Setenv(envConfigPath, "")
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "rfimasker.yaml")
	if err := os.WriteFile(cfgPath, []byte("mask: yaml.npy\ndatasets: [yaml.ms]\nstatistics: true\nmemory_mb: 64\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cli, err := parseArgs([]string{"-config", cfgPath, "-mask", "cli.npy", "-spw", "0, 2", "-memory", "8", "a.ms", "b.ms"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	cfg, err := resolveConfig(cli)
	if err != nil {
		t.Fatalf("resolveConfig: %v", err)
	}
	if cfg.Mask != "cli.npy" || !cfg.Statistics || cfg.MemoryMB != 8 {
		t.Fatalf("unexpected overlay %+v", cfg)
	}
	if len(cfg.Datasets) != 2 || cfg.Datasets[0] != "a.ms" {
		t.Fatalf("expected positional datasets, got %v", cfg.Datasets)
	}
	if len(cfg.SpwIDs) != 2 || cfg.SpwIDs[1] != 2 {
		t.Fatalf("unexpected spw ids %v", cfg.SpwIDs)
	}
}

func TestResolveConfigWithoutFile(t *testing.T) {
	t.Setenv(envConfigPath, "")
	cli, err := parseArgs([]string{"-memory-size", "1 MiB", "x.ms"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	cfg, err := resolveConfig(cli)
	if err != nil {
		t.Fatalf("resolveConfig: %v", err)
	}
	if budget, err := cfg.MemoryBudget(); err != nil || budget != 1<<20 {
		t.Fatalf("expected 1 MiB budget, got %d (err=%v)", budget, err)
	}
	if cfg.AccumulationMode != "or" {
		t.Fatalf("expected default mode or, got %q", cfg.AccumulationMode)
	}
	bad, _ := parseArgs([]string{"-spw", "0,x"}, &bytes.Buffer{})
	if _, err := resolveConfig(bad); err == nil {
		t.Fatalf("expected an invalid spectral window id to fail")
	}
}

func TestRealMainFlagsAndJournal(t *testing.T) {
	t.Setenv(envConfigPath, "")
	dir := t.TempDir()
	ms := filepath.Join(dir, "obs.ms")
	writeTestDataset(t, ms)
	maskPath := filepath.Join(dir, "mask.npy")
	if err := mask.Save(maskPath, mask.FromFlags([]bool{false, true, false, true, true})); err != nil {
		t.Fatalf("save mask: %v", err)
	}
	journalPath := filepath.Join(dir, "journal.db")

	var stdout, stderr bytes.Buffer
	code := realMain([]string{"-mask", maskPath, "-uvrange", "0~100", "-statistics", "-journal", journalPath, ms}, &stdout, &stderr)
	if code != exitOK {
		t.Fatalf("expected exit 0, got %d; stderr:\n%s", code, stderr.String())
	}
	if got := flaggedPerRow(t, ms); got[0] != 6 || got[1] != 0 {
		t.Fatalf("expected only the 50 m row flagged, got %v", got)
	}
	if !strings.Contains(stderr.String(), "RFI Masker terminated successfully") {
		t.Fatalf("missing completion line:\n%s", stderr.String())
	}
	if !strings.Contains(stdout.String(), "Flagged:") || !strings.Contains(stdout.String(), "Memory:") {
		t.Fatalf("missing statistics summary:\n%s", stdout.String())
	}

	stdout.Reset()
	if code := realMain([]string{"-journal", journalPath, "-history", "5"}, &stdout, &stderr); code != exitOK {
		t.Fatalf("history exit %d", code)
	}
	if !strings.Contains(stdout.String(), "obs.ms") || !strings.Contains(stdout.String(), "ok") {
		t.Fatalf("unexpected history:\n%s", stdout.String())
	}
}

func TestRealMainFailures(t *testing.T) {
	t.Setenv(envConfigPath, "")
	dir := t.TempDir()
	maskPath := filepath.Join(dir, "mask.npy")
	if err := mask.Save(maskPath, mask.FromFlags([]bool{true})); err != nil {
		t.Fatalf("save mask: %v", err)
	}
	var stdout, stderr bytes.Buffer
	if code := realMain([]string{"-mask", maskPath, filepath.Join(dir, "missing.ms")}, &stdout, &stderr); code != exitFail {
		t.Fatalf("expected exit 1 for a missing dataset, got %d", code)
	}
	if code := realMain([]string{"-no-such-flag"}, &stdout, &stderr); code != exitUsage {
		t.Fatalf("expected exit 2 for an unknown flag, got %d", code)
	}
	if code := realMain([]string{"-accumulation_mode", "xor", "a.ms"}, &stdout, &stderr); code != exitUsage {
		t.Fatalf("expected exit 2 for a bad mode, got %d", code)
	}
	if code := realMain([]string{"-history", "3"}, &stdout, &stderr); code != exitFail {
		t.Fatalf("expected exit 1 for history without a journal, got %d", code)
	}
}

func TestSpwLabel(t *testing.T) {
	if spwLabel(-1) != "all" || spwLabel(3) != "3" {
		t.Fatalf("unexpected labels %q %q", spwLabel(-1), spwLabel(3))
	}
}
