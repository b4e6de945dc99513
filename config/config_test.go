package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeYAML(t *testing.T, dir, name, text string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadFileAppliesDefaults(t *testing.T) {
	path := writeYAML(t, t.TempDir(), "rfimasker.yaml", `mask: masks/meerkat.npy
datasets: [a.ms, b.ms]
spw_ids: [0]
uv_range: "0~1000"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Mask != "masks/meerkat.npy" || len(cfg.Datasets) != 2 || cfg.SpwIDs[0] != 0 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.AccumulationMode != "or" || cfg.MemoryMB != 5 || cfg.Journal.BusyTimeoutMS != 2000 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	budget, err := cfg.MemoryBudget()
	if err != nil || budget != 5<<20 {
		t.Fatalf("expected 5 MiB budget, got %d (err=%v)", budget, err)
	}
	if cfg.LoadedFrom != path {
		t.Fatalf("expected LoadedFrom=%s, got %s", path, cfg.LoadedFrom)
	}
}

func TestLoadDirectoryMergesFiles(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "app.yaml", `mask: a.npy
logging:
  enabled: true
  dir: /var/log/rfimasker
`)
	writeYAML(t, dir, "site.yaml", `accumulation_mode: OVERRIDE
logging:
  retention_days: 30
`)
	writeYAML(t, dir, "notes.txt", "ignored")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Mask != "a.npy" || cfg.AccumulationMode != "override" {
		t.Fatalf("unexpected merge %+v", cfg)
	}
	if !cfg.Logging.Enabled || cfg.Logging.Dir != "/var/log/rfimasker" || cfg.Logging.RetentionDays != 30 {
		t.Fatalf("expected nested logging keys to merge, got %+v", cfg.Logging)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"mode.yaml":    "accumulation_mode: and\n",
		"unknown.yaml": "memroy_mb: 64\n",
		"memory.yaml":  "memory_mb: -1\n",
		"spw.yaml":     "spw_ids: [0, -2]\n",
	}
	for name, text := range cases {
		path := writeYAML(t, dir, name, text)
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected Load() to fail", name)
		}
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestMemoryBudgetHumanized(t *testing.T) {
	cfg := Default()
	cfg.Memory = "64 MiB"
	budget, err := cfg.MemoryBudget()
	if err != nil || budget != 64<<20 {
		t.Fatalf("expected 64 MiB, got %d (err=%v)", budget, err)
	}
	cfg.Memory = "lots"
	if _, err := cfg.MemoryBudget(); err == nil {
		t.Fatalf("expected an error for an unparsable size")
	}
}

func TestPrintSummary(t *testing.T) {
	cfg := Default()
	cfg.Mask = "mask.npy"
	cfg.Datasets = []string{"a.ms"}
	cfg.Simulate = true
	cfg.BackupDir = "backups"
	var buf bytes.Buffer
	cfg.Print(&buf)
	out := buf.String()
	if !strings.Contains(out, "Mask: mask.npy (mode or)") || !strings.Contains(out, "Memory budget: 5.0 MiB") {
		t.Fatalf("unexpected summary:\n%s", out)
	}
	if strings.Contains(out, "Backups:") {
		t.Fatalf("simulated runs should not report backups:\n%s", out)
	}
}
