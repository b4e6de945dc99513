// Package config loads the masker's YAML configuration. Command-line flags
// are layered on top by main.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

const (
	defaultMode          = "or"
	defaultMemoryMB      = 5
	defaultLogDir        = "data/logs"
	defaultRetentionDays = 7
	defaultBusyTimeoutMS = 2000
	defaultHistory       = 20
)

// Config is the complete run configuration.
type Config struct {
	Mask             string   `yaml:"mask"`
	Datasets         []string `yaml:"datasets"`
	AccumulationMode string   `yaml:"accumulation_mode"`
	SpwIDs           []int    `yaml:"spw_ids"`
	Dilate           string   `yaml:"dilate"`
	UVRange          string   `yaml:"uv_range"`
	Statistics       bool     `yaml:"statistics"`
	Simulate         bool     `yaml:"simulate"`
	// MemoryMB is the chunk budget in MiB; Memory, when set, wins and takes a
	// humanized size such as "64 MiB".
	MemoryMB  int           `yaml:"memory_mb"`
	Memory    string        `yaml:"memory"`
	BackupDir string        `yaml:"backup_dir"`
	Logging   LoggingConfig `yaml:"logging"`
	Journal   JournalConfig `yaml:"journal"`
	Store     StoreConfig   `yaml:"store"`

	// LoadedFrom is the file or directory the configuration came from.
	LoadedFrom string `yaml:"-"`
}

// LoggingConfig controls the optional daily log file.
type LoggingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// JournalConfig controls the SQLite run history.
type JournalConfig struct {
	Path          string `yaml:"path"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
	History       int    `yaml:"history"`
}

// StoreConfig tunes the Pebble-backed dataset store.
type StoreConfig struct {
	CacheSizeBytes    int64 `yaml:"cache_size_bytes"`
	BloomFilterBits   int   `yaml:"bloom_filter_bits"`
	MemTableSizeBytes int64 `yaml:"memtable_size_bytes"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	_ = cfg.normalize()
	return cfg
}

// Purpose: Load configuration from a YAML file or a directory of YAML files.
// Key aspects: Directory files are merged in name order, later keys winning,
// nested maps merged key by key. Unknown keys are rejected.
// Upstream: main startup.
// Downstream: yaml.v3, normalize.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	files := []string{path}
	if info.IsDir() {
		files, err = yamlFiles(path)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("config: no YAML files in %s", path)
		}
	}

	merged := map[string]any{}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", f, err)
		}
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", f, err)
		}
		mergeMaps(merged, doc)
	}

	raw, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("config: merge: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	cfg.LoadedFrom = path
	return &cfg, nil
}

func yamlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("config: read dir %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func mergeMaps(dst, src map[string]any) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if existing, ok := dst[k].(map[string]any); ok {
				mergeMaps(existing, sub)
				continue
			}
		}
		dst[k] = v
	}
}

// Normalize applies defaults and validates the result. main calls it again
// after layering command-line flags.
func (c *Config) Normalize() error {
	return c.normalize()
}

func (c *Config) normalize() error {
	c.AccumulationMode = strings.ToLower(strings.TrimSpace(c.AccumulationMode))
	if c.AccumulationMode == "" {
		c.AccumulationMode = defaultMode
	}
	if c.AccumulationMode != "or" && c.AccumulationMode != "override" {
		return fmt.Errorf("config: accumulation_mode must be or|override (got %q)", c.AccumulationMode)
	}
	if c.MemoryMB == 0 {
		c.MemoryMB = defaultMemoryMB
	}
	if c.MemoryMB < 0 {
		return fmt.Errorf("config: memory_mb must be >0 (got %d)", c.MemoryMB)
	}
	if strings.TrimSpace(c.Logging.Dir) == "" {
		c.Logging.Dir = defaultLogDir
	}
	if c.Logging.RetentionDays == 0 {
		c.Logging.RetentionDays = defaultRetentionDays
	}
	if c.Logging.RetentionDays < 0 {
		return fmt.Errorf("config: logging.retention_days must be >=0 (got %d)", c.Logging.RetentionDays)
	}
	if c.Journal.BusyTimeoutMS <= 0 {
		c.Journal.BusyTimeoutMS = defaultBusyTimeoutMS
	}
	if c.Journal.History <= 0 {
		c.Journal.History = defaultHistory
	}
	if c.Store.CacheSizeBytes < 0 || c.Store.MemTableSizeBytes < 0 || c.Store.BloomFilterBits < 0 {
		return errors.New("config: store sizes must be >=0")
	}
	for _, id := range c.SpwIDs {
		if id < 0 {
			return fmt.Errorf("config: spw_ids must be >=0 (got %d)", id)
		}
	}
	return nil
}

// MemoryBudget resolves the chunk budget in bytes.
func (c *Config) MemoryBudget() (int64, error) {
	if s := strings.TrimSpace(c.Memory); s != "" {
		n, err := humanize.ParseBytes(s)
		if err != nil {
			return 0, fmt.Errorf("config: memory %q: %w", s, err)
		}
		if n == 0 {
			return 0, fmt.Errorf("config: memory %q is zero", s)
		}
		return int64(n), nil
	}
	return int64(c.MemoryMB) << 20, nil
}

// Print writes a summary of the effective configuration.
func (c *Config) Print(w io.Writer) {
	if c.LoadedFrom != "" {
		fmt.Fprintf(w, "Config: %s\n", c.LoadedFrom)
	}
	fmt.Fprintf(w, "Mask: %s (mode %s)\n", c.Mask, c.AccumulationMode)
	fmt.Fprintf(w, "Datasets: %d\n", len(c.Datasets))
	if len(c.SpwIDs) > 0 {
		ids := make([]string, len(c.SpwIDs))
		for i, id := range c.SpwIDs {
			ids[i] = fmt.Sprintf("%d", id)
		}
		fmt.Fprintf(w, "Spectral windows: %s\n", strings.Join(ids, ", "))
	}
	if c.Dilate != "" {
		fmt.Fprintf(w, "Dilation: %s\n", c.Dilate)
	}
	if c.UVRange != "" {
		fmt.Fprintf(w, "UV range: %s m\n", c.UVRange)
	}
	if budget, err := c.MemoryBudget(); err == nil {
		fmt.Fprintf(w, "Memory budget: %s\n", humanize.IBytes(uint64(budget)))
	}
	if c.Simulate {
		fmt.Fprintln(w, "Simulate: flags are computed but not written")
	}
	if c.BackupDir != "" && !c.Simulate {
		fmt.Fprintf(w, "Backups: %s\n", c.BackupDir)
	}
	if c.Journal.Path != "" {
		fmt.Fprintf(w, "Journal: %s\n", c.Journal.Path)
	}
	if c.Logging.Enabled {
		fmt.Fprintf(w, "Log files: %s (%d days)\n", c.Logging.Dir, c.Logging.RetentionDays)
	}
}
