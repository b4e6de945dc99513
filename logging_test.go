package main

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rfimasker/config"
)

func TestLogFileNameRoundTrip(t *testing.T) {
	when := time.Date(2026, time.October, 18, 23, 59, 0, 0, time.UTC)
	name := logFileName(when)
	if name != "rfimasker-2026-10-18.log" {
		t.Fatalf("unexpected log file name %q", name)
	}
	parsed, ok := parseLogFileName(name)
	if !ok || parsed.Day() != 18 || parsed.Month() != time.October {
		t.Fatalf("unexpected parse %v (ok=%t)", parsed, ok)
	}
	for _, bad := range []string{"notes.txt", "rfimasker-yesterday.log", "2026-10-18.log"} {
		if _, ok := parseLogFileName(bad); ok {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestPruneLogs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"rfimasker-2026-10-15.log", "rfimasker-2026-10-17.log", "rfimasker-2026-10-18.log", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	now := time.Date(2026, time.October, 18, 8, 0, 0, 0, time.UTC)
	if err := pruneLogs(dir, now, 2); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "rfimasker-2026-10-15.log")); !os.IsNotExist(err) {
		t.Fatalf("expected expired log to be removed, stat err=%v", err)
	}
	for _, keep := range []string{"rfimasker-2026-10-17.log", "rfimasker-2026-10-18.log", "notes.txt"} {
		if _, err := os.Stat(filepath.Join(dir, keep)); err != nil {
			t.Fatalf("expected %s to remain: %v", keep, err)
		}
	}
}

func TestDailyLogFileRotates(t *testing.T) {
	dir := t.TempDir()
	sink, err := newDailyLogFile(dir, 30)
	if err != nil {
		t.Fatalf("newDailyLogFile: %v", err)
	}
	day1 := time.Date(2026, time.October, 17, 12, 0, 0, 0, time.UTC)
	sink.WriteLine("first", day1)
	sink.WriteLine("second", day1.Add(24*time.Hour))
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	first, err := os.ReadFile(filepath.Join(dir, "rfimasker-2026-10-17.log"))
	if err != nil || !strings.Contains(string(first), "2026/10/17 12:00:00 first") {
		t.Fatalf("unexpected first file %q (err=%v)", first, err)
	}
	second, err := os.ReadFile(filepath.Join(dir, "rfimasker-2026-10-18.log"))
	if err != nil || !strings.Contains(string(second), "second") {
		t.Fatalf("unexpected second file %q (err=%v)", second, err)
	}
}

func TestLogTeeSplitsLines(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	tee, err := setupLogging(config.LoggingConfig{Enabled: true, Dir: dir, RetentionDays: 7}, &console)
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	logger := log.New(tee, "", 0)
	logger.Print("[1 / 2]: a.ms has been flagged")
	if _, err := tee.Write([]byte("partial")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if strings.Contains(console.String(), "partial") {
		t.Fatalf("partial line should stay buffered")
	}
	tee.WriteFileOnly("chunk 3/9")
	if strings.Contains(console.String(), "chunk 3/9") {
		t.Fatalf("file-only line reached the console")
	}
	if !strings.Contains(console.String(), "a.ms has been flagged") {
		t.Fatalf("console missing line: %q", console.String())
	}
	if err := tee.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, logFileName(time.Now())))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "a.ms has been flagged") || !strings.Contains(string(data), "chunk 3/9") {
		t.Fatalf("log file missing lines: %q", data)
	}
}

func TestSetupLoggingDisabled(t *testing.T) {
	tee, err := setupLogging(config.LoggingConfig{}, &bytes.Buffer{})
	if err != nil || tee.HasFile() {
		t.Fatalf("expected console-only logging, got file=%t err=%v", tee.HasFile(), err)
	}
}
