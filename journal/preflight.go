package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// HealthReport is the outcome of the startup health check.
type HealthReport struct {
	Healthy         bool
	Quarantined     bool
	QuarantinePath  string
	Elapsed         time.Duration
	CheckpointError error
	CheckError      error
}

// Purpose: Check an existing journal file before it is opened for writing.
// Key aspects: Bounded WAL checkpoint plus quick_check; a file that fails
// either is renamed with its sidecars to "<path>.bad-<ts>" so the run starts
// with a fresh journal instead of failing. A missing file is healthy.
// Upstream: Open.
// Downstream: quarantine.
func checkHealth(path string, timeout time.Duration, logf func(string, ...any)) (HealthReport, error) {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	start := time.Now().UTC()
	rep := HealthReport{}
	if strings.TrimSpace(path) == "" {
		return rep, errors.New("journal: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return rep, fmt.Errorf("journal: ensure dir: %w", err)
	}
	existing := sidecars(path)
	if !existing[0].have {
		rep.Healthy = true
		return rep, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return rep, fmt.Errorf("journal: health open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("pragma busy_timeout=%d", timeout.Milliseconds())); err != nil {
		return rep, fmt.Errorf("journal: set busy_timeout: %w", err)
	}

	_, rep.CheckpointError = db.ExecContext(ctx, "pragma wal_checkpoint(TRUNCATE)")
	rep.CheckError = quickCheck(ctx, db)
	rep.Elapsed = time.Since(start)
	if rep.CheckpointError == nil && rep.CheckError == nil {
		rep.Healthy = true
		return rep, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return rep, fmt.Errorf("journal: health check timed out after %s", timeout)
	}

	_ = db.Close()
	dest, err := quarantine(existing)
	if err != nil {
		return rep, fmt.Errorf("journal: quarantine failed: %w (checkpoint=%v, quick_check=%v)", err, rep.CheckpointError, rep.CheckError)
	}
	rep.Quarantined = true
	rep.QuarantinePath = dest
	logf("journal: %s failed its health check (checkpoint=%v, quick_check=%v); moved to %s", path, rep.CheckpointError, rep.CheckError, dest)
	return rep, nil
}

func quickCheck(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, "pragma quick_check")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return err
		}
		if strings.TrimSpace(status) != "ok" {
			return fmt.Errorf("quick_check reported %q", status)
		}
	}
	return rows.Err()
}

type fileState struct {
	path string
	have bool
}

// sidecars lists the journal file first, then its WAL, SHM and rollback files.
func sidecars(path string) []fileState {
	out := make([]fileState, 0, 4)
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		_, err := os.Stat(p)
		out = append(out, fileState{path: p, have: err == nil})
	}
	return out
}

func quarantine(files []fileState) (string, error) {
	suffix := ".bad-" + time.Now().UTC().Format("20060102T150405Z")
	for _, f := range files {
		if !f.have {
			continue
		}
		if err := os.Rename(f.path, f.path+suffix); err != nil && !os.IsNotExist(err) {
			return "", err
		}
	}
	return files[0].path + suffix, nil
}
