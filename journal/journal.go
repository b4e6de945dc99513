// Package journal records every dataset pass in a SQLite run history so an
// operator can see which mask touched which dataset and when.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Status is the final state of a journal entry.
type Status string

const (
	StatusRunning   Status = "running"
	StatusOK        Status = "ok"
	StatusFailed    Status = "failed"
	StatusSimulated Status = "simulated"
)

// Options configures the journal database.
type Options struct {
	BusyTimeoutMS int
	// Logf defaults to log.Printf.
	Logf func(string, ...any)
}

// Entry describes a dataset pass as it starts.
type Entry struct {
	Dataset       string
	MaskPath      string
	MaskHash      uint64
	Mode          string
	Spw           int
	UVRange       string
	Dilation      string
	Simulate      bool
	Rows          int
	PlannedChunks int
}

// Outcome describes how a pass ended.
type Outcome struct {
	Status Status
	Cells  uint64
	Before uint64
	After  uint64
	Chunks uint64
	Err    string
}

// Record is one stored journal row.
type Record struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt time.Time
	Entry
	Outcome
}

// Journal is a SQLite-backed run history. A nil *Journal is valid and
// records nothing.
type Journal struct {
	db   *sql.DB
	path string
}

// Purpose: Open (creating if needed) the journal at path.
// Key aspects: Runs the health check first so a damaged file is quarantined
// rather than blocking the run; WAL mode with a busy timeout.
// Upstream: main.
// Downstream: checkHealth, ensureSchema.
func Open(path string, opts Options) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	busy := opts.BusyTimeoutMS
	if busy <= 0 {
		busy = 2000
	}
	if _, err := checkHealth(path, time.Duration(busy)*time.Millisecond, logf); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(fmt.Sprintf("pragma journal_mode=WAL; pragma synchronous=NORMAL; pragma busy_timeout=%d", busy)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: pragmas: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db, path: path}, nil
}

func ensureSchema(db *sql.DB) error {
	schema := `
	create table if not exists runs (
		id integer primary key autoincrement,
		started_at integer not null,
		finished_at integer,
		dataset text not null,
		mask_path text,
		mask_hash text,
		mode text,
		spw integer,
		uv_range text,
		dilation text,
		simulate integer,
		rows integer,
		planned_chunks integer,
		status text not null,
		cells integer,
		flags_before integer,
		flags_after integer,
		chunks integer,
		error text
	);
	create index if not exists idx_runs_started on runs(started_at);
	create index if not exists idx_runs_dataset on runs(dataset, started_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("journal: schema: %w", err)
	}
	return nil
}

// Path returns the database path, or "" for a nil journal.
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}

// Close closes the database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Begin inserts a running entry and returns its id. A nil journal returns 0.
func (j *Journal) Begin(e Entry) (int64, error) {
	if j == nil {
		return 0, nil
	}
	res, err := j.db.Exec(`insert into runs(started_at, dataset, mask_path, mask_hash, mode, spw, uv_range, dilation, simulate, rows, planned_chunks, status)
		values(?,?,?,?,?,?,?,?,?,?,?,?)`,
		time.Now().UTC().UnixMilli(), e.Dataset, e.MaskPath, fmt.Sprintf("%016x", e.MaskHash), e.Mode, e.Spw,
		e.UVRange, e.Dilation, boolInt(e.Simulate), e.Rows, e.PlannedChunks, string(StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("journal: begin %s: %w", e.Dataset, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("journal: begin id: %w", err)
	}
	return id, nil
}

// Finish stores the outcome of entry id.
func (j *Journal) Finish(id int64, o Outcome) error {
	if j == nil {
		return nil
	}
	res, err := j.db.Exec(`update runs set finished_at=?, status=?, cells=?, flags_before=?, flags_after=?, chunks=?, error=? where id=?`,
		time.Now().UTC().UnixMilli(), string(o.Status), int64(o.Cells), int64(o.Before), int64(o.After), int64(o.Chunks), o.Err, id)
	if err != nil {
		return fmt.Errorf("journal: finish %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("journal: finish %d: %w", id, sql.ErrNoRows)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(limit int) ([]Record, error) {
	if j == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.Query(`select id, started_at, coalesce(finished_at, 0), dataset, coalesce(mask_path, ''), coalesce(mask_hash, ''),
		coalesce(mode, ''), coalesce(spw, -1), coalesce(uv_range, ''), coalesce(dilation, ''), coalesce(simulate, 0),
		coalesce(rows, 0), coalesce(planned_chunks, 0), status, coalesce(cells, 0), coalesce(flags_before, 0),
		coalesce(flags_after, 0), coalesce(chunks, 0), coalesce(error, '')
		from runs order by started_at desc, id desc limit ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			r                 Record
			started, finished int64
			hash, status      string
			simulate          int
			cells, before     int64
			after, chunks     int64
		)
		if err := rows.Scan(&r.ID, &started, &finished, &r.Dataset, &r.MaskPath, &hash, &r.Mode, &r.Spw, &r.UVRange,
			&r.Dilation, &simulate, &r.Rows, &r.PlannedChunks, &status, &cells, &before, &after, &chunks, &r.Err); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		r.StartedAt = time.UnixMilli(started).UTC()
		if finished > 0 {
			r.FinishedAt = time.UnixMilli(finished).UTC()
		}
		_, _ = fmt.Sscanf(hash, "%x", &r.MaskHash)
		r.Simulate = simulate != 0
		r.Status = Status(status)
		r.Cells, r.Before, r.After, r.Chunks = uint64(cells), uint64(before), uint64(after), uint64(chunks)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ErrNoJournal is returned by operations that need a configured journal.
var ErrNoJournal = errors.New("journal: no journal configured")

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
