// Package ledger records sweep runs and per-job outcomes in a local SQLite
// database, so operators can see what earlier runs did with each job.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/gridsweep/pkg/localdb"
)

const schemaVersion = 1

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sweep_runs (
		run_id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		started_at TEXT NOT NULL,
		ended_at TEXT,
		status TEXT NOT NULL,
		dry_run INTEGER NOT NULL DEFAULT 0,
		roots TEXT NOT NULL,
		counts TEXT,
		error TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS idx_sweep_runs_started ON sweep_runs(started_at);`,
	`CREATE TABLE IF NOT EXISTS job_outcomes (
		run_id TEXT NOT NULL,
		job TEXT NOT NULL,
		reason TEXT NOT NULL,
		destination TEXT NOT NULL,
		log_hash TEXT,
		detail TEXT,
		recorded_at TEXT NOT NULL,
		PRIMARY KEY(run_id, job),
		FOREIGN KEY(run_id) REFERENCES sweep_runs(run_id)
	);`,
}

// RunStatus is the state of a run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is in progress or crashed.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted indicates the run processed every job.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusAborted indicates a fatal error ended the run.
	RunStatusAborted RunStatus = "aborted"
)

// ErrRunNotFound is returned for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// Run is one invocation of check or archive.
type Run struct {
	RunID     string
	Command   string
	StartedAt time.Time
	EndedAt   *time.Time
	Status    RunStatus
	DryRun    bool
	Roots     []string
	Counts    map[string]int64
	Error     string
}

// Outcome is the result recorded for one job or cluster.
type Outcome struct {
	RunID       string
	Job         string
	Reason      string
	Destination string
	LogHash     string
	Detail      string
	RecordedAt  time.Time
}

// Ledger is the run history database.
type Ledger struct {
	db *sql.DB
}

// Open opens (and creates if needed) the ledger at path.
func Open(ctx context.Context, path string) (*Ledger, error) {
	db, err := localdb.Open(ctx, localdb.Config{Path: path})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := localdb.Migrate(ctx, db, "ledger", schemaVersion, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// StartRun creates a run in running status.
func (l *Ledger) StartRun(ctx context.Context, command string, roots []string, dryRun bool) (*Run, error) {
	run := &Run{
		RunID:     uuid.NewString(),
		Command:   command,
		StartedAt: time.Now().UTC(),
		Status:    RunStatusRunning,
		DryRun:    dryRun,
		Roots:     append([]string(nil), roots...),
	}
	rootsJSON, err := json.Marshal(run.Roots)
	if err != nil {
		return nil, fmt.Errorf("encode roots: %w", err)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO sweep_runs (run_id, command, started_at, status, dry_run, roots)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Command, formatTime(run.StartedAt), string(run.Status), boolInt(dryRun), string(rootsJSON))
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// RecordOutcome stores the outcome of one job. Recording the same job twice
// in a run keeps the latest outcome.
func (l *Ledger) RecordOutcome(ctx context.Context, o Outcome) error {
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO job_outcomes (run_id, job, reason, destination, log_hash, detail, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, job) DO UPDATE SET
		   reason = excluded.reason,
		   destination = excluded.destination,
		   log_hash = excluded.log_hash,
		   detail = excluded.detail,
		   recorded_at = excluded.recorded_at`,
		o.RunID, o.Job, o.Reason, o.Destination, nullString(o.LogHash), nullString(o.Detail), formatTime(o.RecordedAt))
	if err != nil {
		return fmt.Errorf("record outcome %s: %w", o.Job, err)
	}
	return nil
}

// FinishRun sets the final status, tally and error message of a run.
func (l *Ledger) FinishRun(ctx context.Context, runID string, status RunStatus, counts map[string]int64, errMsg string) error {
	countsJSON, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("encode counts: %w", err)
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE sweep_runs SET status = ?, ended_at = ?, counts = ?, error = ? WHERE run_id = ?`,
		string(status), formatTime(time.Now().UTC()), string(countsJSON), nullString(errMsg), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// GetRun returns one run.
func (l *Ledger) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT run_id, command, started_at, ended_at, status, dry_run, roots, counts, error
		 FROM sweep_runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, err
}

// Runs lists the most recent runs, newest first. limit <= 0 lists all.
func (l *Ledger) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, command, started_at, ended_at, status, dry_run, roots, counts, error
		 FROM sweep_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Outcomes lists the outcomes recorded for a run in job order.
func (l *Ledger) Outcomes(ctx context.Context, runID string) ([]Outcome, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, job, reason, destination, log_hash, detail, recorded_at
		 FROM job_outcomes WHERE run_id = ? ORDER BY job`, runID)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		var logHash, detail sql.NullString
		var recorded string
		if err := rows.Scan(&o.RunID, &o.Job, &o.Reason, &o.Destination, &logHash, &detail, &recorded); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.LogHash = logHash.String
		o.Detail = detail.String
		if o.RecordedAt, err = parseTime(recorded); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var run Run
	var started, status, roots string
	var ended, counts, errMsg sql.NullString
	var dryRun int
	if err := s.Scan(&run.RunID, &run.Command, &started, &ended, &status, &dryRun, &roots, &counts, &errMsg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}

	var err error
	if run.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if ended.Valid {
		t, err := parseTime(ended.String)
		if err != nil {
			return nil, err
		}
		run.EndedAt = &t
	}
	run.Status = RunStatus(status)
	run.DryRun = dryRun != 0
	run.Error = errMsg.String
	if err := json.Unmarshal([]byte(roots), &run.Roots); err != nil {
		return nil, fmt.Errorf("decode roots: %w", err)
	}
	if counts.Valid && counts.String != "" {
		if err := json.Unmarshal([]byte(counts.String), &run.Counts); err != nil {
			return nil, fmt.Errorf("decode counts: %w", err)
		}
	}
	return &run, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
