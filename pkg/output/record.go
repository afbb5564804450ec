// Package output provides JSONL output for sweep runs.
//
// Output is structured as typed record envelopes containing per-job
// outcomes, archives, errors, and a final summary. Each line is a
// self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: gridsweep.<type>.v<version>
const (
	// TypeJob identifies per-job classification records.
	TypeJob = "gridsweep.job.v1"

	// TypeSkip identifies jobs left in place for this run.
	TypeSkip = "gridsweep.skip.v1"

	// TypeArchive identifies cluster archive records.
	TypeArchive = "gridsweep.archive.v1"

	// TypeError identifies error records.
	TypeError = "gridsweep.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "gridsweep.summary.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field.
type Record struct {
	// Type identifies the record type (e.g., "gridsweep.job.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID is the correlation ID for this run.
	RunID string `json:"run_id"`

	// Command is the subcommand that produced the record ("check", "archive").
	Command string `json:"command"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// JobRecord is the data payload for one classified job directory.
type JobRecord struct {
	// Job is the cluster/shard/name path relative to the scanned root.
	Job string `json:"job"`

	// Reason is "good" or the failure label.
	Reason string `json:"reason"`

	// Detail describes the failing check.
	Detail string `json:"detail,omitempty"`

	// Log is the job log file name.
	Log string `json:"log,omitempty"`

	// LogHash is the self-check digest recorded in the log.
	LogHash string `json:"log_hash,omitempty"`

	// Parent is the input that produced the job, if logged.
	Parent string `json:"parent,omitempty"`

	// Destination is where the directory was (or would be) moved.
	Destination string `json:"destination"`

	// CatalogVerdict is the cross-submission outcome, when checked.
	CatalogVerdict string `json:"catalog_verdict,omitempty"`

	// DryRun is set when nothing was moved.
	DryRun bool `json:"dry_run,omitempty"`

	// Stats carries the job's resource usage when the log reported it.
	Stats *JobStats `json:"stats,omitempty"`

	// MissingStats lists resource-usage fields the log did not report.
	MissingStats []string `json:"missing_stats,omitempty"`
}

// JobStats mirrors the resource usage parsed from a job log.
type JobStats struct {
	CPUSeconds  *float64 `json:"cpu_seconds,omitempty"`
	WallSeconds *float64 `json:"wall_seconds,omitempty"`
	MaxRSSMB    *float64 `json:"max_rss_mb,omitempty"`
	DiskKB      *int64   `json:"disk_kb,omitempty"`
	Host        *string  `json:"host,omitempty"`
	Site        *string  `json:"site,omitempty"`
}

// SkipRecord is the data payload for job directories left in place.
type SkipRecord struct {
	Job   string `json:"job"`
	Cause string `json:"cause"`

	// Age is how old the directory was, for recency skips.
	Age string `json:"age,omitempty"`
}

// Skip causes.
const (
	// SkipRecent indicates the directory is younger than the minimum age.
	SkipRecent = "recent"

	// SkipVanished indicates another process moved the directory first.
	SkipVanished = "vanished"
)

// ArchiveRecord is the data payload for one cluster archive.
type ArchiveRecord struct {
	Cluster  string   `json:"cluster"`
	Name     string   `json:"name"`
	Dataset  string   `json:"dataset"`
	Checksum string   `json:"checksum,omitempty"`
	Size     int64    `json:"size"`
	Location string   `json:"location,omitempty"`
	Files    int      `json:"files"`
	Parents  []string `json:"parents,omitempty"`
	Attempts int      `json:"attempts"`
	DryRun   bool     `json:"dry_run,omitempty"`
}

// ErrorRecord is the data payload for errors.
//
// A fatal error ends the run; its record is the last before the summary.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Path is the job or cluster path related to this error, if applicable.
	Path string `json:"path,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeConfig indicates a configuration or naming invariant violation.
	ErrCodeConfig = "CONFIG"

	// ErrCodeFilesystem indicates a directory listing, mkdir or rename failure.
	ErrCodeFilesystem = "FILESYSTEM"

	// ErrCodeCatalog indicates catalog communication failed past its retries.
	ErrCodeCatalog = "CATALOG"

	// ErrCodeArchive indicates the archive step failed past its retries.
	ErrCodeArchive = "ARCHIVE"

	// ErrCodeCanceled indicates the run was interrupted.
	ErrCodeCanceled = "CANCELED"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// SummaryRecord is the data payload for final summaries.
type SummaryRecord struct {
	// Counts is the tally of classified jobs by reason label.
	Counts map[string]int64 `json:"counts,omitempty"`

	// Jobs is the number of classified jobs.
	Jobs int64 `json:"jobs"`

	// SkippedRecent counts directories younger than the minimum age.
	SkippedRecent int64 `json:"skipped_recent"`

	// SkippedVanished counts directories moved away during the run.
	SkippedVanished int64 `json:"skipped_vanished"`

	// Archives is the number of clusters archived.
	Archives int64 `json:"archives,omitempty"`

	// CatalogCalls is the number of catalog requests made.
	CatalogCalls int64 `json:"catalog_calls"`

	// CatalogTime is the time spent waiting on the catalog.
	CatalogTime time.Duration `json:"catalog_time_ns"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	// Aborted is set when a fatal error ended the run early.
	Aborted bool `json:"aborted,omitempty"`

	// Roots lists the cluster directories that were processed.
	Roots []string `json:"roots,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
