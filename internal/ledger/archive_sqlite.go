// Package ledger provides the durable progress record for a migration run.
//
// This file implements the SQLite-backed attempt archive.
package ledger

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
	"github.com/wamigrate/wamigrate/internal/models"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteArchive mirrors attempt history into a SQLite database file.
type SQLiteArchive struct {
	db *sql.DB
}

// NewSQLiteArchive creates a SQLite archive at the DSN file path, creating
// the parent directory if needed.
func NewSQLiteArchive(opts ...ArchiveOption) (*SQLiteArchive, error) {
	var cfg ArchiveOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("archive DSN not set")
	}

	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite archive: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite archive: %w", err)
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run archive migrations: %w", err)
	}
	slog.Debug("SQLiteArchive ready", "path", cfg.DSN)
	return &SQLiteArchive{db: db}, nil
}

func (a *SQLiteArchive) RecordAttempt(runID string, e models.LedgerEntry) error {
	_, err := a.db.Exec(
		`INSERT INTO attempts (run_id, job_id, source_id, status, attempted_at, retry_count, error_message, external_message_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, e.JobID, e.SourceID, string(e.Status), e.Timestamp, e.RetryCount,
		nilIfEmpty(e.ErrorMessage), nilIfEmpty(e.ExternalMessageID),
	)
	if err != nil {
		return fmt.Errorf("failed to insert attempt for job %s: %w", e.JobID, err)
	}
	return nil
}

func (a *SQLiteArchive) RecordSummary(s models.ProgressSummary) error {
	_, err := a.db.Exec(
		`INSERT INTO run_summaries (run_id, plan_ref, started_at, last_updated, total_jobs, processed_jobs, successful_jobs, failed_jobs, current_position, status, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		   last_updated = excluded.last_updated,
		   processed_jobs = excluded.processed_jobs,
		   successful_jobs = excluded.successful_jobs,
		   failed_jobs = excluded.failed_jobs,
		   current_position = excluded.current_position,
		   status = excluded.status,
		   reason = excluded.reason`,
		s.RunID, s.PlanRef, s.StartedAt, s.LastUpdated, s.TotalJobs, s.ProcessedJobs,
		s.SuccessfulJobs, s.FailedJobs, s.CurrentPosition, string(s.Status), nilIfEmpty(s.Reason),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run summary %s: %w", s.RunID, err)
	}
	return nil
}

func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
