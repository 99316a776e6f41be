// Package ledger provides the durable progress record for a migration run.
//
// This file implements the PostgreSQL-backed attempt archive.
package ledger

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
	"github.com/wamigrate/wamigrate/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 10
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 5
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresArchive mirrors attempt history into a PostgreSQL database.
type PostgresArchive struct {
	db *sql.DB
}

// NewPostgresArchive creates a Postgres archive based on provided options.
func NewPostgresArchive(opts ...ArchiveOption) (*PostgresArchive, error) {
	var cfg ArchiveOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("archive DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open Postgres archive: %w", err)
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping Postgres archive: %w", err)
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run archive migrations: %w", err)
	}
	slog.Debug("PostgresArchive ready")
	return &PostgresArchive{db: db}, nil
}

func (a *PostgresArchive) RecordAttempt(runID string, e models.LedgerEntry) error {
	_, err := a.db.Exec(
		`INSERT INTO attempts (run_id, job_id, source_id, status, attempted_at, retry_count, error_message, external_message_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		runID, e.JobID, e.SourceID, string(e.Status), e.Timestamp, e.RetryCount,
		nilIfEmpty(e.ErrorMessage), nilIfEmpty(e.ExternalMessageID),
	)
	if err != nil {
		return fmt.Errorf("failed to insert attempt for job %s: %w", e.JobID, err)
	}
	return nil
}

func (a *PostgresArchive) RecordSummary(s models.ProgressSummary) error {
	_, err := a.db.Exec(
		`INSERT INTO run_summaries (run_id, plan_ref, started_at, last_updated, total_jobs, processed_jobs, successful_jobs, failed_jobs, current_position, status, reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (run_id) DO UPDATE SET
		   last_updated = EXCLUDED.last_updated,
		   processed_jobs = EXCLUDED.processed_jobs,
		   successful_jobs = EXCLUDED.successful_jobs,
		   failed_jobs = EXCLUDED.failed_jobs,
		   current_position = EXCLUDED.current_position,
		   status = EXCLUDED.status,
		   reason = EXCLUDED.reason`,
		s.RunID, s.PlanRef, s.StartedAt, s.LastUpdated, s.TotalJobs, s.ProcessedJobs,
		s.SuccessfulJobs, s.FailedJobs, s.CurrentPosition, string(s.Status), nilIfEmpty(s.Reason),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run summary %s: %w", s.RunID, err)
	}
	return nil
}

func (a *PostgresArchive) Close() error {
	return a.db.Close()
}
