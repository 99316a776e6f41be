// Package models defines the core data structures for wamigrate.
//
// This file holds the progress ledger record and run summary types.
package models

import (
	"errors"
	"fmt"
	"time"
)

// AttemptStatus is the outcome of one delivery attempt as recorded in the ledger.
type AttemptStatus string

const (
	AttemptStatusSent   AttemptStatus = "sent"
	AttemptStatusFailed AttemptStatus = "failed"
)

// RunStatus is the lifecycle status of one execution run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Reason codes attached to a failed run summary so tooling can distinguish
// "try again tomorrow" from "investigate".
const (
	ReasonRateCeiling    = "rate_ceiling_reached"
	ReasonConnectionLost = "connection_lost"
	ReasonCancelled      = "cancelled"
	ReasonInternal       = "internal_error"
)

var (
	ErrInvalidAttemptStatus  = errors.New("attempt status must be sent or failed")
	ErrAttemptErrorRequired  = errors.New("error message is required for failed attempts")
	ErrAttemptErrorForbidden = errors.New("error message is forbidden on successful attempts")
	ErrSummaryInvariant      = errors.New("progress summary invariant violated")
)

// LedgerEntry is one delivery attempt, immutable once written to the log.
type LedgerEntry struct {
	JobID             string        `json:"job_id"`
	SourceID          string        `json:"source_id"`
	Status            AttemptStatus `json:"status"`
	Timestamp         time.Time     `json:"timestamp"`
	RetryCount        int           `json:"retry_count"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	ExternalMessageID string        `json:"external_message_id,omitempty"`
}

// Validate enforces the entry schema: error message required iff failed,
// forbidden iff sent; external id only ever present on success.
func (e *LedgerEntry) Validate() error {
	if e.JobID == "" {
		return fmt.Errorf("ledger entry: %w", ErrEmptyJobID)
	}
	switch e.Status {
	case AttemptStatusSent:
		if e.ErrorMessage != "" {
			return fmt.Errorf("%w (job %s)", ErrAttemptErrorForbidden, e.JobID)
		}
	case AttemptStatusFailed:
		if e.ErrorMessage == "" {
			return fmt.Errorf("%w (job %s)", ErrAttemptErrorRequired, e.JobID)
		}
		if e.ExternalMessageID != "" {
			return fmt.Errorf("ledger entry: external message id on failed attempt (job %s)", e.JobID)
		}
	default:
		return fmt.Errorf("%w: %q (job %s)", ErrInvalidAttemptStatus, e.Status, e.JobID)
	}
	if e.RetryCount < 0 {
		return fmt.Errorf("ledger entry: negative retry count %d (job %s)", e.RetryCount, e.JobID)
	}
	return nil
}

// ProgressSummary is the compacted run snapshot, replaced wholesale on every
// update. It is the single file an operator or monitoring tool should poll.
type ProgressSummary struct {
	PlanRef         string    `json:"plan_ref"`
	RunID           string    `json:"run_id"`
	StartedAt       time.Time `json:"started_at"`
	LastUpdated     time.Time `json:"last_updated"`
	TotalJobs       int       `json:"total_jobs"`
	ProcessedJobs   int       `json:"processed_jobs"`
	SuccessfulJobs  int       `json:"successful_jobs"`
	FailedJobs      int       `json:"failed_jobs"`
	CurrentPosition int       `json:"current_position"`
	Status          RunStatus `json:"status"`
	Reason          string    `json:"reason,omitempty"`
}

// Validate enforces the summary invariants. A summary that fails these
// checks must never be trusted as resume state.
func (s *ProgressSummary) Validate() error {
	switch s.Status {
	case RunStatusRunning, RunStatusPaused, RunStatusCompleted, RunStatusFailed:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrSummaryInvariant, s.Status)
	}
	if s.ProcessedJobs != s.SuccessfulJobs+s.FailedJobs {
		return fmt.Errorf("%w: processed=%d != successful=%d + failed=%d",
			ErrSummaryInvariant, s.ProcessedJobs, s.SuccessfulJobs, s.FailedJobs)
	}
	if s.ProcessedJobs > s.TotalJobs {
		return fmt.Errorf("%w: processed=%d > total=%d", ErrSummaryInvariant, s.ProcessedJobs, s.TotalJobs)
	}
	if s.CurrentPosition < 0 || s.CurrentPosition > s.TotalJobs {
		return fmt.Errorf("%w: position=%d out of range [0,%d]", ErrSummaryInvariant, s.CurrentPosition, s.TotalJobs)
	}
	if s.Status == RunStatusCompleted && s.ProcessedJobs != s.TotalJobs {
		return fmt.Errorf("%w: completed with processed=%d of %d", ErrSummaryInvariant, s.ProcessedJobs, s.TotalJobs)
	}
	return nil
}
