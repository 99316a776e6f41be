// Package models defines the core data structures for wamigrate.
//
// It includes the transfer job state machine, progress ledger records, and
// the transfer plan document shared across modules.
package models

import (
	"errors"
	"fmt"
	"time"
)

// JobKind identifies the payload type of a transfer job.
type JobKind string

const (
	// JobKindText delivers a plain text message.
	JobKindText JobKind = "text"
	// JobKindImage delivers an image with an optional caption.
	JobKindImage JobKind = "image"
	// JobKindVideo delivers a video with an optional caption.
	JobKindVideo JobKind = "video"
	// JobKindAudio delivers an audio clip.
	JobKindAudio JobKind = "audio"
	// JobKindDocument delivers an arbitrary file attachment.
	JobKindDocument JobKind = "document"
)

// JobStatus is the in-memory lifecycle status of a transfer job.
// The durable source of truth for delivery state is the progress ledger;
// this field is a transient cache rebuilt from it on every startup.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusSent       JobStatus = "sent"
	JobStatusFailed     JobStatus = "failed"
	JobStatusSkipped    JobStatus = "skipped"
)

// Error variables for better error handling and testability
var (
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrEmptyFailure      = errors.New("failure reason cannot be empty")
	ErrInvalidJobKind    = errors.New("invalid job kind")
	ErrEmptyDestination  = errors.New("job destination cannot be empty")
	ErrEmptyJobID        = errors.New("job id cannot be empty")
	ErrMissingMediaRef   = errors.New("media jobs require a media reference")
)

// allowedTransitions is the closed transition table for job statuses.
// sent and skipped are terminal: they map to an empty set.
var allowedTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing},
	JobStatusProcessing: {JobStatusSent, JobStatusFailed, JobStatusSkipped},
	JobStatusFailed:     {JobStatusProcessing},
	JobStatusSent:       {},
	JobStatusSkipped:    {},
}

// IsValidJobKind checks if the given job kind is supported.
func IsValidJobKind(k JobKind) bool {
	switch k {
	case JobKindText, JobKindImage, JobKindVideo, JobKindAudio, JobKindDocument:
		return true
	default:
		return false
	}
}

// IsTerminalStatus reports whether a job status permits no further transitions.
func IsTerminalStatus(s JobStatus) bool {
	return len(allowedTransitions[s]) == 0 && (s == JobStatusSent || s == JobStatusSkipped)
}

// TransferJob represents one unit of work: a single message to deliver.
type TransferJob struct {
	ID          string  `json:"id"`
	SourceID    string  `json:"source_id"`
	Kind        JobKind `json:"kind"`
	Text        string  `json:"text"`
	MediaPath   string  `json:"media_path,omitempty"`
	MediaType   string  `json:"media_type,omitempty"`
	Destination string  `json:"destination"`
	OrderingKey int64   `json:"ordering_key"` // original record timestamp, unix milliseconds

	Status       JobStatus  `json:"status"`
	ExternalID   string     `json:"external_id,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	AttemptCount int        `json:"attempt_count,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Validate performs structural validation on a transfer job as loaded from a plan.
func (j *TransferJob) Validate() error {
	if j.ID == "" {
		return ErrEmptyJobID
	}
	if !IsValidJobKind(j.Kind) {
		return fmt.Errorf("%w: %q (job %s)", ErrInvalidJobKind, j.Kind, j.ID)
	}
	if j.Destination == "" {
		return fmt.Errorf("%w (job %s)", ErrEmptyDestination, j.ID)
	}
	if j.Kind != JobKindText && j.MediaPath == "" {
		return fmt.Errorf("%w (job %s, kind %s)", ErrMissingMediaRef, j.ID, j.Kind)
	}
	return nil
}

// transition validates and applies a status change against the transition table.
func (j *TransferJob) transition(to JobStatus) error {
	for _, next := range allowedTransitions[j.Status] {
		if next == to {
			j.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s (job %s)", ErrInvalidTransition, j.Status, to, j.ID)
}

// MarkProcessing moves the job into the processing state and counts the attempt.
func (j *TransferJob) MarkProcessing() error {
	if err := j.transition(JobStatusProcessing); err != nil {
		return err
	}
	j.AttemptCount++
	return nil
}

// MarkSent records a successful delivery. The external id is the
// channel-assigned message identifier and may be empty (e.g., dry runs).
func (j *TransferJob) MarkSent(externalID string) error {
	if err := j.transition(JobStatusSent); err != nil {
		return err
	}
	now := time.Now().UTC()
	j.CompletedAt = &now
	j.ExternalID = externalID
	j.LastError = ""
	return nil
}

// MarkFailed records a failed delivery attempt. The reason must be non-empty.
func (j *TransferJob) MarkFailed(reason string) error {
	if reason == "" {
		return fmt.Errorf("%w (job %s)", ErrEmptyFailure, j.ID)
	}
	if err := j.transition(JobStatusFailed); err != nil {
		return err
	}
	j.LastError = reason
	return nil
}

// MarkSkipped records that the job will not be delivered (e.g., retries exhausted).
func (j *TransferJob) MarkSkipped() error {
	if err := j.transition(JobStatusSkipped); err != nil {
		return err
	}
	now := time.Now().UTC()
	j.CompletedAt = &now
	return nil
}
