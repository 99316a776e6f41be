// Package messaging defines the channel adapter contract the executor
// depends on, and the error classification that separates per-job failures
// from connection-level ones.
package messaging

import (
	"context"
	"errors"
	"fmt"
)

// ErrorScope tags a send failure as job-scoped (the run continues) or
// connection-scoped (the run stops and can be resumed later).
type ErrorScope string

const (
	// ScopeJob marks failures confined to a single job: rejected payload,
	// invalid destination, missing media.
	ScopeJob ErrorScope = "job"
	// ScopeConnection marks failures of the channel session itself:
	// unreachable server, invalidated login.
	ScopeConnection ErrorScope = "connection"
)

// SendError is the error type returned by channel adapters. The executor
// switches on Scope, never on message text.
type SendError struct {
	Scope ErrorScope
	Op    string
	Err   error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Scope, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// JobError wraps err as a job-scoped send failure.
func JobError(op string, err error) *SendError {
	return &SendError{Scope: ScopeJob, Op: op, Err: err}
}

// ConnectionError wraps err as a connection-scoped send failure.
func ConnectionError(op string, err error) *SendError {
	return &SendError{Scope: ScopeConnection, Op: op, Err: err}
}

// IsConnectionError reports whether err is a connection-scoped send failure.
func IsConnectionError(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Scope == ScopeConnection
}

// Sender is the capability contract a channel adapter must satisfy: five
// send operations keyed by job kind, each returning the channel-assigned
// message identifier or a classified *SendError.
//
// Media sends carry the MIME type declared in the plan; it may be empty,
// in which case the adapter determines the type itself.
type Sender interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a
	// destination identifier. Each adapter applies its own rules.
	ValidateAndCanonicalizeRecipient(destination string) (string, error)

	// SendText delivers a plain text message.
	SendText(ctx context.Context, destination, text string) (string, error)

	// SendImage delivers an image file with an optional caption.
	SendImage(ctx context.Context, destination, mediaPath, mediaType, caption string) (string, error)

	// SendVideo delivers a video file with an optional caption.
	SendVideo(ctx context.Context, destination, mediaPath, mediaType, caption string) (string, error)

	// SendAudio delivers an audio file.
	SendAudio(ctx context.Context, destination, mediaPath, mediaType, caption string) (string, error)

	// SendDocument delivers an arbitrary file attachment.
	SendDocument(ctx context.Context, destination, mediaPath, mediaType, caption string) (string, error)

	// Close releases the channel session.
	Close() error
}
