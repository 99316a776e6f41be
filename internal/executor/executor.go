// Package executor drives a transfer plan through the channel adapter: one
// job at a time, in plan order, gated by the pacing controller, with every
// attempt durably recorded in the progress ledger before the loop advances.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wamigrate/wamigrate/internal/ledger"
	"github.com/wamigrate/wamigrate/internal/messaging"
	"github.com/wamigrate/wamigrate/internal/models"
	"github.com/wamigrate/wamigrate/internal/pacing"
)

// Default executor configuration
const (
	// DefaultMaxAttempts is the default per-job attempt budget (first try + retries).
	DefaultMaxAttempts = 3
	// DefaultEventBuffer is the default capacity of the progress event channel.
	DefaultEventBuffer = 256
)

// State is the run-level lifecycle state of the executor.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

var (
	ErrAlreadyStarted = errors.New("executor already started")
	ErrNotPaused      = errors.New("executor is not paused")
)

// Progress is one observability snapshot, emitted after every attempt.
// Callers drain these from Events.
type Progress struct {
	JobID      string
	Position   int // 1-based plan position of the attempted job
	Total      int
	Successful int
	Failed     int
	Status     models.JobStatus
	Err        string
}

// Config holds the executor's tunables.
type Config struct {
	// DryRun synthesizes successful results without contacting the channel.
	DryRun bool
	// MaxAttempts is the per-job attempt budget across all runs.
	MaxAttempts int
	// EventBuffer is the progress channel capacity.
	EventBuffer int
}

// RunContext bundles everything one run owns: the immutable plan, the
// ledger, the pacing controller, and the channel adapter. There is no
// process-wide state; a resumed run builds a fresh RunContext.
type RunContext struct {
	Plan   *models.TransferPlan
	Ledger *ledger.Ledger
	Pacer  *pacing.Controller
	Sender messaging.Sender
	Config Config
}

// Executor is single-use: one Run per instance. Resuming a paused or
// crashed run means constructing a new Executor over the same ledger, which
// re-derives all job state from disk.
type Executor struct {
	plan   *models.TransferPlan
	ledger *ledger.Ledger
	pacer  *pacing.Controller
	sender messaging.Sender
	cfg    Config

	mu      sync.Mutex
	state   State
	started bool

	pause  atomic.Bool
	events chan Progress
}

// New creates an executor for one run.
func New(rc RunContext) (*Executor, error) {
	if rc.Plan == nil {
		return nil, fmt.Errorf("executor requires a plan")
	}
	if rc.Ledger == nil {
		return nil, fmt.Errorf("executor requires a ledger")
	}
	if rc.Pacer == nil {
		return nil, fmt.Errorf("executor requires a pacing controller")
	}
	if rc.Sender == nil && !rc.Config.DryRun {
		return nil, fmt.Errorf("executor requires a channel sender unless running dry")
	}
	cfg := rc.Config
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	return &Executor{
		plan:   rc.Plan,
		ledger: rc.Ledger,
		pacer:  rc.Pacer,
		sender: rc.Sender,
		cfg:    cfg,
		state:  StateIdle,
		events: make(chan Progress, cfg.EventBuffer),
	}, nil
}

// Events returns the progress snapshot channel. It is closed when Run returns.
func (e *Executor) Events() <-chan Progress {
	return e.events
}

// State returns the current run-level state.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Executor) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Pause requests a pause. It takes effect at the next loop boundary; a
// send already in flight always finishes or fails cleanly first.
func (e *Executor) Pause() {
	e.pause.Store(true)
	slog.Info("Executor.Pause: pause requested")
}

// Cancel marks a paused run as failed (explicit operator cancel). The
// ledger keeps every recorded attempt for a later resume.
func (e *Executor) Cancel() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePaused {
		return fmt.Errorf("%w: state is %s", ErrNotPaused, e.state)
	}
	e.state = StateFailed
	return e.ledger.SetStatus(models.RunStatusFailed, models.ReasonCancelled)
}

// Run executes the plan until it is exhausted, paused, or a fatal channel
// error occurs. Job-scoped failures are absorbed into the ledger and the
// loop continues; all other failures propagate to the caller.
func (e *Executor) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	e.state = StateRunning
	e.mu.Unlock()
	defer close(e.events)

	if err := e.ledger.SetStatus(models.RunStatusRunning, ""); err != nil {
		e.setState(StateFailed)
		return err
	}
	slog.Info("Executor.Run: starting delivery loop",
		"total_jobs", len(e.plan.Jobs), "dry_run", e.cfg.DryRun, "max_attempts", e.cfg.MaxAttempts)

	for i, job := range e.plan.Jobs {
		position := i + 1

		switch e.ledger.Classify(job.ID, e.cfg.MaxAttempts) {
		case ledger.DecisionSkip:
			// Already delivered in a prior run; the in-memory status is a
			// cache rebuilt from the ledger, not a transition.
			job.Status = models.JobStatusSent
			if entry, ok := e.ledger.Entry(job.ID); ok {
				job.ExternalID = entry.ExternalMessageID
			}
			slog.Debug("Executor.Run: skipping already-sent job", "job_id", job.ID, "position", position)
			continue
		case ledger.DecisionExhausted:
			job.Status = models.JobStatusSkipped
			slog.Warn("Executor.Run: retries exhausted, skipping job",
				"job_id", job.ID, "attempts", e.ledger.Attempts(job.ID))
			continue
		case ledger.DecisionRetry:
			job.AttemptCount = e.ledger.Attempts(job.ID)
		}

		// Pause and cancellation are only actioned here, between jobs.
		if e.pause.Load() {
			slog.Info("Executor.Run: pausing at loop boundary", "position", position)
			e.setState(StatePaused)
			return e.ledger.SetStatus(models.RunStatusPaused, "")
		}
		if err := ctx.Err(); err != nil {
			e.setState(StateFailed)
			if serr := e.ledger.SetStatus(models.RunStatusFailed, models.ReasonCancelled); serr != nil {
				slog.Error("Executor.Run: failed to record cancellation", "error", serr)
			}
			return err
		}

		if err := e.pacer.Wait(ctx); err != nil {
			return e.abort(err)
		}

		if err := job.MarkProcessing(); err != nil {
			// Invariant violation: should never happen in correct operation.
			slog.Error("Executor.Run: invalid transition to processing", "job_id", job.ID, "error", err)
			e.setState(StateFailed)
			if serr := e.ledger.SetStatus(models.RunStatusFailed, models.ReasonInternal); serr != nil {
				slog.Error("Executor.Run: failed to record internal error", "error", serr)
			}
			return err
		}

		retryCount := e.ledger.Attempts(job.ID)
		externalID, sendErr := e.attempt(ctx, job)

		var entry models.LedgerEntry
		if sendErr == nil {
			if err := job.MarkSent(externalID); err != nil {
				return e.internalError(job.ID, err)
			}
			e.pacer.NoteSend(time.Now())
			entry = models.LedgerEntry{
				JobID:             job.ID,
				SourceID:          job.SourceID,
				Status:            models.AttemptStatusSent,
				Timestamp:         time.Now().UTC(),
				RetryCount:        retryCount,
				ExternalMessageID: externalID,
			}
		} else if messaging.IsConnectionError(sendErr) {
			// No ledger entry: the job never reached a definitive per-job
			// outcome, so it stays pending for the next resume.
			slog.Error("Executor.Run: channel connection lost, stopping run",
				"job_id", job.ID, "position", position, "error", sendErr)
			e.setState(StateFailed)
			if serr := e.ledger.SetStatus(models.RunStatusFailed, models.ReasonConnectionLost); serr != nil {
				slog.Error("Executor.Run: failed to record connection loss", "error", serr)
			}
			return fmt.Errorf("connection lost delivering job %s: %w", job.ID, sendErr)
		} else {
			if err := job.MarkFailed(sendErr.Error()); err != nil {
				return e.internalError(job.ID, err)
			}
			slog.Warn("Executor.Run: job delivery failed, continuing",
				"job_id", job.ID, "position", position, "error", sendErr)
			entry = models.LedgerEntry{
				JobID:        job.ID,
				SourceID:     job.SourceID,
				Status:       models.AttemptStatusFailed,
				Timestamp:    time.Now().UTC(),
				RetryCount:   retryCount,
				ErrorMessage: sendErr.Error(),
			}
		}

		// The durable record must land before the loop advances.
		if err := e.ledger.RecordAttempt(entry, position); err != nil {
			slog.Error("Executor.Run: ledger write failed, stopping run", "job_id", job.ID, "error", err)
			e.setState(StateFailed)
			return err
		}

		e.emit(job, position)
	}

	e.setState(StateCompleted)
	if err := e.ledger.SetStatus(models.RunStatusCompleted, ""); err != nil {
		return err
	}
	s := e.ledger.Summary()
	slog.Info("Executor.Run: plan exhausted", "processed", s.ProcessedJobs,
		"successful", s.SuccessfulJobs, "failed", s.FailedJobs)
	return nil
}

// attempt performs one delivery, dispatching on job kind. In dry-run mode
// it synthesizes success without touching the channel adapter.
func (e *Executor) attempt(ctx context.Context, job *models.TransferJob) (string, error) {
	if e.cfg.DryRun {
		slog.Debug("Executor.attempt: dry run, synthesizing success", "job_id", job.ID, "kind", job.Kind)
		return "", nil
	}

	dest, err := e.sender.ValidateAndCanonicalizeRecipient(job.Destination)
	if err != nil {
		return "", messaging.JobError("validate destination", err)
	}

	switch job.Kind {
	case models.JobKindText:
		return e.sender.SendText(ctx, dest, job.Text)
	case models.JobKindImage:
		return e.sender.SendImage(ctx, dest, job.MediaPath, job.MediaType, job.Text)
	case models.JobKindVideo:
		return e.sender.SendVideo(ctx, dest, job.MediaPath, job.MediaType, job.Text)
	case models.JobKindAudio:
		return e.sender.SendAudio(ctx, dest, job.MediaPath, job.MediaType, job.Text)
	case models.JobKindDocument:
		return e.sender.SendDocument(ctx, dest, job.MediaPath, job.MediaType, job.Text)
	default:
		return "", messaging.JobError("dispatch", fmt.Errorf("%w: %q", models.ErrInvalidJobKind, job.Kind))
	}
}

// abort maps a pacing/cancellation error to the matching run outcome.
func (e *Executor) abort(err error) error {
	e.setState(StateFailed)
	reason := models.ReasonCancelled
	if errors.Is(err, pacing.ErrRateCeiling) {
		reason = models.ReasonRateCeiling
		slog.Warn("Executor.Run: daily ceiling reached, stopping run", "error", err)
	}
	if serr := e.ledger.SetStatus(models.RunStatusFailed, reason); serr != nil {
		slog.Error("Executor.Run: failed to record run failure", "error", serr)
	}
	return fmt.Errorf("run stopped: %w", err)
}

func (e *Executor) internalError(jobID string, err error) error {
	slog.Error("Executor.Run: internal invariant violated", "job_id", jobID, "error", err)
	e.setState(StateFailed)
	if serr := e.ledger.SetStatus(models.RunStatusFailed, models.ReasonInternal); serr != nil {
		slog.Error("Executor.Run: failed to record internal error", "error", serr)
	}
	return err
}

// emit publishes a progress snapshot without ever blocking the loop.
func (e *Executor) emit(job *models.TransferJob, position int) {
	s := e.ledger.Summary()
	p := Progress{
		JobID:      job.ID,
		Position:   position,
		Total:      s.TotalJobs,
		Successful: s.SuccessfulJobs,
		Failed:     s.FailedJobs,
		Status:     job.Status,
		Err:        job.LastError,
	}
	select {
	case e.events <- p:
	default:
		slog.Warn("Executor.emit: progress channel full, dropping snapshot", "job_id", job.ID)
	}
}
