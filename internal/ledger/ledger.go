// Package ledger provides the durable progress record for a migration run.
//
// It maintains two files in the state directory: an append-only log with one
// self-contained JSON record per delivery attempt, and a compacted summary
// snapshot replaced atomically on every update. The log is the source of
// truth for resume; the summary is what monitoring tools poll.
package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/wamigrate/wamigrate/internal/models"
	"github.com/wamigrate/wamigrate/internal/util"
)

// File names within the state directory
const (
	// LogFileName is the append-only attempt log (line-delimited JSON).
	LogFileName = "progress.log"
	// SummaryFileName is the compacted run summary (whole-file JSON).
	SummaryFileName = "progress.json"

	// DefaultDirPermissions defines the default permissions for state directories
	DefaultDirPermissions = 0755
	// DefaultFilePermissions defines the default permissions for ledger files
	DefaultFilePermissions = 0644
)

func nowUTC() time.Time {
	return time.Now().UTC()
}

// Error variables for ledger failure modes
var (
	ErrSummaryCorrupt = errors.New("progress summary is unreadable or invalid")
	ErrLogCorrupt     = errors.New("progress log contains a malformed record")
	ErrPlanMismatch   = errors.New("existing summary does not match the plan")
	ErrAlreadySent    = errors.New("attempt recorded for a job already marked sent")
)

// Decision classifies a job on resume, derived from the attempt index.
type Decision int

const (
	// DecisionPending means no attempt is recorded: first attempt.
	DecisionPending Decision = iota
	// DecisionRetry means the last attempt failed and retries remain.
	DecisionRetry
	// DecisionSkip means the job is already delivered and must never be re-sent.
	DecisionSkip
	// DecisionExhausted means the last attempt failed and retries are used up.
	DecisionExhausted
)

func (d Decision) String() string {
	switch d {
	case DecisionPending:
		return "pending"
	case DecisionRetry:
		return "retry"
	case DecisionSkip:
		return "skip"
	case DecisionExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Ledger owns the progress log and summary files for the lifetime of one run.
// All writes are append-only or whole-file-replace, so concurrent readers
// (e.g., the status endpoint) are safe without locking.
type Ledger struct {
	stateDir    string
	logPath     string
	summaryPath string
	logFile     *os.File

	index    map[string]models.LedgerEntry // jobID -> latest attempt
	attempts map[string]int                // jobID -> total recorded attempts
	summary  models.ProgressSummary

	archive Archive // optional SQL mirror; never authoritative
}

// Open initializes the ledger in stateDir for a plan with totalJobs jobs.
// If a summary exists it is loaded and validated (a corrupt summary is a
// fatal error, never a silent reset), and the full log is replayed into the
// resume index. Otherwise a fresh summary is created.
func Open(stateDir, planRef string, totalJobs int) (*Ledger, error) {
	if err := os.MkdirAll(stateDir, DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	l := &Ledger{
		stateDir:    stateDir,
		logPath:     filepath.Join(stateDir, LogFileName),
		summaryPath: filepath.Join(stateDir, SummaryFileName),
		index:       make(map[string]models.LedgerEntry),
		attempts:    make(map[string]int),
	}

	if err := l.loadSummary(planRef, totalJobs); err != nil {
		return nil, err
	}
	if err := l.replayLog(); err != nil {
		return nil, err
	}
	if err := l.reconcileSummary(); err != nil {
		return nil, err
	}

	logFile, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, DefaultFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to open progress log %s: %w", l.logPath, err)
	}
	l.logFile = logFile

	slog.Info("Ledger.Open: ledger ready", "state_dir", stateDir,
		"recorded_jobs", len(l.index), "run_id", l.summary.RunID)
	return l, nil
}

// WithArchive attaches an optional SQL mirror. Mirror failures are logged
// and never affect the run.
func (l *Ledger) WithArchive(a Archive) *Ledger {
	l.archive = a
	return l
}

// ReadSummary reads the persisted summary from a state directory without
// opening the ledger. Other processes use this to observe a run.
func ReadSummary(stateDir string) (models.ProgressSummary, error) {
	var s models.ProgressSummary
	data, err := os.ReadFile(filepath.Join(stateDir, SummaryFileName))
	if err != nil {
		return s, fmt.Errorf("read summary: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("%w: %v", ErrSummaryCorrupt, err)
	}
	return s, nil
}

func (l *Ledger) loadSummary(planRef string, totalJobs int) error {
	data, err := os.ReadFile(l.summaryPath)
	if errors.Is(err, os.ErrNotExist) {
		l.summary = models.ProgressSummary{
			PlanRef:     planRef,
			RunID:       uuid.NewString(),
			StartedAt:   nowUTC(),
			LastUpdated: nowUTC(),
			TotalJobs:   totalJobs,
			Status:      models.RunStatusRunning,
		}
		slog.Debug("Ledger.loadSummary: no summary found, starting fresh", "total_jobs", totalJobs)
		return l.persistSummary()
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSummaryCorrupt, err)
	}

	var s models.ProgressSummary
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %v", ErrSummaryCorrupt, err)
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrSummaryCorrupt, err)
	}
	if s.TotalJobs != totalJobs {
		return fmt.Errorf("%w: summary has %d jobs, plan has %d", ErrPlanMismatch, s.TotalJobs, totalJobs)
	}
	if s.PlanRef != planRef {
		slog.Warn("Ledger.loadSummary: plan reference changed", "summary_plan", s.PlanRef, "plan", planRef)
	}
	l.summary = s
	slog.Debug("Ledger.loadSummary: resuming prior run", "run_id", s.RunID,
		"processed", s.ProcessedJobs, "status", s.Status)
	return nil
}

// replayLog rebuilds the jobID -> latest-entry index from the full log.
// Because each append is a single atomic write, a crash can at worst lose
// the final record entirely; a malformed final line without a trailing
// newline is therefore dropped with a warning, while a malformed record
// anywhere else means real corruption and is fatal.
func (l *Ledger) replayLog() error {
	data, err := os.ReadFile(l.logPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read progress log %s: %w", l.logPath, err)
	}

	terminated := len(data) > 0 && data[len(data)-1] == '\n'
	lines := bytes.Split(data, []byte("\n"))
	// Split leaves a trailing empty element when the file ends with a newline.
	if len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}

	for i, line := range lines {
		var entry models.LedgerEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			if i == len(lines)-1 && !terminated {
				slog.Warn("Ledger.replayLog: dropping truncated final record", "line", i+1)
				continue
			}
			return fmt.Errorf("%w: line %d: %v", ErrLogCorrupt, i+1, err)
		}
		if err := entry.Validate(); err != nil {
			return fmt.Errorf("%w: line %d: %v", ErrLogCorrupt, i+1, err)
		}
		l.apply(entry)
	}
	slog.Debug("Ledger.replayLog: log replayed", "records", len(lines), "jobs", len(l.index))
	return nil
}

// reconcileSummary recomputes the distinct-job counters from the replayed
// index. RecordAttempt appends the log line before it replaces the summary,
// so a crash between the two leaves the summary one attempt behind the log.
// The log is the source of truth; a stale summary is corrected and persisted
// rather than trusted.
func (l *Ledger) reconcileSummary() error {
	var successful, failed int
	for _, entry := range l.index {
		if entry.Status == models.AttemptStatusSent {
			successful++
		} else {
			failed++
		}
	}
	processed := successful + failed
	if l.summary.ProcessedJobs == processed &&
		l.summary.SuccessfulJobs == successful &&
		l.summary.FailedJobs == failed {
		return nil
	}
	slog.Warn("Ledger.Open: summary counters behind log, reconciling",
		"summary_processed", l.summary.ProcessedJobs, "log_processed", processed)
	l.summary.ProcessedJobs = processed
	l.summary.SuccessfulJobs = successful
	l.summary.FailedJobs = failed
	l.summary.LastUpdated = nowUTC()
	return l.persistSummary()
}

func (l *Ledger) apply(entry models.LedgerEntry) {
	l.index[entry.JobID] = entry
	l.attempts[entry.JobID]++
}

// Classify returns the resume decision for a job given the retry budget.
func (l *Ledger) Classify(jobID string, maxAttempts int) Decision {
	entry, ok := l.index[jobID]
	if !ok {
		return DecisionPending
	}
	if entry.Status == models.AttemptStatusSent {
		return DecisionSkip
	}
	if maxAttempts > 0 && l.attempts[jobID] >= maxAttempts {
		return DecisionExhausted
	}
	return DecisionRetry
}

// Entry returns the latest recorded attempt for a job.
func (l *Ledger) Entry(jobID string) (models.LedgerEntry, bool) {
	entry, ok := l.index[jobID]
	return entry, ok
}

// Attempts returns how many attempts are recorded for a job.
func (l *Ledger) Attempts(jobID string) int {
	return l.attempts[jobID]
}

// Summary returns a copy of the current run summary.
func (l *Ledger) Summary() models.ProgressSummary {
	return l.summary
}

// RecordAttempt durably records one delivery attempt: a single atomic append
// to the log, an index update, and a summary refresh. It must be called
// exactly once per attempt, before the executor advances. position is the
// 1-based plan position of the attempted job.
func (l *Ledger) RecordAttempt(entry models.LedgerEntry, position int) error {
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("refusing to record invalid attempt: %w", err)
	}
	prev, hadPrev := l.index[entry.JobID]
	if hadPrev && prev.Status == models.AttemptStatusSent {
		return fmt.Errorf("%w: %s", ErrAlreadySent, entry.JobID)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := l.logFile.Write(line); err != nil {
		return fmt.Errorf("failed to append ledger entry for job %s: %w", entry.JobID, err)
	}
	if err := l.logFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync progress log: %w", err)
	}

	l.apply(entry)

	// Summary counters track distinct jobs by their latest outcome, so a
	// successful retry converts a failed job rather than double-counting it.
	if !hadPrev {
		l.summary.ProcessedJobs++
		if entry.Status == models.AttemptStatusSent {
			l.summary.SuccessfulJobs++
		} else {
			l.summary.FailedJobs++
		}
	} else if prev.Status == models.AttemptStatusFailed && entry.Status == models.AttemptStatusSent {
		l.summary.FailedJobs--
		l.summary.SuccessfulJobs++
	}
	if position > l.summary.CurrentPosition {
		l.summary.CurrentPosition = position
	}
	l.summary.LastUpdated = nowUTC()

	if err := l.persistSummary(); err != nil {
		return err
	}

	if l.archive != nil {
		if err := l.archive.RecordAttempt(l.summary.RunID, entry); err != nil {
			slog.Warn("Ledger.RecordAttempt: archive mirror write failed", "job_id", entry.JobID, "error", err)
		}
	}

	slog.Debug("Ledger.RecordAttempt: attempt recorded", "job_id", entry.JobID,
		"status", entry.Status, "retry_count", entry.RetryCount, "position", position)
	return nil
}

// SetStatus updates the run status (and optional failure reason) and
// persists the summary.
func (l *Ledger) SetStatus(status models.RunStatus, reason string) error {
	l.summary.Status = status
	l.summary.Reason = reason
	l.summary.LastUpdated = nowUTC()
	if err := l.persistSummary(); err != nil {
		return err
	}
	if l.archive != nil {
		if err := l.archive.RecordSummary(l.summary); err != nil {
			slog.Warn("Ledger.SetStatus: archive mirror write failed", "error", err)
		}
	}
	slog.Info("Ledger.SetStatus: run status updated", "status", status, "reason", reason)
	return nil
}

// Rebuild is the operator-invoked repair/compaction path: it discards the
// existing log and rewrites it from the provided entries (e.g., to drop
// records for jobs being force-retried), then recomputes the summary
// counters. It is a maintenance operation, never invoked mid-run.
func (l *Ledger) Rebuild(entries []models.LedgerEntry) error {
	for i := range entries {
		if err := entries[i].Validate(); err != nil {
			return fmt.Errorf("refusing to rebuild with invalid entry %d: %w", i, err)
		}
	}

	tmp, err := os.CreateTemp(l.stateDir, "progress-*.log.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary log: %w", err)
	}
	defer os.Remove(tmp.Name())

	for i := range entries {
		line, err := json.Marshal(entries[i])
		if err != nil {
			tmp.Close()
			return fmt.Errorf("failed to marshal entry %d: %w", i, err)
		}
		if _, err := tmp.Write(append(line, '\n')); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write temporary log: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temporary log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary log: %w", err)
	}

	if l.logFile != nil {
		if err := l.logFile.Close(); err != nil {
			return fmt.Errorf("failed to close progress log before rebuild: %w", err)
		}
	}
	// Keep the replaced log for audit.
	if _, err := os.Stat(l.logPath); err == nil {
		backup := l.logPath + ".bak-" + util.GenerateRandomHex(8)
		if err := os.Rename(l.logPath, backup); err != nil {
			return fmt.Errorf("failed to back up progress log: %w", err)
		}
		slog.Info("Ledger.Rebuild: previous log backed up", "backup", backup)
	}
	if err := os.Rename(tmp.Name(), l.logPath); err != nil {
		return fmt.Errorf("failed to replace progress log: %w", err)
	}
	logFile, err := os.OpenFile(l.logPath, os.O_WRONLY|os.O_APPEND, DefaultFilePermissions)
	if err != nil {
		return fmt.Errorf("failed to reopen progress log: %w", err)
	}
	l.logFile = logFile

	// Rebuild in-memory state and counters from scratch.
	l.index = make(map[string]models.LedgerEntry)
	l.attempts = make(map[string]int)
	for _, entry := range entries {
		l.apply(entry)
	}
	var successful, failed int
	for _, entry := range l.index {
		if entry.Status == models.AttemptStatusSent {
			successful++
		} else {
			failed++
		}
	}
	l.summary.SuccessfulJobs = successful
	l.summary.FailedJobs = failed
	l.summary.ProcessedJobs = successful + failed
	if l.summary.CurrentPosition > l.summary.TotalJobs {
		l.summary.CurrentPosition = l.summary.TotalJobs
	}
	l.summary.LastUpdated = nowUTC()

	slog.Info("Ledger.Rebuild: log rebuilt", "records", len(entries), "jobs", len(l.index))
	return l.persistSummary()
}

// persistSummary replaces the summary file wholesale via write-to-temp-then-
// rename, so a reader never observes a partially written summary.
func (l *Ledger) persistSummary() error {
	if err := l.summary.Validate(); err != nil {
		return fmt.Errorf("refusing to persist invalid summary: %w", err)
	}
	data, err := json.MarshalIndent(l.summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	tmp, err := os.CreateTemp(l.stateDir, "summary-*.json.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary summary: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temporary summary: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temporary summary: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary summary: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.summaryPath); err != nil {
		return fmt.Errorf("failed to replace summary file: %w", err)
	}
	return nil
}

// Close releases the log file handle. The summary on disk stays as-is.
func (l *Ledger) Close() error {
	if l.logFile == nil {
		return nil
	}
	err := l.logFile.Close()
	l.logFile = nil
	if l.archive != nil {
		if cerr := l.archive.Close(); cerr != nil {
			slog.Warn("Ledger.Close: archive close failed", "error", cerr)
		}
	}
	return err
}
