// Package plan loads and validates transfer plan documents.
//
// The plan is produced by the upstream generation stage and consumed
// read-only by the executor; validation failures here are fatal at startup.
package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/wamigrate/wamigrate/internal/models"
)

// Error variables for distinct startup failure modes
var (
	ErrUnsupportedVersion = errors.New("unsupported plan version")
	ErrCountMismatch      = errors.New("plan counts do not reconcile")
	ErrUnsorted           = errors.New("plan jobs are not sorted by ordering key")
	ErrDuplicateJobID     = errors.New("duplicate job id in plan")
	ErrEmptyPlan          = errors.New("plan contains no jobs")
)

// Load reads a transfer plan from path and validates it.
func Load(path string) (*models.TransferPlan, error) {
	slog.Debug("plan.Load: reading plan file", "path", path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file %s: %w", path, err)
	}

	var p models.TransferPlan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse plan file %s: %w", path, err)
	}

	if err := Validate(&p); err != nil {
		return nil, err
	}

	slog.Info("plan.Load: plan loaded", "path", path, "jobs", len(p.Jobs), "excluded", len(p.Excluded))
	return &p, nil
}

// Validate checks version, ordering, id uniqueness, and statistics
// reconciliation. Each failure mode carries a distinct sentinel error.
func Validate(p *models.TransferPlan) error {
	if p.Version != models.PlanVersion {
		return fmt.Errorf("%w: got %q, want %q", ErrUnsupportedVersion, p.Version, models.PlanVersion)
	}
	if len(p.Jobs) == 0 {
		return ErrEmptyPlan
	}
	if p.Metadata.JobCount != len(p.Jobs) {
		return fmt.Errorf("%w: metadata job_count=%d, jobs=%d", ErrCountMismatch, p.Metadata.JobCount, len(p.Jobs))
	}
	if p.Metadata.ExcludedCount != len(p.Excluded) {
		return fmt.Errorf("%w: metadata excluded_count=%d, excluded=%d", ErrCountMismatch, p.Metadata.ExcludedCount, len(p.Excluded))
	}

	seen := make(map[string]struct{}, len(p.Jobs))
	byKind := make(map[string]int)
	byMedia := make(map[string]int)
	var mediaJobs int
	var prevKey int64
	for i, job := range p.Jobs {
		if err := job.Validate(); err != nil {
			return fmt.Errorf("invalid job at index %d: %w", i, err)
		}
		if _, dup := seen[job.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateJobID, job.ID)
		}
		seen[job.ID] = struct{}{}
		if i > 0 && job.OrderingKey < prevKey {
			return fmt.Errorf("%w: job %s at index %d (key %d < %d)", ErrUnsorted, job.ID, i, job.OrderingKey, prevKey)
		}
		prevKey = job.OrderingKey
		byKind[string(job.Kind)]++
		if job.MediaType != "" {
			byMedia[job.MediaType]++
			mediaJobs++
		}
	}

	// Statistics must reconcile exactly with the job list. Byte totals are
	// not checked: media sizes live on disk, not in the plan document.
	var statTotal int
	for kind, n := range p.Statistics.ByKind {
		statTotal += n
		if byKind[kind] != n {
			return fmt.Errorf("%w: statistics report %d %s jobs, plan has %d", ErrCountMismatch, n, kind, byKind[kind])
		}
	}
	if statTotal != len(p.Jobs) {
		return fmt.Errorf("%w: statistics cover %d jobs, plan has %d", ErrCountMismatch, statTotal, len(p.Jobs))
	}
	if p.Statistics.ByMediaType != nil {
		var mediaTotal int
		for mt, n := range p.Statistics.ByMediaType {
			mediaTotal += n
			if byMedia[mt] != n {
				return fmt.Errorf("%w: statistics report %d %s jobs, plan has %d", ErrCountMismatch, n, mt, byMedia[mt])
			}
		}
		if mediaTotal != mediaJobs {
			return fmt.Errorf("%w: statistics cover %d media jobs, plan has %d", ErrCountMismatch, mediaTotal, mediaJobs)
		}
	}

	// The declared date range must span exactly the ordering keys present.
	if from := p.Statistics.DateRange.From.UnixMilli(); from != p.Jobs[0].OrderingKey {
		return fmt.Errorf("%w: date range starts at %d, first job at %d", ErrCountMismatch, from, p.Jobs[0].OrderingKey)
	}
	last := p.Jobs[len(p.Jobs)-1].OrderingKey
	if to := p.Statistics.DateRange.To.UnixMilli(); to != last {
		return fmt.Errorf("%w: date range ends at %d, last job at %d", ErrCountMismatch, to, last)
	}
	return nil
}

// ResetStatuses clears the transient per-job status cache back to pending.
// Called before execution so resume state comes from the ledger alone.
func ResetStatuses(p *models.TransferPlan) {
	for _, job := range p.Jobs {
		job.Status = models.JobStatusPending
		job.LastError = ""
		job.AttemptCount = 0
		job.CompletedAt = nil
	}
}
