package models

import "time"

// PlanVersion is the transfer plan document version this executor understands.
const PlanVersion = "1"

// ExclusionReason codes emitted by the plan generator for records it declined
// to transfer. The executor treats these as opaque audit data.
const (
	ExclusionReasonUnsupportedType = "unsupported_type"
	ExclusionReasonMediaMissing    = "media_missing"
	ExclusionReasonMediaTooLarge   = "media_too_large"
	ExclusionReasonEmptyRecord     = "empty_record"
)

// PlanMetadata describes how and when the plan was generated.
type PlanMetadata struct {
	GeneratedAt   time.Time `json:"generated_at"`
	SourcePath    string    `json:"source_path"`
	OutputPath    string    `json:"output_path,omitempty"`
	JobCount      int       `json:"job_count"`
	ExcludedCount int       `json:"excluded_count"`
}

// ExcludedRecord is a source record the plan generator declined to transfer.
type ExcludedRecord struct {
	SourceID    string `json:"source_id"`
	ReasonCode  string `json:"reason_code"`
	Explanation string `json:"explanation"`
}

// DateRange is the span of original record timestamps covered by a plan.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// PlanStatistics must reconcile exactly with the job and excluded lists.
type PlanStatistics struct {
	ByKind      map[string]int `json:"by_kind"`
	ByMediaType map[string]int `json:"by_media_type,omitempty"`
	TotalBytes  int64          `json:"total_bytes"`
	DateRange   DateRange      `json:"date_range"`
}

// TransferPlan is the immutable, versioned input document for one run:
// ordered jobs plus exclusions and reconciling statistics. The executor
// treats it as read-only except for the transient per-job Status cache.
type TransferPlan struct {
	Version    string           `json:"version"`
	Metadata   PlanMetadata     `json:"metadata"`
	Jobs       []*TransferJob   `json:"jobs"`
	Excluded   []ExcludedRecord `json:"excluded"`
	Statistics PlanStatistics   `json:"statistics"`
}
