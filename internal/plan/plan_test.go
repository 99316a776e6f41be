package plan

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wamigrate/wamigrate/internal/models"
)

func validPlan() *models.TransferPlan {
	base := time.Date(2023, 4, 1, 9, 0, 0, 0, time.UTC)
	jobs := []*models.TransferJob{
		{ID: "j1", SourceID: "s1", Kind: models.JobKindText, Text: "first", Destination: "15551234567", OrderingKey: base.UnixMilli(), Status: models.JobStatusPending},
		{ID: "j2", SourceID: "s2", Kind: models.JobKindImage, MediaPath: "media/IMG-001.jpg", MediaType: "image/jpeg", Destination: "15551234567", OrderingKey: base.Add(2 * time.Minute).UnixMilli(), Status: models.JobStatusPending},
		{ID: "j3", SourceID: "s3", Kind: models.JobKindText, Text: "third", Destination: "15551234567", OrderingKey: base.Add(5 * time.Minute).UnixMilli(), Status: models.JobStatusPending},
	}
	return &models.TransferPlan{
		Version: models.PlanVersion,
		Metadata: models.PlanMetadata{
			GeneratedAt:   base,
			SourcePath:    "export/chat.txt",
			JobCount:      3,
			ExcludedCount: 1,
		},
		Jobs: jobs,
		Excluded: []models.ExcludedRecord{
			{SourceID: "s4", ReasonCode: models.ExclusionReasonMediaMissing, Explanation: "referenced media file not found in export"},
		},
		Statistics: models.PlanStatistics{
			ByKind:      map[string]int{"text": 2, "image": 1},
			ByMediaType: map[string]int{"image/jpeg": 1},
			TotalBytes:  2048,
			DateRange:   models.DateRange{From: base, To: base.Add(5 * time.Minute)},
		},
	}
}

func writePlanFile(t *testing.T, p *models.TransferPlan) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.json")
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("failed to marshal plan: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write plan file: %v", err)
	}
	return path
}

func TestLoadValidPlan(t *testing.T) {
	path := writePlanFile(t, validPlan())
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(p.Jobs) != 3 {
		t.Errorf("expected 3 jobs, got %d", len(p.Jobs))
	}
	if p.Jobs[1].Kind != models.JobKindImage {
		t.Errorf("expected second job to be image, got %s", p.Jobs[1].Kind)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing plan file")
	}
}

func TestLoadMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed plan file")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(p *models.TransferPlan)
		wantErr error
	}{
		{"wrong version", func(p *models.TransferPlan) { p.Version = "99" }, ErrUnsupportedVersion},
		{"job count mismatch", func(p *models.TransferPlan) { p.Metadata.JobCount = 5 }, ErrCountMismatch},
		{"excluded count mismatch", func(p *models.TransferPlan) { p.Metadata.ExcludedCount = 0 }, ErrCountMismatch},
		{"duplicate ids", func(p *models.TransferPlan) { p.Jobs[2].ID = "j1" }, ErrDuplicateJobID},
		{"unsorted jobs", func(p *models.TransferPlan) { p.Jobs[2].OrderingKey = 0 }, ErrUnsorted},
		{"statistics kind mismatch", func(p *models.TransferPlan) { p.Statistics.ByKind["text"] = 3 }, ErrCountMismatch},
		{"statistics total mismatch", func(p *models.TransferPlan) {
			p.Statistics.ByKind = map[string]int{"text": 2}
		}, ErrCountMismatch},
		{"media type mismatch", func(p *models.TransferPlan) {
			p.Statistics.ByMediaType = map[string]int{"image/jpeg": 2}
		}, ErrCountMismatch},
		{"media type total mismatch", func(p *models.TransferPlan) {
			p.Statistics.ByMediaType = map[string]int{"image/png": 0}
		}, ErrCountMismatch},
		{"date range start mismatch", func(p *models.TransferPlan) {
			p.Statistics.DateRange.From = p.Statistics.DateRange.From.Add(time.Second)
		}, ErrCountMismatch},
		{"date range end mismatch", func(p *models.TransferPlan) {
			p.Statistics.DateRange.To = p.Statistics.DateRange.To.Add(-time.Minute)
		}, ErrCountMismatch},
		{"no jobs", func(p *models.TransferPlan) {
			p.Jobs = nil
			p.Metadata.JobCount = 0
			p.Statistics.ByKind = map[string]int{}
		}, ErrEmptyPlan},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validPlan()
			tc.mutate(p)
			if err := Validate(p); !errors.Is(err, tc.wantErr) {
				t.Errorf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestValidateRejectsInvalidJob(t *testing.T) {
	p := validPlan()
	p.Jobs[1].MediaPath = ""
	if err := Validate(p); !errors.Is(err, models.ErrMissingMediaRef) {
		t.Errorf("expected ErrMissingMediaRef, got %v", err)
	}
}

func TestResetStatuses(t *testing.T) {
	p := validPlan()
	p.Jobs[0].Status = models.JobStatusSent
	p.Jobs[0].AttemptCount = 2
	p.Jobs[1].Status = models.JobStatusFailed
	p.Jobs[1].LastError = "stale"
	ResetStatuses(p)
	for i, job := range p.Jobs {
		if job.Status != models.JobStatusPending {
			t.Errorf("job %d: expected pending, got %s", i, job.Status)
		}
		if job.LastError != "" || job.AttemptCount != 0 || job.CompletedAt != nil {
			t.Errorf("job %d: bookkeeping not reset", i)
		}
	}
}
