package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wamigrate/wamigrate/internal/ledger"
	"github.com/wamigrate/wamigrate/internal/models"
)

func writeSummary(t *testing.T, dir string, s models.ProgressSummary) {
	t.Helper()
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ledger.SummaryFileName), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	switch path {
	case "/v1/status":
		srv.statusHandler(rec, req)
	case "/v1/progress":
		srv.progressHandler(rec, req)
	default:
		t.Fatalf("unknown path %s", path)
	}
	return rec
}

func TestStatusWithoutRun(t *testing.T) {
	srv := NewServer(":0", t.TempDir())

	rec := get(t, srv, "/v1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "no_run" {
		t.Errorf("expected no_run, got %v", body["status"])
	}
}

func TestStatusReflectsSummary(t *testing.T) {
	dir := t.TempDir()
	writeSummary(t, dir, models.ProgressSummary{
		PlanRef:        "plan.json",
		RunID:          "run-1",
		StartedAt:      time.Now().UTC(),
		LastUpdated:    time.Now().UTC(),
		TotalJobs:      20,
		ProcessedJobs:  7,
		SuccessfulJobs: 6,
		FailedJobs:     1,
		Status:         models.RunStatusFailed,
		Reason:         models.ReasonRateCeiling,
	})
	srv := NewServer(":0", dir)

	rec := get(t, srv, "/v1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != string(models.RunStatusFailed) {
		t.Errorf("status = %v", body["status"])
	}
	if body["reason"] != models.ReasonRateCeiling {
		t.Errorf("reason = %v", body["reason"])
	}
	if body["processed"] != float64(7) || body["total"] != float64(20) {
		t.Errorf("counts = %v/%v", body["processed"], body["total"])
	}
}

func TestProgressReturnsFullSummary(t *testing.T) {
	dir := t.TempDir()
	writeSummary(t, dir, models.ProgressSummary{
		PlanRef:        "plan.json",
		RunID:          "run-2",
		TotalJobs:      3,
		ProcessedJobs:  3,
		SuccessfulJobs: 3,
		Status:         models.RunStatusCompleted,
	})
	srv := NewServer(":0", dir)

	rec := get(t, srv, "/v1/progress")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got models.ProgressSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.RunID != "run-2" || got.Status != models.RunStatusCompleted {
		t.Errorf("unexpected summary: %+v", got)
	}
}

func TestProgressWithoutRunIs404(t *testing.T) {
	srv := NewServer(":0", t.TempDir())
	rec := get(t, srv, "/v1/progress")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv := NewServer(":0", t.TempDir())
	req := httptest.NewRequest(http.MethodPost, "/v1/status", nil)
	rec := httptest.NewRecorder()
	srv.statusHandler(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}
