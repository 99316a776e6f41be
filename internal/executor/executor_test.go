package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wamigrate/wamigrate/internal/ledger"
	"github.com/wamigrate/wamigrate/internal/messaging"
	"github.com/wamigrate/wamigrate/internal/models"
	"github.com/wamigrate/wamigrate/internal/pacing"
)

func testPlan(t *testing.T, n int) *models.TransferPlan {
	t.Helper()
	base := time.Date(2023, 4, 1, 9, 0, 0, 0, time.UTC)
	jobs := make([]*models.TransferJob, 0, n)
	for i := 0; i < n; i++ {
		jobs = append(jobs, &models.TransferJob{
			ID:          fmt.Sprintf("j%d", i+1),
			SourceID:    fmt.Sprintf("s%d", i+1),
			Kind:        models.JobKindText,
			Text:        fmt.Sprintf("message %d", i+1),
			Destination: "15551234567",
			OrderingKey: base.Add(time.Duration(i) * time.Minute).UnixMilli(),
			Status:      models.JobStatusPending,
		})
	}
	return &models.TransferPlan{
		Version:  models.PlanVersion,
		Metadata: models.PlanMetadata{GeneratedAt: base, SourcePath: "export.txt", JobCount: n},
		Jobs:     jobs,
		Statistics: models.PlanStatistics{
			ByKind: map[string]int{"text": n},
		},
	}
}

func fastPacer(t *testing.T, ceiling int) *pacing.Controller {
	t.Helper()
	p, err := pacing.New(pacing.Config{MinDelay: time.Millisecond, MaxDelay: time.Millisecond, DailyCeiling: ceiling})
	if err != nil {
		t.Fatalf("pacing.New failed: %v", err)
	}
	return p
}

func openLedger(t *testing.T, dir string, total int) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(dir, "plan.json", total)
	if err != nil {
		t.Fatalf("ledger.Open failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func runExecutor(t *testing.T, rc RunContext) ([]Progress, error) {
	t.Helper()
	exec, err := New(rc)
	if err != nil {
		t.Fatalf("executor.New failed: %v", err)
	}
	runErr := exec.Run(context.Background())
	var events []Progress
	for p := range exec.Events() {
		events = append(events, p)
	}
	return events, runErr
}

func countLogEntries(t *testing.T, dir string) (sent, failed int) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, ledger.LogFileName))
	if err != nil {
		t.Fatalf("failed to read progress log: %v", err)
	}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var e models.LedgerEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
		if e.Status == models.AttemptStatusSent {
			sent++
		} else {
			failed++
		}
	}
	return sent, failed
}

func TestRunDeliversAllJobsInOrder(t *testing.T) {
	dir := t.TempDir()
	plan := testPlan(t, 4)
	sender := messaging.NewMockSender()

	events, err := runExecutor(t, RunContext{
		Plan:   plan,
		Ledger: openLedger(t, dir, 4),
		Pacer:  fastPacer(t, 100),
		Sender: sender,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	calls := sender.Calls()
	if len(calls) != 4 {
		t.Fatalf("expected 4 sends, got %d", len(calls))
	}
	for i, call := range calls {
		want := fmt.Sprintf("message %d", i+1)
		if call.Text != want {
			t.Errorf("send %d out of order: got %q, want %q", i, call.Text, want)
		}
	}
	if len(events) != 4 {
		t.Errorf("expected 4 progress events, got %d", len(events))
	}
	for _, job := range plan.Jobs {
		if job.Status != models.JobStatusSent {
			t.Errorf("job %s: expected sent, got %s", job.ID, job.Status)
		}
		if job.ExternalID == "" {
			t.Errorf("job %s: expected external id", job.ID)
		}
	}
}

func TestMediaSendsCarryDeclaredType(t *testing.T) {
	dir := t.TempDir()
	plan := testPlan(t, 1)
	plan.Jobs[0].Kind = models.JobKindImage
	plan.Jobs[0].Text = "caption"
	plan.Jobs[0].MediaPath = "media/IMG-001.jpg"
	plan.Jobs[0].MediaType = "image/jpeg"
	sender := messaging.NewMockSender()

	if _, err := runExecutor(t, RunContext{
		Plan:   plan,
		Ledger: openLedger(t, dir, 1),
		Pacer:  fastPacer(t, 100),
		Sender: sender,
	}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	calls := sender.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 send, got %d", len(calls))
	}
	if calls[0].Op != "image" || calls[0].MediaPath != "media/IMG-001.jpg" {
		t.Errorf("unexpected call: %+v", calls[0])
	}
	if calls[0].MediaType != "image/jpeg" {
		t.Errorf("declared media type not handed to the sender: %+v", calls[0])
	}
}

func TestDryRunNeverTouchesAdapter(t *testing.T) {
	dir := t.TempDir()
	plan := testPlan(t, 3)
	sender := messaging.NewMockSender()

	_, err := runExecutor(t, RunContext{
		Plan:   plan,
		Ledger: openLedger(t, dir, 3),
		Pacer:  fastPacer(t, 100),
		Sender: sender,
		Config: Config{DryRun: true},
	})
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}

	if calls := sender.Calls(); len(calls) != 0 {
		t.Errorf("channel adapter invoked %d times during dry run", len(calls))
	}
	sent, failed := countLogEntries(t, dir)
	if sent != 3 || failed != 0 {
		t.Errorf("expected 3 sent / 0 failed entries, got %d / %d", sent, failed)
	}

	data, _ := os.ReadFile(filepath.Join(dir, ledger.LogFileName))
	if strings.Contains(string(data), "external_message_id") {
		t.Error("dry-run entries must not carry an external message id")
	}
}

func TestIdempotentResumeNeverResends(t *testing.T) {
	dir := t.TempDir()
	plan := testPlan(t, 5)

	sender1 := messaging.NewMockSender()
	if _, err := runExecutor(t, RunContext{
		Plan: plan, Ledger: openLedger(t, dir, 5), Pacer: fastPacer(t, 100), Sender: sender1,
	}); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	// Second run over the same ledger: nothing left to send.
	plan2 := testPlan(t, 5)
	sender2 := messaging.NewMockSender()
	if _, err := runExecutor(t, RunContext{
		Plan: plan2, Ledger: openLedger(t, dir, 5), Pacer: fastPacer(t, 100), Sender: sender2,
	}); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if calls := sender2.Calls(); len(calls) != 0 {
		t.Errorf("resume re-sent %d already-delivered jobs", len(calls))
	}
	sent, _ := countLogEntries(t, dir)
	if sent != 5 {
		t.Errorf("expected exactly 5 sent entries after two runs, got %d", sent)
	}
}

func TestResumeAttemptsOnlyUnfinishedJobs(t *testing.T) {
	dir := t.TempDir()

	// Seed a prior run: jobs 1-2 sent, job 3 failed once.
	seed := openLedger(t, dir, 5)
	now := time.Now().UTC()
	for i := 1; i <= 2; i++ {
		err := seed.RecordAttempt(models.LedgerEntry{
			JobID: fmt.Sprintf("j%d", i), SourceID: fmt.Sprintf("s%d", i),
			Status: models.AttemptStatusSent, Timestamp: now, ExternalMessageID: "prior",
		}, i)
		if err != nil {
			t.Fatalf("seed RecordAttempt failed: %v", err)
		}
	}
	if err := seed.RecordAttempt(models.LedgerEntry{
		JobID: "j3", SourceID: "s3", Status: models.AttemptStatusFailed,
		Timestamp: now, RetryCount: 0, ErrorMessage: "transient",
	}, 3); err != nil {
		t.Fatalf("seed RecordAttempt failed: %v", err)
	}
	seed.Close()

	plan := testPlan(t, 5)
	sender := messaging.NewMockSender()
	_, err := runExecutor(t, RunContext{
		Plan: plan, Ledger: openLedger(t, dir, 5), Pacer: fastPacer(t, 100), Sender: sender,
	})
	if err != nil {
		t.Fatalf("resume run failed: %v", err)
	}

	calls := sender.Calls()
	if len(calls) != 3 {
		t.Fatalf("expected attempts for jobs 3-5 only, got %d sends", len(calls))
	}
	if calls[0].Text != "message 3" {
		t.Errorf("first resumed send should be job 3, got %q", calls[0].Text)
	}

	summary := readSummary(t, dir)
	if summary.ProcessedJobs != 5 || summary.SuccessfulJobs != 5 || summary.FailedJobs != 0 {
		t.Errorf("unexpected final summary: %+v", summary)
	}
	if summary.Status != models.RunStatusCompleted {
		t.Errorf("expected completed, got %s", summary.Status)
	}
}

func TestJobScopedErrorDoesNotHaltRun(t *testing.T) {
	dir := t.TempDir()
	plan := testPlan(t, 3)
	plan.Jobs[1].Destination = "bad-destination"
	sender := messaging.NewMockSender()
	sender.FailDestinations["bad-destination"] = messaging.JobError("send text", errors.New("destination rejected"))

	events, err := runExecutor(t, RunContext{
		Plan: plan, Ledger: openLedger(t, dir, 3), Pacer: fastPacer(t, 100), Sender: sender,
		Config: Config{MaxAttempts: 1},
	})
	if err != nil {
		t.Fatalf("run should absorb job-scoped errors, got %v", err)
	}

	if plan.Jobs[1].Status != models.JobStatusFailed {
		t.Errorf("job 2: expected failed, got %s", plan.Jobs[1].Status)
	}
	if plan.Jobs[2].Status != models.JobStatusSent {
		t.Errorf("job 3: expected sent after failure of job 2, got %s", plan.Jobs[2].Status)
	}
	summary := readSummary(t, dir)
	if summary.ProcessedJobs != 3 || summary.SuccessfulJobs != 2 || summary.FailedJobs != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	var sawFailure bool
	for _, ev := range events {
		if ev.JobID == "j2" && ev.Status == models.JobStatusFailed && ev.Err != "" {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Error("expected a failure progress event for job 2")
	}
}

func TestConnectionErrorHaltsRunLeavingJobsPending(t *testing.T) {
	dir := t.TempDir()
	plan := testPlan(t, 5)
	plan.Jobs[1].Destination = "unreachable"
	sender := messaging.NewMockSender()
	sender.FailDestinations["unreachable"] = messaging.ConnectionError("send text", errors.New("websocket closed"))

	_, err := runExecutor(t, RunContext{
		Plan: plan, Ledger: openLedger(t, dir, 5), Pacer: fastPacer(t, 100), Sender: sender,
	})
	if err == nil {
		t.Fatal("expected connection error to propagate")
	}
	if !messaging.IsConnectionError(err) {
		t.Errorf("expected a connection-scoped error, got %v", err)
	}

	summary := readSummary(t, dir)
	if summary.Status != models.RunStatusFailed || summary.Reason != models.ReasonConnectionLost {
		t.Errorf("unexpected summary status/reason: %+v", summary)
	}
	if summary.ProcessedJobs != 1 {
		t.Errorf("expected processed=1, got %d", summary.ProcessedJobs)
	}

	// Jobs 2-5 must remain pending for the next resume.
	l := openLedger(t, dir, 5)
	for i := 2; i <= 5; i++ {
		id := fmt.Sprintf("j%d", i)
		if got := l.Classify(id, 3); got != ledger.DecisionPending {
			t.Errorf("%s: expected pending after connection loss, got %s", id, got)
		}
	}
}

func TestRateCeilingStopsRunWithDistinctReason(t *testing.T) {
	dir := t.TempDir()
	plan := testPlan(t, 5)
	sender := messaging.NewMockSender()

	_, err := runExecutor(t, RunContext{
		Plan: plan, Ledger: openLedger(t, dir, 5), Pacer: fastPacer(t, 2), Sender: sender,
	})
	if !errors.Is(err, pacing.ErrRateCeiling) {
		t.Fatalf("expected ErrRateCeiling, got %v", err)
	}

	if calls := sender.Calls(); len(calls) != 2 {
		t.Errorf("expected 2 sends before the ceiling, got %d", len(calls))
	}
	summary := readSummary(t, dir)
	if summary.Status != models.RunStatusFailed || summary.Reason != models.ReasonRateCeiling {
		t.Errorf("expected failed/%s, got %s/%s", models.ReasonRateCeiling, summary.Status, summary.Reason)
	}
}

func TestPauseTakesEffectBetweenJobs(t *testing.T) {
	dir := t.TempDir()
	plan := testPlan(t, 3)
	exec, err := New(RunContext{
		Plan: plan, Ledger: openLedger(t, dir, 3), Pacer: fastPacer(t, 100),
		Sender: messaging.NewMockSender(),
	})
	if err != nil {
		t.Fatalf("executor.New failed: %v", err)
	}
	exec.Pause()
	if err := exec.Run(context.Background()); err != nil {
		t.Fatalf("paused run returned error: %v", err)
	}
	if exec.State() != StatePaused {
		t.Errorf("expected paused state, got %s", exec.State())
	}
	summary := readSummary(t, dir)
	if summary.Status != models.RunStatusPaused || summary.ProcessedJobs != 0 {
		t.Errorf("unexpected summary: %+v", summary)
	}

	// Resume with a fresh executor over the same ledger.
	sender := messaging.NewMockSender()
	if _, err := runExecutor(t, RunContext{
		Plan: testPlan(t, 3), Ledger: openLedger(t, dir, 3), Pacer: fastPacer(t, 100), Sender: sender,
	}); err != nil {
		t.Fatalf("resume run failed: %v", err)
	}
	if len(sender.Calls()) != 3 {
		t.Errorf("expected all 3 jobs on resume, got %d", len(sender.Calls()))
	}
}

func TestCancelRequiresPausedState(t *testing.T) {
	dir := t.TempDir()
	exec, err := New(RunContext{
		Plan: testPlan(t, 1), Ledger: openLedger(t, dir, 1), Pacer: fastPacer(t, 10),
		Sender: messaging.NewMockSender(),
	})
	if err != nil {
		t.Fatalf("executor.New failed: %v", err)
	}
	if err := exec.Cancel(); !errors.Is(err, ErrNotPaused) {
		t.Errorf("expected ErrNotPaused, got %v", err)
	}
}

func TestExecutorIsSingleUse(t *testing.T) {
	dir := t.TempDir()
	exec, err := New(RunContext{
		Plan: testPlan(t, 1), Ledger: openLedger(t, dir, 1), Pacer: fastPacer(t, 10),
		Sender: messaging.NewMockSender(),
	})
	if err != nil {
		t.Fatalf("executor.New failed: %v", err)
	}
	if err := exec.Run(context.Background()); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	if err := exec.Run(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestRetriesExhaustedJobsAreSkipped(t *testing.T) {
	dir := t.TempDir()

	seed := openLedger(t, dir, 2)
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		if err := seed.RecordAttempt(models.LedgerEntry{
			JobID: "j1", SourceID: "s1", Status: models.AttemptStatusFailed,
			Timestamp: now, RetryCount: i, ErrorMessage: "permanent rejection",
		}, 1); err != nil {
			t.Fatalf("seed RecordAttempt failed: %v", err)
		}
	}
	seed.Close()

	plan := testPlan(t, 2)
	sender := messaging.NewMockSender()
	_, err := runExecutor(t, RunContext{
		Plan: plan, Ledger: openLedger(t, dir, 2), Pacer: fastPacer(t, 100), Sender: sender,
		Config: Config{MaxAttempts: 3},
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if plan.Jobs[0].Status != models.JobStatusSkipped {
		t.Errorf("expected exhausted job skipped, got %s", plan.Jobs[0].Status)
	}
	if len(sender.Calls()) != 1 {
		t.Errorf("expected only job 2 attempted, got %d sends", len(sender.Calls()))
	}
}

func readSummary(t *testing.T, dir string) models.ProgressSummary {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, ledger.SummaryFileName))
	if err != nil {
		t.Fatalf("failed to read summary: %v", err)
	}
	var s models.ProgressSummary
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("failed to parse summary: %v", err)
	}
	return s
}
