package sqlite

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/clopca/open-mem/internal/idgen"
	"github.com/clopca/open-mem/internal/storage"
	"github.com/clopca/open-mem/internal/types"
)

func testJob(sessionID, callID string) *types.PendingJob {
	return &types.PendingJob{
		ID:        idgen.New(idgen.PrefixJob, sessionID, callID),
		SessionID: sessionID,
		Tool:      "Read",
		Output:    "file contents here",
		CallID:    callID,
	}
}

func TestEnqueueDuplicateCallID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, testJob("ses-1", "call-1")); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	err := s.EnqueueJob(ctx, testJob("ses-1", "call-1"))
	if !errors.Is(err, storage.ErrDuplicateCallID) {
		t.Errorf("duplicate enqueue error = %v, want ErrDuplicateCallID", err)
	}
	// Same call id in another session is a different job.
	if err := s.EnqueueJob(ctx, testJob("ses-2", "call-1")); err != nil {
		t.Errorf("cross-session enqueue: %v", err)
	}
}

func TestClaimFIFOAndLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		job := testJob("ses-1", fmt.Sprintf("call-%d", i))
		job.EnqueuedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.EnqueueJob(ctx, job); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, job.ID)
	}

	claimed, err := s.ClaimPendingJobs(ctx, 2)
	if err != nil {
		t.Fatalf("ClaimPendingJobs: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d, want 2", len(claimed))
	}
	if claimed[0].ID != ids[0] || claimed[1].ID != ids[1] {
		t.Errorf("claim order = %s,%s, want FIFO %s,%s", claimed[0].ID, claimed[1].ID, ids[0], ids[1])
	}
	if claimed[0].Status != types.JobProcessing || claimed[0].Attempts != 1 {
		t.Errorf("claimed job state: %+v", claimed[0])
	}

	if err := s.CompleteJob(ctx, claimed[0].ID); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if err := s.FailJob(ctx, claimed[1].ID, "provider exploded"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	got, _ := s.GetJob(ctx, claimed[1].ID)
	if got.Status != types.JobFailed || got.LastError != "provider exploded" {
		t.Errorf("failed job state: %+v", got)
	}

	// Completing a non-processing row is rejected.
	if err := s.CompleteJob(ctx, claimed[0].ID); err == nil {
		t.Error("double complete should fail")
	}

	n, _ := s.PendingJobCount(ctx)
	if n != 1 {
		t.Errorf("pending count = %d, want 1", n)
	}
}

func TestReleaseJobKeepsOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := testJob("ses-1", "call-a")
	first.EnqueuedAt = time.Now().UTC().Add(-2 * time.Second)
	second := testJob("ses-1", "call-b")
	second.EnqueuedAt = time.Now().UTC().Add(-1 * time.Second)
	if err := s.EnqueueJob(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := s.EnqueueJob(ctx, second); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimPendingJobs(ctx, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}
	if err := s.ReleaseJob(ctx, claimed[0].ID); err != nil {
		t.Fatalf("ReleaseJob: %v", err)
	}

	// The released row must come back first.
	reclaimed, err := s.ClaimPendingJobs(ctx, 1)
	if err != nil || len(reclaimed) != 1 {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed[0].ID != first.ID {
		t.Errorf("reclaimed %s, want released row %s", reclaimed[0].ID, first.ID)
	}
	if reclaimed[0].Attempts != 2 {
		t.Errorf("attempts = %d, want 2", reclaimed[0].Attempts)
	}
}

func TestRecoverStaleJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := testJob("ses-1", "call-stale")
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimPendingJobs(ctx, 1); err != nil {
		t.Fatal(err)
	}

	// Backdate the transition so the row looks abandoned.
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_jobs SET last_transition_at = ? WHERE id = ?`,
		formatTime(time.Now().UTC().Add(-10*time.Minute)), job.ID)
	if err != nil {
		t.Fatal(err)
	}

	n, err := s.RecoverStaleJobs(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("RecoverStaleJobs: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d, want 1", n)
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != types.JobPending {
		t.Errorf("recovered status = %s, want pending", got.Status)
	}

	// A fresh processing row is left alone.
	if _, err := s.ClaimPendingJobs(ctx, 1); err != nil {
		t.Fatal(err)
	}
	n, err = s.RecoverStaleJobs(ctx, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("recovered fresh row: %d", n)
	}
}

func TestJobCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.EnqueueJob(ctx, testJob("ses-1", fmt.Sprintf("c%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	claimed, _ := s.ClaimPendingJobs(ctx, 2)
	_ = s.CompleteJob(ctx, claimed[0].ID)
	_ = s.FailJob(ctx, claimed[1].ID, "boom")

	counts, err := s.JobCounts(ctx)
	if err != nil {
		t.Fatalf("JobCounts: %v", err)
	}
	if counts.Pending != 1 || counts.Completed != 1 || counts.Failed != 1 {
		t.Errorf("counts = %+v", counts)
	}
	if counts.LastError != "boom" {
		t.Errorf("last error = %q, want boom", counts.LastError)
	}
	if counts.LastProcessed == nil || counts.LastFailed == nil {
		t.Error("timestamps missing from counts")
	}
}
