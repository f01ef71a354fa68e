package store

import (
	"context"
	"testing"
	"time"

	"github.com/crystalmath/crystalmathd/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestJob(workDir string) *model.Job {
	return &model.Job{
		Name:       "test-job",
		WorkDir:    workDir,
		CreatedAt:  time.Now().UTC(),
		RunnerType: model.RunnerLocal,
	}
}

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateJob(ctx, newTestJob("/scratch/job1"))
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	j, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if j.Status != model.JobPending {
		t.Errorf("expected new job to be pending, got %s", j.Status)
	}
	if j.WorkDir != "/scratch/job1" {
		t.Errorf("expected work dir to round-trip, got %s", j.WorkDir)
	}
}

func TestCreateJob_DuplicateWorkDirRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateJob(ctx, newTestJob("/scratch/dup")); err != nil {
		t.Fatalf("first CreateJob failed: %v", err)
	}
	if _, err := s.CreateJob(ctx, newTestJob("/scratch/dup")); err == nil {
		t.Error("expected duplicate work_dir to be rejected")
	}
}

func TestUpdateStatus_ValidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateJob(ctx, newTestJob("/scratch/job2"))
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if err := s.UpdateStatus(ctx, id, model.JobQueued, JobUpdateFields{}); err != nil {
		t.Fatalf("pending->queued should succeed: %v", err)
	}
	now := time.Now().UTC()
	if err := s.UpdateStatus(ctx, id, model.JobRunning, JobUpdateFields{StartedAt: &now}); err != nil {
		t.Fatalf("queued->running should succeed: %v", err)
	}

	j, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if j.Status != model.JobRunning {
		t.Errorf("expected running, got %s", j.Status)
	}
	if j.StartedAt == nil {
		t.Error("expected started_at to be set")
	}
}

func TestUpdateStatus_RejectsBackwardTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateJob(ctx, newTestJob("/scratch/job3"))
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if err := s.UpdateStatus(ctx, id, model.JobQueued, JobUpdateFields{}); err != nil {
		t.Fatalf("pending->queued failed: %v", err)
	}
	if err := s.UpdateStatus(ctx, id, model.JobPending, JobUpdateFields{}); err == nil {
		t.Error("expected queued->pending to be rejected")
	}
}

func TestUpdateStatus_RejectsTransitionOutOfTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateJob(ctx, newTestJob("/scratch/job4"))
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if err := s.UpdateStatus(ctx, id, model.JobQueued, JobUpdateFields{}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStatus(ctx, id, model.JobRunning, JobUpdateFields{}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStatus(ctx, id, model.JobCompleted, JobUpdateFields{}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStatus(ctx, id, model.JobRunning, JobUpdateFields{}); err == nil {
		t.Error("expected terminal job to reject further transitions")
	}
}

func TestGetJobStatusesBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids := make([]int64, 0, 3)
	for i := 0; i < 3; i++ {
		id, err := s.CreateJob(ctx, newTestJob("/scratch/batch"+string(rune('a'+i))))
		if err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
		ids = append(ids, id)
	}
	if err := s.UpdateStatus(ctx, ids[0], model.JobQueued, JobUpdateFields{}); err != nil {
		t.Fatal(err)
	}

	statuses, err := s.GetJobStatusesBatch(ctx, ids)
	if err != nil {
		t.Fatalf("GetJobStatusesBatch failed: %v", err)
	}
	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	if statuses[ids[0]] != model.JobQueued {
		t.Errorf("expected job 0 queued, got %s", statuses[ids[0]])
	}
	if statuses[ids[1]] != model.JobPending {
		t.Errorf("expected job 1 pending, got %s", statuses[ids[1]])
	}
}

func TestGetJobStatusesBatch_Empty(t *testing.T) {
	s := newTestStore(t)
	statuses, err := s.GetJobStatusesBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(statuses) != 0 {
		t.Errorf("expected empty map, got %d entries", len(statuses))
	}
}
