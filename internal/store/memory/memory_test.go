package memory

import (
	"context"
	"testing"
	"time"

	"github.com/agentsdashboard/orchestrator-core/internal/model"
)

func TestCreateAndGetRun(t *testing.T) {
	s := New()
	ctx := context.Background()
	run := &model.Run{RunID: "run_1", TaskID: "task_1", RepositoryID: "repo_1", State: model.RunQueued, Attempt: 1, CreatedAt: time.Now()}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	got, err := s.GetRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.State != model.RunQueued {
		t.Errorf("expected Queued, got %v", got.State)
	}
	if got.Version != 1 {
		t.Errorf("expected version 1, got %d", got.Version)
	}
}

func TestUpdateRunOptimisticConcurrency(t *testing.T) {
	s := New()
	ctx := context.Background()
	run := &model.Run{RunID: "run_1", State: model.RunQueued, Attempt: 1, CreatedAt: time.Now()}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, _ := s.GetRun(ctx, "run_1")
	got.State = model.RunRunning
	started := time.Now()
	got.StartedAt = &started
	rtID := "rt_1"
	got.DispatchedToRuntimeID = &rtID

	if err := s.UpdateRun(ctx, got, 1); err != nil {
		t.Fatalf("UpdateRun with correct version should succeed: %v", err)
	}

	// Stale version should be rejected.
	if err := s.UpdateRun(ctx, got, 1); err == nil {
		t.Fatal("expected version-conflict error on stale UpdateRun")
	}
}

func TestListQueuedRankedOrdersByCreatedAtThenRunID(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now()
	_ = s.CreateRun(ctx, &model.Run{RunID: "run_b", State: model.RunQueued, Attempt: 1, CreatedAt: base})
	_ = s.CreateRun(ctx, &model.Run{RunID: "run_a", State: model.RunQueued, Attempt: 1, CreatedAt: base})
	_ = s.CreateRun(ctx, &model.Run{RunID: "run_c", State: model.RunQueued, Attempt: 1, CreatedAt: base.Add(-time.Minute)})

	ranked, err := s.ListQueuedRanked(ctx, 0)
	if err != nil {
		t.Fatalf("ListQueuedRanked: %v", err)
	}
	if len(ranked) != 3 {
		t.Fatalf("expected 3 queued runs, got %d", len(ranked))
	}
	if ranked[0].RunID != "run_c" {
		t.Errorf("expected run_c first (oldest createdAt), got %s", ranked[0].RunID)
	}
	if ranked[1].RunID != "run_a" || ranked[2].RunID != "run_b" {
		t.Errorf("expected run_a, run_b as runId tiebreak for equal createdAt, got %s, %s", ranked[1].RunID, ranked[2].RunID)
	}
}

func TestFindActiveWorkByOperationKeyDedupe(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.UpsertWork(ctx, &model.BackgroundWorkSnapshot{WorkID: "w1", OperationKey: "pull:imageX", State: model.WorkPending, UpdatedAt: time.Now()})

	found, err := s.FindActiveWorkByOperationKey(ctx, "pull:imageX")
	if err != nil {
		t.Fatalf("expected active work to be found: %v", err)
	}
	if found.WorkID != "w1" {
		t.Errorf("expected w1, got %s", found.WorkID)
	}

	_ = s.UpsertWork(ctx, &model.BackgroundWorkSnapshot{WorkID: "w1", OperationKey: "pull:imageX", State: model.WorkSucceeded, UpdatedAt: time.Now()})
	if _, err := s.FindActiveWorkByOperationKey(ctx, "pull:imageX"); err == nil {
		t.Fatal("expected no active work after terminal state")
	}
}

func TestDurableEpochIncrementsMonotonically(t *testing.T) {
	s := New()
	ctx := context.Background()
	e1, _ := s.IncrementDurableEpoch(ctx, "leader_election")
	e2, _ := s.IncrementDurableEpoch(ctx, "leader_election")
	if e2 != e1+1 {
		t.Errorf("expected monotonic epoch increment, got %d then %d", e1, e2)
	}
}
