package runtimepool

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/agentsdashboard/orchestrator-core/internal/backgroundwork"
	"github.com/agentsdashboard/orchestrator-core/internal/clock"
	"github.com/agentsdashboard/orchestrator-core/internal/config"
	"github.com/agentsdashboard/orchestrator-core/internal/idgen"
	"github.com/agentsdashboard/orchestrator-core/internal/model"
	"github.com/agentsdashboard/orchestrator-core/internal/store/memory"
)

func newTestPool(t *testing.T, clk clock.Clock) (*Pool, *memory.Store) {
	t.Helper()
	cfg := config.Default().TaskRuntimes
	cfg.MaxTaskRuntimes = 2
	st := memory.New()
	ids := idgen.NewGenerator()
	bg := backgroundwork.New(ids, clk, nil, 2, 16)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	bg.Start(ctx)
	pool := New(cfg, 5*time.Second, st, clk, ids, bg, NewFakeProvisioner())
	return pool, st
}

func seedRuntime(t *testing.T, st *memory.Store, clk clock.Clock, state model.RuntimeState, activeSlots, maxSlots int, repoIDs []string) *model.TaskRuntime {
	t.Helper()
	now := clk.Now()
	existing, _ := st.ListRuntimes(context.Background())
	rt := &model.TaskRuntime{
		RuntimeID:             fmt.Sprintf("rt_%s_test_%d", state.String(), len(existing)),
		LifecycleState:        state,
		ActiveSlots:           activeSlots,
		MaxSlots:              maxSlots,
		LastHeartbeatAt:       &now,
		AssignedRepositoryIDs: repoIDs,
		CreatedAt:             now,
	}
	if err := st.UpsertRuntime(context.Background(), rt); err != nil {
		t.Fatalf("seed runtime: %v", err)
	}
	return rt
}

func TestAcquireLeasePrefersRepositoryAffinity(t *testing.T) {
	clk := clock.NewFake(time.Now())
	pool, st := newTestPool(t, clk)

	seedRuntime(t, st, clk, model.RuntimeReady, 0, 4, nil)
	affine := seedRuntime(t, st, clk, model.RuntimeReady, 0, 4, []string{"repoA"})

	lease, err := pool.AcquireTaskRuntimeForDispatch(context.Background(), "repoA", "task1", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lease.RuntimeID != affine.RuntimeID {
		t.Errorf("expected affinity-bonus runtime %s, got %s", affine.RuntimeID, lease.RuntimeID)
	}

	got, _ := st.GetRuntime(context.Background(), affine.RuntimeID)
	if got.ActiveSlots != 1 {
		t.Errorf("expected activeSlots incremented to 1, got %d", got.ActiveSlots)
	}
	if got.LifecycleState != model.RuntimeBusy {
		t.Errorf("expected Busy after lease, got %s", got.LifecycleState)
	}
}

func TestAcquireLeaseNeverExceedsMaxSlots(t *testing.T) {
	clk := clock.NewFake(time.Now())
	pool, st := newTestPool(t, clk)
	rt := seedRuntime(t, st, clk, model.RuntimeBusy, 1, 1, nil)

	_, err := pool.AcquireTaskRuntimeForDispatch(context.Background(), "", "", 1)
	if err != ErrNoLeaseAvailable {
		t.Fatalf("expected ErrNoLeaseAvailable, got %v", err)
	}
	got, _ := st.GetRuntime(context.Background(), rt.RuntimeID)
	if got.ActiveSlots > got.MaxSlots {
		t.Errorf("activeSlots %d exceeds maxSlots %d", got.ActiveSlots, got.MaxSlots)
	}
}

func TestAcquireLeaseWithNoAvailableRuntimeTriggersScaleOut(t *testing.T) {
	clk := clock.NewFake(time.Now())
	pool, _ := newTestPool(t, clk)

	_, err := pool.AcquireTaskRuntimeForDispatch(context.Background(), "repoA", "task1", 1)
	if err != ErrNoLeaseAvailable {
		t.Fatalf("expected ErrNoLeaseAvailable, got %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		snaps := pool.bg.Snapshot()
		for _, s := range snaps {
			if s.Kind == model.KindTaskRuntimeImageResolution && s.State.Terminal() {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected a scale-out background work item to complete")
}

func TestHeartbeatUpdatesActiveSlotsAndFreshness(t *testing.T) {
	clk := clock.NewFake(time.Now())
	pool, st := newTestPool(t, clk)
	rt := seedRuntime(t, st, clk, model.RuntimeStarting, 0, 4, nil)

	clk.Advance(time.Second)
	if err := pool.Heartbeat(context.Background(), rt.RuntimeID, "host1", 2, 4, 10.0, 20.0, clk.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := st.GetRuntime(context.Background(), rt.RuntimeID)
	if got.ActiveSlots != 2 {
		t.Errorf("expected activeSlots 2, got %d", got.ActiveSlots)
	}
	if got.LifecycleState != model.RuntimeBusy {
		t.Errorf("expected Busy after first heartbeat with active slots, got %s", got.LifecycleState)
	}
	if len(got.PressureSamples) != 1 {
		t.Errorf("expected 1 retained pressure sample, got %d", len(got.PressureSamples))
	}
}

func TestScanHeartbeatFreshnessQuarantinesAfterThreeMisses(t *testing.T) {
	clk := clock.NewFake(time.Now())
	pool, st := newTestPool(t, clk)
	rt := seedRuntime(t, st, clk, model.RuntimeReady, 0, 4, nil)
	scanner := NewScanner(pool)

	clk.Advance(time.Hour) // well past the 5s heartbeat interval, no new heartbeat arrives
	for i := 0; i < missedHeartbeatQuarantineThreshold; i++ {
		scanner.scanHeartbeatFreshness(context.Background())
	}

	got, _ := st.GetRuntime(context.Background(), rt.RuntimeID)
	if got.LifecycleState != model.RuntimeQuarantined {
		t.Errorf("expected Quarantined after %d misses, got %s", missedHeartbeatQuarantineThreshold, got.LifecycleState)
	}
}

func TestReleaseSlotReturnsRuntimeToReady(t *testing.T) {
	clk := clock.NewFake(time.Now())
	pool, st := newTestPool(t, clk)
	rt := seedRuntime(t, st, clk, model.RuntimeBusy, 1, 4, nil)

	if err := pool.ReleaseSlot(context.Background(), rt.RuntimeID, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := st.GetRuntime(context.Background(), rt.RuntimeID)
	if got.ActiveSlots != 0 {
		t.Errorf("expected activeSlots 0, got %d", got.ActiveSlots)
	}
	if got.LifecycleState != model.RuntimeReady {
		t.Errorf("expected Ready after releasing the last slot, got %s", got.LifecycleState)
	}
}

func TestRecyclePoolKeepsOneRuntimeReady(t *testing.T) {
	clk := clock.NewFake(time.Now())
	pool, st := newTestPool(t, clk)
	older := seedRuntime(t, st, clk, model.RuntimeReady, 0, 4, nil)
	clk.Advance(time.Minute)
	newer := seedRuntime(t, st, clk, model.RuntimeReady, 0, 4, nil)

	if err := pool.RecyclePool(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	gotOlder, _ := st.GetRuntime(context.Background(), older.RuntimeID)
	gotNewer, _ := st.GetRuntime(context.Background(), newer.RuntimeID)
	if gotOlder.LifecycleState != model.RuntimeReady {
		t.Errorf("expected the oldest Ready runtime to be kept, got %s", gotOlder.LifecycleState)
	}
	if gotNewer.LifecycleState != model.RuntimeDraining {
		t.Errorf("expected the other Ready runtime to be recycled into Draining, got %s", gotNewer.LifecycleState)
	}
}

func TestReconcileOrphansFlagsUnreportedRuntimeAndVanishedRuntime(t *testing.T) {
	clk := clock.NewFake(time.Now())
	pool, st := newTestPool(t, clk)
	scanner := NewScanner(pool)

	rtID := "rt_scheduler_known"
	_ = rtID
	run := &model.Run{
		RunID:                 "run1",
		TaskID:                "task1",
		RepositoryID:          "repo1",
		State:                 model.RunRunning,
		Attempt:               1,
		CreatedAt:             clk.Now(),
		StartedAt:             timePtr(clk.Now()),
		DispatchedToRuntimeID: strPtr("rt_vanished"),
		ExecutionToken:        "tok1",
	}
	if err := st.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	reported := map[string][]string{
		"rt_unreported": {"run_not_tracked_by_scheduler"},
	}

	orphaned, flagged, err := scanner.ReconcileOrphans(context.Background(), reported)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(orphaned) != 1 || orphaned[0] != "rt_unreported" {
		t.Errorf("expected rt_unreported flagged as orphaned, got %v", orphaned)
	}
	if len(flagged) != 1 || flagged[0] != "run1" {
		t.Errorf("expected run1 flagged as its runtime vanished, got %v", flagged)
	}
}

func timePtr(t time.Time) *time.Time { return &t }
func strPtr(s string) *string        { return &s }
