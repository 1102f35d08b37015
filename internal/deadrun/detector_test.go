package deadrun

import (
	"context"
	"testing"
	"time"

	"github.com/agentsdashboard/orchestrator-core/internal/backgroundwork"
	"github.com/agentsdashboard/orchestrator-core/internal/clock"
	"github.com/agentsdashboard/orchestrator-core/internal/config"
	"github.com/agentsdashboard/orchestrator-core/internal/eventbus"
	"github.com/agentsdashboard/orchestrator-core/internal/gateway"
	"github.com/agentsdashboard/orchestrator-core/internal/idgen"
	"github.com/agentsdashboard/orchestrator-core/internal/model"
	"github.com/agentsdashboard/orchestrator-core/internal/runtimepool"
	"github.com/agentsdashboard/orchestrator-core/internal/store/memory"
)

func newTestDetector(t *testing.T, clk clock.Clock, cfg config.DeadRunDetection) (*Detector, *memory.Store, *gateway.Fake) {
	t.Helper()
	st := memory.New()
	ids := idgen.NewGenerator()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	bg := backgroundwork.New(ids, clk, st, 2, 16)
	bg.Start(ctx)
	pool := runtimepool.New(config.Default().TaskRuntimes, 5*time.Second, st, clk, ids, bg, runtimepool.NewFakeProvisioner())
	gw := gateway.NewFake()
	bus := eventbus.New(ids, 100)
	return New(cfg, st, clk, pool, gw, bus), st, gw
}

func runningRun(clk clock.Clock, runID, runtimeID string, startedAt time.Time) *model.Run {
	started := startedAt
	return &model.Run{
		RunID:                 runID,
		TaskID:                "task1",
		RepositoryID:          "repo1",
		State:                 model.RunRunning,
		Attempt:               1,
		CreatedAt:             started,
		StartedAt:             &started,
		DispatchedToRuntimeID: &runtimeID,
		ExecutionToken:        "tok",
	}
}

func TestScanQueuedTerminatesPastMaxAge(t *testing.T) {
	clk := clock.NewFake(time.Now())
	cfg := config.Default().DeadRunDetection
	cfg.MaxRunAgeHours = 1
	d, st, _ := newTestDetector(t, clk, cfg)

	run := &model.Run{RunID: "run1", TaskID: "task1", RepositoryID: "repo1", State: model.RunQueued, Attempt: 1, CreatedAt: clk.Now()}
	if err := st.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	clk.Advance(2 * time.Hour)
	d.Scan(context.Background())

	got, _ := st.GetRun(context.Background(), "run1")
	if got.State != model.RunFailed || got.ErrorCode != "queue_timeout" {
		t.Errorf("expected Failed/queue_timeout, got state=%s code=%s", got.State, got.ErrorCode)
	}
}

func TestScanRunningIssuesStopWhenStale(t *testing.T) {
	clk := clock.NewFake(time.Now())
	cfg := config.Default().DeadRunDetection
	cfg.StaleRunThresholdMinutes = 5
	cfg.ZombieRunThresholdMinutes = 60
	d, st, gw := newTestDetector(t, clk, cfg)

	run := runningRun(clk, "run1", "rt1", clk.Now())
	if err := st.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	containerID := "c1"
	if err := st.UpsertRuntime(context.Background(), &model.TaskRuntime{RuntimeID: "rt1", ContainerID: &containerID, MaxSlots: 4, LifecycleState: model.RuntimeBusy}); err != nil {
		t.Fatalf("seed runtime: %v", err)
	}

	clk.Advance(10 * time.Minute)
	d.Scan(context.Background())

	got, _ := st.GetRun(context.Background(), "run1")
	if got.State != model.RunRunning {
		t.Errorf("expected run to remain Running (only stopped, not terminated) at stale threshold, got %s", got.State)
	}
	if len(gw.Stopped) != 1 || gw.Stopped[0] != "run1" {
		t.Errorf("expected stopJob issued for run1, got %v", gw.Stopped)
	}
}

func TestScanRunningForceKillsZombie(t *testing.T) {
	clk := clock.NewFake(time.Now())
	cfg := config.Default().DeadRunDetection
	cfg.StaleRunThresholdMinutes = 5
	cfg.ZombieRunThresholdMinutes = 10
	cfg.ForceKillOnTimeout = true
	cfg.EnableAutoTermination = true
	d, st, gw := newTestDetector(t, clk, cfg)

	run := runningRun(clk, "run1", "rt1", clk.Now())
	if err := st.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	containerID := "c1"
	if err := st.UpsertRuntime(context.Background(), &model.TaskRuntime{RuntimeID: "rt1", ContainerID: &containerID, MaxSlots: 4, ActiveSlots: 1, LifecycleState: model.RuntimeBusy}); err != nil {
		t.Fatalf("seed runtime: %v", err)
	}

	clk.Advance(20 * time.Minute)
	d.Scan(context.Background())

	got, _ := st.GetRun(context.Background(), "run1")
	if got.State != model.RunFailed || got.ErrorCode != "zombie" {
		t.Errorf("expected Failed/zombie, got state=%s code=%s", got.State, got.ErrorCode)
	}
	if len(gw.Killed) != 1 || gw.Killed[0] != "c1" {
		t.Errorf("expected container c1 killed, got %v", gw.Killed)
	}
}

func TestScanRunningForceTerminatesWhenRuntimeVanished(t *testing.T) {
	clk := clock.NewFake(time.Now())
	cfg := config.Default().DeadRunDetection
	d, st, _ := newTestDetector(t, clk, cfg)

	run := runningRun(clk, "run1", "rt_gone", clk.Now())
	if err := st.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	d.Scan(context.Background())

	got, _ := st.GetRun(context.Background(), "run1")
	if got.State != model.RunFailed || got.ErrorCode != "runtime_vanished" {
		t.Errorf("expected Failed/runtime_vanished, got state=%s code=%s", got.State, got.ErrorCode)
	}
}
