package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/agentsdashboard/orchestrator-core/internal/idgen"
	"github.com/agentsdashboard/orchestrator-core/internal/store/memory"
)

func TestLeaderElectorAcquiresAndElects(t *testing.T) {
	coord := memory.NewCoordinator()
	st := memory.New()
	ids := idgen.NewGenerator()

	elected := make(chan int64, 1)
	le := NewLeaderElector(coord, st, ids, "node-a", 200*time.Millisecond)
	le.SetCallbacks(func(ctx context.Context) {
		epoch, _ := GetEpochFromContext(ctx)
		elected <- epoch
	}, func() {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	le.Start(ctx)

	select {
	case epoch := <-elected:
		if epoch != 1 {
			t.Errorf("expected first election to carry epoch 1, got %d", epoch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected node-a to become leader")
	}

	if !le.IsLeader() {
		t.Error("expected IsLeader true after election")
	}
}

func TestLeaderElectorSecondNodeDoesNotPreempt(t *testing.T) {
	coord := memory.NewCoordinator()
	st := memory.New()
	ids := idgen.NewGenerator()

	leA := NewLeaderElector(coord, st, ids, "node-a", 500*time.Millisecond)
	leB := NewLeaderElector(coord, st, ids, "node-b", 500*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	leA.Start(ctx)
	leB.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if leA.IsLeader() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !leA.IsLeader() {
		t.Fatal("expected node-a to become leader")
	}

	time.Sleep(100 * time.Millisecond)
	if leB.IsLeader() {
		t.Error("expected node-b to remain a follower while node-a holds the lease")
	}
}

func TestLeaderElectorFencingEpochMonotonic(t *testing.T) {
	coord := memory.NewCoordinator()
	st := memory.New()
	ids := idgen.NewGenerator()

	le := NewLeaderElector(coord, st, ids, "node-a", 150*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	acquired, err := le.acquire(ctx)
	if err != nil || !acquired {
		t.Fatalf("expected first acquire to succeed, got acquired=%v err=%v", acquired, err)
	}
	first := le.GetState().CurrentEpoch

	if err := coord.ReleaseLease(ctx, leaderLockKey, le.currentValue); err != nil {
		t.Fatalf("release: %v", err)
	}
	acquired, err = le.acquire(ctx)
	if err != nil || !acquired {
		t.Fatalf("expected second acquire to succeed, got acquired=%v err=%v", acquired, err)
	}
	second := le.GetState().CurrentEpoch

	if second <= first {
		t.Errorf("expected fencing epoch to strictly increase across re-acquisition, got first=%d second=%d", first, second)
	}
}
