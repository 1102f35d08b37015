package coordination

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/agentsdashboard/orchestrator-core/internal/store"
	"github.com/agentsdashboard/orchestrator-core/internal/store/memory"
)

func TestJanitorReleasesFencedLock(t *testing.T) {
	coord := memory.NewCoordinator()
	st := memory.New()
	ctx := context.Background()

	if _, err := st.IncrementDurableEpoch(ctx, "scheduler_leader"); err != nil {
		t.Fatalf("seed epoch: %v", err)
	}
	currentEpoch, _ := st.IncrementDurableEpoch(ctx, "scheduler_leader")

	stale := LockMetadata{OwnerID: "node-dead", Epoch: currentEpoch - 1, ExpiresAt: time.Now().Add(time.Hour)}
	val, _ := json.Marshal(stale)
	if _, err := coord.AcquireLease(ctx, leaderLockKey, string(val), time.Hour); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	j := NewLockJanitor(coord, st, time.Hour)
	j.clean(ctx)

	if _, err := coord.GetLockOwner(ctx, leaderLockKey); err != store.ErrNotFound {
		t.Errorf("expected fenced lock to be released, err=%v", err)
	}
}

func TestJanitorReleasesExpiredLock(t *testing.T) {
	coord := memory.NewCoordinator()
	st := memory.New()
	ctx := context.Background()

	epoch, _ := st.IncrementDurableEpoch(ctx, "scheduler_leader")
	expired := LockMetadata{OwnerID: "node-a", Epoch: epoch, ExpiresAt: time.Now().Add(-time.Minute)}
	val, _ := json.Marshal(expired)
	if _, err := coord.AcquireLease(ctx, leaderLockKey, string(val), time.Hour); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	j := NewLockJanitor(coord, st, time.Hour)
	j.clean(ctx)

	if _, err := coord.GetLockOwner(ctx, leaderLockKey); err != store.ErrNotFound {
		t.Errorf("expected stale lock to be released, err=%v", err)
	}
}

func TestJanitorKeepsFreshLock(t *testing.T) {
	coord := memory.NewCoordinator()
	st := memory.New()
	ctx := context.Background()

	epoch, _ := st.IncrementDurableEpoch(ctx, "scheduler_leader")
	fresh := LockMetadata{OwnerID: "node-a", Epoch: epoch, ExpiresAt: time.Now().Add(time.Hour)}
	val, _ := json.Marshal(fresh)
	if _, err := coord.AcquireLease(ctx, leaderLockKey, string(val), time.Hour); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	j := NewLockJanitor(coord, st, time.Hour)
	j.clean(ctx)

	owner, err := coord.GetLockOwner(ctx, leaderLockKey)
	if err != nil || owner != string(val) {
		t.Errorf("expected fresh lock to survive, err=%v owner=%q", err, owner)
	}
}
