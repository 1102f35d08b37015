package backgroundwork

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentsdashboard/orchestrator-core/internal/clock"
	"github.com/agentsdashboard/orchestrator-core/internal/idgen"
	"github.com/agentsdashboard/orchestrator-core/internal/model"
)

func newTestCoordinator(t *testing.T) (*Coordinator, context.CancelFunc) {
	t.Helper()
	c := New(idgen.NewGenerator(), clock.Real{}, nil, 4, 256)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	return c, cancel
}

func waitForTerminal(t *testing.T, c *Coordinator, workID string) *model.BackgroundWorkSnapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, ok := c.TryGet(workID)
		if ok && snap.State.Terminal() {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("work %s did not reach a terminal state in time", workID)
	return nil
}

func TestEnqueueRunsWorkToSuccess(t *testing.T) {
	c, cancel := newTestCoordinator(t)
	defer cancel()

	workID := c.Enqueue(model.KindRepositoryGitRefresh, "", func(ctx context.Context, report ProgressReporter) error {
		report.Report(50, "halfway")
		return nil
	}, true, false)

	snap := waitForTerminal(t, c, workID)
	if snap.State != model.WorkSucceeded {
		t.Errorf("expected Succeeded, got %s", snap.State)
	}
}

func TestEnqueueDedupesActiveOperationKey(t *testing.T) {
	c, cancel := newTestCoordinator(t)
	defer cancel()

	release := make(chan struct{})
	w1 := c.Enqueue(model.KindTaskRuntimeImageResolution, "pull:imageX", func(ctx context.Context, report ProgressReporter) error {
		<-release
		return nil
	}, true, false)

	w2 := c.Enqueue(model.KindTaskRuntimeImageResolution, "pull:imageX", func(ctx context.Context, report ProgressReporter) error {
		return nil
	}, true, false)

	if w1 != w2 {
		t.Errorf("expected deduped workId %s, got distinct %s", w1, w2)
	}
	close(release)
	waitForTerminal(t, c, w1)

	w3 := c.Enqueue(model.KindTaskRuntimeImageResolution, "pull:imageX", func(ctx context.Context, report ProgressReporter) error {
		return nil
	}, true, false)
	if w3 == w1 {
		t.Error("expected a fresh workId after the prior entry went terminal")
	}
	waitForTerminal(t, c, w3)
}

func TestEnqueueFailurePropagatesErrorCode(t *testing.T) {
	c, cancel := newTestCoordinator(t)
	defer cancel()

	workID := c.Enqueue(model.KindOther, "", func(ctx context.Context, report ProgressReporter) error {
		return model.NewError(model.KindResourceExhausted, "DISK_FULL", "no space left", nil)
	}, false, false)

	snap := waitForTerminal(t, c, workID)
	if snap.State != model.WorkFailed {
		t.Fatalf("expected Failed, got %s", snap.State)
	}
	if snap.ErrorCode != "DISK_FULL" {
		t.Errorf("expected errorCode DISK_FULL, got %s", snap.ErrorCode)
	}
}

func TestProgressReportIsClampedAndVisible(t *testing.T) {
	c, cancel := newTestCoordinator(t)
	defer cancel()

	reported := make(chan struct{})
	workID := c.Enqueue(model.KindOther, "", func(ctx context.Context, report ProgressReporter) error {
		report.Report(250, "overshoot")
		close(reported)
		return nil
	}, false, false)

	<-reported
	waitForTerminal(t, c, workID)
	snap, _ := c.TryGet(workID)
	if snap.Percent != 100 {
		t.Errorf("expected percent clamped to 100, got %d", snap.Percent)
	}
}

func TestSubscribeReceivesTransitionsAndSurvivesPanic(t *testing.T) {
	c, cancel := newTestCoordinator(t)
	defer cancel()

	var mu sync.Mutex
	var seenTerminal bool
	unsubPanicker := c.Subscribe(func(s *model.BackgroundWorkSnapshot) {
		panic("boom")
	})
	defer unsubPanicker()

	unsub := c.Subscribe(func(s *model.BackgroundWorkSnapshot) {
		mu.Lock()
		defer mu.Unlock()
		if s.State.Terminal() {
			seenTerminal = true
		}
	})
	defer unsub()

	workID := c.Enqueue(model.KindOther, "", func(ctx context.Context, report ProgressReporter) error {
		return nil
	}, false, false)
	waitForTerminal(t, c, workID)

	mu.Lock()
	defer mu.Unlock()
	if !seenTerminal {
		t.Error("expected the surviving subscriber to observe the terminal transition despite the panicking one")
	}
}

func TestRetainedTerminalSnapshotsAreBoundedByLRU(t *testing.T) {
	c := New(idgen.NewGenerator(), clock.Real{}, nil, 2, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	var ids []string
	for i := 0; i < 6; i++ {
		id := c.Enqueue(model.KindOther, "", func(ctx context.Context, report ProgressReporter) error {
			return nil
		}, false, false)
		waitForTerminal(t, c, id)
		ids = append(ids, id)
	}

	all := c.Snapshot()
	if len(all) > 3 {
		t.Errorf("expected at most 3 retained snapshots, got %d", len(all))
	}
	if _, ok := c.TryGet(ids[0]); ok {
		t.Error("expected the oldest snapshot to have been evicted")
	}
	if _, ok := c.TryGet(ids[len(ids)-1]); !ok {
		t.Error("expected the most recent snapshot to still be retained")
	}
}

func TestCancelStopsInFlightWork(t *testing.T) {
	c, cancel := newTestCoordinator(t)
	defer cancel()

	started := make(chan struct{})
	workID := c.Enqueue(model.KindOther, "", func(ctx context.Context, report ProgressReporter) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, false, false)

	<-started
	c.Cancel(workID)

	snap := waitForTerminal(t, c, workID)
	if snap.State != model.WorkCancelled {
		t.Errorf("expected Cancelled, got %s", snap.State)
	}
}

func TestPanicInWorkIsRecoveredAsInternalFailure(t *testing.T) {
	c, cancel := newTestCoordinator(t)
	defer cancel()

	workID := c.Enqueue(model.KindOther, "", func(ctx context.Context, report ProgressReporter) error {
		panic("unexpected")
	}, false, false)

	snap := waitForTerminal(t, c, workID)
	if snap.State != model.WorkFailed {
		t.Errorf("expected Failed after panic recovery, got %s", snap.State)
	}
}

func TestErrorsAsRecognizesTaggedErrorThroughWrapping(t *testing.T) {
	// Sanity check that errors.As behaves as setStateWithError relies on.
	base := model.NewError(model.KindRateLimited, "RL001", "too many requests", nil)
	wrapped := errors.Join(base)
	var tagged *model.Error
	if !errors.As(wrapped, &tagged) {
		t.Fatal("expected errors.As to unwrap the joined tagged error")
	}
	if tagged.ErrorCode != "RL001" {
		t.Errorf("expected ErrorCode RL001, got %s", tagged.ErrorCode)
	}
}
