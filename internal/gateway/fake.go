package gateway

import (
	"context"
	"sync"
	"time"
)

// Fake is an in-memory RuntimeGateway for tests and local development
// without a real runtime fleet wired up. Every DispatchJob succeeds
// unless FailNextDispatch has been set; StopJob/KillContainer record
// their target for assertions.
type Fake struct {
	mu              sync.Mutex
	Dispatched      []DispatchRequest
	Stopped         []string
	Killed          []string
	FailNextDispatch error
}

func NewFake() *Fake { return &Fake{} }

func (f *Fake) DispatchJob(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailNextDispatch != nil {
		err := f.FailNextDispatch
		f.FailNextDispatch = nil
		return DispatchResult{Success: false, ErrorMessage: err.Error()}, err
	}
	f.Dispatched = append(f.Dispatched, req)
	return DispatchResult{Success: true, DispatchedAt: time.Now()}, nil
}

func (f *Fake) StopJob(ctx context.Context, runID string) (StopResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Stopped = append(f.Stopped, runID)
	return StopResult{Success: true}, nil
}

func (f *Fake) KillContainer(ctx context.Context, containerID string) (KillResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Killed = append(f.Killed, containerID)
	return KillResult{Success: true, WasRunning: true}, nil
}

func (f *Fake) Heartbeat(ctx context.Context, runtimeID, hostName string, activeSlots, maxSlots int, timestamp time.Time) (HeartbeatResult, error) {
	return HeartbeatResult{Success: true}, nil
}

func (f *Fake) ReconcileOrphanedContainers(ctx context.Context, runtimeID string) (ReconcileResult, error) {
	return ReconcileResult{Success: true}, nil
}

func (f *Fake) GetHarnessTools(ctx context.Context, requestID string) (HarnessToolsResult, error) {
	return HarnessToolsResult{
		Tools: []HarnessTool{
			{Command: "claude", DisplayName: "Claude Code", Status: "available", Version: "1.0"},
		},
		CheckedAt: time.Now(),
	}, nil
}

func (f *Fake) DispatchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Dispatched)
}

var _ RuntimeGateway = (*Fake)(nil)
