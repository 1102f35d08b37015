package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentsdashboard/orchestrator-core/internal/model"
	"github.com/agentsdashboard/orchestrator-core/internal/store"
)

// StoreWriter adapts store.Store to VersionedWriter so a
// ReconciliationCoordinator can replay DegradedMode's buffered Run and
// TaskRuntime writes once the durable store recovers. Keys are prefixed
// "run:" or "runtime:" followed by the record's id, matching the keys
// Scheduler.dispatch and RuntimePool.Heartbeat buffer under.
type StoreWriter struct {
	Store store.Store
}

const (
	runKeyPrefix     = "run:"
	runtimeKeyPrefix = "runtime:"
)

// RunKey returns the VersionedWriter key for runID.
func RunKey(runID string) string { return runKeyPrefix + runID }

// RuntimeKey returns the VersionedWriter key for runtimeID.
func RuntimeKey(runtimeID string) string { return runtimeKeyPrefix + runtimeID }

var _ VersionedWriter = (*StoreWriter)(nil)

// GetVersioned reports the durable store's current version for key, so
// ReconcilePendingWrites can skip a buffered write the store already has a
// newer copy of.
func (w *StoreWriter) GetVersioned(ctx context.Context, key string) (*VersionedValue, error) {
	switch {
	case strings.HasPrefix(key, runKeyPrefix):
		run, err := w.Store.GetRun(ctx, strings.TrimPrefix(key, runKeyPrefix))
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		return &VersionedValue{Value: run, Version: run.Version}, nil
	case strings.HasPrefix(key, runtimeKeyPrefix):
		rt, err := w.Store.GetRuntime(ctx, strings.TrimPrefix(key, runtimeKeyPrefix))
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		return &VersionedValue{Value: rt, Version: rt.Version}, nil
	default:
		return nil, fmt.Errorf("resilience: unrecognized store-writer key %q", key)
	}
}

// SetVersioned commits a buffered write, using the durable store's own
// current version as the optimistic-concurrency expectedVersion (the
// buffered value.Version is the writer's post-write version, not a
// precondition). ttl is unused: Run and TaskRuntime have no expiry.
func (w *StoreWriter) SetVersioned(ctx context.Context, key string, value VersionedValue, _ time.Duration) error {
	switch {
	case strings.HasPrefix(key, runKeyPrefix):
		run, ok := value.Value.(*model.Run)
		if !ok {
			return fmt.Errorf("resilience: store-writer key %q expected *model.Run, got %T", key, value.Value)
		}
		existing, err := w.Store.GetRun(ctx, run.RunID)
		if errors.Is(err, store.ErrNotFound) {
			return w.Store.CreateRun(ctx, run)
		}
		if err != nil {
			return err
		}
		return w.Store.UpdateRun(ctx, run, existing.Version)
	case strings.HasPrefix(key, runtimeKeyPrefix):
		rt, ok := value.Value.(*model.TaskRuntime)
		if !ok {
			return fmt.Errorf("resilience: store-writer key %q expected *model.TaskRuntime, got %T", key, value.Value)
		}
		existing, err := w.Store.GetRuntime(ctx, rt.RuntimeID)
		if errors.Is(err, store.ErrNotFound) {
			return w.Store.UpsertRuntime(ctx, rt)
		}
		if err != nil {
			return err
		}
		return w.Store.UpdateRuntime(ctx, rt, existing.Version)
	default:
		return fmt.Errorf("resilience: unrecognized store-writer key %q", key)
	}
}
