// Package store defines the persistence abstraction the orchestration core
// consumes. Concrete backends live in the memory, postgres, and redis
// sub-packages; the core depends only on the interfaces declared here.
package store

import (
	"context"
	"time"

	"github.com/agentsdashboard/orchestrator-core/internal/model"
)

// Store is the durable backend for runs, tasks, task-runtimes, events, and
// background work. Writes to Run and TaskRuntime use optimistic concurrency
// via the expectedVersion parameter: a mismatch returns a
// model.KindPreconditionFailed error.
type Store interface {
	// Run operations
	CreateRun(ctx context.Context, run *model.Run) error
	UpdateRun(ctx context.Context, run *model.Run, expectedVersion int64) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*model.Run, error)
	CountRunningByRepository(ctx context.Context, repositoryID string) (int, error)
	CountRunningByProject(ctx context.Context, projectID string) (int, error)
	CountRunningByTask(ctx context.Context, taskID string) (int, error)
	CountRunningByConcurrencyKey(ctx context.Context, concurrencyKey string) (int, error)
	CountRunning(ctx context.Context) (int, error)
	ListQueuedRanked(ctx context.Context, limit int) ([]*model.Run, error)

	// Task operations
	GetTask(ctx context.Context, taskID string) (*model.Task, error)
	UpsertTask(ctx context.Context, task *model.Task) error

	// TaskRuntime operations
	UpsertRuntime(ctx context.Context, rt *model.TaskRuntime) error
	UpdateRuntime(ctx context.Context, rt *model.TaskRuntime, expectedVersion int64) error
	GetRuntime(ctx context.Context, runtimeID string) (*model.TaskRuntime, error)
	ListRuntimes(ctx context.Context) ([]*model.TaskRuntime, error)
	DeleteRuntime(ctx context.Context, runtimeID string) error

	// RunEvent operations
	AppendEvent(ctx context.Context, event *model.RunEvent) error
	ListEventsAfter(ctx context.Context, afterDeliveryID int64, maxEvents int) ([]*model.RunEvent, error)
	ListEventsByRun(ctx context.Context, runID string) ([]*model.RunEvent, error)

	// BackgroundWork operations
	UpsertWork(ctx context.Context, snap *model.BackgroundWorkSnapshot) error
	GetWork(ctx context.Context, workID string) (*model.BackgroundWorkSnapshot, error)
	FindActiveWorkByOperationKey(ctx context.Context, operationKey string) (*model.BackgroundWorkSnapshot, error)

	// Coordination (durable fencing epoch, also exposed via Coordinator)
	IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error)
	GetDurableEpoch(ctx context.Context, resourceID string) (int64, error)
}

// RunFilter narrows ListRuns results. Zero values mean "no filter" for that
// field.
type RunFilter struct {
	TaskID       string
	RepositoryID string
	States       []model.RunState
	Limit        int
}

// ErrNotFound is returned by Get* methods when no record matches. Callers
// translate this into model.KindNotFound at the boundary.
var ErrNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "store: not found" }

// Coordinator provides distributed locking/leasing primitives used to gate
// the Scheduler's single admission critical section across replicas.
type Coordinator interface {
	AcquireLease(ctx context.Context, key string, owner string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, key string, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key string, owner string) error
	GetLockOwner(ctx context.Context, key string) (string, error)
	ScanLocks(ctx context.Context, pattern string) ([]string, error)
}

// IdempotencyCache is a get/set-if-absent key cache, implemented by
// store/redis.Client. No core component calls it; the HTTP-layer
// idempotency store uses idempotency.Backend instead.
type IdempotencyCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
}
