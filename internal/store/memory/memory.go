// Package memory is the default Store backend: an in-process map guarded by
// a single RWMutex, used by tests and single-process deployments. Adapted
// from the reference control plane's MemoryStore (Agent/DesiredState/Job
// maps), generalized to the Run/Task/TaskRuntime/RunEvent/BackgroundWork
// domain.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/agentsdashboard/orchestrator-core/internal/model"
	"github.com/agentsdashboard/orchestrator-core/internal/store"
)

// Store holds all orchestration-core state in memory.
type Store struct {
	mu sync.RWMutex

	runs     map[string]*model.Run
	tasks    map[string]*model.Task
	runtimes map[string]*model.TaskRuntime
	events   []*model.RunEvent
	work     map[string]*model.BackgroundWorkSnapshot
	epochs   map[string]int64
}

// New returns an empty, ready-to-use Store.
func New() *Store {
	return &Store{
		runs:     make(map[string]*model.Run),
		tasks:    make(map[string]*model.Task),
		runtimes: make(map[string]*model.TaskRuntime),
		work:     make(map[string]*model.BackgroundWorkSnapshot),
		epochs:   make(map[string]int64),
	}
}

var _ store.Store = (*Store)(nil)

// --- Run operations ---

func (s *Store) CreateRun(ctx context.Context, run *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.RunID]; exists {
		return model.NewError(model.KindPreconditionFailed, "run.already_exists", "run already exists", nil)
	}
	run.Version = 1
	cp := *run
	s.runs[run.RunID] = &cp
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, run *model.Run, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.runs[run.RunID]
	if !ok {
		return model.NewError(model.KindNotFound, "run.not_found", "run not found", nil)
	}
	if existing.Version != expectedVersion {
		return model.NewError(model.KindPreconditionFailed, "run.version_conflict",
			"optimistic lock failure: run version changed", nil)
	}
	cp := *run
	cp.Version = existing.Version + 1
	s.runs[run.RunID] = &cp
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stateSet := make(map[model.RunState]bool, len(filter.States))
	for _, st := range filter.States {
		stateSet[st] = true
	}

	out := make([]*model.Run, 0)
	for _, r := range s.runs {
		if filter.TaskID != "" && r.TaskID != filter.TaskID {
			continue
		}
		if filter.RepositoryID != "" && r.RepositoryID != filter.RepositoryID {
			continue
		}
		if len(stateSet) > 0 && !stateSet[r.State] {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) countRunningWhere(pred func(*model.Run) bool) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.runs {
		if r.State == model.RunRunning && pred(r) {
			n++
		}
	}
	return n
}

func (s *Store) CountRunningByRepository(ctx context.Context, repositoryID string) (int, error) {
	return s.countRunningWhere(func(r *model.Run) bool { return r.RepositoryID == repositoryID }), nil
}

func (s *Store) CountRunningByProject(ctx context.Context, projectID string) (int, error) {
	// The core's data model has no separate project entity; callers pass the
	// repository's owning project id resolved externally. Memory backend
	// treats it the same as repository scoping.
	return s.countRunningWhere(func(r *model.Run) bool { return r.RepositoryID == projectID }), nil
}

func (s *Store) CountRunningByTask(ctx context.Context, taskID string) (int, error) {
	return s.countRunningWhere(func(r *model.Run) bool { return r.TaskID == taskID }), nil
}

func (s *Store) CountRunningByConcurrencyKey(ctx context.Context, concurrencyKey string) (int, error) {
	return s.countRunningWhere(func(r *model.Run) bool {
		return r.ConcurrencyKey != nil && *r.ConcurrencyKey == concurrencyKey
	}), nil
}

func (s *Store) CountRunning(ctx context.Context) (int, error) {
	return s.countRunningWhere(func(*model.Run) bool { return true }), nil
}

// ListQueuedRanked returns Queued runs ordered by ascending createdAt with a
// runId tiebreak; round-robin-by-repository fairness is applied by the
// scheduler's ranking pass on top of this base ordering.
func (s *Store) ListQueuedRanked(ctx context.Context, limit int) ([]*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Run, 0)
	for _, r := range s.runs {
		if r.State == model.RunQueued {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].RunID < out[j].RunID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Task operations ---

func (s *Store) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) UpsertTask(ctx context.Context, task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *task
	s.tasks[task.TaskID] = &cp
	return nil
}

// --- TaskRuntime operations ---

func (s *Store) UpsertRuntime(ctx context.Context, rt *model.TaskRuntime) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt.Version == 0 {
		rt.Version = 1
	}
	cp := *rt
	s.runtimes[rt.RuntimeID] = &cp
	return nil
}

func (s *Store) UpdateRuntime(ctx context.Context, rt *model.TaskRuntime, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.runtimes[rt.RuntimeID]
	if !ok {
		return model.NewError(model.KindNotFound, "runtime.not_found", "runtime not found", nil)
	}
	if existing.Version != expectedVersion {
		return model.NewError(model.KindPreconditionFailed, "runtime.version_conflict",
			"optimistic lock failure: runtime version changed", nil)
	}
	cp := *rt
	cp.Version = existing.Version + 1
	s.runtimes[rt.RuntimeID] = &cp
	return nil
}

func (s *Store) GetRuntime(ctx context.Context, runtimeID string) (*model.TaskRuntime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.runtimes[runtimeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rt
	return &cp, nil
}

func (s *Store) ListRuntimes(ctx context.Context) ([]*model.TaskRuntime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.TaskRuntime, 0, len(s.runtimes))
	for _, rt := range s.runtimes {
		cp := *rt
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuntimeID < out[j].RuntimeID })
	return out, nil
}

func (s *Store) DeleteRuntime(ctx context.Context, runtimeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runtimes, runtimeID)
	return nil
}

// --- RunEvent operations ---

func (s *Store) AppendEvent(ctx context.Context, event *model.RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	s.events = append(s.events, &cp)
	return nil
}

func (s *Store) ListEventsAfter(ctx context.Context, afterDeliveryID int64, maxEvents int) ([]*model.RunEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.RunEvent, 0)
	for _, e := range s.events {
		if e.DeliveryID > afterDeliveryID {
			cp := *e
			out = append(out, &cp)
			if maxEvents > 0 && len(out) >= maxEvents {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) ListEventsByRun(ctx context.Context, runID string) ([]*model.RunEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.RunEvent, 0)
	for _, e := range s.events {
		if e.RunID == runID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// --- BackgroundWork operations ---

func (s *Store) UpsertWork(ctx context.Context, snap *model.BackgroundWorkSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	s.work[snap.WorkID] = &cp
	return nil
}

func (s *Store) GetWork(ctx context.Context, workID string) (*model.BackgroundWorkSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.work[workID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *Store) FindActiveWorkByOperationKey(ctx context.Context, operationKey string) (*model.BackgroundWorkSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.work {
		if w.OperationKey == operationKey && w.State.Active() {
			cp := *w
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

// --- Coordination operations ---

func (s *Store) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.epochs[resourceID] + 1
	s.epochs[resourceID] = next
	return next, nil
}

func (s *Store) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epochs[resourceID], nil
}
