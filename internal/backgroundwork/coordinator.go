// Package backgroundwork runs ancillary async jobs (task-runtime image
// pulls, git refreshes, recovery) with operationKey dedupe, bounded
// parallelism, and progress-tracked snapshots. Adapted from the reference
// control plane's Dispatcher (jobs.go, async accept-then-report shape) and
// idempotency.Store's in-memory cache/TTL pattern, generalized into a
// cooperative worker pool with an unbounded feeder queue.
package backgroundwork

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/agentsdashboard/orchestrator-core/internal/clock"
	"github.com/agentsdashboard/orchestrator-core/internal/idgen"
	"github.com/agentsdashboard/orchestrator-core/internal/model"
	"github.com/agentsdashboard/orchestrator-core/internal/store"
)

// ProgressReporter lets a running work item coalesce progress into its
// snapshot. Percent is clamped to 0-100; messages are applied in arrival
// order (monotonic-in-time per spec.md 4.4).
type ProgressReporter interface {
	Report(percent int, message string)
}

// WorkFunc is the unit of ancillary work the coordinator executes.
type WorkFunc func(ctx context.Context, report ProgressReporter) error

type workItem struct {
	workID       string
	kind         model.BackgroundWorkKind
	operationKey string
	isCritical   bool
	work         WorkFunc
	ctx          context.Context
	cancel       context.CancelFunc
}

// Coordinator is the BackgroundWorkCoordinator (spec.md 4.4). The zero value
// is not usable; use New.
type Coordinator struct {
	ids   *idgen.Generator
	clk   clock.Clock
	store store.Store

	workerCount int
	maxRetained int

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []*workItem
	closed    bool
	active    map[string]string // operationKey -> workID, only while Pending/Running
	snapshots map[string]*model.BackgroundWorkSnapshot
	cancels   map[string]context.CancelFunc
	lruOrder  []string // workIDs in terminal order, oldest first

	subsMu sync.RWMutex
	subs   map[int64]func(*model.BackgroundWorkSnapshot)
	nextID int64
}

// New returns a Coordinator with workerCount cooperative executors and
// maxRetained terminal snapshots kept beyond their completion.
func New(ids *idgen.Generator, clk clock.Clock, st store.Store, workerCount, maxRetained int) *Coordinator {
	if workerCount < 1 {
		workerCount = 4
	}
	if maxRetained < 1 {
		maxRetained = 256
	}
	c := &Coordinator{
		ids:         ids,
		clk:         clk,
		store:       st,
		workerCount: workerCount,
		maxRetained: maxRetained,
		active:      make(map[string]string),
		snapshots:   make(map[string]*model.BackgroundWorkSnapshot),
		cancels:     make(map[string]context.CancelFunc),
		subs:        make(map[int64]func(*model.BackgroundWorkSnapshot)),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Start launches the fixed worker pool. Workers exit when ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) {
	for i := 0; i < c.workerCount; i++ {
		go c.runWorker(ctx)
	}
	go func() {
		<-ctx.Done()
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cond.Broadcast()
	}()
}

// Enqueue admits a unit of work. If dedupeByKey is set and an active
// (Pending/Running) entry with the same operationKey exists, its workId is
// returned instead of enqueuing a duplicate.
func (c *Coordinator) Enqueue(kind model.BackgroundWorkKind, operationKey string, work WorkFunc, dedupeByKey bool, isCritical bool) string {
	c.mu.Lock()
	if dedupeByKey && operationKey != "" {
		if existing, ok := c.active[operationKey]; ok {
			c.mu.Unlock()
			return existing
		}
	}

	workID := c.ids.NewWorkID()
	now := c.clk.Now()
	snap := &model.BackgroundWorkSnapshot{
		WorkID:       workID,
		OperationKey: operationKey,
		Kind:         kind,
		State:        model.WorkPending,
		UpdatedAt:    now,
	}
	c.snapshots[workID] = snap
	if operationKey != "" {
		c.active[operationKey] = workID
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancels[workID] = cancel
	item := &workItem{
		workID:       workID,
		kind:         kind,
		operationKey: operationKey,
		isCritical:   isCritical,
		work:         work,
		ctx:          ctx,
		cancel:       cancel,
	}
	c.queue = append(c.queue, item)
	c.mu.Unlock()

	c.persist(snap)
	c.broadcast(snap)
	c.cond.Signal()
	return workID
}

// Cancel requests cancellation of an in-flight or queued work item;
// no-op if the item is already terminal or unknown.
func (c *Coordinator) Cancel(workID string) {
	c.mu.Lock()
	cancel, ok := c.cancels[workID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// Snapshot returns every retained BackgroundWorkSnapshot (active plus up to
// maxRetained terminal entries).
func (c *Coordinator) Snapshot() []*model.BackgroundWorkSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*model.BackgroundWorkSnapshot, 0, len(c.snapshots))
	for _, s := range c.snapshots {
		cp := *s
		out = append(out, &cp)
	}
	return out
}

// TryGet returns a copy of the snapshot for workID, if retained.
func (c *Coordinator) TryGet(workID string) (*model.BackgroundWorkSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.snapshots[workID]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// Subscribe registers a handler invoked on every snapshot transition. The
// returned func removes the subscription. A panicking handler is recovered
// and logged without affecting other subscribers.
func (c *Coordinator) Subscribe(handler func(*model.BackgroundWorkSnapshot)) func() {
	c.subsMu.Lock()
	c.nextID++
	id := c.nextID
	c.subs[id] = handler
	c.subsMu.Unlock()
	return func() {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
	}
}

func (c *Coordinator) broadcast(snap *model.BackgroundWorkSnapshot) {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	cp := *snap
	for id, h := range c.subs {
		func(id int64, h func(*model.BackgroundWorkSnapshot)) {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[BACKGROUNDWORK] ⚠️ subscriber %d panicked: %v", id, r)
				}
			}()
			h(&cp)
		}(id, h)
	}
}

func (c *Coordinator) persist(snap *model.BackgroundWorkSnapshot) {
	if c.store == nil {
		return
	}
	cp := *snap
	if err := c.store.UpsertWork(context.Background(), &cp); err != nil {
		log.Printf("[BACKGROUNDWORK] ⚠️ failed to persist work %s: %v", snap.WorkID, err)
	}
}

func (c *Coordinator) pop() *workItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) == 0 && !c.closed {
		c.cond.Wait()
	}
	if len(c.queue) == 0 {
		return nil
	}
	item := c.queue[0]
	c.queue = c.queue[1:]
	return item
}

func (c *Coordinator) runWorker(ctx context.Context) {
	for {
		item := c.pop()
		if item == nil {
			return
		}
		c.execute(item)
	}
}

func (c *Coordinator) execute(item *workItem) {
	c.setState(item.workID, model.WorkRunning, "")
	reporter := &progressReporter{c: c, workID: item.workID}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = model.NewError(model.KindInternalError, "", "background work panicked", nil)
				log.Printf("[BACKGROUNDWORK] ⚠️ work %s panicked: %v", item.workID, r)
			}
		}()
		return item.work(item.ctx, reporter)
	}()

	c.mu.Lock()
	delete(c.cancels, item.workID)
	c.mu.Unlock()

	switch {
	case item.ctx.Err() != nil:
		c.setState(item.workID, model.WorkCancelled, "")
	case err != nil:
		kind := model.KindOf(err)
		errorCode := kind.String()
		var tagged *model.Error
		if errors.As(err, &tagged) && tagged.ErrorCode != "" {
			errorCode = tagged.ErrorCode
		}
		c.setStateWithError(item.workID, model.WorkFailed, errorCode, err.Error())
	default:
		c.setState(item.workID, model.WorkSucceeded, "")
	}
}

func (c *Coordinator) setState(workID string, state model.BackgroundWorkState, errorCode string) {
	c.setStateWithError(workID, state, errorCode, "")
}

func (c *Coordinator) setStateWithError(workID string, state model.BackgroundWorkState, errorCode, message string) {
	c.mu.Lock()
	snap, ok := c.snapshots[workID]
	if !ok {
		c.mu.Unlock()
		return
	}
	snap.State = state
	if message != "" {
		snap.Message = message
	}
	snap.ErrorCode = errorCode
	snap.UpdatedAt = c.clk.Now()
	if state == model.WorkRunning && snap.StartedAt == nil {
		started := snap.UpdatedAt
		snap.StartedAt = &started
	}
	if state.Terminal() {
		if snap.OperationKey != "" {
			delete(c.active, snap.OperationKey)
		}
		c.retainTerminal(workID)
	}
	cp := *snap
	c.mu.Unlock()

	c.persist(&cp)
	c.broadcast(&cp)
}

// retainTerminal must be called with c.mu held. It appends workID to the LRU
// order and evicts the oldest terminal snapshot once the retention cap is
// exceeded.
func (c *Coordinator) retainTerminal(workID string) {
	c.lruOrder = append(c.lruOrder, workID)
	if len(c.lruOrder) <= c.maxRetained {
		return
	}
	evictCount := len(c.lruOrder) - c.maxRetained
	for i := 0; i < evictCount; i++ {
		delete(c.snapshots, c.lruOrder[i])
	}
	c.lruOrder = c.lruOrder[evictCount:]
}

type progressReporter struct {
	c      *Coordinator
	workID string
}

func (r *progressReporter) Report(percent int, message string) {
	r.c.mu.Lock()
	snap, ok := r.c.snapshots[r.workID]
	if !ok {
		r.c.mu.Unlock()
		return
	}
	snap.Percent = model.ClampPercent(percent)
	if message != "" {
		snap.Message = message
	}
	snap.UpdatedAt = r.c.clk.Now()
	cp := *snap
	r.c.mu.Unlock()

	r.c.persist(&cp)
	r.c.broadcast(&cp)
}
