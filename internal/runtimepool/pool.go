// Package runtimepool manages the fleet of containerized task-runtimes: its
// lifecycle state machine, lease scoring, heartbeat freshness, pressure
// scaling, idle scale-in, and orphan reconciliation. Adapted from the
// reference control plane's NodeHealth.CalculateCompositeScore weighted
// scoring (scheduler/types.go) generalized into the lease-scoring formula,
// and coordination/agent_monitor.go's ticker-driven liveness scan
// generalized from agent-offline marking onto runtime heartbeat freshness.
package runtimepool

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/agentsdashboard/orchestrator-core/internal/backgroundwork"
	"github.com/agentsdashboard/orchestrator-core/internal/clock"
	"github.com/agentsdashboard/orchestrator-core/internal/config"
	"github.com/agentsdashboard/orchestrator-core/internal/idgen"
	"github.com/agentsdashboard/orchestrator-core/internal/model"
	"github.com/agentsdashboard/orchestrator-core/internal/observability"
	"github.com/agentsdashboard/orchestrator-core/internal/resilience"
	"github.com/agentsdashboard/orchestrator-core/internal/store"
)

// missedHeartbeatQuarantineThreshold is the consecutive-miss count spec.md
// 4.2 names before a runtime is force-quarantined.
const missedHeartbeatQuarantineThreshold = 3

// ErrNoLeaseAvailable signals that no runtime had capacity; the caller
// (the Scheduler's tick loop) should retry on the next tick.
var ErrNoLeaseAvailable = errors.New("runtimepool: no lease available, retry next tick")

// Lease is the result of a successful AcquireTaskRuntimeForDispatch call.
type Lease struct {
	RuntimeID   string
	ContainerID string
	Endpoint    string
}

// Pool is the RuntimePool (spec.md 4.2). The zero value is not usable; use
// New.
type Pool struct {
	cfg               config.TaskRuntimes
	heartbeatInterval time.Duration
	store             store.Store
	clk               clock.Clock
	ids               *idgen.Generator
	bg                *backgroundwork.Coordinator
	provisioner       ContainerProvisioner

	mu             sync.Mutex
	lastScaleOutAt time.Time
	scaleOutPaused bool
	minReady       int

	degraded *resilience.DegradedMode
}

// SetDegradedMode attaches the shared degraded-mode manager guarding
// Heartbeat's TaskRuntime persistence from blocking on a down store.
// Optional; a nil manager (the default) has UpdateRuntime failures
// propagate directly out of Heartbeat.
func (p *Pool) SetDegradedMode(degraded *resilience.DegradedMode) {
	p.degraded = degraded
}

// New returns a Pool bounded by cfg, using heartbeatInterval to derive the
// freshness window (3x) for leasing decisions. The Scanner's quarantine
// check counts a missed heartbeat whenever the last one is older than one
// heartbeatInterval.
func New(cfg config.TaskRuntimes, heartbeatInterval time.Duration, st store.Store, clk clock.Clock, ids *idgen.Generator, bg *backgroundwork.Coordinator, provisioner ContainerProvisioner) *Pool {
	return &Pool{
		cfg:               cfg,
		heartbeatInterval: heartbeatInterval,
		store:             st,
		clk:               clk,
		ids:               ids,
		bg:                bg,
		provisioner:       provisioner,
		minReady:          1,
	}
}

// AcquireTaskRuntimeForDispatch picks the highest-scoring available runtime,
// atomically increments its activeSlots, and returns a lease. When no
// runtime is available it may kick off provisioning of a new one (subject to
// the pool cap, scaleOutPaused, and a cooldown) and returns
// ErrNoLeaseAvailable either way — the caller retries on the next tick.
func (p *Pool) AcquireTaskRuntimeForDispatch(ctx context.Context, repositoryID, taskID string, slots int) (Lease, error) {
	if slots < 1 {
		slots = 1
	}
	runtimes, err := p.store.ListRuntimes(ctx)
	if err != nil {
		return Lease{}, err
	}

	now := p.clk.Now()
	freshness := 3 * p.heartbeatInterval

	var best *model.TaskRuntime
	var bestScore float64
	for _, rt := range runtimes {
		if !rt.Available(now, freshness) {
			continue
		}
		if rt.ActiveSlots+slots > rt.MaxSlots {
			continue
		}
		score := p.score(rt, repositoryID, now)
		if best == nil || score > bestScore {
			best = rt
			bestScore = score
		}
	}

	if best == nil {
		p.maybeScaleOut(ctx, len(runtimes))
		return Lease{}, ErrNoLeaseAvailable
	}

	for attempt := 0; attempt < 5; attempt++ {
		rt, err := p.store.GetRuntime(ctx, best.RuntimeID)
		if err != nil {
			return Lease{}, err
		}
		if rt.ActiveSlots+slots > rt.MaxSlots {
			return Lease{}, ErrNoLeaseAvailable
		}
		expectedVersion := rt.Version
		rt.ActiveSlots += slots
		if rt.LifecycleState == model.RuntimeReady && rt.ActiveSlots > 0 {
			rt.LifecycleState = model.RuntimeBusy
		}
		if err := p.store.UpdateRuntime(ctx, rt, expectedVersion); err != nil {
			if model.KindOf(err) == model.KindPreconditionFailed {
				continue // lost the race, retry against fresh state
			}
			return Lease{}, err
		}
		observability.LogDecision("", rt.RuntimeID, "LEASE", "acquired")
		var containerID string
		if rt.ContainerID != nil {
			containerID = *rt.ContainerID
		}
		var endpoint string
		if rt.Endpoint != nil {
			endpoint = *rt.Endpoint
		}
		return Lease{RuntimeID: rt.RuntimeID, ContainerID: containerID, Endpoint: endpoint}, nil
	}
	return Lease{}, errors.New("runtimepool: lease CAS retries exhausted")
}

// score implements spec.md 4.2's formula:
// (sameRepositoryAffinityBonus ? +100 : 0) − activeSlots×10 − ageSeconds/60.
func (p *Pool) score(rt *model.TaskRuntime, repositoryID string, now time.Time) float64 {
	score := 0.0
	for _, r := range rt.AssignedRepositoryIDs {
		if r == repositoryID {
			score += 100
			break
		}
	}
	score -= float64(rt.ActiveSlots) * 10
	score -= rt.AgeSeconds(now) / 60
	return score
}

// ReleaseSlot decrements activeSlots by slots after a run completes or is
// cancelled, transitioning Busy back to Ready when the runtime is idle
// again.
func (p *Pool) ReleaseSlot(ctx context.Context, runtimeID string, slots int) error {
	if slots < 1 {
		slots = 1
	}
	for attempt := 0; attempt < 5; attempt++ {
		rt, err := p.store.GetRuntime(ctx, runtimeID)
		if err != nil {
			return err
		}
		expectedVersion := rt.Version
		rt.ActiveSlots -= slots
		if rt.ActiveSlots < 0 {
			rt.ActiveSlots = 0
		}
		if rt.ActiveSlots == 0 && rt.LifecycleState == model.RuntimeBusy {
			rt.LifecycleState = model.RuntimeReady
		}
		if err := p.store.UpdateRuntime(ctx, rt, expectedVersion); err != nil {
			if model.KindOf(err) == model.KindPreconditionFailed {
				continue
			}
			return err
		}
		return nil
	}
	return errors.New("runtimepool: release CAS retries exhausted")
}

// Heartbeat applies a runtime-reported heartbeat, overwriting activeSlots,
// maxSlots and lastHeartbeatAt with the reported values. It is the only
// writer of lastHeartbeatAt, but not of activeSlots:
// AcquireTaskRuntimeForDispatch and ReleaseSlot also change activeSlots,
// and the next heartbeat replaces whatever they set.
func (p *Pool) Heartbeat(ctx context.Context, runtimeID, hostName string, activeSlots, maxSlots int, cpuPct, memoryPct float64, timestamp time.Time) error {
	for attempt := 0; attempt < 5; attempt++ {
		rt, err := p.store.GetRuntime(ctx, runtimeID)
		if err != nil {
			return err
		}
		expectedVersion := rt.Version
		rt.ActiveSlots = activeSlots
		rt.MaxSlots = maxSlots
		rt.LastHeartbeatAt = &timestamp
		rt.MissedHeartbeats = 0

		rt.PressureSamples = append(rt.PressureSamples, model.PressureSample{At: timestamp, CPUPct: cpuPct, MemoryPct: memoryPct})
		rt.PressureSamples = trimPressureWindow(rt.PressureSamples, timestamp, time.Duration(p.cfg.PressureSampleWindowSeconds)*time.Second)

		switch rt.LifecycleState {
		case model.RuntimeQuarantined, model.RuntimeDraining, model.RuntimeStopping, model.RuntimeStopped, model.RuntimeFailedStart:
			// A heartbeat from a runtime we've already evicted doesn't
			// resurrect it; an operator must explicitly clear quarantine.
		default:
			if rt.ActiveSlots > 0 {
				rt.LifecycleState = model.RuntimeBusy
			} else {
				rt.LifecycleState = model.RuntimeReady
			}
		}

		if err := p.persistRuntimeUpdate(ctx, rt, expectedVersion); err != nil {
			if model.KindOf(err) == model.KindPreconditionFailed {
				continue
			}
			return err
		}
		return nil
	}
	return errors.New("runtimepool: heartbeat CAS retries exhausted")
}

// persistRuntimeUpdate commits rt via the Store. A precondition failure is
// returned as-is so Heartbeat's CAS loop retries against fresh state; any
// other failure is treated as a store outage and, if a DegradedMode is
// attached, buffered for later reconciliation instead of dropping the
// heartbeat.
func (p *Pool) persistRuntimeUpdate(ctx context.Context, rt *model.TaskRuntime, expectedVersion int64) error {
	err := p.store.UpdateRuntime(ctx, rt, expectedVersion)
	if err == nil {
		if p.degraded != nil {
			p.degraded.MarkStoreAvailable()
		}
		return nil
	}
	if p.degraded == nil || model.KindOf(err) == model.KindPreconditionFailed {
		return err
	}
	p.degraded.MarkStoreUnavailable()
	p.degraded.SetInCache(resilience.RuntimeKey(rt.RuntimeID), rt, 0)
	log.Printf("[RUNTIMEPOOL] ⚠️ heartbeat persist failed for runtime %s, buffered for reconciliation: %v", rt.RuntimeID, err)
	return nil
}

func trimPressureWindow(samples []model.PressureSample, now time.Time, window time.Duration) []model.PressureSample {
	cutoff := now.Add(-window)
	i := 0
	for i < len(samples) && samples[i].At.Before(cutoff) {
		i++
	}
	return samples[i:]
}

// RegisterProvisioned records a freshly started container as a new
// Provisioning runtime, called once the BackgroundWork item that started it
// completes.
func (p *Pool) RegisterProvisioned(ctx context.Context, containerID, endpoint string, assignedRepositoryIDs []string) (*model.TaskRuntime, error) {
	rt := &model.TaskRuntime{
		RuntimeID:             p.ids.NewRuntimeID(),
		ContainerID:           &containerID,
		Endpoint:              &endpoint,
		MaxSlots:              p.cfg.ParallelSlotsPerTaskRuntime,
		LifecycleState:        model.RuntimeProvisioning,
		AssignedRepositoryIDs: assignedRepositoryIDs,
		CreatedAt:             p.clk.Now(),
	}
	if err := p.store.UpsertRuntime(ctx, rt); err != nil {
		return nil, err
	}
	return rt, nil
}

// maybeScaleOut enqueues provisioning of a new runtime via the
// BackgroundWorkCoordinator when the pool is below cap, not paused, and past
// cooldown. Never exceeds maxTaskRuntimes.
func (p *Pool) maybeScaleOut(ctx context.Context, currentCount int) {
	p.mu.Lock()
	if p.scaleOutPaused || currentCount >= p.cfg.MaxTaskRuntimes {
		p.mu.Unlock()
		return
	}
	cooldown := time.Duration(p.cfg.PressureSampleWindowSeconds) * time.Second
	if p.clk.Now().Sub(p.lastScaleOutAt) < cooldown {
		p.mu.Unlock()
		return
	}
	p.lastScaleOutAt = p.clk.Now()
	p.mu.Unlock()

	p.bg.Enqueue(model.KindTaskRuntimeImageResolution, "scaleout:"+p.cfg.ContainerImage, func(ctx context.Context, report backgroundwork.ProgressReporter) error {
		report.Report(10, "pulling image")
		containerID, endpoint, err := p.provisioner.StartContainer(ctx, p.cfg.ContainerImage, map[string]string{"prefix": p.cfg.ContainerNamePrefix})
		if err != nil {
			return err
		}
		report.Report(80, "registering runtime")
		if _, err := p.RegisterProvisioned(ctx, containerID, endpoint, nil); err != nil {
			return err
		}
		report.Report(100, "runtime provisioned")
		return nil
	}, true, false)
}

// PauseScaleOut and ResumeScaleOut implement the scaleOutPaused operator
// control named in spec.md 4.2's leasing rule.
func (p *Pool) PauseScaleOut() {
	p.mu.Lock()
	p.scaleOutPaused = true
	p.mu.Unlock()
}

func (p *Pool) ResumeScaleOut() {
	p.mu.Lock()
	p.scaleOutPaused = false
	p.mu.Unlock()
}

// RecycleRuntime forces a runtime to Draining regardless of occupancy.
func (p *Pool) RecycleRuntime(ctx context.Context, runtimeID string) error {
	rt, err := p.store.GetRuntime(ctx, runtimeID)
	if err != nil {
		return err
	}
	expectedVersion := rt.Version
	rt.LifecycleState = model.RuntimeDraining
	return p.store.UpdateRuntime(ctx, rt, expectedVersion)
}

// RecyclePool schedules recycling of every non-Stopped runtime in the
// store's listing order, skipping the single oldest Ready runtime when
// possible so at least one stays available throughout the rotation.
func (p *Pool) RecyclePool(ctx context.Context) error {
	runtimes, err := p.store.ListRuntimes(ctx)
	if err != nil {
		return err
	}

	var keepReadyID string
	for _, rt := range runtimes {
		if rt.LifecycleState == model.RuntimeReady {
			if keepReadyID == "" || rt.CreatedAt.Before(findByID(runtimes, keepReadyID).CreatedAt) {
				keepReadyID = rt.RuntimeID
			}
		}
	}

	for _, rt := range runtimes {
		if rt.LifecycleState == model.RuntimeStopped || rt.RuntimeID == keepReadyID {
			continue
		}
		if err := p.RecycleRuntime(ctx, rt.RuntimeID); err != nil {
			log.Printf("[RUNTIMEPOOL] ⚠️ failed to recycle %s: %v", rt.RuntimeID, err)
		}
	}
	return nil
}

func findByID(runtimes []*model.TaskRuntime, id string) *model.TaskRuntime {
	for _, rt := range runtimes {
		if rt.RuntimeID == id {
			return rt
		}
	}
	return nil
}

// DrainToStop advances a Draining runtime with no active slots to
// Stopping, then Stopped, stopping its container via the provisioner.
// Called by the idle scale-in scanner; runtimes put into Draining by
// RecycleRuntime or RecyclePool are not advanced by any scanner.
func (p *Pool) DrainToStop(ctx context.Context, runtimeID string) error {
	rt, err := p.store.GetRuntime(ctx, runtimeID)
	if err != nil {
		return err
	}
	if rt.LifecycleState != model.RuntimeDraining || rt.ActiveSlots > 0 {
		return nil
	}
	expectedVersion := rt.Version
	rt.LifecycleState = model.RuntimeStopping
	if err := p.store.UpdateRuntime(ctx, rt, expectedVersion); err != nil {
		return err
	}
	if rt.ContainerID != nil {
		if err := p.provisioner.StopContainer(ctx, *rt.ContainerID); err != nil {
			log.Printf("[RUNTIMEPOOL] ⚠️ failed to stop container %s: %v", *rt.ContainerID, err)
		}
	}
	rt2, err := p.store.GetRuntime(ctx, runtimeID)
	if err != nil {
		return err
	}
	expectedVersion = rt2.Version
	rt2.LifecycleState = model.RuntimeStopped
	return p.store.UpdateRuntime(ctx, rt2, expectedVersion)
}
