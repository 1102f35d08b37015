package runtimepool

import (
	"context"
	"log"
	"time"

	"github.com/agentsdashboard/orchestrator-core/internal/model"
	"github.com/agentsdashboard/orchestrator-core/internal/observability"
	"github.com/agentsdashboard/orchestrator-core/internal/store"
)

// Scanner runs the Pool's periodic maintenance loops (heartbeat-freshness
// quarantine, idle scale-in, pressure-based scale-out) and provides the
// orphan-reconciliation pass ReconcileOrphans, which Start does not
// schedule; its caller invokes it. Adapted from the reference control plane's
// coordination/agent_monitor.go ticker-per-concern pattern — one ticker, one
// responsibility, logged and metriced independently.
type Scanner struct {
	pool *Pool
}

// NewScanner returns a Scanner driving pool's maintenance loops.
func NewScanner(pool *Pool) *Scanner {
	return &Scanner{pool: pool}
}

// Start launches every maintenance loop as its own goroutine, each ticking
// at the given interval. Loops exit when ctx is done.
func (s *Scanner) Start(ctx context.Context, interval time.Duration) {
	go s.loop(ctx, interval, "heartbeat-freshness", s.scanHeartbeatFreshness)
	go s.loop(ctx, interval, "idle-scale-in", s.scanIdleRuntimes)
	go s.loop(ctx, interval, "pressure-scale-out", s.scanPressure)
}

func (s *Scanner) loop(ctx context.Context, interval time.Duration, name string, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Printf("[RUNTIMEPOOL] starting %s scanner (interval=%v)", name, interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// scanHeartbeatFreshness marks runtimes Quarantined after
// missedHeartbeatQuarantineThreshold consecutive scans without a fresh
// heartbeat.
func (s *Scanner) scanHeartbeatFreshness(ctx context.Context) {
	runtimes, err := s.pool.store.ListRuntimes(ctx)
	if err != nil {
		log.Printf("[RUNTIMEPOOL] ⚠️ heartbeat scan: failed to list runtimes: %v", err)
		return
	}

	now := s.pool.clk.Now()
	connected := 0
	for _, rt := range runtimes {
		if rt.LifecycleState == model.RuntimeQuarantined || rt.LifecycleState == model.RuntimeStopped || rt.LifecycleState == model.RuntimeStopping {
			continue
		}
		if rt.LastHeartbeatAt != nil && now.Sub(*rt.LastHeartbeatAt) <= s.pool.heartbeatInterval {
			connected++
			continue
		}

		expectedVersion := rt.Version
		rt.MissedHeartbeats++
		if rt.MissedHeartbeats >= missedHeartbeatQuarantineThreshold {
			log.Printf("[RUNTIMEPOOL] runtime %s missed %d heartbeats, quarantining", rt.RuntimeID, rt.MissedHeartbeats)
			rt.LifecycleState = model.RuntimeQuarantined
			observability.RuntimeQuarantineEvents.WithLabelValues("heartbeat_stale").Inc()
		}
		if err := s.pool.store.UpdateRuntime(ctx, rt, expectedVersion); err != nil && model.KindOf(err) != model.KindPreconditionFailed {
			log.Printf("[RUNTIMEPOOL] ⚠️ failed to persist missed-heartbeat state for %s: %v", rt.RuntimeID, err)
		}
	}
	observability.ConnectedRuntimes.Set(float64(connected))
}

// scanIdleRuntimes transitions runtimes idle past idleTimeoutMinutes to
// Draining (and immediately to Stopped, since Ready implies no in-flight
// runs), keeping the pool above its minimum.
func (s *Scanner) scanIdleRuntimes(ctx context.Context) {
	runtimes, err := s.pool.store.ListRuntimes(ctx)
	if err != nil {
		log.Printf("[RUNTIMEPOOL] ⚠️ idle scan: failed to list runtimes: %v", err)
		return
	}

	readyCount := 0
	for _, rt := range runtimes {
		if rt.LifecycleState == model.RuntimeReady {
			readyCount++
		}
	}
	if readyCount <= s.pool.minReady {
		return
	}

	now := s.pool.clk.Now()
	idleTimeout := time.Duration(s.pool.cfg.IdleTimeoutMinutes) * time.Minute
	for _, rt := range runtimes {
		if readyCount <= s.pool.minReady {
			return
		}
		if rt.LifecycleState != model.RuntimeReady || rt.LastHeartbeatAt == nil {
			continue
		}
		if now.Sub(*rt.LastHeartbeatAt) < idleTimeout {
			continue
		}
		if err := s.pool.RecycleRuntime(ctx, rt.RuntimeID); err != nil {
			log.Printf("[RUNTIMEPOOL] ⚠️ failed to drain idle runtime %s: %v", rt.RuntimeID, err)
			continue
		}
		if err := s.pool.DrainToStop(ctx, rt.RuntimeID); err != nil {
			log.Printf("[RUNTIMEPOOL] ⚠️ failed to stop drained runtime %s: %v", rt.RuntimeID, err)
		}
		readyCount--
	}
}

// scanPressure starts one additional runtime when mean CPU or memory
// pressure across available runtimes crosses its threshold and at least one
// run is queued.
func (s *Scanner) scanPressure(ctx context.Context) {
	if !s.pool.cfg.EnablePressureScaling {
		return
	}
	runtimes, err := s.pool.store.ListRuntimes(ctx)
	if err != nil {
		log.Printf("[RUNTIMEPOOL] ⚠️ pressure scan: failed to list runtimes: %v", err)
		return
	}

	queued, err := s.pool.store.ListQueuedRanked(ctx, 1)
	if err != nil {
		log.Printf("[RUNTIMEPOOL] ⚠️ pressure scan: failed to check queue: %v", err)
		return
	}
	if len(queued) == 0 {
		return
	}

	var cpuSum, memSum float64
	var n int
	for _, rt := range runtimes {
		if !rt.LifecycleState.AcceptsLeases() {
			continue
		}
		for _, sample := range rt.PressureSamples {
			cpuSum += sample.CPUPct
			memSum += sample.MemoryPct
			n++
		}
	}
	if n == 0 {
		return
	}
	meanCPU := cpuSum / float64(n)
	meanMem := memSum / float64(n)

	if meanCPU >= float64(s.pool.cfg.CPUScaleOutThresholdPercent) || meanMem >= float64(s.pool.cfg.MemoryScaleOutThresholdPercent) {
		log.Printf("[RUNTIMEPOOL] pressure scale-out triggered (meanCPU=%.1f meanMem=%.1f)", meanCPU, meanMem)
		s.pool.maybeScaleOut(ctx, len(runtimes))
	}
}

// ReconcileOrphans compares reported (runtimeId -> activeRunIds as reported
// by the runtime over RuntimeGateway) against the scheduler's own view
// (Running runs dispatched to each runtime, per the Store). Containers with
// no corresponding live run are returned for force-removal; runs whose
// runtime vanished from reported are returned for DeadRunDetector handling.
func (s *Scanner) ReconcileOrphans(ctx context.Context, reported map[string][]string) (orphanedRuntimeIDs []string, flaggedRunIDs []string, err error) {
	runningRuns, err := s.pool.store.ListRuns(ctx, store.RunFilter{States: []model.RunState{model.RunRunning}})
	if err != nil {
		return nil, nil, err
	}

	schedulerView := make(map[string]map[string]bool) // runtimeId -> set of runIds
	for _, run := range runningRuns {
		if run.DispatchedToRuntimeID == nil {
			continue
		}
		rtID := *run.DispatchedToRuntimeID
		if schedulerView[rtID] == nil {
			schedulerView[rtID] = make(map[string]bool)
		}
		schedulerView[rtID][run.RunID] = true
	}

	for rtID, reportedRunIDs := range reported {
		schedulerRuns := schedulerView[rtID]
		liveReported := false
		for _, runID := range reportedRunIDs {
			if schedulerRuns[runID] {
				liveReported = true
			}
		}
		if len(reportedRunIDs) > 0 && !liveReported {
			orphanedRuntimeIDs = append(orphanedRuntimeIDs, rtID)
		}
	}

	for rtID, runIDs := range schedulerView {
		if _, stillReporting := reported[rtID]; !stillReporting {
			for runID := range runIDs {
				flaggedRunIDs = append(flaggedRunIDs, runID)
			}
		}
	}

	return orphanedRuntimeIDs, flaggedRunIDs, nil
}
