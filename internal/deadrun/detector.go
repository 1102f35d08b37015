// Package deadrun periodically scans for runs that have stopped making
// progress — queued past their max age, running past heartbeat staleness,
// or dispatched to a runtime that no longer exists — and force-terminates
// them. Adapted from the reference control plane's
// coordination/agent_monitor.go ticker-driven liveness scan combined with
// coordination/janitor.go's staleness-then-forced-cleanup escalation,
// generalized from Agent/lock liveness onto Run liveness.
package deadrun

import (
	"context"
	"log"
	"time"

	"github.com/agentsdashboard/orchestrator-core/internal/clock"
	"github.com/agentsdashboard/orchestrator-core/internal/config"
	"github.com/agentsdashboard/orchestrator-core/internal/eventbus"
	"github.com/agentsdashboard/orchestrator-core/internal/gateway"
	"github.com/agentsdashboard/orchestrator-core/internal/model"
	"github.com/agentsdashboard/orchestrator-core/internal/observability"
	"github.com/agentsdashboard/orchestrator-core/internal/runtimepool"
	"github.com/agentsdashboard/orchestrator-core/internal/store"
)

// Detector runs the periodic dead-run scan (spec.md 4.5).
type Detector struct {
	cfg   config.DeadRunDetection
	store store.Store
	clk   clock.Clock
	pool  *runtimepool.Pool
	gw    gateway.RuntimeGateway
	bus   *eventbus.Bus
}

// New returns a ready-to-use Detector.
func New(cfg config.DeadRunDetection, st store.Store, clk clock.Clock, pool *runtimepool.Pool, gw gateway.RuntimeGateway, bus *eventbus.Bus) *Detector {
	return &Detector{cfg: cfg, store: st, clk: clk, pool: pool, gw: gw, bus: bus}
}

// Start runs Scan every checkIntervalSeconds until ctx is done.
func (d *Detector) Start(ctx context.Context) {
	interval := time.Duration(d.cfg.CheckIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		log.Printf("[DEADRUN] starting scanner (interval=%v)", interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.Scan(ctx)
			}
		}
	}()
}

// Scan evaluates every non-terminal run against the liveness rules.
func (d *Detector) Scan(ctx context.Context) {
	queued, err := d.store.ListRuns(ctx, store.RunFilter{States: []model.RunState{model.RunQueued}})
	if err != nil {
		log.Printf("[DEADRUN] ⚠️ failed to list queued runs: %v", err)
	} else {
		d.scanQueued(ctx, queued)
	}

	running, err := d.store.ListRuns(ctx, store.RunFilter{States: []model.RunState{model.RunRunning}})
	if err != nil {
		log.Printf("[DEADRUN] ⚠️ failed to list running runs: %v", err)
		return
	}
	d.scanRunning(ctx, running)
}

func (d *Detector) scanQueued(ctx context.Context, runs []*model.Run) {
	maxAge := time.Duration(d.cfg.MaxRunAgeHours) * time.Hour
	now := d.clk.Now()
	for _, run := range runs {
		if now.Sub(run.CreatedAt) <= maxAge {
			continue
		}
		log.Printf("[DEADRUN] ⚠️ run %s exceeded queue timeout (%v), terminating", run.RunID, maxAge)
		d.terminate(ctx, run, "queue_timeout", "run exceeded maxRunAgeHours while Queued")
	}
}

func (d *Detector) scanRunning(ctx context.Context, runs []*model.Run) {
	staleThreshold := time.Duration(d.cfg.StaleRunThresholdMinutes) * time.Minute
	zombieThreshold := time.Duration(d.cfg.ZombieRunThresholdMinutes) * time.Minute
	now := d.clk.Now()

	runtimes, err := d.store.ListRuntimes(ctx)
	if err != nil {
		log.Printf("[DEADRUN] ⚠️ failed to list runtimes: %v", err)
		runtimes = nil
	}
	live := make(map[string]bool, len(runtimes))
	for _, rt := range runtimes {
		live[rt.RuntimeID] = true
	}

	for _, run := range runs {
		if run.DispatchedToRuntimeID != nil && !live[*run.DispatchedToRuntimeID] {
			log.Printf("[DEADRUN] 🚨 run %s dispatched to vanished runtime %s, force-terminating", run.RunID, *run.DispatchedToRuntimeID)
			d.terminate(ctx, run, "runtime_vanished", "dispatched runtime no longer exists in the pool")
			continue
		}

		ref := run.StartedAt
		if run.LastHeartbeatAt != nil {
			ref = run.LastHeartbeatAt
		}
		if ref == nil {
			continue
		}
		staleness := now.Sub(*ref)
		if staleness <= staleThreshold {
			continue
		}

		if staleness > zombieThreshold {
			log.Printf("[DEADRUN] 🚨 run %s is a zombie (stale %v > zombie threshold %v)", run.RunID, staleness, zombieThreshold)
			if !d.cfg.ForceKillOnTimeout {
				log.Printf("[DEADRUN] ⚠️ forceKillOnTimeout disabled, marking run %s without terminating", run.RunID)
				continue
			}
			d.killAndTerminate(ctx, run)
			continue
		}

		log.Printf("[DEADRUN] ⚠️ run %s is stale (%v > stale threshold %v), issuing stop", run.RunID, staleness, staleThreshold)
		if _, err := d.gw.StopJob(ctx, run.RunID); err != nil {
			log.Printf("[DEADRUN] ⚠️ stopJob failed for stale run %s: %v", run.RunID, err)
		}
	}
}

func (d *Detector) killAndTerminate(ctx context.Context, run *model.Run) {
	if run.DispatchedToRuntimeID != nil {
		rt, err := d.store.GetRuntime(ctx, *run.DispatchedToRuntimeID)
		if err == nil && rt.ContainerID != nil {
			if _, err := d.gw.KillContainer(ctx, *rt.ContainerID); err != nil {
				log.Printf("[DEADRUN] ⚠️ killContainer failed for run %s: %v", run.RunID, err)
			}
		}
	}
	if !d.cfg.EnableAutoTermination {
		log.Printf("[DEADRUN] ⚠️ enableAutoTermination disabled, leaving run %s marked but non-terminal", run.RunID)
		return
	}
	d.terminate(ctx, run, "zombie", "run exceeded zombieRunThresholdMinutes with no heartbeat")
}

func (d *Detector) terminate(ctx context.Context, run *model.Run, errorCode, reason string) {
	now := d.clk.Now()
	run.State = model.RunFailed
	run.EndedAt = &now
	run.ErrorCode = errorCode
	run.Error = reason
	run.ErrorKind = model.KindInternalError

	if err := d.store.UpdateRun(ctx, run, run.Version); err != nil {
		if model.KindOf(err) == model.KindPreconditionFailed {
			return // already transitioned by a concurrent actor (completion event, cancel)
		}
		log.Printf("[DEADRUN] ⚠️ failed to persist terminal state for run %s: %v", run.RunID, err)
		return
	}

	if run.DispatchedToRuntimeID != nil {
		if err := d.pool.ReleaseSlot(ctx, *run.DispatchedToRuntimeID, 1); err != nil {
			log.Printf("[DEADRUN] ⚠️ failed to release slot for terminated run %s: %v", run.RunID, err)
		}
	}

	observability.DeadRunTerminations.WithLabelValues(errorCode).Inc()
	d.bus.Publish(&model.RunEvent{
		RunID:         run.RunID,
		TaskID:        run.TaskID,
		Category:      model.CategoryRunCompleted,
		SchemaVersion: "1",
		PayloadJSON:   `{"status":"failed","error":"` + reason + `","errorCode":"` + errorCode + `"}`,
		Timestamp:     now,
	})
}
