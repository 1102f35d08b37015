// Package scheduler advances Queued runs to Running respecting admission
// rules, dispatches them through the RuntimeGateway, and handles retry,
// completion, and cancellation. Adapted from the reference control plane's
// scheduler.Scheduler: its node-health/failure-domain/rate-limit/budget
// dispatch chain is generalized to this system's explicit 7-rule admission
// ladder, its anti-starvation queue is replaced by RankForFairness, and its
// circuit breaker + token-bucket limiter are kept as dispatch-path
// resilience rather than admission rules.
package scheduler

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"time"

	"github.com/agentsdashboard/orchestrator-core/internal/attestation"
	"github.com/agentsdashboard/orchestrator-core/internal/clock"
	"github.com/agentsdashboard/orchestrator-core/internal/config"
	"github.com/agentsdashboard/orchestrator-core/internal/eventbus"
	"github.com/agentsdashboard/orchestrator-core/internal/gateway"
	"github.com/agentsdashboard/orchestrator-core/internal/idgen"
	"github.com/agentsdashboard/orchestrator-core/internal/model"
	"github.com/agentsdashboard/orchestrator-core/internal/observability"
	"github.com/agentsdashboard/orchestrator-core/internal/resilience"
	"github.com/agentsdashboard/orchestrator-core/internal/runtimepool"
	"github.com/agentsdashboard/orchestrator-core/internal/store"
)

// Scheduler is the run admission, dispatch, retry, and cancellation engine.
type Scheduler struct {
	cfg   *config.Config
	store store.Store
	clk   clock.Clock
	ids   *idgen.Generator
	pool  *runtimepool.Pool
	gw    gateway.RuntimeGateway
	bus   *eventbus.Bus

	breaker *CircuitBreaker
	limiter *DispatchLimiter

	signer   *attestation.Signer
	degraded *resilience.DegradedMode
}

// SetAttestationSigner attaches a signer used to bind every dispatched
// executionToken to its run/runtime with an RSA-SHA256 claim carried in the
// dispatch request's container labels. Optional; a nil signer (the default)
// dispatches unsigned tokens.
func (s *Scheduler) SetAttestationSigner(signer *attestation.Signer) {
	s.signer = signer
}

// SetDegradedMode attaches the shared degraded-mode manager guarding
// dispatch's Run persistence from blocking on a down store. Optional; a nil
// manager (the default) has UpdateRun failures propagate directly.
func (s *Scheduler) SetDegradedMode(degraded *resilience.DegradedMode) {
	s.degraded = degraded
}

// New returns a ready-to-use Scheduler.
func New(cfg *config.Config, st store.Store, clk clock.Clock, ids *idgen.Generator, pool *runtimepool.Pool, gw gateway.RuntimeGateway, bus *eventbus.Bus) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		store:   st,
		clk:     clk,
		ids:     ids,
		pool:    pool,
		gw:      gw,
		bus:     bus,
		breaker: NewCircuitBreaker(5, 30*time.Second, 3),
		limiter: NewDispatchLimiter(5, 5),
	}
}

// Start runs the tick loop every schedulerIntervalSeconds and subscribes to
// the EventBus for run.completed events, until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.tickLoop(ctx)
	go s.completionLoop(ctx)
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.SchedulerIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Printf("[SCHEDULER] starting tick loop (interval=%v)", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

func (s *Scheduler) completionLoop(ctx context.Context) {
	sub := s.bus.Subscribe(nil)
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if event.Category != model.CategoryRunCompleted {
				continue
			}
			if err := s.HandleRunCompleted(ctx, event.RunID, event.PayloadJSON); err != nil {
				log.Printf("[SCHEDULER] ⚠️ failed to handle completion for run %s: %v", event.RunID, err)
			}
		}
	}
}

// CreateRun enqueues a new Queued run for taskId's default policies.
func (s *Scheduler) CreateRun(ctx context.Context, taskID string) (string, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	run := &model.Run{
		RunID:          s.ids.NewRunID(),
		TaskID:         task.TaskID,
		RepositoryID:   task.RepositoryID,
		State:          model.RunQueued,
		Attempt:        1,
		CreatedAt:      s.clk.Now(),
		RetryPolicy:    task.RetryPolicy,
		SandboxProfile: task.SandboxProfile,
	}
	if err := run.Validate(); err != nil {
		return "", err
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return "", err
	}
	observability.LogDecision(run.RunID, "", "queued", "created")
	return run.RunID, nil
}

// RetryRun re-queues a terminal run as a fresh Queued run at attempt=1.
func (s *Scheduler) RetryRun(ctx context.Context, runID string) (string, error) {
	original, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if !original.State.Terminal() {
		return "", model.NewError(model.KindInvalidInput, "run.not_terminal", "retry requires a terminal run", nil)
	}
	retry := &model.Run{
		RunID:          s.ids.NewRunID(),
		TaskID:         original.TaskID,
		RepositoryID:   original.RepositoryID,
		State:          model.RunQueued,
		Attempt:        1,
		CreatedAt:      s.clk.Now(),
		RetryPolicy:    original.RetryPolicy,
		SandboxProfile: original.SandboxProfile,
		ConcurrencyKey: original.ConcurrencyKey,
	}
	if err := s.store.CreateRun(ctx, retry); err != nil {
		return "", err
	}
	observability.LogDecision(retry.RunID, "", "queued", "manual retry of "+runID)
	return retry.RunID, nil
}

// GetRun and ListRuns pass straight through to the Store.
func (s *Scheduler) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	return s.store.GetRun(ctx, runID)
}

func (s *Scheduler) ListRuns(ctx context.Context, filter store.RunFilter) ([]*model.Run, error) {
	return s.store.ListRuns(ctx, filter)
}

// AppendEvent persists event to the durable store, ahead of its fan-out on
// the EventBus, so replay survives a process restart.
func (s *Scheduler) AppendEvent(ctx context.Context, event *model.RunEvent) error {
	return s.store.AppendEvent(ctx, event)
}

// Tick is the single admission critical section: it evaluates every Queued
// run, in fairness order, against the 7 admission rules and dispatches the
// ones that clear all of them. A rule that fails defers that run to the
// next tick; it never blocks evaluation of the remaining candidates.
func (s *Scheduler) Tick(ctx context.Context) {
	queued, err := s.store.ListQueuedRanked(ctx, 0)
	if err != nil {
		log.Printf("[SCHEDULER] ⚠️ tick: failed to list queued runs: %v", err)
		return
	}
	observability.QueueDepth.Set(float64(len(queued)))
	if len(queued) == 0 {
		return
	}

	ranked := RankForFairness(queued)
	globalRunning, err := s.store.CountRunning(ctx)
	if err != nil {
		log.Printf("[SCHEDULER] ⚠️ tick: failed to count running runs: %v", err)
		return
	}

	for _, run := range ranked {
		if globalRunning >= s.cfg.MaxGlobalConcurrentRuns {
			s.defer_(run, "maxGlobalConcurrentRuns reached")
			continue
		}

		task, err := s.store.GetTask(ctx, run.TaskID)
		if err != nil {
			s.defer_(run, "task lookup failed: "+err.Error())
			continue
		}

		ok, reason := s.admit(ctx, run, task)
		if !ok {
			s.defer_(run, reason)
			continue
		}

		if s.dispatch(ctx, run, task) {
			globalRunning++
		}
	}
}

func (s *Scheduler) defer_(run *model.Run, reason string) {
	observability.AdmissionDecisions.WithLabelValues("deferred", reason).Inc()
}

// admit evaluates admission rules 2-6 (rule 1, the global cap, and rule 7,
// the runtime lease, are handled by the caller/dispatch since they need
// tick-wide or I/O-bound state). A failing rule returns false with the
// reason it failed.
func (s *Scheduler) admit(ctx context.Context, run *model.Run, task *model.Task) (bool, string) {
	if n, err := s.store.CountRunningByRepository(ctx, run.RepositoryID); err != nil {
		return false, "repository concurrency check failed"
	} else if n >= s.cfg.PerRepoConcurrencyLimit {
		return false, "perRepoConcurrencyLimit reached"
	}

	if n, err := s.store.CountRunningByProject(ctx, run.RepositoryID); err != nil {
		return false, "project concurrency check failed"
	} else if n >= s.cfg.PerProjectConcurrencyLimit {
		return false, "perProjectConcurrencyLimit reached"
	}

	if task.ConcurrencyLimit != nil {
		if n, err := s.store.CountRunningByTask(ctx, run.TaskID); err != nil {
			return false, "task concurrency check failed"
		} else if n >= *task.ConcurrencyLimit {
			return false, "task concurrencyLimit reached"
		}
	}

	if run.ConcurrencyKey != nil {
		if n, err := s.store.CountRunningByConcurrencyKey(ctx, *run.ConcurrencyKey); err != nil {
			return false, "concurrencyKey check failed"
		} else if n >= 1 {
			return false, "concurrencyKey already running"
		}
	}

	if !task.Enabled {
		return false, "task disabled"
	}

	return true, ""
}

// dispatch performs rule 7 (lease acquisition) and the full dispatch
// protocol. It returns true only if the run transitioned to Running.
func (s *Scheduler) dispatch(ctx context.Context, run *model.Run, task *model.Task) bool {
	lease, err := s.pool.AcquireTaskRuntimeForDispatch(ctx, run.RepositoryID, run.TaskID, 1)
	if err != nil {
		reason := "no runtime lease available"
		observability.AdmissionDecisions.WithLabelValues("deferred", reason).Inc()
		return false
	}

	if !s.limiter.Allow(lease.RuntimeID) {
		_ = s.pool.ReleaseSlot(ctx, lease.RuntimeID, 1)
		observability.AdmissionDecisions.WithLabelValues("deferred", "runtime dispatch rate limited").Inc()
		return false
	}

	if !s.breaker.Allow(s.clk.Now()) {
		_ = s.pool.ReleaseSlot(ctx, lease.RuntimeID, 1)
		observability.AdmissionDecisions.WithLabelValues("deferred", "dispatch circuit open").Inc()
		return false
	}

	token := s.ids.NewExecutionToken()
	now := s.clk.Now()
	run.State = model.RunRunning
	run.StartedAt = &now
	run.DispatchedToRuntimeID = &lease.RuntimeID
	run.ExecutionToken = token

	if err := s.persistRunUpdate(ctx, run); err != nil {
		log.Printf("[SCHEDULER] ⚠️ failed to persist Running state for run %s: %v", run.RunID, err)
		_ = s.pool.ReleaseSlot(ctx, lease.RuntimeID, 1)
		return false
	}

	labels := map[string]string{"runId": run.RunID, "executionToken": token}
	if s.signer != nil {
		claim, err := s.signer.Sign(run.RunID, lease.RuntimeID, token)
		if err != nil {
			log.Printf("[SCHEDULER] ⚠️ failed to sign execution token for run %s: %v", run.RunID, err)
		} else if claimJSON, err := json.Marshal(claim); err != nil {
			log.Printf("[SCHEDULER] ⚠️ failed to encode attestation claim for run %s: %v", run.RunID, err)
		} else {
			labels["attestation"] = string(claimJSON)
		}
	}

	req := gateway.DispatchRequest{
		RunID:            run.RunID,
		RepositoryID:     run.RepositoryID,
		TaskID:           run.TaskID,
		HarnessType:      task.HarnessName,
		Instruction:      "",
		TimeoutSeconds:   run.Timeout.ExecutionSeconds,
		Attempt:          run.Attempt,
		DispatchedAt:     now,
		SandboxProfile:   run.SandboxProfile,
		ContainerLabels:  labels,
	}

	result, err := s.gw.DispatchJob(ctx, req)
	if err != nil || !result.Success {
		s.breaker.RecordFailure(s.clk.Now())
		_ = s.pool.ReleaseSlot(ctx, lease.RuntimeID, 1)
		return s.handleDispatchFailure(ctx, run, err)
	}

	s.breaker.RecordSuccess()
	observability.AdmissionDecisions.WithLabelValues("admitted", "dispatched").Inc()
	observability.LogDecision(run.RunID, lease.RuntimeID, "admitted", "dispatched")
	return true
}

func (s *Scheduler) handleDispatchFailure(ctx context.Context, run *model.Run, dispatchErr error) bool {
	kind := model.KindOf(dispatchErr)
	observability.AdmissionDecisions.WithLabelValues("rejected", "dispatch failed: "+kind.String()).Inc()

	if current, err := s.store.GetRun(ctx, run.RunID); err == nil {
		run.Version = current.Version
	}
	run.State = model.RunFailed
	endedAt := s.clk.Now()
	run.EndedAt = &endedAt
	run.ErrorKind = kind
	run.Error = errString(dispatchErr)
	if err := s.store.UpdateRun(ctx, run, run.Version); err != nil {
		log.Printf("[SCHEDULER] ⚠️ failed to persist Failed state for run %s: %v", run.RunID, err)
	}

	if kind.Retryable() && run.Attempt < run.RetryPolicy.MaxAttempts {
		s.scheduleRetry(run, kind)
	}
	return false
}

// persistRunUpdate commits run via the Store, falling back to the shared
// DegradedMode cache (replayed later by a ReconciliationCoordinator) when the
// store is unreachable, so a transient outage defers a run's state commit
// rather than losing it.
func (s *Scheduler) persistRunUpdate(ctx context.Context, run *model.Run) error {
	expectedVersion := run.Version
	if s.degraded == nil {
		return s.store.UpdateRun(ctx, run, expectedVersion)
	}
	return s.degraded.WithFallback(ctx,
		func(ctx context.Context) error {
			err := s.store.UpdateRun(ctx, run, expectedVersion)
			if err != nil {
				s.degraded.MarkStoreUnavailable()
				return err
			}
			s.degraded.MarkStoreAvailable()
			return nil
		},
		func(context.Context) error {
			s.degraded.SetInCache(resilience.RunKey(run.RunID), run, 0)
			return nil
		},
	)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// scheduleRetry creates a fresh Queued run at attempt+1 once the policy's
// backoff has elapsed, waiting on a timer in its own goroutine. The pending
// re-queue is not tracked by the BackgroundWork coordinator and cannot be
// cancelled.
func (s *Scheduler) scheduleRetry(run *model.Run, kind model.ErrorKind) {
	observability.RunRetries.WithLabelValues(kind.String()).Inc()
	backoff := backoffFor(run.RetryPolicy, run.Attempt)
	nextAttempt := run.Attempt + 1
	log.Printf("[SCHEDULER] ⚠️ scheduling retry of run %s (attempt %d) after %v", run.RunID, nextAttempt, backoff)

	newRun := &model.Run{
		RunID:          s.ids.NewRunID(),
		TaskID:         run.TaskID,
		RepositoryID:   run.RepositoryID,
		State:          model.RunQueued,
		Attempt:        nextAttempt,
		RetryPolicy:    run.RetryPolicy,
		SandboxProfile: run.SandboxProfile,
		ConcurrencyKey: run.ConcurrencyKey,
	}

	go func() {
		timer := time.NewTimer(backoff)
		defer timer.Stop()
		<-timer.C
		newRun.CreatedAt = s.clk.Now()
		if err := s.store.CreateRun(context.Background(), newRun); err != nil {
			log.Printf("[SCHEDULER] ⚠️ failed to re-queue run %s as %s: %v", run.RunID, newRun.RunID, err)
		}
	}()
}

func backoffFor(policy model.RetryPolicy, attempt int) time.Duration {
	base := policy.BackoffBaseSecs
	if base <= 0 {
		base = 1
	}
	mult := policy.BackoffMultiplier
	if mult <= 0 {
		mult = 2
	}
	seconds := base * math.Pow(mult, float64(attempt-1))
	return time.Duration(seconds * float64(time.Second))
}

// completedPayload is the JSON shape carried by a run.completed RunEvent.
type completedPayload struct {
	Status    string `json:"status"`
	Summary   string `json:"summary,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
}

// HandleRunCompleted applies a run.completed event: persists terminal
// state, releases the runtime slot, and schedules an automatic retry if the
// failure is retryable and attempts remain.
func (s *Scheduler) HandleRunCompleted(ctx context.Context, runID, payloadJSON string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State.Terminal() {
		return nil // already handled; at-least-once delivery
	}

	payload := parseCompletedPayload(payloadJSON)
	runtimeID := ""
	if run.DispatchedToRuntimeID != nil {
		runtimeID = *run.DispatchedToRuntimeID
	}

	endedAt := s.clk.Now()
	run.EndedAt = &endedAt
	run.Summary = payload.Summary

	switch model.HarnessStatus(payload.Status) {
	case model.HarnessStatusSucceeded:
		run.State = model.RunSucceeded
	case model.HarnessStatusCancelled:
		run.State = model.RunCancelled
	default:
		run.State = model.RunFailed
		run.Error = payload.Error
		run.ErrorCode = payload.ErrorCode
		run.ErrorKind = model.KindInternalError
	}

	if err := s.store.UpdateRun(ctx, run, run.Version); err != nil {
		return err
	}
	if runtimeID != "" {
		if err := s.pool.ReleaseSlot(ctx, runtimeID, 1); err != nil {
			log.Printf("[SCHEDULER] ⚠️ failed to release slot on runtime %s for completed run %s: %v", runtimeID, runID, err)
		}
	}

	if run.State == model.RunFailed && run.ErrorKind.Retryable() && run.Attempt < run.RetryPolicy.MaxAttempts {
		s.scheduleRetry(run, run.ErrorKind)
	}
	return nil
}

func parseCompletedPayload(payloadJSON string) completedPayload {
	var p completedPayload
	if payloadJSON == "" {
		return p
	}
	_ = json.Unmarshal([]byte(payloadJSON), &p)
	return p
}

// CancelRun requests cancellation of runId. Idempotent: a terminal run is a
// no-op. A Queued run transitions directly to Cancelled; a Running run is
// issued a stop and, if it doesn't reach a terminal state within
// cancelGraceSeconds, force-terminated via a container kill.
func (s *Scheduler) CancelRun(ctx context.Context, runID, cause string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State.Terminal() {
		return nil
	}

	if run.State == model.RunQueued || run.State == model.RunPendingApproval {
		now := s.clk.Now()
		run.State = model.RunCancelled
		run.EndedAt = &now
		run.CancelCause = cause
		return s.store.UpdateRun(ctx, run, run.Version)
	}

	if run.CancelCause == "" {
		run.CancelCause = cause
		if err := s.store.UpdateRun(ctx, run, run.Version); err != nil && model.KindOf(err) != model.KindPreconditionFailed {
			return err
		}
	}

	if _, err := s.gw.StopJob(ctx, runID); err != nil {
		log.Printf("[SCHEDULER] ⚠️ stopJob failed for run %s: %v", runID, err)
	}

	go s.awaitCancellation(runID, cause)
	return nil
}

// awaitCancellation polls the Store for runId to reach a terminal state
// within cancelGraceSeconds; on expiry it force-kills the backing container.
// Grounded on the reference reconciler's waitForJob ticker-poll idiom.
func (s *Scheduler) awaitCancellation(runID, cause string) {
	grace := time.Duration(s.cfg.CancelGraceSeconds) * time.Second
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-deadline.C:
			s.forceKill(ctx, runID, cause)
			return
		case <-ticker.C:
			run, err := s.store.GetRun(ctx, runID)
			if err != nil {
				return
			}
			if run.State.Terminal() {
				return
			}
		}
	}
}

func (s *Scheduler) forceKill(ctx context.Context, runID, cause string) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil || run.State.Terminal() {
		return
	}

	if run.DispatchedToRuntimeID != nil {
		rt, err := s.store.GetRuntime(ctx, *run.DispatchedToRuntimeID)
		if err == nil && rt.ContainerID != nil {
			if _, err := s.gw.KillContainer(ctx, *rt.ContainerID); err != nil {
				log.Printf("[SCHEDULER] ⚠️ killContainer failed for run %s: %v", runID, err)
			}
		}
		if err := s.pool.ReleaseSlot(ctx, *run.DispatchedToRuntimeID, 1); err != nil {
			log.Printf("[SCHEDULER] ⚠️ failed to release slot after force-kill of run %s: %v", runID, err)
		}
	}

	now := s.clk.Now()
	run.State = model.RunCancelled
	run.EndedAt = &now
	run.CancelCause = cause
	run.ErrorCode = "cancel_grace_expired"
	if err := s.store.UpdateRun(ctx, run, run.Version); err != nil {
		log.Printf("[SCHEDULER] 🚨 failed to persist force-killed state for run %s: %v", runID, err)
	}
	observability.LogDecision(runID, "", "cancelled", "grace window expired, force-killed")
}
