// Package coordination elects the single replica allowed to run the
// Scheduler's admission critical section when multiple orchestration-core
// processes are live, and cleans up fenced or stale locks they leave
// behind. Adapted from the reference control plane's
// coordination/leader.go and coordination/janitor.go, generalized from a
// FluxForge-specific lock key to this system's own.
package coordination

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/agentsdashboard/orchestrator-core/internal/idgen"
	"github.com/agentsdashboard/orchestrator-core/internal/observability"
	"github.com/agentsdashboard/orchestrator-core/internal/store"
)

const leaderLockKey = "orchestrator:lock:scheduler-leader"

// LockMetadata is the JSON value stored at the lease key, carrying the
// durable fencing epoch alongside lease bookkeeping.
type LockMetadata struct {
	OwnerID   string    `json:"ownerId"`
	Epoch     int64     `json:"epoch"`
	ReqID     string    `json:"reqId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type fencingKey string

const fencingEpochKey fencingKey = "fencing_epoch"

// GetEpochFromContext extracts the fencing epoch FencedContext injected.
func GetEpochFromContext(ctx context.Context) (int64, bool) {
	v := ctx.Value(fencingEpochKey)
	if v == nil {
		return 0, false
	}
	epoch, ok := v.(int64)
	return epoch, ok
}

// LeaderState is the introspectable snapshot of a LeaderElector.
type LeaderState struct {
	IsLeader     bool
	CurrentEpoch int64
	Transitions  int64
	OwnerID      string
}

// LeaderElector holds the distributed lease that gates which
// orchestration-core replica may run the Scheduler tick. Fencing is
// durable: the epoch comes from store.IncrementDurableEpoch, so a stale
// leader can never out-rank a fresher one even across a full Redis flush.
type LeaderElector struct {
	coordinator store.Coordinator
	store       store.Store
	ids         *idgen.Generator
	ownerID     string
	ttl         time.Duration

	mu           sync.RWMutex
	isLeader     bool
	currentValue string
	currentEpoch int64
	leaderCtx    context.Context
	leaderCancel context.CancelFunc
	stepDownTime time.Time
	transitions  int64

	onElected func(context.Context)
	onLost    func()
}

// NewLeaderElector returns an elector contesting the leader lease as ownerID.
func NewLeaderElector(c store.Coordinator, st store.Store, ids *idgen.Generator, ownerID string, ttl time.Duration) *LeaderElector {
	return &LeaderElector{coordinator: c, store: st, ids: ids, ownerID: ownerID, ttl: ttl}
}

// SetCallbacks registers hooks invoked on leadership gain/loss. onElected
// receives FencedContext, cancelled the moment leadership is lost.
func (l *LeaderElector) SetCallbacks(onElected func(context.Context), onLost func()) {
	l.onElected = onElected
	l.onLost = onLost
}

// FencedContext returns the context valid only while this elector holds
// leadership, carrying the current fencing epoch.
func (l *LeaderElector) FencedContext() context.Context {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.leaderCtx
}

func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

func (l *LeaderElector) GetState() LeaderState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LeaderState{IsLeader: l.isLeader, CurrentEpoch: l.currentEpoch, Transitions: l.transitions, OwnerID: l.ownerID}
}

// Start runs the acquire/renew loop until ctx is cancelled.
func (l *LeaderElector) Start(ctx context.Context) {
	go l.loop(ctx)
}

func (l *LeaderElector) loop(ctx context.Context) {
	minInterval := l.ttl / 3
	maxInterval := 10 * l.ttl
	interval := minInterval
	renewFailures := 0
	const maxRenewFailures = 3

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if l.IsLeader() {
				l.release()
			}
			return
		case <-timer.C:
			var err error
			if l.IsLeader() {
				var renewed bool
				renewed, err = l.renew(ctx)
				if err == nil {
					renewFailures = 0
					if !renewed {
						l.stepDown()
					}
				} else {
					renewFailures++
					log.Printf("[COORDINATION] ⚠️ leader renew failed (%d/%d): %v", renewFailures, maxRenewFailures, err)
					if renewFailures >= maxRenewFailures {
						log.Printf("[COORDINATION] ⚠️ too many renew failures, stepping down for safety")
						l.stepDown()
						renewFailures = 0
					}
				}
			} else {
				var acquired bool
				acquired, err = l.acquire(ctx)
				if err == nil && acquired {
					l.becomeLeader()
					renewFailures = 0
				}
			}

			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
			} else {
				interval = minInterval
			}
			timer.Reset(interval)
		}
	}
}

func (l *LeaderElector) acquire(ctx context.Context) (bool, error) {
	epoch, err := l.store.IncrementDurableEpoch(ctx, "scheduler_leader")
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	if l.currentEpoch > 0 && epoch > l.currentEpoch+1 {
		log.Printf("[COORDINATION] ⚠️ fencing epoch jumped from %d to %d, possible partition recovery", l.currentEpoch, epoch)
	}
	l.currentEpoch = epoch
	l.mu.Unlock()

	meta := LockMetadata{
		OwnerID:   l.ownerID,
		Epoch:     epoch,
		ReqID:     l.ids.NewExecutionToken(),
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(l.ttl),
	}
	valBytes, err := json.Marshal(meta)
	if err != nil {
		return false, err
	}
	val := string(valBytes)

	acquired, err := l.coordinator.AcquireLease(ctx, leaderLockKey, val, l.ttl)
	if err != nil {
		return false, err
	}
	if acquired {
		l.mu.Lock()
		l.currentValue = val
		l.mu.Unlock()
	}
	return acquired, nil
}

func (l *LeaderElector) renew(ctx context.Context) (bool, error) {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()
	if val == "" {
		return false, nil
	}
	return l.coordinator.RenewLease(ctx, leaderLockKey, val, l.ttl)
}

func (l *LeaderElector) release() {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()
	if val == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.coordinator.ReleaseLease(ctx, leaderLockKey, val); err != nil {
		log.Printf("[COORDINATION] ⚠️ failed to release leader lease: %v", err)
	}
}

func (l *LeaderElector) becomeLeader() {
	l.mu.Lock()
	l.isLeader = true
	ctx, cancel := context.WithCancel(context.Background())
	l.leaderCancel = cancel
	l.transitions++
	l.leaderCtx = context.WithValue(ctx, fencingEpochKey, l.currentEpoch)
	if !l.stepDownTime.IsZero() {
		log.Printf("[COORDINATION] ✅ %s became leader (epoch %d) after %v", l.ownerID, l.currentEpoch, time.Since(l.stepDownTime))
		l.stepDownTime = time.Time{}
	} else {
		log.Printf("[COORDINATION] ✅ %s acquired leadership (epoch %d)", l.ownerID, l.currentEpoch)
	}
	l.mu.Unlock()

	observability.LeaderTransitions.Inc()
	if l.onElected != nil {
		go l.onElected(l.leaderCtx)
	}
}

func (l *LeaderElector) stepDown() {
	l.mu.Lock()
	if !l.isLeader {
		l.mu.Unlock()
		return
	}
	l.isLeader = false
	l.transitions++
	l.stepDownTime = time.Now()
	if l.leaderCancel != nil {
		l.leaderCancel()
	}
	l.mu.Unlock()

	log.Printf("[COORDINATION] ⚠️ %s lost leadership", l.ownerID)
	if l.onLost != nil {
		l.onLost()
	}
}
