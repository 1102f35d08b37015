package coordination

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/agentsdashboard/orchestrator-core/internal/store"
)

// LockJanitor periodically force-releases leader locks left behind by a
// crashed or partitioned holder: one whose fencing epoch has already been
// superseded, or one whose lease has simply expired and was never cleaned
// up by its holder.
type LockJanitor struct {
	coordinator store.Coordinator
	store       store.Store
	interval    time.Duration
}

// NewLockJanitor returns a janitor sweeping leader locks every interval.
func NewLockJanitor(c store.Coordinator, s store.Store, interval time.Duration) *LockJanitor {
	return &LockJanitor{coordinator: c, store: s, interval: interval}
}

func (j *LockJanitor) Start(ctx context.Context) {
	go j.loop(ctx)
}

func (j *LockJanitor) loop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.clean(ctx)
		}
	}
}

// clean scans every lock under the leader prefix and force-releases any
// that are fenced out (stale epoch) or simply expired past grace.
func (j *LockJanitor) clean(ctx context.Context) {
	currentEpoch, err := j.store.GetDurableEpoch(ctx, "scheduler_leader")
	if err != nil {
		log.Printf("[COORDINATION] ⚠️ janitor failed to read durable epoch: %v", err)
		return
	}

	keys, err := j.coordinator.ScanLocks(ctx, "orchestrator:lock:*")
	if err != nil {
		log.Printf("[COORDINATION] ⚠️ janitor scan failed: %v", err)
		return
	}

	for _, key := range keys {
		val, err := j.coordinator.GetLockOwner(ctx, key)
		if err != nil || val == "" {
			continue
		}

		var meta LockMetadata
		if err := json.Unmarshal([]byte(val), &meta); err != nil {
			log.Printf("[COORDINATION] ⚠️ janitor failed to unmarshal lock %s: %v", key, err)
			continue
		}

		if meta.Epoch < currentEpoch {
			log.Printf("[COORDINATION] 🚨 janitor fencing lock %s (epoch %d < current %d), force releasing", key, meta.Epoch, currentEpoch)
			if err := j.coordinator.ReleaseLease(ctx, key, val); err != nil {
				log.Printf("[COORDINATION] ⚠️ janitor failed to release fenced lock %s: %v", key, err)
			}
			continue
		}

		if time.Now().After(meta.ExpiresAt.Add(5 * time.Second)) {
			log.Printf("[COORDINATION] ⚠️ janitor reclaiming stale lock %s (expired %s)", key, meta.ExpiresAt)
			if err := j.coordinator.ReleaseLease(ctx, key, val); err != nil {
				log.Printf("[COORDINATION] ⚠️ janitor failed to release stale lock %s: %v", key, err)
			}
		}
	}
}
