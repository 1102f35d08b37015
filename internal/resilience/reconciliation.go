package resilience

import (
	"context"
	"log"
	"time"
)

// VersionedValue pairs a value with the version it was buffered at, so the
// durable store never accepts a write older than what it already has.
type VersionedValue struct {
	Value     interface{}
	Version   int64
	Timestamp int64
}

// VersionedWriter is the durable-store side of reconciliation: anything
// that can report its current version for a key and accept a newer one.
// ErrNotFound should be returned (not wrapped) when the key is absent.
type VersionedWriter interface {
	GetVersioned(ctx context.Context, key string) (*VersionedValue, error)
	SetVersioned(ctx context.Context, key string, value VersionedValue, ttl time.Duration) error
}

var ErrNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "resilience: not found" }

// ReconcilePendingWrites replays buffered writes into the durable store,
// skipping any the store already holds a version for at or past ours.
func (d *DegradedMode) ReconcilePendingWrites(ctx context.Context, writer VersionedWriter) error {
	d.mu.Lock()
	pending := make([]PendingWrite, len(d.pendingWrites))
	copy(pending, d.pendingWrites)
	d.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	log.Printf("[RESILIENCE] reconciling %d pending writes", len(pending))

	var succeeded, skipped, failed int
	for i, write := range pending {
		if write.Reconciled {
			skipped++
			continue
		}

		if age := time.Since(time.Unix(write.Timestamp, 0)); age > 5*time.Minute {
			log.Printf("[RESILIENCE] ⚠️ skipping stale pending write %s (age %v)", write.Key, age)
			d.markReconciled(i)
			failed++
			continue
		}

		existing, err := writer.GetVersioned(ctx, write.Key)
		if err != nil && err != ErrNotFound {
			log.Printf("[RESILIENCE] ⚠️ failed to read existing version for %s: %v", write.Key, err)
			failed++
			continue
		}
		if existing != nil && existing.Version >= write.Version {
			d.markReconciled(i)
			skipped++
			continue
		}

		err = writer.SetVersioned(ctx, write.Key, VersionedValue{Value: write.Value, Version: write.Version, Timestamp: write.Timestamp}, write.TTL)
		if err != nil {
			log.Printf("[RESILIENCE] ⚠️ failed to reconcile %s: %v", write.Key, err)
			failed++
			continue
		}
		d.markReconciled(i)
		succeeded++
	}

	d.mu.Lock()
	remaining := d.pendingWrites[:0]
	for _, write := range d.pendingWrites {
		if !write.Reconciled {
			remaining = append(remaining, write)
		}
	}
	d.pendingWrites = remaining
	d.mu.Unlock()

	log.Printf("[RESILIENCE] reconciliation complete: %d succeeded, %d skipped, %d failed", succeeded, skipped, failed)
	if failed > 0 {
		return &ReconciliationError{Total: len(pending), Success: succeeded, Skipped: skipped, Failed: failed}
	}
	return nil
}

func (d *DegradedMode) markReconciled(i int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < len(d.pendingWrites) {
		d.pendingWrites[i].Reconciled = true
	}
}

// MarkStoreAvailableWithReconciliation marks the store recovered and, if it
// had been down, replays buffered writes into it.
func (d *DegradedMode) MarkStoreAvailableWithReconciliation(ctx context.Context, writer VersionedWriter) error {
	d.mu.Lock()
	wasDown := !d.storeAvailable
	d.storeAvailable = true
	d.checkRecovered()
	d.mu.Unlock()

	if wasDown {
		return d.ReconcilePendingWrites(ctx, writer)
	}
	return nil
}
