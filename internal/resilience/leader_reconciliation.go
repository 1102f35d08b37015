package resilience

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agentsdashboard/orchestrator-core/internal/observability"
)

// LeaderEpoch is the leadership-term information a leader elector reports.
type LeaderEpoch struct {
	Epoch     int64
	LeaderID  string
	StartTime time.Time
}

// ReconciliationCoordinator runs reconciliation only on the replica that
// currently holds the scheduler leader lease, double-checking the fencing
// epoch before and after the pass so a leadership handoff mid-reconcile
// aborts the commit rather than racing the new leader.
type ReconciliationCoordinator struct {
	mu sync.RWMutex

	degradedMode  *DegradedMode
	writer        VersionedWriter
	nodeID        string
	currentEpoch  int64
	leaderID      string
	isLeader      bool
	getLeaderInfo func() (*LeaderEpoch, error)
}

// NewReconciliationCoordinator returns a coordinator that reconciles
// degradedMode's pending writes into writer, validating leadership via
// getLeaderInfo at each step.
func NewReconciliationCoordinator(degradedMode *DegradedMode, writer VersionedWriter, getLeaderInfo func() (*LeaderEpoch, error), nodeID string) *ReconciliationCoordinator {
	return &ReconciliationCoordinator{degradedMode: degradedMode, writer: writer, getLeaderInfo: getLeaderInfo, nodeID: nodeID}
}

// UpdateLeadershipStatus is called from the LeaderElector's onElected/onLost
// callbacks to keep this coordinator's view of leadership current.
func (c *ReconciliationCoordinator) UpdateLeadershipStatus(epoch int64, leaderID string, isLeader bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentEpoch = epoch
	c.leaderID = leaderID
	c.isLeader = isLeader
}

// ReconcileIfLeader reconciles pending writes only if this node is the
// current leader, aborting if the fencing epoch moves during the pass.
func (c *ReconciliationCoordinator) ReconcileIfLeader(ctx context.Context) error {
	c.mu.RLock()
	if !c.isLeader {
		c.mu.RUnlock()
		return nil
	}
	startEpoch := c.currentEpoch
	c.mu.RUnlock()

	if c.degradedMode.GetPendingWriteCount() == 0 {
		return nil
	}

	leaderInfo, err := c.getLeaderInfo()
	if err != nil {
		return fmt.Errorf("failed to get leader info: %w", err)
	}
	if leaderInfo.Epoch != startEpoch {
		log.Printf("[RECONCILIATION] ⚠️ epoch changed before reconcile: %d -> %d, aborting", startEpoch, leaderInfo.Epoch)
		observability.ReconciliationEpochAbort.Inc()
		return fmt.Errorf("leadership changed during reconciliation: epoch %d -> %d", startEpoch, leaderInfo.Epoch)
	}

	reconcileErr := c.degradedMode.ReconcilePendingWrites(ctx, c.writer)

	c.mu.RLock()
	endEpoch := c.currentEpoch
	c.mu.RUnlock()
	if endEpoch != startEpoch {
		log.Printf("[RECONCILIATION] ⚠️ epoch changed during reconcile: %d -> %d, aborting commit", startEpoch, endEpoch)
		observability.ReconciliationEpochAbort.Inc()
		return fmt.Errorf("leadership changed during reconciliation: epoch %d -> %d", startEpoch, endEpoch)
	}

	if reconcileErr != nil {
		return fmt.Errorf("reconciliation failed: %w", reconcileErr)
	}
	log.Printf("[RECONCILIATION] ✅ reconciliation complete (epoch %d)", startEpoch)
	return nil
}

// StartPeriodicReconciliation runs ReconcileIfLeader on interval until ctx
// is cancelled.
func (c *ReconciliationCoordinator) StartPeriodicReconciliation(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ReconcileIfLeader(ctx); err != nil {
				log.Printf("[RECONCILIATION] ⚠️ %v", err)
			}
		}
	}
}
