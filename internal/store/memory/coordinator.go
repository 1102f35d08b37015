package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/agentsdashboard/orchestrator-core/internal/store"
)

// Coordinator is the in-process lease/lock backend used by tests and
// single-process deployments, mirroring Store's map+mutex style.
type Coordinator struct {
	mu    sync.Mutex
	locks map[string]lease
}

type lease struct {
	owner     string
	expiresAt time.Time
}

// NewCoordinator returns an empty, ready-to-use Coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{locks: make(map[string]lease)}
}

var _ store.Coordinator = (*Coordinator)(nil)

func (c *Coordinator) AcquireLease(ctx context.Context, key string, owner string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if existing, ok := c.locks[key]; ok && existing.owner != owner && now.Before(existing.expiresAt) {
		return false, nil
	}
	c.locks[key] = lease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (c *Coordinator) RenewLease(ctx context.Context, key string, owner string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.locks[key]
	if !ok || existing.owner != owner {
		return false, nil
	}
	c.locks[key] = lease{owner: owner, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (c *Coordinator) ReleaseLease(ctx context.Context, key string, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.locks[key]; ok && existing.owner == owner {
		delete(c.locks, key)
	}
	return nil
}

func (c *Coordinator) GetLockOwner(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.locks[key]
	if !ok || time.Now().After(existing.expiresAt) {
		return "", store.ErrNotFound
	}
	return existing.owner, nil
}

func (c *Coordinator) ScanLocks(ctx context.Context, pattern string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	keys := make([]string, 0, len(c.locks))
	for k := range c.locks {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
