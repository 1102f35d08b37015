// Package redis backs the Coordinator (distributed locks/leases/fencing
// epochs), the idempotency caches, and a bounded recent-event cache that
// the EventBus's ReadBacklog reads once its in-memory ring has evicted the
// requested range. Adapted from the
// reference control plane's store/redis.go RedisStore — the lock/lease/
// epoch and generic key-value pieces survive verbatim in spirit; the
// Agent/DesiredState/Job-specific methods there have no analogue here
// because Run/Task/TaskRuntime/RunEvent/BackgroundWork all live in
// postgres.Store, the durable system of record.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentsdashboard/orchestrator-core/internal/observability"
	"github.com/agentsdashboard/orchestrator-core/internal/store"
)

// Client wraps a go-redis client with the Coordinator and IdempotencyCache
// behavior the orchestration core needs.
type Client struct {
	rdb *redis.Client
}

// New dials addr and verifies connectivity with a Ping before returning.
func New(ctx context.Context, addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}
	return &Client{rdb: rdb}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func observeLatency(start time.Time) {
	observability.RedisLatency.Observe(time.Since(start).Seconds())
}

var _ store.Coordinator = (*Client)(nil)
var _ store.IdempotencyCache = (*Client)(nil)

// --- Coordinator: distributed locks/leases ---

// AcquireLease acquires key for owner via SET NX EX, failing if already held.
func (c *Client) AcquireLease(ctx context.Context, key string, owner string, ttl time.Duration) (bool, error) {
	defer observeLatency(time.Now())
	ok, err := c.rdb.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// renewScript extends key's TTL only if it is still held by ARGV[1],
// atomically so a concurrent takeover can't be renewed by its prior owner.
const renewScript = `
local val = redis.call("get", KEYS[1])
if not val then
	return -1
end
if val == ARGV[1] then
	return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
else
	return -2
end
`

// RenewLease extends key's TTL if still held by owner.
func (c *Client) RenewLease(ctx context.Context, key string, owner string, ttl time.Duration) (bool, error) {
	defer observeLatency(time.Now())
	res, err := c.rdb.Eval(ctx, renewScript, []string{key}, owner, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}
	code, ok := res.(int64)
	if !ok {
		return false, errors.New("redis: unexpected renew script return type")
	}
	return code == 1, nil
}

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// ReleaseLease releases key if still held by owner; a no-op otherwise.
func (c *Client) ReleaseLease(ctx context.Context, key string, owner string) error {
	defer observeLatency(time.Now())
	_, err := c.rdb.Eval(ctx, releaseScript, []string{key}, owner).Result()
	return err
}

// GetLockOwner returns the current holder of key, or "" if unheld.
func (c *Client) GetLockOwner(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// ScanLocks returns keys matching pattern, used by the lock janitor sweep.
func (c *Client) ScanLocks(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// --- IdempotencyCache ---

const idempotencyKeyPrefix = "orchestrator:idempotency:"

// Get returns the cached value for key, if present.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	defer observeLatency(time.Now())
	val, err := c.rdb.Get(ctx, idempotencyKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetNX stores value under key only if key is not already set, returning
// false (no error) when another request already won the race.
func (c *Client) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	defer observeLatency(time.Now())
	return c.rdb.SetNX(ctx, idempotencyKeyPrefix+key, value, ttl).Result()
}

// --- idempotency.Backend: API-layer HTTP response replay cache ---
//
// This is a distinct key space and interface shape from IdempotencyCache
// above: the HTTP layer caches whole (status, body) responses keyed by an
// Idempotency-Key header and always overwrites, where IdempotencyCache
// only sets a key that is absent (SetNX); no core component calls it.

const httpCacheKeyPrefix = "orchestrator:httpcache:"

// HTTPCache adapts a Client to internal/idempotency.Backend.
type HTTPCache struct {
	client *Client
}

// NewHTTPCache returns an idempotency.Backend-compatible cache over c.
func NewHTTPCache(c *Client) *HTTPCache {
	return &HTTPCache{client: c}
}

func (h *HTTPCache) Get(ctx context.Context, key string) (string, error) {
	defer observeLatency(time.Now())
	val, err := h.client.rdb.Get(ctx, httpCacheKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (h *HTTPCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	defer observeLatency(time.Now())
	return h.client.rdb.Set(ctx, httpCacheKeyPrefix+key, value, ttl).Err()
}
