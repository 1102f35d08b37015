// Package idempotency caches CreateRun responses by client-supplied
// idempotency key, so a retried request returns the original run instead
// of creating a duplicate. Adapted from the reference control plane's
// idempotency/store.go, which caches whole HTTP responses behind a
// pluggable backend with an in-memory fallback.
package idempotency

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Response is the cached CreateRun result returned on key replay.
type Response struct {
	StatusCode int
	Body       []byte
}

// Backend is the durable side of the cache; store/redis's HTTPCache
// satisfies this with plain Get/Set.
type Backend interface {
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

const defaultTTL = 24 * time.Hour

type entry struct {
	Resp      Response
	Timestamp time.Time
}

// Store caches idempotency-key to Response mappings, falling back to an
// in-process map with its own short TTL when no durable backend is wired.
type Store struct {
	backend Backend
	cache   sync.Map
}

// NewStore returns a Store backed by backend. A nil backend runs purely
// in-memory — fine for single-process deployments and tests.
func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Get returns the cached response for key, if any.
func (s *Store) Get(ctx context.Context, key string) (Response, bool) {
	if s.backend != nil {
		val, err := s.backend.Get(ctx, key)
		if err != nil {
			log.Printf("[IDEMPOTENCY] ⚠️ backend error getting %s: %v", key, err)
			return Response{}, false
		}
		if val == "" {
			return Response{}, false
		}
		var e entry
		if err := json.Unmarshal([]byte(val), &e); err != nil {
			return Response{}, false
		}
		return e.Resp, true
	}

	val, ok := s.cache.Load(key)
	if !ok {
		return Response{}, false
	}
	e := val.(entry)
	if time.Since(e.Timestamp) > time.Hour {
		s.cache.Delete(key)
		return Response{}, false
	}
	return e.Resp, true
}

// Set records resp under key for replay within the idempotency window.
func (s *Store) Set(ctx context.Context, key string, resp Response) {
	e := entry{Resp: resp, Timestamp: time.Now()}

	if s.backend != nil {
		b, err := json.Marshal(e)
		if err != nil {
			log.Printf("[IDEMPOTENCY] ⚠️ failed to marshal entry for %s: %v", key, err)
			return
		}
		if err := s.backend.Set(ctx, key, string(b), defaultTTL); err != nil {
			log.Printf("[IDEMPOTENCY] ⚠️ backend error setting %s: %v", key, err)
		}
		return
	}

	s.cache.Store(key, e)
}
