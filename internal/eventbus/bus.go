// Package eventbus fans out RunEvents produced by task-runtimes to
// subscribers, preserving per-run sequence order and per-subscription
// delivery-id order, with a bounded backlog for replay. Adapted from the
// reference's streaming.Publisher/Subscriber shape and timeline.Store's
// append/replay pattern, generalized from an unordered per-request slice
// into a deliveryId-ordered global log.
package eventbus

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/agentsdashboard/orchestrator-core/internal/idgen"
	"github.com/agentsdashboard/orchestrator-core/internal/model"
)

const defaultSubscriberBuffer = 256

// backlogCacheTimeout bounds every cache round-trip a Publish/ReadBacklog
// call makes so a slow or unreachable cache never blocks the bus itself.
const backlogCacheTimeout = 2 * time.Second

// BacklogCache is a durable mirror of the backlog consulted once the
// in-memory slice has evicted the range a caller asked for. Satisfied by
// internal/store/redis.EventCache.
type BacklogCache interface {
	Append(ctx context.Context, event *model.RunEvent) error
	ReadAfter(ctx context.Context, afterDeliveryID int64) ([]*model.RunEvent, error)
}

// Bus is the EventBus. The zero value is not usable; use New.
type Bus struct {
	mu          sync.RWMutex
	ids         *idgen.Generator
	backlog     []*model.RunEvent
	backlogCap  int
	sequences   map[string]int64 // runId -> last sequence issued
	subscribers map[int64]*subscription
	nextSubID   int64
	cache       BacklogCache
}

// SetBacklogCache attaches a durable cache consulted by ReadBacklog once a
// caller asks for deliveryIds the in-memory backlog has already evicted, and
// mirrored into by every Publish. Optional; a nil cache (the default) keeps
// the bus purely in-memory.
func (b *Bus) SetBacklogCache(c BacklogCache) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache = c
}

// New returns a Bus retaining up to backlogCap events.
func New(ids *idgen.Generator, backlogCap int) *Bus {
	if backlogCap <= 0 {
		backlogCap = 5000
	}
	return &Bus{
		ids:         ids,
		backlogCap:  backlogCap,
		sequences:   make(map[string]int64),
		subscribers: make(map[int64]*subscription),
	}
}

type subscription struct {
	id      int64
	runIDs  map[string]bool // nil/empty means "all"
	ch      chan *model.RunEvent
	closed  bool
}

// Subscription is the external handle returned by Subscribe.
type Subscription struct {
	bus *Bus
	id  int64
	ch  <-chan *model.RunEvent
}

// Events returns the channel events are delivered on. The channel is closed
// when Unsubscribe is called or the Bus shuts down.
func (s *Subscription) Events() <-chan *model.RunEvent { return s.ch }

// Unsubscribe removes the subscription; idempotent.
func (s *Subscription) Unsubscribe() { s.bus.unsubscribe(s.id) }

// Subscribe registers a cooperative reader. An empty/nil runIDs subscribes
// to all runs. Every call registers a new, independent subscription with
// its own channel: calling Subscribe twice with the same runIDs yields two
// subscriptions that each receive the matching events. Only Unsubscribe is
// idempotent.
func (b *Bus) Subscribe(runIDs []string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	id := b.nextSubID
	set := make(map[string]bool, len(runIDs))
	for _, r := range runIDs {
		set[r] = true
	}
	sub := &subscription{
		id:     id,
		runIDs: set,
		ch:     make(chan *model.RunEvent, defaultSubscriberBuffer),
	}
	b.subscribers[id] = sub
	log.Printf("[EVENTBUS] subscriber %d registered (scope=%v). total=%d", id, runIDs, len(b.subscribers))
	return &Subscription{bus: b, id: id, ch: sub.ch}
}

func (b *Bus) unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscribers[id]
	if !ok {
		return
	}
	if !sub.closed {
		close(sub.ch)
		sub.closed = true
	}
	delete(b.subscribers, id)
	log.Printf("[EVENTBUS] subscriber %d unregistered. total=%d", id, len(b.subscribers))
}

// Publish assigns deliveryId and (if unset) sequence, appends to the
// backlog, and delivers non-blockingly to every matching subscriber. A slow
// subscriber has its in-memory delivery dropped; backlog read access is
// preserved regardless (no producer blocking per spec).
func (b *Bus) Publish(event *model.RunEvent) *model.RunEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	event.DeliveryID = b.ids.NextDeliveryID()
	if event.Sequence == 0 {
		b.sequences[event.RunID]++
		event.Sequence = b.sequences[event.RunID]
	} else if event.Sequence > b.sequences[event.RunID] {
		b.sequences[event.RunID] = event.Sequence
	}

	b.backlog = append(b.backlog, event)
	if len(b.backlog) > b.backlogCap {
		b.backlog = b.backlog[len(b.backlog)-b.backlogCap:]
	}

	for _, sub := range b.subscribers {
		if len(sub.runIDs) > 0 && !sub.runIDs[event.RunID] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			log.Printf("[EVENTBUS] ⚠️ subscriber %d backpressured, dropping delivery %d (backlog still readable)", sub.id, event.DeliveryID)
		}
	}

	if b.cache != nil {
		cache := b.cache
		go func(event *model.RunEvent) {
			ctx, cancel := context.WithTimeout(context.Background(), backlogCacheTimeout)
			defer cancel()
			if err := cache.Append(ctx, event); err != nil {
				log.Printf("[EVENTBUS] ⚠️ backlog cache append failed for delivery %d: %v", event.DeliveryID, err)
			}
		}(event)
	}

	return event
}

// ReadBacklogResult is the response shape for ReadBacklog (spec.md 6.3).
type ReadBacklogResult struct {
	Events        []*model.RunEvent
	LastDeliveryID int64
	HasMore       bool
}

// ReadBacklog returns up to maxEvents (capped at 500) events with
// deliveryId > afterDeliveryID, in order.
func (b *Bus) ReadBacklog(afterDeliveryID int64, maxEvents int) ReadBacklogResult {
	if maxEvents <= 0 || maxEvents > 500 {
		maxEvents = 500
	}
	b.mu.RLock()
	out := make([]*model.RunEvent, 0, maxEvents)
	hasMore := false
	oldestRetained := int64(-1)
	if len(b.backlog) > 0 {
		oldestRetained = b.backlog[0].DeliveryID
	}
	for _, e := range b.backlog {
		if e.DeliveryID <= afterDeliveryID {
			continue
		}
		if len(out) >= maxEvents {
			hasMore = true
			break
		}
		out = append(out, e)
	}
	cache := b.cache
	b.mu.RUnlock()

	// The in-memory backlog only retains backlogCap entries; when the caller
	// asks for deliveryIds older than that range, the ones the cache still
	// holds are placed ahead of the in-memory results.
	if cache != nil && (oldestRetained < 0 || afterDeliveryID < oldestRetained-1) {
		ctx, cancel := context.WithTimeout(context.Background(), backlogCacheTimeout)
		cached, err := cache.ReadAfter(ctx, afterDeliveryID)
		cancel()
		if err != nil {
			log.Printf("[EVENTBUS] ⚠️ backlog cache read failed: %v", err)
		} else {
			older := make([]*model.RunEvent, 0, len(cached)+len(out))
			for _, e := range cached {
				if oldestRetained < 0 || e.DeliveryID < oldestRetained {
					older = append(older, e)
				}
			}
			if out = append(older, out...); len(out) > maxEvents {
				out, hasMore = out[:maxEvents], true
			}
		}
	}

	last := afterDeliveryID
	if len(out) > 0 {
		last = out[len(out)-1].DeliveryID
	}
	return ReadBacklogResult{Events: out, LastDeliveryID: last, HasMore: hasMore}
}

// SubscriberCount reports live subscriptions, used by internal metrics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Shutdown closes every subscriber channel, used on coordinator shutdown.
func (b *Bus) Shutdown(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscribers {
		if !sub.closed {
			close(sub.ch)
			sub.closed = true
		}
		delete(b.subscribers, id)
	}
	log.Printf("[EVENTBUS] shut down, all subscribers closed")
}
