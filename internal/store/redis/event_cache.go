package redis

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/agentsdashboard/orchestrator-core/internal/eventbus"
	"github.com/agentsdashboard/orchestrator-core/internal/model"
)

var _ eventbus.BacklogCache = (*EventCache)(nil)

// eventCacheKey is the single sorted set every EventCache instance mirrors
// the bus's global deliveryId-ordered log into; the cache is global like
// eventbus.Bus's own backlog, not scoped per run.
const eventCacheKey = "orchestrator:events:backlog"

// EventCache is a bounded recent-event mirror backed by a Redis sorted set,
// keyed by deliveryId, satisfying eventbus.BacklogCache so a replay of
// recent events a subscriber fell behind on doesn't have to round-trip
// through the durable store.
type EventCache struct {
	rdb    *goredis.Client
	key    string
	maxLen int64
}

// NewEventCache returns a cache over rdb retaining up to maxLen entries.
func NewEventCache(c *Client, maxLen int64) *EventCache {
	if maxLen <= 0 {
		maxLen = 500
	}
	return &EventCache{rdb: c.rdb, key: eventCacheKey, maxLen: maxLen}
}

// Append records event, trimming the set back to maxLen oldest-evicted.
func (e *EventCache) Append(ctx context.Context, event *model.RunEvent) error {
	defer observeLatency(time.Now())
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	pipe := e.rdb.TxPipeline()
	pipe.ZAdd(ctx, e.key, goredis.Z{Score: float64(event.DeliveryID), Member: data})
	pipe.ZRemRangeByRank(ctx, e.key, 0, -e.maxLen-1)
	_, err = pipe.Exec(ctx)
	return err
}

// ReadAfter returns cached events with deliveryId > afterDeliveryID, oldest
// first. eventbus.Bus.ReadBacklog only consults this once its own in-memory
// backlog has already evicted the requested range.
func (e *EventCache) ReadAfter(ctx context.Context, afterDeliveryID int64) ([]*model.RunEvent, error) {
	defer observeLatency(time.Now())
	members, err := e.rdb.ZRangeByScore(ctx, e.key, &goredis.ZRangeBy{
		Min: formatExclusiveMin(afterDeliveryID),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*model.RunEvent, 0, len(members))
	for _, m := range members {
		var ev model.RunEvent
		if err := json.Unmarshal([]byte(m), &ev); err != nil {
			continue
		}
		out = append(out, &ev)
	}
	return out, nil
}

func formatExclusiveMin(deliveryID int64) string {
	return "(" + strconv.FormatInt(deliveryID, 10)
}
