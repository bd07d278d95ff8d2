package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/monitorbot/monitorbot/internal/domain"
)

// pendingQueueKey is the global dispatcher queue; entries are pushed to
// its head so the dispatcher can pop newest-first.
const pendingQueueKey = "alerts:pending"

// queueTTL bounds how long alerts:pending and alerts:market:<m> persist.
const queueTTL = time.Hour

func marketQueueKey(marketID string) string {
	return fmt.Sprintf("alerts:market:%s", marketID)
}

// Queue pushes detector-produced alerts onto the dispatcher's pending
// list, mirroring each onto a per-market list for operator inspection.
type Queue struct {
	cache domain.Cache
}

// NewQueue creates a Queue.
func NewQueue(cache domain.Cache) *Queue {
	return &Queue{cache: cache}
}

// Push enqueues a for the dispatcher, assigning it a fresh ID if it
// doesn't already have one. Both the global and per-market lists have
// their TTL refreshed on every push so an idle market's alert history
// still expires.
func (q *Queue) Push(ctx context.Context, a domain.Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("alert: marshal alert: %w", err)
	}

	if err := q.cache.LPush(ctx, pendingQueueKey, string(raw)); err != nil {
		return fmt.Errorf("alert: push pending: %w", err)
	}
	if err := q.cache.Expire(ctx, pendingQueueKey, queueTTL); err != nil {
		return fmt.Errorf("alert: refresh pending ttl: %w", err)
	}

	if a.MarketID == "" {
		return nil
	}
	key := marketQueueKey(a.MarketID)
	if err := q.cache.LPush(ctx, key, string(raw)); err != nil {
		return fmt.Errorf("alert: push market queue: %w", err)
	}
	if err := q.cache.Expire(ctx, key, queueTTL); err != nil {
		return fmt.Errorf("alert: refresh market queue ttl: %w", err)
	}
	return nil
}
