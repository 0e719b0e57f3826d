package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/storefront-fulfillment/internal/orders"
)

type statusEntry struct {
	orders.CachedStatus
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusCache keeps the latest known order status for cheap polling.
type StatusCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewStatusCache(rdb redis.Cmdable, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = TTLStatusCache
	}
	return &StatusCache{rdb: rdb, ttl: ttl}
}

func (c *StatusCache) GetStatus(ctx context.Context, orderID string) (orders.CachedStatus, bool, error) {
	b, err := c.rdb.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return orders.CachedStatus{}, false, nil
	}
	if err != nil {
		return orders.CachedStatus{}, false, err
	}
	var e statusEntry
	if err := json.Unmarshal(b, &e); err != nil || e.Status == "" {
		return orders.CachedStatus{}, false, nil
	}
	return e.CachedStatus, true, nil
}

func (c *StatusCache) SetStatus(ctx context.Context, orderID string, s orders.CachedStatus) error {
	b, err := json.Marshal(statusEntry{CachedStatus: s, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, fmt.Sprintf(KeyOrderStatus, orderID), b, c.ttl).Err()
}
