package redis

import (
	"context"
	"strconv"
	"time"

	"video-batch-service/internal/infra/metrics"
)

// BalanceCache keeps a per-user credit balance with a TTL. It is a read
// accelerator only: the ledger sum stays authoritative, and every ledger
// write invalidates the key so the cache can never diverge for longer than
// one read.
type BalanceCache struct {
	client *Client
	ttl    time.Duration
}

func NewBalanceCache(client *Client, ttl time.Duration) *BalanceCache {
	return &BalanceCache{client: client, ttl: ttl}
}

func key(userID string) string { return "credits:balance:" + userID }

func (c *BalanceCache) Get(ctx context.Context, userID string) (int, bool) {
	v, err := c.client.Get(ctx, key(userID))
	if err != nil {
		metrics.IncCacheRequest("balance", "miss")
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		metrics.IncCacheRequest("balance", "miss")
		return 0, false
	}
	metrics.IncCacheRequest("balance", "hit")
	return n, true
}

func (c *BalanceCache) Set(ctx context.Context, userID string, balance int) {
	_ = c.client.Set(ctx, key(userID), strconv.Itoa(balance), c.ttl)
}

func (c *BalanceCache) Invalidate(ctx context.Context, userID string) {
	_ = c.client.Del(ctx, key(userID))
}
