package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/dutchauction/internal/domain"
)

// StatusCache stores the latest AuctionStatus as JSON under
// auction:{id}:status. Observers read it instead of running an engine.
type StatusCache struct {
	c   *Client
	ttl time.Duration
}

// NewStatusCache expires entries after ttl; 0 keeps them forever.
func NewStatusCache(c *Client, ttl time.Duration) *StatusCache {
	return &StatusCache{c: c, ttl: ttl}
}

func statusKey(auctionID string) string {
	return "auction:" + auctionID + ":status"
}

func (sc *StatusCache) SetStatus(ctx context.Context, status domain.AuctionStatus) error {
	id := status.State.AuctionID
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("redis: marshal status %s: %w", id, err)
	}
	if err := sc.c.rdb.Set(ctx, sc.c.Key(statusKey(id)), data, sc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set status %s: %w", id, err)
	}
	return nil
}

// GetStatus returns domain.ErrNotFound when nothing is cached.
func (sc *StatusCache) GetStatus(ctx context.Context, auctionID string) (domain.AuctionStatus, error) {
	data, err := sc.c.rdb.Get(ctx, sc.c.Key(statusKey(auctionID))).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.AuctionStatus{}, domain.ErrNotFound
		}
		return domain.AuctionStatus{}, fmt.Errorf("redis: get status %s: %w", auctionID, err)
	}
	var st domain.AuctionStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return domain.AuctionStatus{}, fmt.Errorf("redis: decode status %s: %w", auctionID, err)
	}
	return st, nil
}

var _ domain.StatusCache = (*StatusCache)(nil)
