package service

import (
	"context"

	"github.com/alanyoungcy/dutchauction/internal/domain"
)

// CachedStatus serves auction status from the status cache. Observer
// processes use it instead of an engine.
type CachedStatus struct {
	cache     domain.StatusCache
	auctionID string
}

func NewCachedStatus(cache domain.StatusCache, auctionID string) *CachedStatus {
	return &CachedStatus{cache: cache, auctionID: auctionID}
}

func (c *CachedStatus) Status(ctx context.Context) (domain.AuctionStatus, error) {
	return c.cache.GetStatus(ctx, c.auctionID)
}
