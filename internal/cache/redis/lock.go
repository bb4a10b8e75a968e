package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/dutchauction/internal/domain"
)

// Both scripts act only while the key still holds the caller's token, so a
// holder never releases or extends a lease that has passed to someone else.
const (
	unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`
	extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`
)

// LockManager hands out leases backed by SET NX PX.
type LockManager struct {
	c        *Client
	unlockSc *redis.Script
	extendSc *redis.Script
}

func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		c:        c,
		unlockSc: redis.NewScript(unlockLua),
		extendSc: redis.NewScript(extendLua),
	}
}

// LeaseKey is the key guarding the single engine of an auction.
func LeaseKey(auctionID string) string {
	return "auction:" + auctionID + ":engine"
}

// Acquire takes the lease for key, or returns domain.ErrLockHeld.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (domain.Lease, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("redis: lease %s: ttl must be > 0", key)
	}
	token := uuid.NewString()
	full := lm.c.Key("lock:" + key)

	ok, err := lm.c.rdb.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: acquire lease %s: %w", key, domain.ErrLockHeld)
	}
	return &lease{lm: lm, key: full, token: token, ttl: ttl}, nil
}

type lease struct {
	lm    *LockManager
	key   string
	token string
	ttl   time.Duration
	once  sync.Once
}

// Keepalive extends the lease every ttl/3 until ctx is done.
func (l *lease) Keepalive(ctx context.Context) error {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := l.lm.extendSc.Run(ctx, l.lm.c.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("redis: extend lease %s: %w", l.key, err)
			}
			if n == 0 {
				return fmt.Errorf("redis: lease %s: %w", l.key, domain.ErrLockLost)
			}
		}
	}
}

// Release deletes the key if this lease still owns it. It is safe to call
// more than once and uses its own timeout so it works after ctx is done.
func (l *lease) Release() {
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.lm.unlockSc.Run(ctx, l.lm.c.rdb, []string{l.key}, l.token).Err()
	})
}

var _ domain.LockManager = (*LockManager)(nil)
