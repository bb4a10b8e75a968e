package service

import (
	"sync"
	"time"

	"github.com/alanyoungcy/dutchauction/internal/domain"
)

// Dedup remembers bid idempotency keys for a TTL so a retried request is
// not admitted twice. It is safe for concurrent use.
type Dedup struct {
	seen  map[string]time.Time // key -> first seen
	ttl   time.Duration
	clock domain.Clock
	mu    sync.Mutex
}

func NewDedup(ttl time.Duration, clock domain.Clock) *Dedup {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Dedup{
		seen:  make(map[string]time.Time),
		ttl:   ttl,
		clock: clock,
	}
}

// Seen reports whether key was recorded within the TTL, recording it if not.
func (d *Dedup) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	if first, ok := d.seen[key]; ok && now.Sub(first) < d.ttl {
		return true
	}
	d.seen[key] = now
	return false
}

// Forget drops key so the request can be retried, used when the bid it
// guarded failed before reaching the ledger.
func (d *Dedup) Forget(key string) {
	d.mu.Lock()
	delete(d.seen, key)
	d.mu.Unlock()
}

// Cleanup drops expired keys.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	for k, first := range d.seen {
		if now.Sub(first) >= d.ttl {
			delete(d.seen, k)
		}
	}
}

func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
