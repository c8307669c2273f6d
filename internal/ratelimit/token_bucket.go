package ratelimit

import (
	"sync"
	"time"

	"github.com/omasakun/remote-stylus/internal/clock"
)

// TokenBucket holds up to capacity tokens and regains one token every
// refillEvery. Refill is computed lazily from the clock, so an idle bucket
// costs nothing.
type TokenBucket struct {
	mu sync.Mutex

	clock clock.Clock

	capacity    int64
	refillEvery time.Duration

	available int64
	last      time.Time
}

func NewTokenBucket(clk clock.Clock, capacity int64, refillEvery time.Duration) *TokenBucket {
	if clk == nil {
		clk = clock.Real()
	}
	if capacity < 0 {
		capacity = 0
	}
	return &TokenBucket{
		clock:       clk,
		capacity:    capacity,
		refillEvery: refillEvery,
		available:   capacity,
		last:        clk.Now(),
	}
}

// Allow consumes n tokens if that many are available. n <= 0 always
// succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < n {
		return false
	}
	b.available -= n
	return true
}

// Full reports whether the bucket has regained its whole capacity.
func (b *TokenBucket) Full() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.available >= b.capacity
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Clock went backwards; restart accounting from here.
		b.last = now
		return
	}
	if b.refillEvery <= 0 || b.available >= b.capacity {
		b.last = now
		return
	}

	gained := int64(now.Sub(b.last) / b.refillEvery)
	if gained <= 0 {
		return
	}
	if gained >= b.capacity-b.available {
		b.available = b.capacity
		b.last = now
		return
	}
	b.available += gained
	b.last = b.last.Add(time.Duration(gained) * b.refillEvery)
}
