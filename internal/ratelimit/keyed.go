package ratelimit

import (
	"sync"
	"time"

	"github.com/omasakun/remote-stylus/internal/clock"
)

const defaultMaxKeys = 4096

// KeyedLimiter keeps one TokenBucket per key, for example per client IP.
// Buckets that have refilled completely are forgotten once the key count
// exceeds MaxKeys.
type KeyedLimiter struct {
	clock       clock.Clock
	capacity    int64
	refillEvery time.Duration
	maxKeys     int

	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

// NewPerMinute allows a burst of perMinute requests per key and refills the
// bucket at the same rate. perMinute <= 0 returns nil, which allows
// everything.
func NewPerMinute(clk clock.Clock, perMinute int) *KeyedLimiter {
	if perMinute <= 0 {
		return nil
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &KeyedLimiter{
		clock:       clk,
		capacity:    int64(perMinute),
		refillEvery: time.Minute / time.Duration(perMinute),
		maxKeys:     defaultMaxKeys,
		buckets:     make(map[string]*TokenBucket),
	}
}

func (l *KeyedLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.pruneLocked()
		}
		b = NewTokenBucket(l.clock, l.capacity, l.refillEvery)
		l.buckets[key] = b
	}
	l.mu.Unlock()

	return b.Allow(1)
}

func (l *KeyedLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *KeyedLimiter) pruneLocked() {
	for key, b := range l.buckets {
		if b.Full() {
			delete(l.buckets, key)
		}
	}
}
