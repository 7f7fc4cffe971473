package resilience

import (
	"context"
	"sync"
	"time"
)

// TokenBucket grants up to Capacity requests per Window. When the bucket is
// drained, Acquire blocks until the window rolls over or the context is
// cancelled. One bucket is shared per endpoint; acquisition is serialized.
type TokenBucket struct {
	mu          sync.Mutex
	capacity    int
	window      time.Duration
	tokens      int
	windowStart time.Time
}

// NewTokenBucket creates a full bucket. Defaults: 50 requests per 60 seconds.
func NewTokenBucket(capacity int, window time.Duration) *TokenBucket {
	if capacity <= 0 {
		capacity = 50
	}
	if window <= 0 {
		window = 60 * time.Second
	}
	return &TokenBucket{
		capacity:    capacity,
		window:      window,
		tokens:      capacity,
		windowStart: time.Now(),
	}
}

// Acquire takes one token, blocking until one is available. The wait is
// bounded by one window. The internal lock is never held while sleeping.
func (tb *TokenBucket) Acquire(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		if now.Sub(tb.windowStart) >= tb.window {
			tb.tokens = tb.capacity
			tb.windowStart = now
		}
		if tb.tokens > 0 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}
		wait := tb.window - now.Sub(tb.windowStart)
		tb.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Available returns the tokens remaining in the current window.
func (tb *TokenBucket) Available() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if time.Since(tb.windowStart) >= tb.window {
		return tb.capacity
	}
	return tb.tokens
}

// limiterSet holds one bucket per endpoint.
type limiterSet struct {
	mu       sync.Mutex
	buckets  map[string]*TokenBucket
	capacity int
	window   time.Duration
}

func newLimiterSet(capacity int, window time.Duration) *limiterSet {
	return &limiterSet{
		buckets:  make(map[string]*TokenBucket),
		capacity: capacity,
		window:   window,
	}
}

func (ls *limiterSet) get(endpoint string) *TokenBucket {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	tb, ok := ls.buckets[endpoint]
	if !ok {
		tb = NewTokenBucket(ls.capacity, ls.window)
		ls.buckets[endpoint] = tb
	}
	return tb
}
