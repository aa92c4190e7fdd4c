// ratelimit.go implements token-bucket rate limiting for KIS API calls.
//
// KIS enforces a hard requests-per-second budget per app key (20/s on the
// real environment, lower on the paper-trading sandbox). A smooth token
// bucket that refills continuously keeps bursts inside the budget without
// spacing every call a full tick apart.
package broker

import (
	"context"
	"sync"
	"time"
)

// Default bucket tuning for one KIS app key. Slightly under the published
// budget to absorb clock skew between us and the gateway.
const (
	DefaultMaxTokens  = 15
	DefaultRefillRate = 15.0
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Acquire() until a token is available or the context is
// cancelled. Tokens are fractional; the count never goes negative.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64   // current available tokens
	maxTokens  float64   // bucket capacity (burst size)
	refillRate float64   // tokens refilled per second
	lastRefill time.Time // last time tokens were recalculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill
// rate. The bucket starts full.
func NewTokenBucket(maxTokens, refillRate float64) *TokenBucket {
	return &TokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Acquire blocks until a token is available, consumes it, and returns.
// If ctx is cancelled while waiting, no token is consumed.
//
// The guard is released while sleeping on an empty bucket, so two waiters
// may race to a refilled token; the loser simply waits out the next refill.
func (tb *TokenBucket) Acquire(ctx context.Context) error {
	for {
		tb.mu.Lock()
		tb.refill()

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.refillRate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// refill credits tokens for the time elapsed since the last refill.
// Callers must hold tb.mu.
func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now
}

// Tokens returns the current token count after a refill. Intended for
// observability and tests.
func (tb *TokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return tb.tokens
}
