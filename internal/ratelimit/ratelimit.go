// Package ratelimit provides per-identity token-bucket admission control.
package ratelimit

import (
	"sync"
	"time"

	"github.com/chatrelay/chatrelay/internal/event"
	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/pkg/types"
)

// bucket tracks admission tokens for one identity.
type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// Limiter admits requests per identity using a lazily-created token bucket.
// Buckets refill continuously at maxTokens/window tokens per second and are
// never destroyed; cardinality is bounded by the number of identities.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	maxTokens float64
	refill    float64 // tokens per second
	disabled  bool

	// now is replaceable for tests.
	now func() time.Time
}

// New creates a Limiter from configuration.
func New(cfg types.RateLimitConfig) *Limiter {
	return &Limiter{
		buckets:   make(map[string]*bucket),
		maxTokens: float64(cfg.MaxRequests),
		refill:    cfg.Refill(),
		disabled:  cfg.Disabled || cfg.MaxRequests <= 0 || cfg.WindowSeconds <= 0,
		now:       time.Now,
	}
}

// Check admits or denies one request for the identity. A denial reports how
// many seconds to wait before a retry would be admitted.
func (l *Limiter) Check(identity string) (allowed bool, retryAfter float64) {
	if l.disabled {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	b, ok := l.buckets[identity]
	if !ok {
		b = &bucket{tokens: l.maxTokens, lastUpdate: now}
		l.buckets[identity] = b
	}

	// Wall clock can step backwards; never refill negatively.
	elapsed := max(0, now.Sub(b.lastUpdate).Seconds())
	b.tokens = min(l.maxTokens, b.tokens+elapsed*l.refill)
	b.lastUpdate = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}

	retryAfter = (1 - b.tokens) / l.refill
	logging.Debug().
		Str("identity", identity).
		Float64("retryAfter", retryAfter).
		Msg("rate limited")
	event.Publish(event.Event{
		Type: event.RateLimited,
		Data: event.RateLimitedData{Identity: identity, RetryAfter: retryAfter},
	})
	return false, retryAfter
}
