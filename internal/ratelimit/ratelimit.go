// Package ratelimit implements a per-user token bucket rate limiter.
// Tokens are refilled lazily on each call; there is no background goroutine.
package ratelimit

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/poseylabs/posey/internal/config"
)

// ErrRateLimited is returned when a user has exhausted their token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Limiter is a per-user token bucket rate limiter. Each user gets an
// independent bucket.
type Limiter struct {
	mu    sync.Mutex
	users map[string]*bucket
	rate  float64 // tokens per second
	burst float64
	now   func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// New creates a limiter. RequestsPerMinute 0 means unlimited. BurstSize
// defaults to RequestsPerMinute.
func New(cfg config.RateLimitConfig) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		users: make(map[string]*bucket),
		rate:  float64(cfg.RequestsPerMinute) / 60.0,
		burst: float64(burst),
		now:   time.Now,
	}
}

// Allow consumes one token.
func (l *Limiter) Allow(userID string) error {
	return l.AllowN(userID, 1)
}

// AllowN consumes n tokens or none. A cost above the burst size is capped
// at the burst so expensive requests are slow rather than impossible.
func (l *Limiter) AllowN(userID string, n int) error {
	if l == nil || l.rate <= 0 {
		return nil
	}
	cost := math.Min(float64(max(n, 1)), l.burst)

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(userID)
	if b.tokens < cost {
		return ErrRateLimited
	}
	b.tokens -= cost
	return nil
}

// RetryAfter estimates how long userID must wait for n tokens.
func (l *Limiter) RetryAfter(userID string, n int) time.Duration {
	if l == nil || l.rate <= 0 {
		return 0
	}
	cost := math.Min(float64(max(n, 1)), l.burst)

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(userID)
	if b.tokens >= cost {
		return 0
	}
	return time.Duration(math.Ceil((cost-b.tokens)/l.rate)) * time.Second
}

// refill tops up the user's bucket. The caller holds l.mu.
func (l *Limiter) refill(userID string) *bucket {
	now := l.now()
	b, ok := l.users[userID]
	if !ok {
		b = &bucket{tokens: l.burst, lastFill: now}
		l.users[userID] = b
		return b
	}
	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.lastFill).Seconds()*l.rate)
	b.lastFill = now
	return b
}
