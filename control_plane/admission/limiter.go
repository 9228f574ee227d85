package admission

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter decides whether a keyed caller may proceed now.
type RateLimiter interface {
	Allow(key string) bool
}

// TokenBucketLimiter keeps one token bucket per key.
type TokenBucketLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	r        rate.Limit
	b        int
}

// NewTokenBucketLimiter creates a limiter with rate r tokens per second and
// burst b for every key. r <= 0 means unlimited.
func NewTokenBucketLimiter(r float64, b int) *TokenBucketLimiter {
	limit := rate.Limit(r)
	if r <= 0 {
		limit = rate.Inf
	}
	if b <= 0 {
		b = 1
	}
	return &TokenBucketLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        limit,
		b:        b,
	}
}

func (l *TokenBucketLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = limiter
	}
	return limiter
}

// Allow consumes a token for key if one is available.
func (l *TokenBucketLimiter) Allow(key string) bool {
	return l.get(key).Allow()
}

// Reserve reports whether key may proceed now and, if not, how long until it
// could. A refused reservation is cancelled.
func (l *TokenBucketLimiter) Reserve(key string) (bool, time.Duration) {
	r := l.get(key).Reserve()
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}
