package webhooks

import (
	"sync"
	"time"
)

// RateLimiter implements token bucket rate limiting per relay consumer
type RateLimiter struct {
	buckets      map[string]*TokenBucket
	mutex        sync.RWMutex
	maxTokens    int
	refillPeriod time.Duration
	now          func() time.Time
}

// TokenBucket represents a token bucket for rate limiting
type TokenBucket struct {
	tokens       int
	maxTokens    int
	refillPeriod time.Duration
	lastRefill   time.Time
	mutex        sync.Mutex
}

// NewRateLimiter allows maxRequests per consumer, refilling one token
// every period
func NewRateLimiter(maxRequests int, period time.Duration) *RateLimiter {
	if maxRequests <= 0 {
		maxRequests = 100
	}
	if period <= 0 {
		period = time.Second
	}
	return &RateLimiter{
		buckets:      make(map[string]*TokenBucket),
		maxTokens:    maxRequests,
		refillPeriod: period,
		now:          time.Now,
	}
}

// Allow checks if a delivery to the given consumer may go out now
func (rl *RateLimiter) Allow(consumer string) bool {
	rl.mutex.Lock()
	bucket, exists := rl.buckets[consumer]
	if !exists {
		bucket = &TokenBucket{
			tokens:       rl.maxTokens,
			maxTokens:    rl.maxTokens,
			refillPeriod: rl.refillPeriod,
			lastRefill:   rl.now(),
		}
		rl.buckets[consumer] = bucket
	}
	rl.mutex.Unlock()

	return bucket.take(rl.now())
}

// take attempts to take a token from the bucket
func (tb *TokenBucket) take(now time.Time) bool {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()

	tb.refill(now)
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill)
	if elapsed >= tb.refillPeriod {
		periods := int(elapsed / tb.refillPeriod)
		tb.tokens = min(tb.tokens+periods, tb.maxTokens)
		tb.lastRefill = tb.lastRefill.Add(time.Duration(periods) * tb.refillPeriod)
	}
}

// Reset forgets a consumer's bucket, e.g. after its config changed
func (rl *RateLimiter) Reset(consumer string) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	delete(rl.buckets, consumer)
}

// GetRemaining returns the number of remaining tokens for a consumer
func (rl *RateLimiter) GetRemaining(consumer string) int {
	rl.mutex.RLock()
	bucket, exists := rl.buckets[consumer]
	rl.mutex.RUnlock()

	if !exists {
		return rl.maxTokens
	}

	bucket.mutex.Lock()
	defer bucket.mutex.Unlock()
	bucket.refill(rl.now())
	return bucket.tokens
}
