package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// RateLimiter is a per-client token bucket. Buckets idle long enough to be
// full again are dropped on the next sweep.
type RateLimiter struct {
	buckets    map[string]*bucket
	mu         sync.Mutex
	rate       float64 // tokens per second
	bucketSize float64 // maximum tokens
	lastSweep  time.Time
	now        func() time.Time
}

func NewRateLimiter(rate float64, bucketSize float64) *RateLimiter {
	if rate <= 0 {
		rate = 2
	}
	if bucketSize < 1 {
		bucketSize = 5
	}
	return &RateLimiter{
		buckets:    make(map[string]*bucket),
		rate:       rate,
		bucketSize: bucketSize,
		now:        time.Now,
	}
}

// Allow takes one token from key's bucket.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweepLocked(now)

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.bucketSize, lastRefill: now}
		rl.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = min(rl.bucketSize, b.tokens+elapsed*rl.rate)
	b.lastRefill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (rl *RateLimiter) fullAfter() time.Duration {
	return time.Duration(rl.bucketSize / rl.rate * float64(time.Second))
}

func (rl *RateLimiter) sweepLocked(now time.Time) {
	idle := rl.fullAfter()
	if now.Sub(rl.lastSweep) < idle {
		return
	}
	rl.lastSweep = now
	for key, b := range rl.buckets {
		if now.Sub(b.lastRefill) >= idle {
			delete(rl.buckets, key)
		}
	}
}

// Len reports the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded. Please try again later.",
			})
			return
		}
		c.Next()
	}
}
