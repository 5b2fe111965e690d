package webserver

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiter is a per-key sliding window kept in memory. Stale keys are
// swept at most once per window, on the request path.
type RateLimiter struct {
	mu        sync.Mutex
	hits      map[string][]time.Time
	rate      int
	window    time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		hits:   make(map[string][]time.Time),
		rate:   rate,
		window: window,
		now:    time.Now,
	}
}

// Allow records a hit for key and reports whether it is within the limit.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) >= rl.window {
		for k, ts := range rl.hits {
			if kept := rl.trim(ts, now); len(kept) == 0 {
				delete(rl.hits, k)
			} else {
				rl.hits[k] = kept
			}
		}
		rl.lastSweep = now
	}

	ts := rl.trim(rl.hits[key], now)
	if len(ts) >= rl.rate {
		rl.hits[key] = ts
		return false
	}
	rl.hits[key] = append(ts, now)
	return true
}

func (rl *RateLimiter) trim(ts []time.Time, now time.Time) []time.Time {
	i := 0
	for i < len(ts) && now.Sub(ts[i]) >= rl.window {
		i++
	}
	return ts[i:]
}

// ByClientIP keys a request on the client address.
func ByClientIP(c *gin.Context) string {
	return "ip:" + c.ClientIP()
}

// BySession keys a request on the wallet JWTMiddleware stored under "addr",
// falling back to the client address.
func BySession(c *gin.Context) string {
	if addr := c.GetString("addr"); addr != "" {
		return "wallet:" + strings.ToLower(addr)
	}
	return ByClientIP(c)
}

func RateLimitMiddleware(limiter *RateLimiter, key func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(key(c)) {
			abort(c, http.StatusTooManyRequests,
				fmt.Sprintf("rate limit exceeded: %d requests per %v", limiter.rate, limiter.window))
			return
		}
		c.Next()
	}
}
