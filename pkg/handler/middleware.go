package handler

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// BearerAuth rejects requests whose Authorization header does not carry
// token. An empty token disables the check.
func BearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// RateLimiter keeps one token bucket per client key. Buckets idle for
// longer than a full refill are dropped, since a new bucket behaves the same.
type RateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*clientLimiter

	requestsPerSecond float64
	burst             int
	idleAfter         time.Duration
	lastSweep         time.Time
	now               func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// NewRateLimiter creates a limiter allowing requestsPerSecond per client
// with the given burst. A burst below 1 is raised to 1.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	rl := &RateLimiter{
		limiters:          make(map[string]*clientLimiter),
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
		now:               time.Now,
	}
	if requestsPerSecond > 0 {
		rl.idleAfter = time.Duration(float64(burst) / requestsPerSecond * float64(time.Second))
	}
	rl.lastSweep = rl.now()
	return rl
}

// Allow reports whether the client may make a request now.
func (rl *RateLimiter) Allow(clientID string) bool {
	now := rl.now()
	cl := rl.limiterFor(clientID, now)
	cl.lastSeen.Store(now.UnixNano())
	return cl.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) limiterFor(clientID string, now time.Time) *clientLimiter {
	rl.mu.RLock()
	cl, ok := rl.limiters[clientID]
	rl.mu.RUnlock()
	if ok {
		return cl
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if cl, ok := rl.limiters[clientID]; ok {
		return cl
	}
	if rl.idleAfter > 0 && now.Sub(rl.lastSweep) >= rl.idleAfter {
		rl.pruneLocked(now)
	}
	cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.requestsPerSecond), rl.burst)}
	cl.lastSeen.Store(now.UnixNano())
	rl.limiters[clientID] = cl
	return cl
}

// Prune drops buckets that have refilled completely and returns how many
// were removed.
func (rl *RateLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.pruneLocked(rl.now())
}

func (rl *RateLimiter) pruneLocked(now time.Time) int {
	rl.lastSweep = now
	if rl.idleAfter <= 0 {
		return 0
	}
	cutoff := now.Add(-rl.idleAfter).UnixNano()
	removed := 0
	for id, cl := range rl.limiters {
		if cl.lastSeen.Load() < cutoff {
			delete(rl.limiters, id)
			removed++
		}
	}
	return removed
}

// Clients reports how many client buckets are tracked.
func (rl *RateLimiter) Clients() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.limiters)
}

// Middleware limits requests per client IP.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
