package middleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const HeaderOwnerID = "X-Owner-Id"

// RateLimit enforces a per-owner token bucket on job submissions,
// replenishing tokensPerMinute across the minute with an equal burst.
// Owners are keyed by the X-Owner-Id header, falling back to client IP for
// anonymous callers. tokensPerMinute <= 0 disables the limiter.
func RateLimit(tokensPerMinute int) gin.HandlerFunc {
	if tokensPerMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}

	var mu sync.Mutex
	limiters := make(map[string]*rate.Limiter)
	limit := rate.Limit(float64(tokensPerMinute) / 60.0)

	return func(c *gin.Context) {
		owner := c.GetHeader(HeaderOwnerID)
		if owner == "" {
			owner = c.ClientIP()
		}

		mu.Lock()
		l, ok := limiters[owner]
		if !ok {
			l = rate.NewLimiter(limit, tokensPerMinute)
			limiters[owner] = l
		}
		mu.Unlock()

		if !l.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
