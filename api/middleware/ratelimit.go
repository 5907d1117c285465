package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ddevcap/hls-proxy/throttle"
	"github.com/ddevcap/hls-proxy/upstream"
)

// RateLimit rejects clients that exceed the sliding-window limiter with the
// standard rate-limit error shape. Preflight requests are never throttled.
func RateLimit(limiter *throttle.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}
		client := throttle.ClientID(c.Request)
		ok, retryAfter := limiter.Allow(client, time.Now())
		if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":       upstream.CodeRateLimited,
				"message":    "too many requests, slow down",
				"hint":       "respect the retryAfter value before retrying",
				"retryAfter": retryAfter,
			})
			return
		}
		c.Next()
	}
}
