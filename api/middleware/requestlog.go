package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestLogger emits one access-log line per HTTP request. Request IDs come
// from gin-contrib/requestid; a UUID is generated when the header is absent.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := requestid.Get(c)
		if id == "" {
			id = uuid.New().String()
		}

		start := time.Now()
		c.Next()
		latency := time.Since(start)

		slog.Info("request",
			"request_id", id,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", latency.Milliseconds(),
			"ip", c.ClientIP(),
		)
	}
}

// Timeout caps the lifetime of each request's context so a stalled upstream
// cannot hold a client socket forever. The upstream client carries its own
// shorter deadline; this one is the outer bound.
func Timeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
