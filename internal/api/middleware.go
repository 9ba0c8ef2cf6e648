package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-ID"

////////////////////////////////////////////////////////////////////////////////
// REQUEST ID MIDDLEWARE
////////////////////////////////////////////////////////////////////////////////

// RequestID tags every request with an id, reusing the caller's
// X-Request-ID if it sent one. The id is echoed back and shows up in the
// access log, so one client call can be followed across replicas.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDHeader, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

////////////////////////////////////////////////////////////////////////////////
// REQUEST LOGGER MIDDLEWARE
////////////////////////////////////////////////////////////////////////////////

// Logger writes one line per request.
//
// Peer traffic (replicate, gossip, internal reads) is far noisier than
// client traffic, so successful requests are logged at Debug and only
// failures reach Info and above.
func Logger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		// Everything after c.Next() runs once the handler returned.
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString(requestIDHeader)),
		}

		switch {
		case status >= http.StatusInternalServerError:
			log.Error("HTTP request", fields...)
		case status >= http.StatusBadRequest && status != http.StatusNotFound && status != http.StatusConflict:
			log.Warn("HTTP request", fields...)
		default:
			log.Debug("HTTP request", fields...)
		}
	}
}

////////////////////////////////////////////////////////////////////////////////
// PANIC RECOVERY MIDDLEWARE
////////////////////////////////////////////////////////////////////////////////

// Recovery turns a panic in a handler into a 500.
//
// One bad request must not take the replica down: its peers would evict it
// at the next gossip round and every key it owns would lose a copy.
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Error("Panic recovered",
					zap.Any("panic", err),
					zap.String("path", c.Request.URL.Path),
					zap.Stack("stack"),
				)
				// Never leak panic details to the caller.
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
				})
			}
		}()

		c.Next()
	}
}
