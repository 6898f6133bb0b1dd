package logger

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const headerRequestID = "X-Request-Id"

const (
	loggerKey = "logger"
	// userKey is set by the auth middleware once a token is verified.
	userKey = "user_id"
)

// Middleware returns a Gin middleware that injects request_id and logs one
// summary line per request. Authenticated requests also carry user_id.
func Middleware(l *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rid := c.GetHeader(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Writer.Header().Set(headerRequestID, rid)

		reqLogger := l.With("request_id", rid)
		c.Set(loggerKey, reqLogger)

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()

		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration_ms", float64(time.Since(start).Milliseconds()),
		}
		if uid := c.GetString(userKey); uid != "" {
			attrs = append(attrs, "user_id", uid)
		}
		switch {
		case len(c.Errors) > 0:
			attrs = append(attrs, "errors", c.Errors.String())
			reqLogger.Error("request", attrs...)
		case status >= 500:
			reqLogger.Error("request", attrs...)
		default:
			reqLogger.Info("request", attrs...)
		}
	}
}

// FromGin pulls the request-scoped logger from Gin context.
func FromGin(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}
