package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/tumor-intake/pkg/logger"
)

// Logger returns a middleware that logs HTTP requests.
// Request bodies carry patient data and are never logged.
func Logger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		event := log.WithContext(c.Request.Context()).Zerolog()
		fields := map[string]interface{}{
			"method":     c.Request.Method,
			"path":       path,
			"route":      c.FullPath(),
			"ip":         c.ClientIP(),
			"status":     statusCode,
			"duration":   latency,
			"user_agent": c.Request.UserAgent(),
		}

		switch {
		case statusCode >= 500:
			event.Error().Fields(fields).Msg("Server error")
		case statusCode >= 400:
			event.Warn().Fields(fields).Msg("Client error")
		default:
			event.Info().Fields(fields).Msg("Request processed")
		}
	}
}
