package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/jwalitptl/tumor-intake/pkg/errors"
	"github.com/jwalitptl/tumor-intake/pkg/logger"
)

// TimeoutConfig represents timeout middleware configuration
type TimeoutConfig struct {
	Duration time.Duration
	Logger   *logger.Logger
}

// Timeout puts a deadline on the request context. Prediction API calls are
// detached from it and bounded by the client timeout instead, so a request that
// outlives the deadline is logged and, if nothing was written yet, answered with 504.
func Timeout(config TimeoutConfig) gin.HandlerFunc {
	log := config.Logger
	if log == nil {
		log = logger.Nop()
	}
	return func(c *gin.Context) {
		if config.Duration <= 0 {
			c.Next()
			return
		}
		start := time.Now()
		ctx, cancel := context.WithTimeout(c.Request.Context(), config.Duration)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return
		}
		log.WithContext(ctx).Warn("request exceeded its deadline",
			"route", c.FullPath(),
			"deadline", config.Duration.String(),
			"duration", time.Since(start).String(),
		)
		if !c.Writer.Written() {
			c.AbortWithStatusJSON(NewErrorResponse(c, apperrors.NewTimeout(ctx.Err())))
		}
	}
}
