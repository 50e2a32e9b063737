package middleware

import (
	"fmt"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	apperrors "github.com/jwalitptl/tumor-intake/pkg/errors"
	"github.com/jwalitptl/tumor-intake/pkg/logger"
)

// Recovery turns a panic into a 500 with the request ID as trace ID. The log line
// carries the request and session IDs but never the request body.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			err := fmt.Errorf("panic: %v", rec)
			log.WithContext(c.Request.Context()).Error(err, "Request panic recovered",
				"stack", string(debug.Stack()),
				"method", c.Request.Method,
				"route", c.FullPath(),
				"client_ip", c.ClientIP(),
			)

			if c.Writer.Written() {
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(NewErrorResponse(c, apperrors.NewInternal(err)))
		}()
		c.Next()
	}
}
