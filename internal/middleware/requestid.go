package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/tumor-intake/pkg/logger"
)

const (
	HeaderXRequestID = "X-Request-ID"
	ContextRequestID = "request_id"
	ContextSessionID = "session_id"
)

// RequestID adds a unique request ID to each request and its context.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(HeaderXRequestID)
		if rid == "" || len(rid) > 64 {
			rid = uuid.New().String()
		}

		c.Set(ContextRequestID, rid)
		c.Header(HeaderXRequestID, rid)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), logger.RequestIDKey{}, rid))
		c.Next()
	}
}

// SetSessionID tags the rest of the request with the intake session it belongs to,
// so access, error and panic logs can be joined to the audit trail.
func SetSessionID(c *gin.Context, id string) {
	c.Set(ContextSessionID, id)
	c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), logger.SessionIDKey{}, id))
}
