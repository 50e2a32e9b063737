package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/jwalitptl/tumor-intake/pkg/errors"
	"github.com/jwalitptl/tumor-intake/pkg/logger"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

// NewErrorResponse maps err to a status and a message safe to show users.
func NewErrorResponse(c *gin.Context, err error) (int, ErrorResponse) {
	resp := ErrorResponse{
		Code:    http.StatusInternalServerError,
		Message: "Internal server error",
		TraceID: c.GetString(ContextRequestID),
	}
	if appErr, ok := apperrors.As(err); ok {
		resp.Code = appErr.StatusCode()
		resp.Field = appErr.Field
		if appErr.Code != apperrors.ErrInternal {
			resp.Message = appErr.Message
		}
	}
	return resp.Code, resp
}

// ErrorHandler answers with the last error a handler attached, unless it already wrote a response.
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		reqLog := log.WithContext(c.Request.Context())
		for _, e := range c.Errors {
			if appErr, ok := apperrors.As(e.Err); ok && appErr.Code != apperrors.ErrInternal {
				reqLog.Debug("request error", "error", e.Err.Error(), "path", c.Request.URL.Path)
				continue
			}
			reqLog.Error(e.Err, "Request error",
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"client_ip", c.ClientIP(),
			)
		}

		if c.Writer.Written() {
			return
		}
		status, resp := NewErrorResponse(c, c.Errors.Last().Err)
		c.JSON(status, resp)
	}
}
