package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/jwalitptl/tumor-intake/pkg/errors"
)

// SizeLimitConfig represents size limit configuration
type SizeLimitConfig struct {
	MaxBodySize int64
	SkipPaths   []string
}

func DefaultSizeLimitConfig() SizeLimitConfig {
	return SizeLimitConfig{
		MaxBodySize: 64 << 10, // intake forms are small
	}
}

// SizeLimit rejects oversized bodies up front and caps what handlers can read.
// Bodies of unknown length fail with *http.MaxBytesError once the cap is passed;
// handlers report that as a too-large request.
func SizeLimit(config SizeLimitConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, path := range config.SkipPaths {
			if c.Request.URL.Path == path {
				c.Next()
				return
			}
		}

		if c.Request.ContentLength > config.MaxBodySize {
			c.AbortWithStatusJSON(NewErrorResponse(c, apperrors.NewTooLarge(config.MaxBodySize, nil)))
			return
		}
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, config.MaxBodySize)
		}

		c.Next()
	}
}
