package middleware

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
)

// SecurityConfig represents security headers configuration
type SecurityConfig struct {
	HSTS                  bool
	HSTSMaxAge            int
	HSTSIncludeSubdomains bool
	FrameOptions          string
	ContentTypeOptions    string
	ReferrerPolicy        string
	CSPDirectives         []string
	// NoStore keeps browsers and proxies from caching pages with patient data.
	NoStore bool
}

// DefaultSecurityConfig returns default security configuration.
// The chart page is framed by the intake page and loads ECharts from its asset host.
func DefaultSecurityConfig(hsts bool) SecurityConfig {
	return SecurityConfig{
		HSTS:                  hsts,
		HSTSMaxAge:            31536000,
		HSTSIncludeSubdomains: true,
		FrameOptions:          "SAMEORIGIN",
		ContentTypeOptions:    "nosniff",
		ReferrerPolicy:        "same-origin",
		CSPDirectives: []string{
			"default-src 'self'",
			"img-src 'self' data:",
			"script-src 'self' 'unsafe-inline' https://go-echarts.github.io",
			"style-src 'self' 'unsafe-inline'",
			"connect-src 'self'",
			"frame-ancestors 'self'",
		},
		NoStore: true,
	}
}

// SecurityHeaders adds security headers to responses
func SecurityHeaders(config SecurityConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if config.HSTS {
			value := fmt.Sprintf("max-age=%d", config.HSTSMaxAge)
			if config.HSTSIncludeSubdomains {
				value += "; includeSubDomains"
			}
			c.Header("Strict-Transport-Security", value)
		}

		c.Header("X-Frame-Options", config.FrameOptions)
		c.Header("X-Content-Type-Options", config.ContentTypeOptions)
		c.Header("Referrer-Policy", config.ReferrerPolicy)

		if len(config.CSPDirectives) > 0 {
			c.Header("Content-Security-Policy", strings.Join(config.CSPDirectives, "; "))
		}
		if config.NoStore {
			c.Header("Cache-Control", "no-store")
		}

		c.Next()
	}
}
