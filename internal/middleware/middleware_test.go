package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/jwalitptl/tumor-intake/pkg/errors"
	"github.com/jwalitptl/tumor-intake/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newEngine(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw...)
	return r
}

func TestRequestIDPropagates(t *testing.T) {
	r := newEngine(RequestID())
	var fromCtx string
	r.GET("/", func(c *gin.Context) {
		fromCtx, _ = c.Request.Context().Value(logger.RequestIDKey{}).(string)
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderXRequestID, "abc-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "abc-123", w.Header().Get(HeaderXRequestID))
	assert.Equal(t, "abc-123", fromCtx)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, w.Header().Get(HeaderXRequestID), 36)
}

func TestErrorHandlerMapsAppErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"validation", apperrors.NewValidation("edad", "Age is required."), http.StatusUnprocessableEntity, "Age is required."},
		{"remote", apperrors.NewRemote("Doctor not found", nil), http.StatusBadGateway, "Doctor not found"},
		{"unavailable", apperrors.NewUnavailable("Cannot reach server", nil), http.StatusServiceUnavailable, "Cannot reach server"},
		{"internal hides detail", apperrors.NewInternal(errors.New("db password wrong")), http.StatusInternalServerError, "Internal server error"},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, "Internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newEngine(RequestID(), ErrorHandler(logger.Nop()))
			r.GET("/", func(c *gin.Context) { _ = c.Error(tt.err) })

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), tt.message)
			assert.NotContains(t, w.Body.String(), "password")
		})
	}
}

func jsonLogger(buf *bytes.Buffer) *logger.Logger {
	return logger.NewLogger(&logger.Config{Level: logger.DebugLevel, Output: buf, JSON: true})
}

func TestRecoveryReturns500WithTraceID(t *testing.T) {
	var buf bytes.Buffer
	r := newEngine(RequestID(), Recovery(jsonLogger(&buf)), func(c *gin.Context) {
		SetSessionID(c, "sess-1")
		c.Next()
	})
	r.GET("/", func(c *gin.Context) { panic("kaboom") })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderXRequestID, "req-9")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"trace_id":"req-9"`)
	assert.Contains(t, w.Body.String(), "Internal server error")
	assert.NotContains(t, w.Body.String(), "kaboom")

	logged := buf.String()
	assert.Contains(t, logged, `"request_id":"req-9"`)
	assert.Contains(t, logged, `"session_id":"sess-1"`)
	assert.Contains(t, logged, "panic: kaboom")
}

func TestSetSessionIDTagsContext(t *testing.T) {
	r := newEngine(func(c *gin.Context) {
		SetSessionID(c, "sess-2")
		c.Next()
	})
	var fromCtx, fromGin string
	r.GET("/", func(c *gin.Context) {
		fromCtx, _ = c.Request.Context().Value(logger.SessionIDKey{}).(string)
		fromGin = c.GetString(ContextSessionID)
		c.Status(http.StatusOK)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "sess-2", fromCtx)
	assert.Equal(t, "sess-2", fromGin)
}

func TestTimeoutAnswersOverrunningRequest(t *testing.T) {
	var buf bytes.Buffer
	r := newEngine(RequestID(), Timeout(TimeoutConfig{Duration: 10 * time.Millisecond, Logger: jsonLogger(&buf)}))
	r.GET("/", func(c *gin.Context) { time.Sleep(40 * time.Millisecond) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Contains(t, w.Body.String(), "Request timeout")
	assert.Contains(t, buf.String(), "request exceeded its deadline")
}

func TestTimeoutKeepsWrittenResponse(t *testing.T) {
	r := newEngine(Timeout(TimeoutConfig{Duration: 10 * time.Millisecond}))
	r.GET("/", func(c *gin.Context) {
		time.Sleep(40 * time.Millisecond)
		c.String(http.StatusOK, "late")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "late", w.Body.String())
}

func TestTimeoutPassesFastRequests(t *testing.T) {
	r := newEngine(Timeout(TimeoutConfig{Duration: time.Second}))
	r.GET("/", func(c *gin.Context) {
		_, ok := c.Request.Context().Deadline()
		assert.True(t, ok)
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiterIsPerClient(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 0.001, Burst: 2})

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"))

	r := newEngine(rl.RateLimit())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.9:1234"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestCORSOnlyEchoesAllowedOrigins(t *testing.T) {
	r := newEngine(CORS(DefaultCORSConfig([]string{"https://clinic.example"})))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://clinic.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "https://clinic.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "86400", w.Header().Get("Access-Control-Max-Age"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestSecurityHeaders(t *testing.T) {
	r := newEngine(SecurityHeaders(DefaultSecurityConfig(false)))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "SAMEORIGIN", w.Header().Get("X-Frame-Options"))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "frame-ancestors 'self'")
}

func TestSizeLimit(t *testing.T) {
	r := newEngine(SizeLimit(SizeLimitConfig{MaxBodySize: 8}))
	r.POST("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, w.Body.String(), "exceeds limit of 8 bytes")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("ok")))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestSizeLimitCapsBodiesOfUnknownLength(t *testing.T) {
	r := newEngine(SizeLimit(SizeLimitConfig{MaxBodySize: 8}))
	var readErr error
	r.POST("/", func(c *gin.Context) {
		_, readErr = io.ReadAll(c.Request.Body)
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789"))
	req.ContentLength = -1
	r.ServeHTTP(httptest.NewRecorder(), req)

	var tooLarge *http.MaxBytesError
	require.ErrorAs(t, readErr, &tooLarge)
	assert.Equal(t, int64(8), tooLarge.Limit)
}
