package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

type RateLimiterConfig struct {
	Rate  rate.Limit
	Burst int
	// IdleTTL is how long a client's limiter is kept after its last request.
	IdleTTL time.Duration
}

// RateLimiter keeps one token bucket per client IP.
type RateLimiter struct {
	config   RateLimiterConfig
	mu       sync.Mutex
	limiters *cache.Cache
}

func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.IdleTTL <= 0 {
		config.IdleTTL = 10 * time.Minute
	}
	return &RateLimiter{
		config:   config,
		limiters: cache.New(config.IdleTTL, 2*config.IdleTTL),
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if v, ok := rl.limiters.Get(key); ok {
		l := v.(*rate.Limiter)
		rl.limiters.SetDefault(key, l)
		return l
	}
	l := rate.NewLimiter(rl.config.Rate, rl.config.Burst)
	rl.limiters.SetDefault(key, l)
	return l
}

// Allow reports whether the client identified by key may make a request now.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.limiter(key).Allow()
}

func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Code:    http.StatusTooManyRequests,
				Message: "Too many requests. Please wait a moment and try again.",
				TraceID: c.GetString(ContextRequestID),
			})
			return
		}
		c.Next()
	}
}
