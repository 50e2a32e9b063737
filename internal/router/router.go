package router

import (
	"html/template"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/tumor-intake/internal/handler"
	"github.com/jwalitptl/tumor-intake/internal/middleware"
	"github.com/jwalitptl/tumor-intake/pkg/logger"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

type Router struct {
	engine  *gin.Engine
	config  RouterConfig
	h       *handler.Handler
	intakeH Handler
	metrics *routerMetrics
}

type routerMetrics struct {
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	errorTotal      *prometheus.CounterVec
}

type RouterConfig struct {
	Mode           string
	RateLimit      rate.Limit
	RateBurst      int
	RequestTimeout time.Duration
	MaxBodySize    int64
	CORSConfig     middleware.CORSConfig
	Security       middleware.SecurityConfig
	MetricsEnabled bool
	MetricsPath    string
	MetricsPrefix  string
	// Registerer receives the HTTP metrics. Nil uses the default registry.
	Registerer prometheus.Registerer
	Templates  *template.Template
}

func NewRouter(log *logger.Logger, h *handler.Handler, intakeH Handler, config RouterConfig) *Router {
	if config.Mode != "" {
		gin.SetMode(config.Mode)
	}

	engine := gin.New()
	if config.Templates != nil {
		engine.SetHTMLTemplate(config.Templates)
	}

	r := &Router{
		engine:  engine,
		config:  config,
		h:       h,
		intakeH: intakeH,
		metrics: initRouterMetrics(config.MetricsPrefix, config.Registerer),
	}

	engine.Use(
		middleware.RequestID(),
		middleware.Recovery(log),
		middleware.Logger(log),
		r.metricsMiddleware(),
		middleware.ErrorHandler(log),
		middleware.Timeout(middleware.TimeoutConfig{Duration: config.RequestTimeout, Logger: log}),
		middleware.SecurityHeaders(config.Security),
		middleware.CORS(config.CORSConfig),
	)

	if config.MaxBodySize > 0 {
		engine.Use(middleware.SizeLimit(middleware.SizeLimitConfig{MaxBodySize: config.MaxBodySize}))
	}
	if config.RateLimit > 0 {
		rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Rate:  config.RateLimit,
			Burst: config.RateBurst,
		})
		engine.Use(rateLimiter.RateLimit())
	}

	return r
}

func (r *Router) Setup() {
	root := &r.engine.RouterGroup

	r.h.RegisterRoutes(root)
	if r.config.MetricsEnabled {
		path := r.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.engine.GET(path, r.h.MetricsHandler())
	}

	r.intakeH.RegisterRoutes(root)
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}

func initRouterMetrics(prefix string, reg prometheus.Registerer) *routerMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if prefix == "" {
		prefix = "intake_http"
	}
	factory := promauto.With(reg)
	return &routerMetrics{
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: prefix + "_request_duration_seconds",
				Help: "Duration of HTTP requests in seconds",
			},
			[]string{"method", "path", "status"},
		),
		requestTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		errorTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_errors_total",
				Help: "Total number of HTTP errors",
			},
			[]string{"method", "path", "type"},
		),
	}
}

func (r *Router) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := c.Writer.Status()
		statusLabel := strconv.Itoa(status)

		r.metrics.requestDuration.WithLabelValues(c.Request.Method, path, statusLabel).Observe(time.Since(start).Seconds())
		r.metrics.requestTotal.WithLabelValues(c.Request.Method, path, statusLabel).Inc()

		switch {
		case status >= 500:
			r.metrics.errorTotal.WithLabelValues(c.Request.Method, path, "server").Inc()
		case status >= 400:
			r.metrics.errorTotal.WithLabelValues(c.Request.Method, path, "client").Inc()
		}
	}
}
