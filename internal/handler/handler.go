package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Handler serves liveness, readiness and metrics.
type Handler struct {
	checks   map[string]Check
	gatherer prometheus.Gatherer
	timeout  time.Duration
	now      func() time.Time
}

type Option func(*Handler)

// WithCheck adds a dependency to the readiness probe.
func WithCheck(name string, check Check) Option {
	return func(h *Handler) { h.checks[name] = check }
}

// WithGatherer sets the registry served on the metrics endpoint.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *Handler) { h.gatherer = g }
}

func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		checks:   make(map[string]Check),
		gatherer: prometheus.DefaultGatherer,
		timeout:  2 * time.Second,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	health := r.Group("/health")
	{
		health.GET("/live", h.LivenessCheck)
		health.GET("/ready", h.ReadinessCheck)
	}
}

func (h *Handler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "UP",
		"time":   h.now(),
	})
}

// ReadinessCheck runs every registered check and reports the ones that failed.
func (h *Handler) ReadinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	components := make(gin.H, len(names))
	status := http.StatusOK
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			components[name] = "DOWN"
			status = http.StatusServiceUnavailable
			continue
		}
		components[name] = "UP"
	}

	overall := "UP"
	if status != http.StatusOK {
		overall = "DOWN"
	}
	c.JSON(status, gin.H{
		"status":     overall,
		"components": components,
		"time":       h.now(),
	})
}

func (h *Handler) MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
}
