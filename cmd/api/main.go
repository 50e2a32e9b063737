package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/tumor-intake/internal/app"
	"github.com/jwalitptl/tumor-intake/internal/chart"
	"github.com/jwalitptl/tumor-intake/internal/config"
	"github.com/jwalitptl/tumor-intake/internal/handler"
	"github.com/jwalitptl/tumor-intake/internal/handler/intake"
	"github.com/jwalitptl/tumor-intake/internal/middleware"
	"github.com/jwalitptl/tumor-intake/internal/router"
	"github.com/jwalitptl/tumor-intake/internal/session"
	"github.com/jwalitptl/tumor-intake/internal/web"
	"github.com/jwalitptl/tumor-intake/internal/workflow"
	"github.com/jwalitptl/tumor-intake/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// A .env file is optional
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := app.NewLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics("intake", "", reg)

	client, err := app.NewPredictionClient(ctx, cfg.PredictionAPI, log, m)
	if err != nil {
		log.Fatal(err, "failed to create prediction api client")
	}

	healthOpts := []handler.Option{handler.WithGatherer(reg)}
	ctrlOpts := []workflow.Option{workflow.WithLogger(log), workflow.WithMetrics(m)}

	// Audit trail
	if cfg.Audit.Enabled {
		trail, err := app.OpenAudit(ctx, cfg, log, m)
		if err != nil {
			log.Fatal(err, "failed to open audit trail")
		}
		defer trail.Close()

		ctrlOpts = append(ctrlOpts, workflow.WithObserver(trail.Service))
		if trail.DB != nil {
			healthOpts = append(healthOpts, handler.WithCheck("database", trail.DB.PingContext))
		}
		if trail.Broker != nil {
			healthOpts = append(healthOpts, handler.WithCheck("redis", trail.Broker.Ping))
		}
	}

	// Sessions
	secret, err := app.Secret(cfg.Session.Secret, "session secret", log)
	if err != nil {
		log.Fatal(err, "failed to prepare session secret")
	}
	store := session.NewStore(cfg.Session.TTL, cfg.Session.CleanupInterval,
		func(id string) *workflow.Controller {
			opts := append([]workflow.Option{workflow.WithID(id)}, ctrlOpts...)
			return workflow.NewController(client, chart.NewCanvas(), opts...)
		},
		session.WithStoreLogger(log),
		session.WithStoreMetrics(m),
	)
	defer store.Flush()
	tokens := session.NewTokenIssuer([]byte(secret), cfg.Session.TTL)

	tmpl, err := web.Templates()
	if err != nil {
		log.Fatal(err, "failed to parse page templates")
	}

	// Handlers
	h := handler.NewHandler(healthOpts...)
	intakeHandler := intake.NewHandler(store, tokens, intake.CookieConfig{
		Name:   cfg.Session.CookieName,
		Secure: cfg.Session.Secure,
	}, log)

	routerCfg := router.RouterConfig{
		Mode:           cfg.Server.Mode,
		RequestTimeout: cfg.Server.RequestTimeout,
		MaxBodySize:    middleware.DefaultSizeLimitConfig().MaxBodySize,
		CORSConfig:     middleware.DefaultCORSConfig(cfg.Security.AllowedOrigins),
		Security:       middleware.DefaultSecurityConfig(cfg.Session.Secure),
		MetricsEnabled: cfg.Monitoring.PrometheusEnabled,
		MetricsPath:    cfg.Monitoring.MetricsPath,
		Registerer:     reg,
		Templates:      tmpl,
	}
	if cfg.RateLimit.Enabled {
		routerCfg.RateLimit = rate.Limit(cfg.RateLimit.RequestsPerSecond)
		routerCfg.RateBurst = cfg.RateLimit.Burst
	}

	r := router.NewRouter(log, h, intakeHandler, routerCfg)
	r.Setup()

	srv := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        r.Engine(),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	go func() {
		log.Info("server starting", "addr", srv.Addr, "prediction_api", cfg.PredictionAPI.BaseURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err, "failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server...")

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "server forced to shutdown")
	}

	log.Info("server exited properly")
}
