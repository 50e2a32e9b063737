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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jwalitptl/tumor-intake/internal/app"
	"github.com/jwalitptl/tumor-intake/internal/config"
	"github.com/jwalitptl/tumor-intake/internal/handler"
	"github.com/jwalitptl/tumor-intake/internal/repository/postgres"
	"github.com/jwalitptl/tumor-intake/internal/worker"
	"github.com/jwalitptl/tumor-intake/pkg/logger"
	"github.com/jwalitptl/tumor-intake/pkg/metrics"
)

func setupHealthCheck(addr string, h *handler.Handler, log *logger.Logger) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	h.RegisterRoutes(&engine.RouterGroup)
	engine.GET("/metrics", h.MetricsHandler())

	srv := &http.Server{Addr: addr, Handler: engine}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "health check server failed")
			os.Exit(1)
		}
	}()
	return srv
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	healthAddr := flag.String("health-addr", ":8081", "address of the health and metrics endpoints")
	once := flag.Bool("once", false, "run a single cleanup and exit")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log := app.NewLogger(cfg.Log)

	if !cfg.Database.Enabled() {
		log.Fatal(errors.New("database host is empty"), "audit cleanup needs a database")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		log.Fatal(err, "failed to connect to database")
	}
	defer db.Close()

	repo := postgres.NewAuditRepository(postgres.NewBaseRepository(db))
	if err := repo.EnsureSchema(ctx); err != nil {
		log.Fatal(err, "failed to prepare audit schema")
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("intake", "worker", reg)

	cleanup := worker.NewAuditCleanupWorker(repo, cfg.Audit.RetentionDays, cfg.Audit.CleanupInterval,
		worker.WithLogger(log),
		worker.WithMetrics(m),
	)

	if *once {
		if _, err := cleanup.RunOnce(ctx); err != nil {
			log.Fatal(err, "audit cleanup failed")
		}
		return
	}

	h := handler.NewHandler(
		handler.WithGatherer(reg),
		handler.WithCheck("database", db.PingContext),
	)
	srv := setupHealthCheck(*healthAddr, h, log)

	log.Info("audit cleanup worker started", "retention_days", cfg.Audit.RetentionDays, "interval", cfg.Audit.CleanupInterval.String())
	cleanup.Start(ctx)
	log.Info("shutting down...")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "health check server forced to shutdown")
	}
}
