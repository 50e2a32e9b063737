// Package app builds the shared runtime pieces of the intake binaries from configuration.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/tumor-intake/internal/config"
	"github.com/jwalitptl/tumor-intake/internal/contract"
	"github.com/jwalitptl/tumor-intake/internal/predictionapi"
	"github.com/jwalitptl/tumor-intake/internal/repository/postgres"
	"github.com/jwalitptl/tumor-intake/internal/service/audit"
	"github.com/jwalitptl/tumor-intake/pkg/logger"
	"github.com/jwalitptl/tumor-intake/pkg/messaging/redis"
	"github.com/jwalitptl/tumor-intake/pkg/metrics"
)

// NewLogger builds the process logger from the log section.
func NewLogger(cfg config.LogConfig) *logger.Logger {
	return logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Level),
		TimeFormat: time.RFC3339,
		Output:     os.Stdout,
		JSON:       cfg.JSON,
	})
}

// NewPredictionClient builds the Prediction API client. Strict mode loads the
// embedded contract and rejects responses that do not match it.
func NewPredictionClient(ctx context.Context, cfg config.PredictionAPIConfig, log *logger.Logger, m *metrics.Metrics) (*predictionapi.Client, error) {
	opts := []predictionapi.Option{predictionapi.WithLogger(log)}
	if m != nil {
		opts = append(opts, predictionapi.WithMetrics(m))
	}
	if cfg.StrictContract {
		v, err := contract.Load(ctx)
		if err != nil {
			return nil, err
		}
		opts = append(opts, predictionapi.WithContract(v))
	}
	return predictionapi.NewClient(predictionapi.Config{
		BaseURL:     cfg.BaseURL,
		Timeout:     cfg.Timeout,
		Breaker:     cfg.BreakerEnabled,
		MaxFailures: cfg.BreakerMaxFailures,
		OpenTimeout: cfg.BreakerOpenTimeout,
	}, opts...)
}

// Secret returns configured, or a random value with a warning when it is empty.
// A random secret does not survive a restart.
func Secret(configured, name string, log *logger.Logger) (string, error) {
	if configured != "" {
		return configured, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate %s: %w", name, err)
	}
	log.Warn("no "+name+" configured, using a random one for this process", "setting", name)
	return hex.EncodeToString(buf), nil
}

// Audit is the audit trail with whichever sinks are configured.
type Audit struct {
	Service *audit.Service
	DB      *sqlx.DB
	Repo    *postgres.AuditRepository
	Broker  *redis.RedisBroker
}

// OpenAudit connects the configured audit sinks. A missing database or Redis
// URL disables that sink; the service then only logs events.
func OpenAudit(ctx context.Context, cfg *config.Config, log *logger.Logger, m *metrics.Metrics) (*Audit, error) {
	a := &Audit{}

	opts := []audit.Option{
		audit.WithLogger(log),
		audit.WithWriteTimeout(cfg.Audit.WriteTimeout),
	}
	if m != nil {
		opts = append(opts, audit.WithMetrics(m))
	}

	if cfg.Database.Enabled() {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		a.DB = db
		a.Repo = postgres.NewAuditRepository(postgres.NewBaseRepository(db))
		if err := a.Repo.EnsureSchema(ctx); err != nil {
			a.Close()
			return nil, err
		}
		opts = append(opts, audit.WithRepository(a.Repo))
	} else {
		log.Info("database not configured, audit entries are not stored")
	}

	if cfg.Redis.Enabled() {
		broker, err := redis.NewRedisBroker(cfg.Redis.ToBrokerConfig(), log.Zerolog())
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Broker = broker
		opts = append(opts, audit.WithBroker(broker, cfg.Audit.Channel))
	} else {
		log.Info("redis not configured, workflow events are not published")
	}

	key, err := Secret(cfg.Audit.PseudonymKey, "audit pseudonym key", log)
	if err != nil {
		a.Close()
		return nil, err
	}
	svc, err := audit.NewService(key, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Service = svc
	return a, nil
}

// Close releases the sinks.
func (a *Audit) Close() error {
	var errs []error
	if a.Broker != nil {
		errs = append(errs, a.Broker.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
