package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/jwalitptl/tumor-intake/internal/repository"
	"github.com/jwalitptl/tumor-intake/pkg/logger"
	"github.com/jwalitptl/tumor-intake/pkg/metrics"
)

// AuditCleanupWorker deletes audit entries older than the retention period.
type AuditCleanupWorker struct {
	repo            repository.AuditRepository
	retentionDays   int
	cleanupInterval time.Duration
	logger          *logger.Logger
	metrics         *metrics.Metrics
	now             func() time.Time
}

type Option func(*AuditCleanupWorker)

func WithLogger(l *logger.Logger) Option {
	return func(w *AuditCleanupWorker) { w.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *AuditCleanupWorker) { w.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(w *AuditCleanupWorker) { w.now = now }
}

func NewAuditCleanupWorker(repo repository.AuditRepository, retentionDays int, cleanupInterval time.Duration, opts ...Option) *AuditCleanupWorker {
	w := &AuditCleanupWorker{
		repo:            repo,
		retentionDays:   retentionDays,
		cleanupInterval: cleanupInterval,
		logger:          logger.Nop(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start cleans up once immediately and then on every tick until ctx is done.
// A retention of zero days keeps entries forever.
func (w *AuditCleanupWorker) Start(ctx context.Context) {
	if w.retentionDays <= 0 {
		w.logger.Info("audit retention disabled")
		return
	}

	w.runLogged(ctx)

	ticker := time.NewTicker(w.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runLogged(ctx)
		}
	}
}

func (w *AuditCleanupWorker) runLogged(ctx context.Context) {
	if _, err := w.RunOnce(ctx); err != nil {
		w.logger.Error(err, "audit cleanup failed")
	}
}

// RunOnce deletes expired entries and returns how many were removed.
func (w *AuditCleanupWorker) RunOnce(ctx context.Context) (int64, error) {
	cutoff := w.now().UTC().AddDate(0, 0, -w.retentionDays)

	rows, err := w.repo.Cleanup(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup audit entries: %w", err)
	}
	if w.metrics != nil {
		w.metrics.AuditPurged.Add(float64(rows))
	}

	w.logger.Info("audit entries cleaned up", "rows", rows, "cutoff", cutoff.Format(time.RFC3339))
	return rows, nil
}
