// Package audit records the workflow audit trail. Doctor codes are stored and
// published only as keyed pseudonyms.
package audit

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/jwalitptl/tumor-intake/internal/model"
	"github.com/jwalitptl/tumor-intake/internal/repository"
	"github.com/jwalitptl/tumor-intake/internal/workflow"
	"github.com/jwalitptl/tumor-intake/pkg/logger"
	"github.com/jwalitptl/tumor-intake/pkg/messaging"
	"github.com/jwalitptl/tumor-intake/pkg/metrics"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeInfo    = "info"

	pseudonymSize = 16
)

type Service struct {
	repo         repository.AuditRepository
	broker       messaging.Broker
	channel      string
	key          []byte
	writeTimeout time.Duration
	logger       *logger.Logger
	metrics      *metrics.Metrics
	newID        func() uuid.UUID
}

type Option func(*Service)

// WithRepository persists entries.
func WithRepository(r repository.AuditRepository) Option {
	return func(s *Service) { s.repo = r }
}

// WithBroker publishes entries on channel.
func WithBroker(b messaging.Broker, channel string) Option {
	return func(s *Service) {
		s.broker = b
		s.channel = channel
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(s *Service) { s.writeTimeout = d }
}

// NewService derives the pseudonym key from secret, which must not be empty.
func NewService(secret string, opts ...Option) (*Service, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("audit pseudonym key is empty")
	}
	key := blake2b.Sum256([]byte(secret))
	s := &Service{
		key:          key[:],
		writeTimeout: 2 * time.Second,
		logger:       logger.Nop(),
		newID:        uuid.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Pseudonym returns a stable keyed hash of a doctor code.
func (s *Service) Pseudonym(doctorCode string) string {
	if doctorCode == "" {
		return ""
	}
	h, err := blake2b.New(pseudonymSize, s.key)
	if err != nil {
		// Only reachable with an invalid size or key length, both fixed here.
		panic(err)
	}
	h.Write([]byte(doctorCode))
	return hex.EncodeToString(h.Sum(nil))
}

// OnEvent records e. Failures are logged and counted, never returned to the workflow.
func (s *Service) OnEvent(ctx context.Context, e workflow.Event) {
	// Keep request values such as the request ID but not its cancellation.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()

	if err := s.Record(ctx, e); err != nil {
		s.logger.WithContext(ctx).Warn("audit event not recorded",
			"session_id", e.SessionID, "event", string(e.Type), "error", err.Error())
	}
}

// Record persists and publishes one event.
func (s *Service) Record(ctx context.Context, e workflow.Event) error {
	entry := s.Entry(e)

	var errs []error
	if s.repo != nil {
		if err := s.repo.Create(ctx, entry); err != nil {
			s.count(e.Type, "store_failed")
			errs = append(errs, err)
		} else {
			s.count(e.Type, "stored")
		}
	}
	if s.broker != nil {
		msg := messaging.Message{
			ID:         entry.ID.String(),
			Type:       "intake." + string(e.Type),
			OccurredAt: entry.CreatedAt,
			Payload:    entry,
		}
		if err := s.broker.Publish(ctx, s.channel, msg); err != nil {
			s.count(e.Type, "publish_failed")
			errs = append(errs, err)
		} else {
			s.count(e.Type, "published")
		}
	}
	return errors.Join(errs...)
}

// Entry converts an event to its audit row.
func (s *Service) Entry(e workflow.Event) *model.AuditEntry {
	entry := &model.AuditEntry{
		ID:        s.newID(),
		SessionID: e.SessionID,
		Actor:     s.Pseudonym(e.DoctorCode),
		Action:    string(e.Type),
		Outcome:   outcomeOf(e.Type),
		ModelType: string(e.ModelType),
		Detail:    detailOf(e),
		CreatedAt: e.At.UTC(),
	}
	if e.PatientID != nil {
		entry.PatientID = sql.NullInt64{Int64: int64(*e.PatientID), Valid: true}
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return entry
}

// List returns recent entries, filtering by the pseudonym of doctorCode when given.
func (s *Service) List(ctx context.Context, doctorCode string, filter repository.AuditFilter) ([]*model.AuditEntry, error) {
	if s.repo == nil {
		return nil, errors.New("audit repository is not configured")
	}
	if doctorCode != "" {
		filter.Actor = s.Pseudonym(doctorCode)
	}
	entries, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

func (s *Service) count(t workflow.EventType, status string) {
	if s.metrics != nil {
		s.metrics.AuditEvents.WithLabelValues(string(t), status).Inc()
	}
}

func outcomeOf(t workflow.EventType) string {
	switch t {
	case workflow.EventLoginSucceeded, workflow.EventPatientsLoaded, workflow.EventHistoryLoaded,
		workflow.EventPredictionSucceeded:
		return OutcomeSuccess
	case workflow.EventLoginFailed, workflow.EventPatientsFailed, workflow.EventHistoryFailed,
		workflow.EventPredictionRejected, workflow.EventPredictionFailed, workflow.EventStaleResult:
		return OutcomeFailure
	default:
		return OutcomeInfo
	}
}

func detailOf(e workflow.Event) string {
	if e.From != "" || e.To != "" {
		if e.Detail == "" {
			return fmt.Sprintf("%s -> %s", e.From, e.To)
		}
		return fmt.Sprintf("%s -> %s: %s", e.From, e.To, e.Detail)
	}
	return e.Detail
}

var _ workflow.Observer = (*Service)(nil)
