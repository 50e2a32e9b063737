// Package session keeps one intake workflow per browser session.
package session

import (
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/tumor-intake/internal/workflow"
	"github.com/jwalitptl/tumor-intake/pkg/logger"
	"github.com/jwalitptl/tumor-intake/pkg/metrics"
)

// Factory builds the controller for a new session.
type Factory func(sessionID string) *workflow.Controller

type Session struct {
	ID         string
	Controller *workflow.Controller
	CreatedAt  time.Time
}

// Store holds sessions in memory. Sessions idle longer than the TTL are evicted
// and their controller is closed. Nothing is persisted.
type Store struct {
	items   *cache.Cache
	ttl     time.Duration
	factory Factory
	logger  *logger.Logger
	metrics *metrics.Metrics
}

type StoreOption func(*Store)

func WithStoreLogger(l *logger.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

func WithStoreMetrics(m *metrics.Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

func NewStore(ttl, cleanupInterval time.Duration, factory Factory, opts ...StoreOption) *Store {
	s := &Store{
		items:   cache.New(ttl, cleanupInterval),
		ttl:     ttl,
		factory: factory,
		logger:  logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.items.OnEvicted(s.evicted)
	return s
}

func (s *Store) Create() *Session {
	id := uuid.NewString()
	sess := &Session{
		ID:         id,
		Controller: s.factory(id),
		CreatedAt:  time.Now(),
	}
	s.items.Set(id, sess, cache.DefaultExpiration)
	if s.metrics != nil {
		s.metrics.ActiveSessions.Inc()
	}
	s.logger.Debug("session created", "session_id", id)
	return sess
}

// Get returns a live session and extends its lifetime.
func (s *Store) Get(id string) (*Session, bool) {
	v, ok := s.items.Get(id)
	if !ok {
		return nil, false
	}
	sess, ok := v.(*Session)
	if !ok {
		return nil, false
	}
	s.items.Set(id, sess, cache.DefaultExpiration)
	return sess, true
}

func (s *Store) Delete(id string) {
	s.items.Delete(id)
}

func (s *Store) Count() int {
	return s.items.ItemCount()
}

// Flush closes every session.
func (s *Store) Flush() {
	for id := range s.items.Items() {
		s.items.Delete(id)
	}
}

func (s *Store) evicted(id string, v interface{}) {
	if sess, ok := v.(*Session); ok {
		sess.Controller.Close()
	}
	if s.metrics != nil {
		s.metrics.ActiveSessions.Dec()
	}
	s.logger.Debug("session closed", "session_id", id)
}
