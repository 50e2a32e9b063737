package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Execute while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

type Settings struct {
	Name string
	// MaxFailures consecutive failures open the breaker.
	MaxFailures int
	// Timeout is how long the breaker stays open before letting a probe through.
	Timeout time.Duration
	// IsFailure decides which errors count against the breaker. Nil counts every error.
	IsFailure func(error) bool
	// Now is used in tests.
	Now func() time.Time
}

type CircuitBreaker struct {
	name        string
	maxFailures int
	timeout     time.Duration
	isFailure   func(error) bool
	now         func() time.Time
	failures    int
	lastFailure time.Time
	state       State
	mu          sync.Mutex
}

func NewCircuitBreaker(settings Settings) *CircuitBreaker {
	if settings.MaxFailures <= 0 {
		settings.MaxFailures = 5
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 30 * time.Second
	}
	if settings.IsFailure == nil {
		settings.IsFailure = func(err error) bool { return err != nil }
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	return &CircuitBreaker{
		name:        settings.Name,
		maxFailures: settings.MaxFailures,
		timeout:     settings.Timeout,
		isFailure:   settings.IsFailure,
		now:         settings.Now,
		state:       StateClosed,
	}
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastFailure) <= cb.timeout {
			cb.mu.Unlock()
			return ErrOpen
		}
		cb.state = StateHalfOpen
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && cb.isFailure(err) {
		cb.failures++
		cb.lastFailure = cb.now()
		if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
			cb.state = StateOpen
		}
		return err
	}

	cb.state = StateClosed
	cb.failures = 0
	return err
}
