// Package circuitbreaker wraps Sony's gobreaker for guarding upstream
// endpoints. The token refresh path sits behind one of these so a
// misbehaving provider does not absorb every refresh attempt.
package circuitbreaker

import (
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"assistant-core/internal/common/errors"
	"assistant-core/internal/common/logging"
)

// Config holds the tunables for one breaker.
type Config struct {
	// MaxFailures is the consecutive-failure count that opens the circuit.
	MaxFailures int
	// Timeout is how long the circuit stays open before probing half-open.
	Timeout time.Duration
	// MaxConcurrentRequests limits probes allowed through in half-open state.
	MaxConcurrentRequests int
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxFailures:           5,
		Timeout:               60 * time.Second,
		MaxConcurrentRequests: 1,
	}
}

// RefreshConfig guards OAuth2 token refresh endpoints. Refreshes are
// critical but safely retryable, so the circuit tolerates more failures
// before opening.
var RefreshConfig = Config{
	MaxFailures:           5,
	Timeout:               60 * time.Second,
	MaxConcurrentRequests: 1,
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.MaxFailures <= 0 {
		return fmt.Errorf("MaxFailures must be positive, got %d", c.MaxFailures)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("Timeout must be positive, got %v", c.Timeout)
	}
	if c.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("MaxConcurrentRequests must be positive, got %d", c.MaxConcurrentRequests)
	}
	return nil
}

// State represents the current state of the circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker wraps a gobreaker circuit breaker behind the application error
// taxonomy.
type Breaker struct {
	name    string
	breaker *gobreaker.CircuitBreaker
	logger  logging.Logger
}

// New creates a circuit breaker with the given name and config. An invalid
// config falls back to DefaultConfig rather than failing.
func New(name string, config Config, logger logging.Logger) *Breaker {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if err := config.Validate(); err != nil {
		logger.Warn("Invalid circuit breaker config, using defaults",
			logging.String("name", name),
			logging.Err(err),
		)
		config = DefaultConfig()
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(config.MaxConcurrentRequests),
		Interval:    time.Minute,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(config.MaxFailures)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Circuit breaker state changed",
				logging.String("breaker", name),
				logging.String("from", from.String()),
				logging.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Caller mistakes must not poison the circuit for everyone else.
			switch errors.GetType(err) {
			case errors.ErrTypeValidation, errors.ErrTypeNotFound, errors.ErrTypeAuth:
				return true
			}
			return false
		},
	}

	return &Breaker{
		name:    name,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

// Execute runs fn within the circuit breaker. An open circuit surfaces as
// a transient unavailable error so retry layers treat it like any other
// upstream outage.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})

	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return errors.UnavailableError(fmt.Sprintf("circuit breaker %q is open", b.name), err)
	}
	return err
}

// State returns the current state of the circuit breaker.
func (b *Breaker) State() State {
	switch b.breaker.State() {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
