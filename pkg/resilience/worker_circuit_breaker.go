// Package resilience provides fault tolerance patterns for external service calls.
package resilience

import (
	"time"

	"mailsync_server/pkg/logger"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned while the provider circuit is open.
var ErrCircuitOpen = gobreaker.ErrOpenState

// Breaker wraps gobreaker so that client-side failures (auth, not found,
// bad request) do not count toward tripping the circuit.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	Name        string
	MaxRequests uint32        // allowed in half-open
	Interval    time.Duration // closed-state counter reset
	Timeout     time.Duration // open-state duration
}

// DefaultBreakerConfig returns provider defaults.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
	}
}

// NewBreaker creates a breaker. trips reports whether an error is a
// server-side failure; nil means every error counts.
func NewBreaker(cfg BreakerConfig, trips func(error) bool) *Breaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		// Client-side errors (auth, not found, bad request) belong to one
		// account or request and must not open the circuit for the provider.
		IsSuccessful: func(err error) bool {
			return err == nil || (trips != nil && !trips(err))
		},
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// more than 5 consecutive failures, or >=60% failures over at least 10 requests
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("[CircuitBreaker] %s: state changed from %s to %s", name, from.String(), to.String())
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// State returns the breaker state name.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// IsOpen returns true when calls fail fast.
func (b *Breaker) IsOpen() bool {
	return b.cb.State() == gobreaker.StateOpen
}
