package breaker

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aegislabs/aiguard/pkg/types"
)

type CircuitBreaker interface {
	Execute(fn func() (interface{}, error)) (interface{}, error)
	State() types.CircuitState
}

type circuitBreakerWrapper struct {
	breaker *gobreaker.CircuitBreaker
}

// NewCircuitBreaker trips after maxFailures consecutive failures and admits
// exactly one trial call once the recovery timeout elapses. Additional
// callers arriving during the trial are rejected as if the circuit were
// still open.
func NewCircuitBreaker(name string, timeout time.Duration, maxFailures uint32) CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}
	return &circuitBreakerWrapper{
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (g *circuitBreakerWrapper) Execute(fn func() (interface{}, error)) (interface{}, error) {
	return g.breaker.Execute(fn)
}

func (g *circuitBreakerWrapper) State() types.CircuitState {
	switch g.breaker.State() {
	case gobreaker.StateOpen:
		return types.CircuitOpen
	case gobreaker.StateHalfOpen:
		return types.CircuitHalfOpen
	default:
		return types.CircuitClosed
	}
}

// IsOpen reports whether err is a breaker rejection rather than a failure of
// the wrapped operation itself. Half-open overflow counts as open: the
// caller was not admitted.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
