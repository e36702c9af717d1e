package circuitbreaker

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

var ErrOpen = errors.New("origin circuit breaker is open")

type State = gobreaker.State

const (
	Closed   = gobreaker.StateClosed
	Open     = gobreaker.StateOpen
	HalfOpen = gobreaker.StateHalfOpen
)

// CircuitBreaker guards a single origin. Failures are counted consecutively;
// after threshold failures the breaker opens for resetTimeout, then lets one trial through.
type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

func New(name string, threshold int, resetTimeout time.Duration, onChange func(name string, from, to State)) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold) //nolint:gosec // threshold is validated positive
		},
	}

	if onChange != nil {
		settings.OnStateChange = onChange
	}

	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Do runs fn unless the breaker is open. fn reports whether its outcome counts as a failure.
func (b *CircuitBreaker) Do(fn func() (failure bool)) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		if fn() {
			return nil, errTripped
		}

		return nil, nil
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return ErrOpen
	default:
		return nil
	}
}

func (b *CircuitBreaker) State() State {
	return b.cb.State()
}

var errTripped = errors.New("origin failure")
