package alert

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

// BreakerSettings configures Breaker.
type BreakerSettings struct {
	// ConsecutiveFailures opens the circuit (default 3).
	ConsecutiveFailures uint32
	// OpenTimeout is how long the circuit stays open before a probe (default 5m).
	OpenTimeout time.Duration
}

// Breaker wraps a Notifier with a circuit breaker so that a dead destination
// is skipped instead of being called on every poll. Rejections by the
// destination do not count as failures.
type Breaker struct {
	next Notifier
	cb   *gobreaker.CircuitBreaker[struct{}]
}

// NewBreaker wraps next. log may be nil.
func NewBreaker(next Notifier, s BreakerSettings, log *slog.Logger) *Breaker {
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 3
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "alert",
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrDestinationRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("alert circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return &Breaker{next: next, cb: cb}
}

// Notify delivers m unless the circuit is open, in which case it returns an
// error wrapping gobreaker.ErrOpenState.
func (b *Breaker) Notify(ctx context.Context, m Message) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.Notify(ctx, m)
	})
	return err
}

// State reports the breaker state (closed, half-open, open).
func (b *Breaker) State() string { return b.cb.State().String() }

// IsOpen reports whether err came from an open circuit.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
