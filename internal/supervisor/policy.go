package supervisor

import (
	"math/rand/v2"
	"time"
)

// Default restart policy constants.
const (
	DefaultBaseDelay   = 5 * time.Second
	DefaultMaxDelay    = 60 * time.Second
	DefaultMaxAttempts = 5
)

// Policy computes the delay before the next launch after a failed attempt.
// It holds no state; the attempt number is supplied by the caller.
type Policy struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	// Jitter spreads each delay over [d/2, d]; the result never exceeds MaxDelay.
	Jitter bool `mapstructure:"jitter"`
}

// DefaultPolicy returns 5s / 60s / 5 attempts without jitter.
func DefaultPolicy() Policy {
	return Policy{BaseDelay: DefaultBaseDelay, MaxDelay: DefaultMaxDelay, MaxAttempts: DefaultMaxAttempts}
}

// withDefaults fills zero fields from DefaultPolicy.
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

// Delay returns min(BaseDelay * 2^(attempt-1), MaxDelay). Attempts below 1
// are treated as 1.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if d >= p.MaxDelay/2 {
			d = p.MaxDelay
			break
		}
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter && d > 1 {
		half := d / 2
		d = half + rand.N(d-half+1)
	}
	return d
}

// Exhausted reports whether no further launch is allowed after attempt.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.withDefaults().MaxAttempts
}
