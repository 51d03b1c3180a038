// Package heartbeat implements the worker side of the liveness contract: it
// rewrites the heartbeat record on a fixed interval.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/loykin/keepalive/internal/record"
)

// DefaultInterval is how often a heartbeat is written.
const DefaultInterval = 30 * time.Second

// SignalCheck reports the health of the worker's internal signal bus. It is
// called once per beat.
type SignalCheck func(ctx context.Context) bool

// Beater periodically writes a heartbeat record.
type Beater struct {
	path     string
	interval time.Duration
	check    SignalCheck
	clk      clock.Clock
	log      *slog.Logger

	mu     sync.Mutex
	last   record.Heartbeat
	beats  int
	failed int
}

// Option customizes a Beater.
type Option func(*Beater)

func WithInterval(d time.Duration) Option {
	return func(b *Beater) {
		if d > 0 {
			b.interval = d
		}
	}
}

func WithSignalCheck(c SignalCheck) Option {
	return func(b *Beater) { b.check = c }
}

func WithClock(c clock.Clock) Option {
	return func(b *Beater) {
		if c != nil {
			b.clk = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Beater) {
		if l != nil {
			b.log = l
		}
	}
}

// New returns a Beater writing to path (record.DefaultHeartbeatPath if empty).
func New(path string, opts ...Option) *Beater {
	if path == "" {
		path = record.DefaultHeartbeatPath
	}
	b := &Beater{path: path, interval: DefaultInterval, clk: clock.New(), log: slog.Default()}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Beat writes one heartbeat stamped with the current time.
func (b *Beater) Beat(ctx context.Context) error {
	hb := record.NewHeartbeat(b.clk.Now())
	if b.check != nil {
		hb.SignalBusOK = b.check(ctx)
	}
	err := record.WriteHeartbeat(b.path, hb)
	b.mu.Lock()
	if err != nil {
		b.failed++
	} else {
		b.last = hb
		b.beats++
	}
	b.mu.Unlock()
	return err
}

// Run beats immediately and then every interval until ctx is done. Write
// failures are logged; the next tick retries.
func (b *Beater) Run(ctx context.Context) {
	t := b.clk.Ticker(b.interval)
	defer t.Stop()
	for {
		if err := b.Beat(ctx); err != nil {
			b.log.Warn("heartbeat write failed", "path", b.path, "error", err)
		} else {
			b.log.Debug("heartbeat written", "path", b.path)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Last returns the most recently written heartbeat and the number of
// successful writes.
func (b *Beater) Last() (record.Heartbeat, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, b.beats
}
