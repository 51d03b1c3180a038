// Package supervisor keeps a single worker process alive, restarting it with
// exponential backoff after abnormal exits until the attempt budget runs out.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/loykin/keepalive/internal/history"
	"github.com/loykin/keepalive/internal/metrics"
	"github.com/loykin/keepalive/internal/process"
)

// ErrRetriesExhausted is returned by Run when the worker failed MaxAttempts
// times in a row. Recovering requires operator intervention.
var ErrRetriesExhausted = errors.New("retries exhausted")

// DefaultGracePeriod is how long a worker may take to exit after SIGTERM.
const DefaultGracePeriod = 10 * time.Second

// drainTimeout bounds how long output is still read after the worker exited
// while descendants keep the pipe open.
const drainTimeout = 500 * time.Millisecond

// State is the supervisor state machine position.
type State string

const (
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StateBackoff     State = "backoff"
	StateStopped     State = "stopped"
	StateTerminating State = "terminating"
)

// Attempt is one supervised run of the worker. It is finalized when the
// worker terminates and never changes afterwards.
type Attempt struct {
	Number    int
	StartedAt time.Time
	EndedAt   time.Time
	PID       int
	// ExitCode is nil when the worker could not be spawned.
	ExitCode *int
	Err      error
}

// Failed reports whether the attempt counts as a crash.
func (a Attempt) Failed() bool {
	return a.Err != nil || a.ExitCode == nil || *a.ExitCode != 0
}

// Result describes how Run finished.
type Result struct {
	Attempts     int
	LastExitCode int
	// Terminated is set when the context was cancelled and the worker was
	// stopped on request.
	Terminated bool
	Reason     string
}

// Status is a snapshot for status reporting.
type Status struct {
	Name          string        `json:"name"`
	State         State         `json:"state"`
	Attempt       int           `json:"attempt"`
	MaxAttempts   int           `json:"max_attempts"`
	PID           int           `json:"pid,omitempty"`
	LastExitCode  *int          `json:"last_exit_code,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	BackoffDelay  time.Duration `json:"backoff_delay,omitempty"`
	NextRestartAt time.Time     `json:"next_restart_at,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Config configures a Supervisor.
type Config struct {
	Spec        process.Spec
	Env         []string
	Policy      Policy
	GracePeriod time.Duration
	// Output receives the worker's combined output, one line at a time.
	// Defaults to os.Stdout.
	Output io.Writer
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger; nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock replaces the clock used for timestamps and backoff sleeps.
func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) {
		if c != nil {
			s.clk = c
		}
	}
}

// WithHistory records attempt lifecycle events to the given sinks.
func WithHistory(sinks ...history.Sink) Option {
	return func(s *Supervisor) { s.sinks = append(s.sinks, sinks...) }
}

// OnAttemptStart registers a callback invoked after each successful spawn.
func OnAttemptStart(fn func(Attempt)) Option {
	return func(s *Supervisor) { s.onStart = fn }
}

// OnAttemptExit registers a callback invoked with every finalized attempt.
func OnAttemptExit(fn func(Attempt)) Option {
	return func(s *Supervisor) { s.onExit = fn }
}

// Supervisor owns the worker's OS process lifecycle. A single goroutine
// drives the state machine inside Run; Status may be called concurrently.
type Supervisor struct {
	cfg     Config
	log     *slog.Logger
	clk     clock.Clock
	sinks   []history.Sink
	onStart func(Attempt)
	onExit  func(Attempt)

	attempt int

	mu     sync.Mutex
	status Status
}

// New validates cfg and returns a Supervisor ready to Run.
func New(cfg Config, opts ...Option) (*Supervisor, error) {
	if err := cfg.Spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker: %w", err)
	}
	cfg.Policy = cfg.Policy.withDefaults()
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	s := &Supervisor{cfg: cfg, log: slog.Default(), clk: clock.New()}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("worker", cfg.Spec.Name)
	s.status = Status{Name: cfg.Spec.Name, State: StateStarting, MaxAttempts: cfg.Policy.MaxAttempts, UpdatedAt: s.clk.Now()}
	return s, nil
}

// Status returns a copy of the current status.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Supervisor) update(fn func(*Status)) {
	s.mu.Lock()
	fn(&s.status)
	s.status.UpdatedAt = s.clk.Now()
	s.mu.Unlock()
}

// Run launches the worker and restarts it after abnormal exits until it
// exits cleanly, the attempt budget is exhausted or ctx is cancelled.
// Cancellation terminates the running worker (SIGTERM, grace period, SIGKILL)
// and returns a Result with Terminated set and a nil error.
func (s *Supervisor) Run(ctx context.Context) (Result, error) {
	for {
		if ctx.Err() != nil {
			return s.terminated("shutdown requested"), nil
		}

		s.attempt++
		a := Attempt{Number: s.attempt, StartedAt: s.clk.Now()}
		s.update(func(st *Status) {
			st.State = StateStarting
			st.Attempt = a.Number
			st.PID = 0
			st.BackoffDelay = 0
			st.NextRestartAt = time.Time{}
		})
		metrics.IncAttempt(s.cfg.Spec.Name)

		p, err := process.Start(s.cfg.Spec, s.cfg.Env)
		if err != nil {
			a.Err = err
			s.log.Warn("worker spawn failed", "attempt", a.Number, "error", err)
		} else {
			a.PID = p.PID()
			s.update(func(st *Status) {
				st.State = StateRunning
				st.PID = a.PID
			})
			s.log.Info("worker started", "attempt", a.Number, "max_attempts", s.cfg.Policy.MaxAttempts, "pid", a.PID)
			metrics.SetWorkerRunning(s.cfg.Spec.Name, true)
			s.record(ctx, history.Event{Type: history.EventAttemptStart, Attempt: a.Number, PID: a.PID})
			if s.onStart != nil {
				s.onStart(a)
			}

			code, stopped := s.follow(ctx, p)
			a.ExitCode = &code
			metrics.SetWorkerRunning(s.cfg.Spec.Name, false)
			if stopped {
				s.finish(ctx, a)
				return s.terminated("shutdown requested"), nil
			}
		}
		s.finish(ctx, a)

		if !a.Failed() {
			s.update(func(st *Status) { st.State = StateStopped })
			s.log.Info("worker exited cleanly", "attempt", a.Number)
			return Result{Attempts: a.Number, LastExitCode: 0, Reason: "worker exited cleanly"}, nil
		}

		metrics.IncCrash(s.cfg.Spec.Name)
		if s.cfg.Policy.Exhausted(a.Number) {
			s.update(func(st *Status) { st.State = StateStopped })
			s.log.Error("worker retries exhausted, giving up", "attempts", a.Number, "last_exit_code", exitCodeOf(a), "error", a.Err)
			metrics.IncExhausted(s.cfg.Spec.Name)
			s.record(ctx, history.Event{Type: history.EventRetriesExhausted, Attempt: a.Number, ExitCode: a.ExitCode})
			return Result{Attempts: a.Number, LastExitCode: exitCodeOf(a), Reason: "retries exhausted"},
				fmt.Errorf("%w: worker %s failed %d times", ErrRetriesExhausted, s.cfg.Spec.Name, a.Number)
		}

		delay := s.cfg.Policy.Delay(a.Number)
		// armed before StateBackoff is published
		t := s.clk.Timer(delay)
		s.update(func(st *Status) {
			st.State = StateBackoff
			st.PID = 0
			st.BackoffDelay = delay
			st.NextRestartAt = s.clk.Now().Add(delay)
		})
		metrics.ObserveBackoff(s.cfg.Spec.Name, delay.Seconds())
		s.log.Warn("worker crashed, restarting after backoff",
			"attempt", a.Number, "exit_code", exitCodeOf(a), "error", a.Err, "delay", delay)

		select {
		case <-ctx.Done():
			t.Stop()
			return s.terminated("shutdown requested during backoff"), nil
		case <-t.C:
		}
	}
}

// follow streams the worker's output until it exits or ctx is cancelled.
// It reports the exit code and whether the worker was stopped on request.
func (s *Supervisor) follow(ctx context.Context, p *process.Process) (int, bool) {
	defer p.Close()

	lines := p.Lines()
	done := p.Done()
	var drain <-chan time.Time
	var writeErr error
	for lines != nil || done != nil {
		select {
		case <-ctx.Done():
			s.update(func(st *Status) { st.State = StateTerminating })
			s.log.Info("stopping worker", "pid", p.PID(), "grace_period", s.cfg.GracePeriod)
			if err := p.Stop(s.cfg.GracePeriod); err != nil {
				s.log.Error("failed to stop worker", "pid", p.PID(), "error", err)
			}
			return p.ExitCode(), true
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if _, err := io.WriteString(s.cfg.Output, line+"\n"); err != nil && writeErr == nil {
				writeErr = err
				s.log.Warn("worker output streaming error", "error", err)
			}
		case <-done:
			done = nil
			drain = time.After(drainTimeout)
		case <-drain:
			// descendants still hold the pipe; stop reading
			lines = nil
		}
	}
	if err := p.StreamErr(); err != nil {
		s.log.Warn("worker output streaming error", "error", err)
	}
	return p.ExitCode(), false
}

func (s *Supervisor) finish(ctx context.Context, a Attempt) {
	a.EndedAt = s.clk.Now()
	s.update(func(st *Status) {
		st.LastExitCode = a.ExitCode
		st.LastError = ""
		if a.Err != nil {
			st.LastError = a.Err.Error()
		}
	})
	detail := ""
	if a.Err != nil {
		detail = a.Err.Error()
	}
	s.record(ctx, history.Event{Type: history.EventAttemptExit, Attempt: a.Number, PID: a.PID, ExitCode: a.ExitCode, Detail: detail})
	if s.onExit != nil {
		s.onExit(a)
	}
}

func (s *Supervisor) terminated(reason string) Result {
	s.update(func(st *Status) {
		st.State = StateStopped
		st.PID = 0
	})
	s.log.Info("supervisor stopped", "reason", reason, "attempts", s.attempt)
	st := s.Status()
	return Result{Attempts: s.attempt, LastExitCode: derefOr(st.LastExitCode, 0), Terminated: true, Reason: reason}
}

func (s *Supervisor) record(ctx context.Context, e history.Event) {
	if len(s.sinks) == 0 {
		return
	}
	e.Source = s.cfg.Spec.Name
	e.OccurredAt = s.clk.Now()
	history.Publish(ctx, s.log, s.sinks, e)
}

func exitCodeOf(a Attempt) int {
	return derefOr(a.ExitCode, -1)
}

func derefOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
