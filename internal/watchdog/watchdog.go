// Package watchdog polls the worker's heartbeat and escalates when it goes
// stale: it alerts the operator, raises the maintenance flag and asks an
// external hook to restart the worker.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/loykin/keepalive/internal/alert"
	"github.com/loykin/keepalive/internal/history"
	"github.com/loykin/keepalive/internal/metrics"
	"github.com/loykin/keepalive/internal/record"
	"github.com/loykin/keepalive/internal/restart"
)

const (
	DefaultPollInterval     = 30 * time.Second
	DefaultHeartbeatTimeout = 120 * time.Second
	DefaultRestartCooldown  = 15 * time.Minute
)

// Alert classes used for de-duplication.
const (
	classStale    = "stale"
	classDegraded = "degraded"
)

const historySource = "watchdog"

// Config configures a Watchdog. Zero values take the defaults.
type Config struct {
	HeartbeatPath    string        `mapstructure:"heartbeat_path"`
	MaintenancePath  string        `mapstructure:"maintenance_path"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	RestartCooldown  time.Duration `mapstructure:"restart_cooldown"`
	// AlertInterval is the minimum spacing between two alerts of the same
	// class. Defaults to RestartCooldown, and never less than PollInterval.
	AlertInterval time.Duration `mapstructure:"alert_interval"`
}

func (c Config) withDefaults() Config {
	if c.HeartbeatPath == "" {
		c.HeartbeatPath = record.DefaultHeartbeatPath
	}
	if c.MaintenancePath == "" {
		c.MaintenancePath = record.DefaultMaintenancePath
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.RestartCooldown <= 0 {
		c.RestartCooldown = DefaultRestartCooldown
	}
	if c.AlertInterval <= 0 {
		c.AlertInterval = max(c.RestartCooldown, c.PollInterval)
	}
	return c
}

// Status is a snapshot for status reporting.
type Status struct {
	Condition         Condition     `json:"condition"`
	Reason            string        `json:"reason,omitempty"`
	HeartbeatAge      time.Duration `json:"heartbeat_age"`
	Polls             int           `json:"polls"`
	LastPollAt        time.Time     `json:"last_poll_at,omitempty"`
	LastAlertAt       time.Time     `json:"last_alert_at,omitempty"`
	LastRestartAt     time.Time     `json:"last_restart_at,omitempty"`
	MaintenanceActive bool          `json:"maintenance_active"`
}

// Option customizes a Watchdog.
type Option func(*Watchdog)

func WithLogger(l *slog.Logger) Option {
	return func(w *Watchdog) {
		if l != nil {
			w.log = l
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(w *Watchdog) {
		if c != nil {
			w.clk = c
		}
	}
}

// WithNotifier sets the alert channel. Without one alerts are skipped.
func WithNotifier(n alert.Notifier) Option {
	return func(w *Watchdog) {
		if n != nil {
			w.notifier = n
		}
	}
}

// WithRestarter sets the external restart hook. Without one restarts are
// disabled.
func WithRestarter(r restart.Restarter) Option {
	return func(w *Watchdog) { w.restarter = r }
}

// WithHistory records watchdog events to the given sinks.
func WithHistory(sinks ...history.Sink) Option {
	return func(w *Watchdog) { w.sinks = append(w.sinks, sinks...) }
}

// Watchdog is the heartbeat poller. Poll must not be called concurrently;
// Run guarantees that. Status is safe for concurrent use.
type Watchdog struct {
	cfg       Config
	log       *slog.Logger
	clk       clock.Clock
	notifier  alert.Notifier
	restarter restart.Restarter
	sinks     []history.Sink

	lastAlert   map[string]time.Time
	lastRestart time.Time

	mu     sync.Mutex
	status Status
}

// New returns a Watchdog for cfg.
func New(cfg Config, opts ...Option) *Watchdog {
	w := &Watchdog{
		cfg:       cfg.withDefaults(),
		log:       slog.Default(),
		clk:       clock.New(),
		notifier:  alert.Noop{},
		lastAlert: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(w)
	}
	if r, ok := w.restarter.(*restart.Command); ok && r == nil {
		w.restarter = nil
	}
	return w
}

// Config returns the effective configuration.
func (w *Watchdog) Config() Config { return w.cfg }

// Status returns a copy of the latest status.
func (w *Watchdog) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Run polls immediately and then every PollInterval until ctx is done.
// A poll that outlasts the interval delays the next one; ticks are never
// queued up.
func (w *Watchdog) Run(ctx context.Context) {
	w.log.Info("watchdog started",
		"heartbeat", w.cfg.HeartbeatPath,
		"maintenance", w.cfg.MaintenancePath,
		"poll_interval", w.cfg.PollInterval,
		"heartbeat_timeout", w.cfg.HeartbeatTimeout,
		"restart_cooldown", w.cfg.RestartCooldown,
		"restart_hook", w.restarter != nil,
		"alerts", !alert.IsNoop(w.notifier))
	t := w.clk.Ticker(w.cfg.PollInterval)
	defer t.Stop()
	for {
		w.Poll(ctx)
		select {
		case <-ctx.Done():
			w.log.Info("watchdog stopped")
			return
		case <-t.C:
		}
	}
}

// Poll performs one iteration: read, classify, react. Every failure inside
// the iteration is logged and swallowed.
func (w *Watchdog) Poll(ctx context.Context) Observation {
	now := w.clk.Now()
	hb, err := record.ReadHeartbeat(w.cfg.HeartbeatPath)
	obs := Classify(hb, err, now, w.cfg.HeartbeatTimeout)

	metrics.IncPoll(string(obs.Condition))
	if obs.Condition == Missing {
		metrics.SetHeartbeatAge(-1)
	} else {
		metrics.SetHeartbeatAge(obs.Age.Seconds())
	}

	switch {
	case obs.Condition.Stale():
		w.log.Warn("heartbeat stale", "condition", obs.Condition, "reason", obs.Reason, "error", obs.Err)
		w.record(ctx, history.EventHeartbeatStale, obs.Reason)
		w.sendAlert(ctx, classStale, alert.Message{
			Title:      "Worker heartbeat stale",
			Text:       obs.Reason + ". Maintenance mode enabled.",
			Severity:   alert.SeverityCritical,
			Condition:  string(obs.Condition),
			OccurredAt: now,
		})
		w.enterMaintenance(ctx, obs.Reason, now)
		w.tryRestart(ctx, now)
	case obs.Condition == Degraded:
		w.log.Warn("worker degraded", "reason", obs.Reason, "age", obs.Age)
		w.record(ctx, history.EventHeartbeatDegraded, obs.Reason)
		w.sendAlert(ctx, classDegraded, alert.Message{
			Title:      "Worker degraded",
			Text:       "Heartbeat is fresh but the signal bus reports unhealthy.",
			Severity:   alert.SeverityWarning,
			Condition:  string(obs.Condition),
			OccurredAt: now,
		})
	default:
		w.log.Debug("heartbeat healthy", "age", obs.Age)
	}

	active, _ := record.MaintenanceActive(w.cfg.MaintenancePath)
	w.mu.Lock()
	w.status.Condition = obs.Condition
	w.status.Reason = obs.Reason
	w.status.HeartbeatAge = obs.Age
	w.status.Polls++
	w.status.LastPollAt = now
	w.status.MaintenanceActive = active
	w.mu.Unlock()
	return obs
}

func (w *Watchdog) sendAlert(ctx context.Context, class string, m alert.Message) {
	if alert.IsNoop(w.notifier) {
		metrics.IncAlert(class, "skipped")
		return
	}
	now := m.OccurredAt
	if last, ok := w.lastAlert[class]; ok && now.Sub(last) < w.cfg.AlertInterval {
		w.log.Debug("alert suppressed", "class", class, "last", last)
		metrics.IncAlert(class, "suppressed")
		return
	}

	actx, cancel := context.WithTimeout(ctx, alert.DefaultTimeout)
	defer cancel()
	err := w.notifier.Notify(actx, m)
	switch {
	case err == nil:
		w.lastAlert[class] = now
		w.setStatus(func(s *Status) { s.LastAlertAt = now })
		w.log.Info("alert sent", "class", class)
		metrics.IncAlert(class, "sent")
	case errors.Is(err, alert.ErrDestinationRejected):
		w.lastAlert[class] = now
		w.log.Debug("alert destination rejected message", "class", class, "error", err)
		metrics.IncAlert(class, "rejected")
	case alert.IsOpen(err):
		w.log.Warn("alert skipped, destination circuit open", "class", class)
		metrics.IncAlert(class, "circuit_open")
	default:
		w.log.Error("alert delivery failed", "class", class, "error", err)
		metrics.IncAlert(class, "failed")
	}
}

func (w *Watchdog) enterMaintenance(ctx context.Context, reason string, now time.Time) {
	if err := record.ActivateMaintenance(w.cfg.MaintenancePath, reason, now); err != nil {
		w.log.Error("failed to write maintenance flag", "path", w.cfg.MaintenancePath, "error", err)
		return
	}
	metrics.IncMaintenance()
	w.log.Warn("maintenance mode enabled", "reason", reason)
	w.record(ctx, history.EventMaintenanceSet, reason)
}

func (w *Watchdog) tryRestart(ctx context.Context, now time.Time) {
	if w.restarter == nil {
		w.log.Warn("no restart hook configured, worker must be restarted manually")
		metrics.IncRestart("disabled")
		return
	}
	if !w.lastRestart.IsZero() && now.Sub(w.lastRestart) < w.cfg.RestartCooldown {
		w.log.Info("restart skipped, cooldown active",
			"last_restart", w.lastRestart, "remaining", w.cfg.RestartCooldown-now.Sub(w.lastRestart))
		metrics.IncRestart("cooldown")
		return
	}
	// the cooldown starts with the attempt whatever its outcome
	w.lastRestart = now
	w.setStatus(func(s *Status) { s.LastRestartAt = now })
	if err := w.restarter.Restart(ctx); err != nil {
		w.log.Error("restart hook failed", "error", err)
		metrics.IncRestart("failed")
		w.record(ctx, history.EventRestartTriggered, fmt.Sprintf("failed: %v", err))
		return
	}
	w.log.Warn("restart hook triggered")
	metrics.IncRestart("triggered")
	w.record(ctx, history.EventRestartTriggered, "")
}

func (w *Watchdog) setStatus(fn func(*Status)) {
	w.mu.Lock()
	fn(&w.status)
	w.mu.Unlock()
}

func (w *Watchdog) record(ctx context.Context, t history.EventType, detail string) {
	if len(w.sinks) == 0 {
		return
	}
	history.Publish(ctx, w.log, w.sinks, history.Event{
		Type:       t,
		OccurredAt: w.clk.Now(),
		Source:     historySource,
		Detail:     detail,
	})
}
