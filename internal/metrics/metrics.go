package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keepalive"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workerAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "attempts_total",
			Help:      "Number of worker launches, including the first.",
		}, []string{"name"},
	)
	workerCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "crashes_total",
			Help:      "Number of non-zero worker exits and spawn failures.",
		}, []string{"name"},
	)
	workerExhausted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "retries_exhausted_total",
			Help:      "Number of times the restart budget ran out.",
		}, []string{"name"},
	)
	workerBackoff = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "backoff_seconds",
			Help:      "Backoff delay applied before a restart.",
			Buckets:   []float64{1, 5, 10, 20, 40, 60, 120, 300},
		}, []string{"name"},
	)
	workerRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "worker_running",
			Help:      "1 while the worker process is alive.",
		}, []string{"name"},
	)

	watchdogPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "polls_total",
			Help:      "Heartbeat polls by observed condition.",
		}, []string{"condition"},
	)
	watchdogHeartbeatAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "heartbeat_age_seconds",
			Help:      "Age of the last readable heartbeat; -1 when missing.",
		},
	)
	watchdogAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "alerts_total",
			Help:      "Alert attempts by class and outcome (sent, suppressed, skipped, rejected, circuit_open, failed).",
		}, []string{"class", "outcome"},
	)
	watchdogRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "restarts_total",
			Help:      "Restart hook invocations by outcome (triggered, cooldown, failed, disabled).",
		}, []string{"outcome"},
	)
	watchdogMaintenance = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "maintenance_writes_total",
			Help:      "Number of maintenance flag activations written.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		workerAttempts, workerCrashes, workerExhausted, workerBackoff, workerRunning,
		watchdogPolls, watchdogHeartbeatAge, watchdogAlerts, watchdogRestarts, watchdogMaintenance,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with this registry: keep the existing collector
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncAttempt(name string) {
	if regOK.Load() {
		workerAttempts.WithLabelValues(name).Inc()
	}
}

func IncCrash(name string) {
	if regOK.Load() {
		workerCrashes.WithLabelValues(name).Inc()
	}
}

func IncExhausted(name string) {
	if regOK.Load() {
		workerExhausted.WithLabelValues(name).Inc()
	}
}

func ObserveBackoff(name string, seconds float64) {
	if regOK.Load() {
		workerBackoff.WithLabelValues(name).Observe(seconds)
	}
}

func SetWorkerRunning(name string, running bool) {
	if regOK.Load() {
		var v float64
		if running {
			v = 1
		}
		workerRunning.WithLabelValues(name).Set(v)
	}
}

func IncPoll(condition string) {
	if regOK.Load() {
		watchdogPolls.WithLabelValues(condition).Inc()
	}
}

// SetHeartbeatAge records the heartbeat age; a negative value marks a missing heartbeat.
func SetHeartbeatAge(seconds float64) {
	if regOK.Load() {
		watchdogHeartbeatAge.Set(seconds)
	}
}

func IncAlert(class, outcome string) {
	if regOK.Load() {
		watchdogAlerts.WithLabelValues(class, outcome).Inc()
	}
}

func IncRestart(outcome string) {
	if regOK.Load() {
		watchdogRestarts.WithLabelValues(outcome).Inc()
	}
}

func IncMaintenance() {
	if regOK.Load() {
		watchdogMaintenance.Inc()
	}
}
