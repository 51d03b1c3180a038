package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/keepalive/internal/auth"
	"github.com/loykin/keepalive/internal/config"
	"github.com/loykin/keepalive/internal/env"
	"github.com/loykin/keepalive/internal/history"
	"github.com/loykin/keepalive/internal/history/factory"
	"github.com/loykin/keepalive/internal/metrics"
	"github.com/loykin/keepalive/internal/server"
)

const shutdownTimeout = 5 * time.Second

// Variables exported to the worker and the restart command so they know
// where the shared records live.
const (
	envHeartbeatPath   = "KEEPALIVE_HEARTBEAT_PATH"
	envMaintenancePath = "KEEPALIVE_MAINTENANCE_PATH"
)

// loadConfig reads the config file and environment, then applies the flags
// in bindings (config key -> flag name) that were set on the command line.
func loadConfig(cmd *cobra.Command, global *GlobalFlags, bindings map[string]string) (*config.Config, error) {
	v, err := config.New(global.ConfigPath)
	if err != nil {
		return nil, err
	}
	for key, name := range bindings {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return config.Decode(v)
}

// setupLogger installs the configured logger as the slog default.
func setupLogger(cfg *config.Config, component string) *slog.Logger {
	log := cfg.Logger().NewSlogger().With("component", component)
	slog.SetDefault(log)
	return log
}

// openHistory opens every configured sink. A sink that cannot be opened is
// logged and skipped.
func openHistory(dsns []string, log *slog.Logger) []history.Sink {
	var sinks []history.Sink
	for _, dsn := range dsns {
		dsn = strings.TrimSpace(dsn)
		if dsn == "" {
			continue
		}
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			log.Warn("history sink disabled", "sink", redactDSN(dsn), "error", err)
			continue
		}
		log.Info("history sink enabled", "sink", redactDSN(dsn))
		sinks = append(sinks, s)
	}
	return sinks
}

// redactDSN hides credentials embedded in a DSN.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return dsn
	}
	return scheme + "://***@" + rest[at+1:]
}

// startStatusServer registers metrics and serves the status API when a
// listen address is configured. It returns nil otherwise.
func startStatusServer(cfg *config.Config, log *slog.Logger, opts ...server.Option) *http.Server {
	if cfg.Server.Listen == "" {
		return nil
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("failed to register metrics", "error", err)
	}
	mw := auth.NewMiddleware(cfg.Server.Auth)
	if !mw.Enabled() {
		log.Info("status server auth not configured, maintenance clear endpoint disabled")
	}
	opts = append(opts, server.WithMaintenancePath(cfg.Maintenance.Path), server.WithAuth(mw))
	r := server.NewRouter(cfg.Server.BasePath, opts...)
	return server.NewServer(cfg.Server.Listen, r, log)
}

func stopStatusServer(srv *http.Server, log *slog.Logger) {
	if srv == nil {
		return
	}
	if err := server.Shutdown(srv, shutdownTimeout); err != nil {
		log.Warn("status server shutdown", "error", err)
	}
}

// sharedEnv layers env_files, the global env list and the record paths over
// the current process environment. The worker's own env is added by
// process.Start from its spec.
func sharedEnv(cfg *config.Config) ([]string, error) {
	global, err := cfg.GlobalEnv()
	if err != nil {
		return nil, err
	}
	e := env.New().FromOS()
	for _, kv := range global {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			e.Set(k, v)
		}
	}
	e.Set(envHeartbeatPath, absPath(cfg.Heartbeat.Path))
	e.Set(envMaintenancePath, absPath(cfg.Maintenance.Path))
	return e.Merge(nil), nil
}

func absPath(p string) string {
	if a, err := filepath.Abs(p); err == nil {
		return a
	}
	return p
}
