// Package config loads keepalive settings from an optional TOML file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/loykin/keepalive/internal/auth"
	"github.com/loykin/keepalive/internal/logger"
	"github.com/loykin/keepalive/internal/process"
	"github.com/loykin/keepalive/internal/record"
	"github.com/loykin/keepalive/internal/supervisor"
	"github.com/loykin/keepalive/internal/watchdog"
)

// Config is the full configuration shared by every keepalive command.
type Config struct {
	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`

	Heartbeat   HeartbeatConfig   `toml:"heartbeat" mapstructure:"heartbeat"`
	Maintenance MaintenanceConfig `toml:"maintenance" mapstructure:"maintenance"`
	Supervisor  SupervisorConfig  `toml:"supervisor" mapstructure:"supervisor"`
	Watchdog    WatchdogConfig    `toml:"watchdog" mapstructure:"watchdog"`
	Alert       AlertConfig       `toml:"alert" mapstructure:"alert"`
	History     HistoryConfig     `toml:"history" mapstructure:"history"`
	Server      ServerConfig      `toml:"server" mapstructure:"server"`
	Log         LogConfig         `toml:"log" mapstructure:"log"`
}

type HeartbeatConfig struct {
	Path     string        `toml:"path" mapstructure:"path"`
	Interval time.Duration `toml:"interval" mapstructure:"interval"`
}

type MaintenanceConfig struct {
	Path string `toml:"path" mapstructure:"path"`
}

type SupervisorConfig struct {
	Name        string        `toml:"name" mapstructure:"name"`
	Command     string        `toml:"command" mapstructure:"command"`
	WorkDir     string        `toml:"workdir" mapstructure:"workdir"`
	Env         []string      `toml:"env" mapstructure:"env"`
	BaseDelay   time.Duration `toml:"base_delay" mapstructure:"base_delay"`
	MaxDelay    time.Duration `toml:"max_delay" mapstructure:"max_delay"`
	MaxAttempts int           `toml:"max_attempts" mapstructure:"max_attempts"`
	Jitter      bool          `toml:"jitter" mapstructure:"jitter"`
	GracePeriod time.Duration `toml:"grace_period" mapstructure:"grace_period"`
	OutputFile  string        `toml:"output_file" mapstructure:"output_file"`
}

type WatchdogConfig struct {
	PollInterval     time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	HeartbeatTimeout time.Duration `toml:"heartbeat_timeout" mapstructure:"heartbeat_timeout"`
	RestartCooldown  time.Duration `toml:"restart_cooldown" mapstructure:"restart_cooldown"`
	AlertInterval    time.Duration `toml:"alert_interval" mapstructure:"alert_interval"`
	RestartCommand   string        `toml:"restart_command" mapstructure:"restart_command"`
}

type AlertConfig struct {
	Destination     string        `toml:"destination" mapstructure:"destination"`
	BreakerFailures uint32        `toml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `toml:"breaker_timeout" mapstructure:"breaker_timeout"`
}

// HistoryConfig lists sink DSNs; see factory.NewSinkFromDSN for the formats.
type HistoryConfig struct {
	DSN []string `toml:"dsn" mapstructure:"dsn"`
}

type ServerConfig struct {
	Listen           string        `toml:"listen" mapstructure:"listen"`
	BasePath         string        `toml:"base_path" mapstructure:"base_path"`
	ResourceInterval time.Duration `toml:"resource_interval" mapstructure:"resource_interval"`

	// Auth guards POST /maintenance/clear; without it the endpoint is off.
	Auth auth.Config `toml:"auth" mapstructure:"auth"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	TimeStamps bool   `toml:"timestamps" mapstructure:"timestamps"`
	Source     bool   `toml:"source" mapstructure:"source"`
	File       string `toml:"file" mapstructure:"file"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// envBindings maps configuration keys to their environment variables.
var envBindings = map[string]string{
	"heartbeat.path":              "HEARTBEAT_PATH",
	"heartbeat.interval":          "HEARTBEAT_INTERVAL",
	"maintenance.path":            "MAINTENANCE_PATH",
	"watchdog.heartbeat_timeout":  "HEARTBEAT_TIMEOUT",
	"watchdog.poll_interval":      "WATCHDOG_POLL_INTERVAL",
	"watchdog.restart_cooldown":   "RESTART_COOLDOWN",
	"watchdog.alert_interval":     "ALERT_INTERVAL",
	"watchdog.restart_command":    "RESTART_COMMAND",
	"alert.destination":           "ALERT_DESTINATION",
	"supervisor.name":             "WORKER_NAME",
	"supervisor.command":          "WORKER_COMMAND",
	"supervisor.workdir":          "WORKER_WORKDIR",
	"supervisor.base_delay":       "RESTART_BASE_DELAY",
	"supervisor.max_delay":        "RESTART_MAX_DELAY",
	"supervisor.max_attempts":     "RESTART_MAX_ATTEMPTS",
	"supervisor.jitter":           "RESTART_JITTER",
	"supervisor.grace_period":     "SHUTDOWN_GRACE_PERIOD",
	"supervisor.output_file":      "WORKER_OUTPUT_FILE",
	"history.dsn":                 "HISTORY_DSN",
	"server.listen":               "STATUS_LISTEN",
	"server.auth.token":           "STATUS_AUTH_TOKEN",
	"server.auth.username":        "STATUS_AUTH_USERNAME",
	"server.auth.password_hash":   "STATUS_AUTH_PASSWORD_HASH",
	"log.level":                   "LOG_LEVEL",
	"log.format":                  "LOG_FORMAT",
	"log.file":                    "LOG_FILE",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("heartbeat.path", record.DefaultHeartbeatPath)
	v.SetDefault("heartbeat.interval", "30s")
	v.SetDefault("maintenance.path", record.DefaultMaintenancePath)
	v.SetDefault("supervisor.name", "worker")
	v.SetDefault("supervisor.base_delay", supervisor.DefaultBaseDelay.String())
	v.SetDefault("supervisor.max_delay", supervisor.DefaultMaxDelay.String())
	v.SetDefault("supervisor.max_attempts", supervisor.DefaultMaxAttempts)
	v.SetDefault("supervisor.grace_period", supervisor.DefaultGracePeriod.String())
	v.SetDefault("watchdog.poll_interval", watchdog.DefaultPollInterval.String())
	v.SetDefault("watchdog.heartbeat_timeout", watchdog.DefaultHeartbeatTimeout.String())
	v.SetDefault("watchdog.restart_cooldown", watchdog.DefaultRestartCooldown.String())
	v.SetDefault("server.resource_interval", "15s")
	v.SetDefault("log.level", logger.LevelInfo)
	v.SetDefault("log.format", logger.FormatText)
}

// New returns a viper instance with defaults and environment bindings but
// no file. Callers may bind flags to it before calling Decode.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	for key, name := range envBindings {
		if err := v.BindEnv(key, name); err != nil {
			return nil, err
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

// Decode unmarshals and validates the settings held by v.
func Decode(v *viper.Viper) (*Config, error) {
	var c Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsOrDurationHook,
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&c, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads the optional TOML file at path, applies environment overrides
// and returns the validated configuration.
func Load(path string) (*Config, error) {
	v, err := New(path)
	if err != nil {
		return nil, err
	}
	return Decode(v)
}

var durationType = reflect.TypeOf(time.Duration(0))

// secondsOrDurationHook lets any duration be written either as a Go
// duration string ("90s", "15m") or as a plain number of seconds.
func secondsOrDurationHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != durationType || from == durationType {
		return data, nil
	}
	switch d := data.(type) {
	case string:
		s := strings.TrimSpace(d)
		if s == "" {
			return time.Duration(0), nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, fmt.Errorf("invalid duration %q", s)
			}
			return time.Duration(f * float64(time.Second)), nil
		}
		return time.ParseDuration(s)
	case int:
		return time.Duration(d) * time.Second, nil
	case int64:
		return time.Duration(d) * time.Second, nil
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	}
	return data, nil
}

// Validate checks values that would otherwise fail late. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"heartbeat.interval":         c.Heartbeat.Interval,
		"watchdog.poll_interval":     c.Watchdog.PollInterval,
		"watchdog.heartbeat_timeout": c.Watchdog.HeartbeatTimeout,
		"watchdog.restart_cooldown":  c.Watchdog.RestartCooldown,
		"supervisor.base_delay":      c.Supervisor.BaseDelay,
		"supervisor.max_delay":       c.Supervisor.MaxDelay,
		"supervisor.grace_period":    c.Supervisor.GracePeriod,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", key, d))
		}
	}
	if c.Watchdog.AlertInterval < 0 {
		errs = append(errs, fmt.Errorf("watchdog.alert_interval must not be negative"))
	}
	if c.Supervisor.MaxDelay > 0 && c.Supervisor.MaxDelay < c.Supervisor.BaseDelay {
		errs = append(errs, fmt.Errorf("supervisor.max_delay (%v) is below supervisor.base_delay (%v)", c.Supervisor.MaxDelay, c.Supervisor.BaseDelay))
	}
	if c.Supervisor.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("supervisor.max_attempts must be at least 1, got %d", c.Supervisor.MaxAttempts))
	}
	if strings.TrimSpace(c.Heartbeat.Path) == "" {
		errs = append(errs, errors.New("heartbeat.path is required"))
	}
	if strings.TrimSpace(c.Maintenance.Path) == "" {
		errs = append(errs, errors.New("maintenance.path is required"))
	}
	switch strings.ToLower(c.Log.Level) {
	case logger.LevelDebug, logger.LevelInfo, logger.LevelWarn, "warning", logger.LevelError:
	default:
		errs = append(errs, fmt.Errorf("unknown log.level %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case logger.FormatText, logger.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	if err := c.Server.Auth.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server.%w", err))
	}
	return errors.Join(errs...)
}

// WorkerSpec returns the supervised worker and checks it can be launched.
func (c *Config) WorkerSpec() (process.Spec, error) {
	s := process.Spec{
		Name:    c.Supervisor.Name,
		Command: c.Supervisor.Command,
		WorkDir: c.Supervisor.WorkDir,
		Env:     c.Supervisor.Env,
	}
	if err := s.Validate(); err != nil {
		return process.Spec{}, fmt.Errorf("supervisor: %w", err)
	}
	return s, nil
}

// Policy returns the restart policy.
func (c *Config) Policy() supervisor.Policy {
	return supervisor.Policy{
		BaseDelay:   c.Supervisor.BaseDelay,
		MaxDelay:    c.Supervisor.MaxDelay,
		MaxAttempts: c.Supervisor.MaxAttempts,
		Jitter:      c.Supervisor.Jitter,
	}
}

// WatchdogConfig returns the watchdog settings with the shared record paths.
func (c *Config) WatchdogConfig() watchdog.Config {
	return watchdog.Config{
		HeartbeatPath:    c.Heartbeat.Path,
		MaintenancePath:  c.Maintenance.Path,
		PollInterval:     c.Watchdog.PollInterval,
		HeartbeatTimeout: c.Watchdog.HeartbeatTimeout,
		RestartCooldown:  c.Watchdog.RestartCooldown,
		AlertInterval:    c.Watchdog.AlertInterval,
	}
}

// Logger converts the log section into the logger package configuration.
func (c *Config) Logger() logger.Config {
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      c.Log.Level,
			Format:     c.Log.Format,
			Color:      c.Log.Color,
			TimeStamps: c.Log.TimeStamps,
			Source:     c.Log.Source,
			Output:     c.Log.File,
		},
		File: logger.FileConfig{
			Dir:        c.Log.Dir,
			OutputPath: c.Supervisor.OutputFile,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

// GlobalEnv returns the variables shared by every worker launch: env_files
// in order, then the top-level env list. Later entries win.
func (c *Config) GlobalEnv() ([]string, error) {
	var out []string
	for _, p := range c.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, pairs...)
	}
	return append(out, c.Env...), nil
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries in
// file order.
func LoadEnvFile(path string) ([]string, error) {
	// #nosec G304 -- env files are operator configuration
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if n := len(v); n >= 2 && (v[0] == '"' && v[n-1] == '"' || v[0] == '\'' && v[n-1] == '\'') {
			v = v[1 : n-1]
		}
		if k != "" {
			out = append(out, k+"="+v)
		}
	}
	return out, nil
}
