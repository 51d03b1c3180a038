package main

import "time"

// SuperviseFlags override the [supervisor] section.
type SuperviseFlags struct {
	Name        string
	Command     string
	WorkDir     string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	GracePeriod time.Duration
	OutputFile  string
	Listen      string
}

// WatchdogFlags override the [watchdog] section.
type WatchdogFlags struct {
	RestartCommand   string
	AlertDestination string
	HeartbeatTimeout time.Duration
	PollInterval     time.Duration
	Listen           string
	// Once runs a single poll and exits, for use from cron.
	Once bool
}

type HeartbeatFlags struct {
	Path        string
	Every       time.Duration
	SignalCheck string
}

type MaintenanceFlags struct {
	Reason string
}

type HashPasswordFlags struct {
	Password string
}
