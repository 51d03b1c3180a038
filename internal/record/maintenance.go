package record

import (
	"bytes"
	"time"

	json "github.com/goccy/go-json"
)

// DefaultMaintenancePath is where the watchdog publishes maintenance mode.
const DefaultMaintenancePath = "data/maintenance_mode.json"

// Maintenance is the shared flag telling feature modules to suppress
// non-essential work. Only the watchdog sets it; clearing is a manual action.
type Maintenance struct {
	Active    bool      `json:"active"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// UnmarshalJSON accepts the same timestamp forms as Heartbeat. A missing or
// null timestamp leaves Timestamp zero; the flag itself is what readers need.
func (m *Maintenance) UnmarshalJSON(b []byte) error {
	var raw struct {
		Active    bool            `json:"active"`
		Reason    string          `json:"reason"`
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	m.Active = raw.Active
	m.Reason = raw.Reason
	m.Timestamp = time.Time{}
	if len(raw.Timestamp) == 0 || bytes.Equal(raw.Timestamp, []byte("null")) {
		return nil
	}
	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return err
	}
	m.Timestamp = ts
	return nil
}

// ReadMaintenance loads the maintenance record at path.
func ReadMaintenance(path string) (Maintenance, error) {
	var m Maintenance
	if err := readJSON(path, &m); err != nil {
		return Maintenance{}, err
	}
	return m, nil
}

// WriteMaintenance atomically replaces the maintenance record at path.
func WriteMaintenance(path string, m Maintenance) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	m.Timestamp = m.Timestamp.UTC()
	return writeJSON(path, m)
}

// ActivateMaintenance sets the flag with reason, stamped at now.
func ActivateMaintenance(path, reason string, now time.Time) error {
	return WriteMaintenance(path, Maintenance{Active: true, Reason: reason, Timestamp: now})
}

// ClearMaintenance explicitly turns maintenance mode off. The watchdog never
// calls this; it backs the operator-facing clear command.
func ClearMaintenance(path, reason string, now time.Time) error {
	return WriteMaintenance(path, Maintenance{Active: false, Reason: reason, Timestamp: now})
}

// MaintenanceActive is the reader-side check used before non-essential work.
// A missing or unreadable record means maintenance is off.
func MaintenanceActive(path string) (bool, string) {
	m, err := ReadMaintenance(path)
	if err != nil {
		return false, ""
	}
	return m.Active, m.Reason
}
