package record

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// DefaultHeartbeatPath is where workers write their heartbeat unless configured otherwise.
const DefaultHeartbeatPath = "data/heartbeat.json"

// Heartbeat is the liveness record owned by the worker. The watchdog only
// reads it and compares its timestamp against the clock.
type Heartbeat struct {
	Timestamp   time.Time `json:"timestamp"`
	SignalBusOK bool      `json:"signal_bus_ok"`
}

// NewHeartbeat returns a healthy heartbeat stamped at t.
func NewHeartbeat(t time.Time) Heartbeat {
	return Heartbeat{Timestamp: t, SignalBusOK: true}
}

// Age returns how old the heartbeat is relative to now. A heartbeat stamped
// in the future has age zero.
func (h Heartbeat) Age(now time.Time) time.Duration {
	age := now.Sub(h.Timestamp)
	if age < 0 {
		return 0
	}
	return age
}

func (h Heartbeat) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Timestamp   string `json:"timestamp"`
		SignalBusOK bool   `json:"signal_bus_ok"`
	}{
		Timestamp:   h.Timestamp.UTC().Format(time.RFC3339Nano),
		SignalBusOK: h.SignalBusOK,
	})
}

// UnmarshalJSON accepts the timestamp as an RFC 3339 / ISO-8601 string or as
// epoch seconds (number or numeric string). A missing signal_bus_ok means true.
func (h *Heartbeat) UnmarshalJSON(b []byte) error {
	var raw struct {
		Timestamp   json.RawMessage `json:"timestamp"`
		SignalBusOK *bool           `json:"signal_bus_ok"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw.Timestamp) == 0 || bytes.Equal(raw.Timestamp, []byte("null")) {
		return fmt.Errorf("heartbeat has no timestamp")
	}
	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return err
	}
	h.Timestamp = ts
	h.SignalBusOK = raw.SignalBusOK == nil || *raw.SignalBusOK
	return nil
}

// ReadHeartbeat loads the heartbeat at path. A missing file yields an error
// matching os.ErrNotExist; undecodable content yields ErrMalformed.
func ReadHeartbeat(path string) (Heartbeat, error) {
	var h Heartbeat
	if err := readJSON(path, &h); err != nil {
		return Heartbeat{}, err
	}
	return h, nil
}

// WriteHeartbeat atomically replaces the heartbeat at path.
func WriteHeartbeat(path string, h Heartbeat) error {
	return writeJSON(path, h)
}

// layouts accepted for string timestamps, tried in order. Zone-less layouts
// are interpreted in the local zone, which is what a worker stamping its
// local wall clock produces.
var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		return parseTimestampString(s)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %s", string(raw))
	}
	return fromEpoch(f)
}

func parseTimestampString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(f)
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

func fromEpoch(f float64) (time.Time, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return time.Time{}, fmt.Errorf("invalid epoch timestamp %v", f)
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))), nil
}
