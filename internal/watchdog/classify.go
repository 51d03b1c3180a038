package watchdog

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/loykin/keepalive/internal/record"
)

// Condition is the result of classifying one heartbeat reading.
type Condition string

const (
	Healthy  Condition = "healthy"
	Degraded Condition = "degraded"
	// Missing and Expired are the two stale sub-conditions.
	Missing Condition = "missing"
	Expired Condition = "expired"
)

// Stale reports whether c requires maintenance and a restart.
func (c Condition) Stale() bool { return c == Missing || c == Expired }

// Observation is what a single poll saw.
type Observation struct {
	Condition Condition     `json:"condition"`
	Age       time.Duration `json:"age"`
	Reason    string        `json:"reason,omitempty"`
	// Err is the read error behind a Missing observation.
	Err error `json:"-"`
}

// Classify maps a heartbeat reading onto a Condition. A read error of any
// kind, including a malformed record, is treated as a missing heartbeat.
func Classify(hb record.Heartbeat, readErr error, now time.Time, timeout time.Duration) Observation {
	if readErr != nil {
		obs := Observation{Condition: Missing, Reason: "heartbeat missing", Err: readErr}
		if !errors.Is(readErr, fs.ErrNotExist) {
			obs.Reason = "heartbeat missing (unreadable)"
		}
		return obs
	}
	age := hb.Age(now)
	if age > timeout {
		return Observation{
			Condition: Expired,
			Age:       age,
			Reason:    fmt.Sprintf("heartbeat expired (age %ds > %ds)", int64(age/time.Second), int64(timeout/time.Second)),
		}
	}
	if !hb.SignalBusOK {
		return Observation{Condition: Degraded, Age: age, Reason: "signal bus degraded"}
	}
	return Observation{Condition: Healthy, Age: age}
}
