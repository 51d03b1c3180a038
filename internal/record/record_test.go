package record

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteReadHeartbeat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "heartbeat.json")
	ts := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	if err := WriteHeartbeat(path, Heartbeat{Timestamp: ts, SignalBusOK: false}); err != nil {
		t.Fatalf("WriteHeartbeat: %v", err)
	}
	got, err := ReadHeartbeat(path)
	if err != nil {
		t.Fatalf("ReadHeartbeat: %v", err)
	}
	if !got.Timestamp.Equal(ts) {
		t.Fatalf("timestamp = %v, want %v", got.Timestamp, ts)
	}
	if got.SignalBusOK {
		t.Fatalf("signal_bus_ok should round-trip false")
	}
}

func TestHeartbeatTimestampFormats(t *testing.T) {
	want := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	tests := []struct {
		name string
		body string
	}{
		{"rfc3339", `{"timestamp":"2026-03-01T12:30:00Z"}`},
		{"rfc3339 offset", `{"timestamp":"2026-03-01T14:30:00+02:00"}`},
		{"epoch number", `{"timestamp":1772368200}`},
		{"epoch float", `{"timestamp":1772368200.0}`},
		{"epoch string", `{"timestamp":"1772368200"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "hb.json")
			if err := os.WriteFile(path, []byte(tt.body), 0o600); err != nil {
				t.Fatal(err)
			}
			got, err := ReadHeartbeat(path)
			if err != nil {
				t.Fatalf("ReadHeartbeat: %v", err)
			}
			if !got.Timestamp.Equal(want) {
				t.Fatalf("timestamp = %v, want %v", got.Timestamp, want)
			}
			if !got.SignalBusOK {
				t.Fatalf("absent signal_bus_ok must default to true")
			}
		})
	}
}

func TestHeartbeatNaiveTimestampIsLocal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hb.json")
	if err := os.WriteFile(path, []byte(`{"timestamp":"2026-03-01T12:30:00.123456"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := ReadHeartbeat(path)
	if err != nil {
		t.Fatalf("ReadHeartbeat: %v", err)
	}
	want := time.Date(2026, 3, 1, 12, 30, 0, 123456000, time.Local)
	if !got.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", got.Timestamp, want)
	}
}

func TestReadHeartbeatMissing(t *testing.T) {
	_, err := ReadHeartbeat(filepath.Join(t.TempDir(), "nope.json"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}

func TestReadHeartbeatMalformed(t *testing.T) {
	for _, body := range []string{"", "{", `{"signal_bus_ok":true}`, `{"timestamp":"yesterday"}`, `{"timestamp":-5}`} {
		path := filepath.Join(t.TempDir(), "hb.json")
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := ReadHeartbeat(path); !errors.Is(err, ErrMalformed) {
			t.Fatalf("body %q: expected ErrMalformed, got %v", body, err)
		}
	}
}

func TestHeartbeatAge(t *testing.T) {
	now := time.Now()
	h := NewHeartbeat(now.Add(-200 * time.Second))
	if got := h.Age(now); got != 200*time.Second {
		t.Fatalf("age = %v", got)
	}
	future := NewHeartbeat(now.Add(time.Minute))
	if got := future.Age(now); got != 0 {
		t.Fatalf("future heartbeat age = %v, want 0", got)
	}
}

func TestMaintenanceActivateAndClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maintenance_mode.json")
	if active, _ := MaintenanceActive(path); active {
		t.Fatalf("missing record must read as inactive")
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := ActivateMaintenance(path, "heartbeat missing", now); err != nil {
		t.Fatalf("ActivateMaintenance: %v", err)
	}
	active, reason := MaintenanceActive(path)
	if !active || reason != "heartbeat missing" {
		t.Fatalf("got active=%v reason=%q", active, reason)
	}
	m, err := ReadMaintenance(path)
	if err != nil {
		t.Fatalf("ReadMaintenance: %v", err)
	}
	if !m.Timestamp.Equal(now) {
		t.Fatalf("timestamp = %v, want %v", m.Timestamp, now)
	}
	if err := ClearMaintenance(path, "manual", now.Add(time.Hour)); err != nil {
		t.Fatalf("ClearMaintenance: %v", err)
	}
	if active, _ := MaintenanceActive(path); active {
		t.Fatalf("expected inactive after clear")
	}
}

func TestMaintenanceTimestampFormats(t *testing.T) {
	cases := []struct {
		name string
		body string
		want time.Time
	}{
		{"rfc3339", `{"active":true,"reason":"r","timestamp":"2026-03-01T12:00:00Z"}`, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		{"zoneless", `{"active":true,"reason":"r","timestamp":"2026-03-01T12:00:00.123456"}`, time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.Local)},
		{"epoch", `{"active":true,"reason":"r","timestamp":1772368200}`, time.Unix(1772368200, 0)},
		{"epoch string", `{"active":true,"reason":"r","timestamp":"1772368200.5"}`, time.Unix(1772368200, 500000000)},
		{"no timestamp", `{"active":true,"reason":"r"}`, time.Time{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "maintenance_mode.json")
			if err := os.WriteFile(path, []byte(tc.body), 0o600); err != nil {
				t.Fatal(err)
			}
			m, err := ReadMaintenance(path)
			if err != nil {
				t.Fatalf("ReadMaintenance: %v", err)
			}
			if !m.Active || m.Reason != "r" || !m.Timestamp.Equal(tc.want) {
				t.Fatalf("got %+v, want active with timestamp %v", m, tc.want)
			}
			if active, reason := MaintenanceActive(path); !active || reason != "r" {
				t.Fatalf("MaintenanceActive = %v %q", active, reason)
			}
		})
	}
}

func TestReadMaintenanceMalformedTimestamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maintenance_mode.json")
	if err := os.WriteFile(path, []byte(`{"active":true,"timestamp":"yesterday"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadMaintenance(path); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestWriteLeavesNoTemporaryFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "maintenance_mode.json")
	for i := 0; i < 5; i++ {
		if err := ActivateMaintenance(path, "r", time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("temporary file left behind: %s", e.Name())
		}
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one file, got %d", len(entries))
	}
}
