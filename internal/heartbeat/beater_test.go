package heartbeat

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/neilotoole/slogt"

	"github.com/loykin/keepalive/internal/record"
)

func TestBeatWritesRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "heartbeat.json")
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	b := New(path, WithClock(mock), WithSignalCheck(func(context.Context) bool { return false }))

	if err := b.Beat(context.Background()); err != nil {
		t.Fatalf("Beat: %v", err)
	}
	hb, err := record.ReadHeartbeat(path)
	if err != nil {
		t.Fatalf("ReadHeartbeat: %v", err)
	}
	if !hb.Timestamp.Equal(mock.Now()) || hb.SignalBusOK {
		t.Fatalf("unexpected heartbeat %+v", hb)
	}
	if _, n := b.Last(); n != 1 {
		t.Fatalf("beats = %d", n)
	}
}

func TestBeatDefaultsSignalOK(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hb.json")
	if err := New(path).Beat(context.Background()); err != nil {
		t.Fatal(err)
	}
	hb, err := record.ReadHeartbeat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !hb.SignalBusOK {
		t.Fatalf("signal bus should default to healthy")
	}
}

func TestRunBeatsOnInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hb.json")
	mock := clock.NewMock()
	b := New(path, WithClock(mock), WithInterval(30*time.Second), WithLogger(slogt.New(t)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	waitBeats(t, b, 1)
	mock.Add(30 * time.Second)
	waitBeats(t, b, 2)
	hb, err := record.ReadHeartbeat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !hb.Timestamp.Equal(mock.Now()) {
		t.Fatalf("timestamp = %v, want %v", hb.Timestamp, mock.Now())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop")
	}
}

func TestRunSurvivesWriteErrors(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	// parent is a regular file, so every write fails
	b := New(filepath.Join(blocker, "hb.json"), WithLogger(slogt.New(t)))
	if err := b.Beat(context.Background()); err == nil {
		t.Fatalf("expected write error")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	b.Run(ctx)
	if _, n := b.Last(); n != 0 {
		t.Fatalf("no beat should have succeeded")
	}
}

func waitBeats(t *testing.T, b *Beater, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, got := b.Last(); got >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d beats", n)
}
