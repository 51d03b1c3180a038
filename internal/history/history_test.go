package history

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	ctxErr error
	err    error
	closed bool
}

func (m *memSink) Send(ctx context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	m.ctxErr = ctx.Err()
	return m.err
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func TestPublishFansOutAndLogsFailures(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	ok := &memSink{}
	bad := &memSink{err: errors.New("boom")}
	code := 137
	Publish(context.Background(), log, []Sink{ok, nil, bad}, Event{Type: EventAttemptExit, Source: "worker", Attempt: 3, ExitCode: &code})

	if len(ok.events) != 1 || len(bad.events) != 1 {
		t.Fatalf("expected each sink to receive one event, got %d/%d", len(ok.events), len(bad.events))
	}
	e := ok.events[0]
	if e.OccurredAt.IsZero() {
		t.Fatalf("OccurredAt should be filled")
	}
	if *e.ExitCode != 137 || e.Attempt != 3 {
		t.Fatalf("unexpected event %+v", e)
	}
	if !strings.Contains(buf.String(), "history sink send failed") {
		t.Fatalf("failure not logged: %s", buf.String())
	}
}

func TestPublishSurvivesCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &memSink{}
	Publish(ctx, nil, []Sink{s}, Event{Type: EventAttemptExit, OccurredAt: time.Now()})
	if s.ctxErr != nil {
		t.Fatalf("sink saw cancelled context: %v", s.ctxErr)
	}
}

func TestCloseAllAndNullableExitCode(t *testing.T) {
	s := &memSink{}
	CloseAll([]Sink{s})
	if !s.closed {
		t.Fatalf("sink not closed")
	}
	if NullableExitCode(nil) != nil {
		t.Fatalf("nil exit code should be NULL")
	}
	code := 2
	if v, ok := NullableExitCode(&code).(int64); !ok || v != 2 {
		t.Fatalf("unexpected value %v", NullableExitCode(&code))
	}
}
