package dialer

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dialcast/dialcast/internal/bus"
)

// lockedBuffer lets the test read what the sink goroutine wrote.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLogEventsWritesBusEvents(t *testing.T) {
	var out lockedBuffer
	logger := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))

	events := bus.New(slog.New(slog.DiscardHandler))
	sub := events.Subscribe(16)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		logEvents(ctx, sub, logger)
	}()

	events.Publish(bus.TopicCallEnded, map[string]any{"call_id": "c1", "disposition": "answered"})
	events.Publish(bus.TopicCallIVRProgress, map[string]any{"call_id": "c1", "node_id": "menu1"})

	deadline := time.After(time.Second)
	for {
		s := out.String()
		if strings.Contains(s, bus.TopicCallEnded) && strings.Contains(s, bus.TopicCallIVRProgress) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("events not logged, output:\n%s", s)
		case <-time.After(10 * time.Millisecond):
		}
	}

	s := out.String()
	if !strings.Contains(s, "call_id=c1") || !strings.Contains(s, "disposition=answered") {
		t.Errorf("payload fields missing from log output:\n%s", s)
	}
	if !strings.Contains(s, "level=INFO") {
		t.Errorf("call.ended should log at info:\n%s", s)
	}
	if !strings.Contains(s, "level=DEBUG") {
		t.Errorf("call.ivr.progress should log at debug:\n%s", s)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("logEvents did not return after cancel")
	}
}

func TestLogEventsReturnsOnClosedSubscription(t *testing.T) {
	events := bus.New(slog.New(slog.DiscardHandler))
	sub := events.Subscribe(1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		logEvents(context.Background(), sub, slog.New(slog.DiscardHandler))
	}()

	events.Unsubscribe(sub)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("logEvents did not return after unsubscribe")
	}
}
