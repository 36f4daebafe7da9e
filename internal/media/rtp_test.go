package media

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
)

func TestSessionLoopback(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	alloc := newTestAllocator(t, 41000, 41015)

	send, err := NewSession(alloc, logger)
	if err != nil {
		t.Fatalf("NewSession send: %v", err)
	}
	defer send.Close()

	recv, err := NewSession(alloc, logger)
	if err != nil {
		t.Fatalf("NewSession recv: %v", err)
	}
	defer recv.Close()

	var mu sync.Mutex
	var got []*rtp.Packet
	recv.OnPacket(func(p *rtp.Packet) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	recv.Start(ctx)

	if err := send.SetRemote("127.0.0.1", recv.LocalPort()); err != nil {
		t.Fatalf("SetRemote: %v", err)
	}
	send.SetPayloadType(PayloadPCMA)

	payload := make([]byte, SamplesPerFrame)
	for i := range payload {
		payload[i] = SilencePCMA
	}
	send.SendFrame(payload, true)
	send.SendFrame(payload, false)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("received %d packets, want 2", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()

	first, second := got[0], got[1]
	if !first.Marker {
		t.Error("first packet missing marker bit")
	}
	if second.Marker {
		t.Error("second packet has marker bit set")
	}
	if first.PayloadType != PayloadPCMA {
		t.Errorf("PayloadType = %d, want %d", first.PayloadType, PayloadPCMA)
	}
	if second.SequenceNumber != first.SequenceNumber+1 {
		t.Errorf("sequence numbers %d, %d not consecutive", first.SequenceNumber, second.SequenceNumber)
	}
	if second.Timestamp != first.Timestamp+TimestampIncrement {
		t.Errorf("timestamp advanced by %d, want %d", second.Timestamp-first.Timestamp, TimestampIncrement)
	}
	if first.SSRC != send.SSRC() {
		t.Errorf("SSRC = %d, want %d", first.SSRC, send.SSRC())
	}

	stats := send.Stats()
	if stats.PacketsSent != 2 {
		t.Errorf("sender PacketsSent = %d, want 2", stats.PacketsSent)
	}
	rstats := recv.Stats()
	if rstats.PacketsReceived < 2 {
		t.Errorf("receiver PacketsReceived = %d, want >= 2", rstats.PacketsReceived)
	}
}

func TestSendFrameWithoutRemoteIsNoop(t *testing.T) {
	alloc := newTestAllocator(t, 41100, 41107)
	s, err := NewSession(alloc, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	s.SendFrame(make([]byte, SamplesPerFrame), true)
	if stats := s.Stats(); stats.PacketsSent != 0 {
		t.Errorf("PacketsSent = %d without remote, want 0", stats.PacketsSent)
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	alloc := newTestAllocator(t, 41200, 41207)
	s, err := NewSession(alloc, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	s.Start(context.Background())
	s.Close()
	s.Close()

	if alloc.InUse() != 0 {
		t.Errorf("InUse() = %d after Close, want 0", alloc.InUse())
	}
}
