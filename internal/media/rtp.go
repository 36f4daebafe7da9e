package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

// maxRTPPacket is the read buffer size for inbound RTP. Large enough for
// any narrowband payload plus header extensions.
const maxRTPPacket = 1500

// sessionReadTimeout is the receive loop's socket deadline. Short enough
// to notice cancellation promptly.
const sessionReadTimeout = 50 * time.Millisecond

// SessionStats is a snapshot of a session's packet counters.
type SessionStats struct {
	PacketsSent     uint64
	BytesSent       uint64
	PacketsReceived uint64
	BytesReceived   uint64
}

// Session is one bidirectional RTP stream for a single call. It owns a
// socket pair from the PortAllocator, stamps outgoing packets with a random
// SSRC and random initial sequence/timestamp, and runs a receive loop that
// hands inbound packets to a callback.
type Session struct {
	logger *slog.Logger
	alloc  *PortAllocator
	socks  *MediaSockets

	ssrc uint32
	seq  uint16
	ts   uint32

	mu          sync.Mutex
	remote      *net.UDPAddr
	payloadType int
	onPacket    func(*rtp.Packet)

	packetsSent atomic.Uint64
	bytesSent   atomic.Uint64
	packetsRecv atomic.Uint64
	bytesRecv   atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
	closed atomic.Bool
}

// NewSession allocates a socket pair and prepares a session. The session
// does not receive until Start is called.
func NewSession(alloc *PortAllocator, logger *slog.Logger) (*Session, error) {
	socks, err := alloc.Allocate()
	if err != nil {
		return nil, fmt.Errorf("allocating rtp port: %w", err)
	}
	return &Session{
		logger:      logger.With("subsystem", "rtp", "rtp_port", socks.RTPPort),
		alloc:       alloc,
		socks:       socks,
		ssrc:        rand.Uint32(),
		seq:         uint16(rand.UintN(65536)),
		ts:          rand.Uint32(),
		payloadType: PayloadPCMU,
		done:        make(chan struct{}),
	}, nil
}

// LocalPort returns the bound RTP port for use in the SDP offer.
func (s *Session) LocalPort() int {
	return s.socks.RTPPort
}

// SSRC returns the session's synchronization source identifier.
func (s *Session) SSRC() uint32 {
	return s.ssrc
}

// SetRemote points the send path at the far end's media address, learned
// from the SDP answer.
func (s *Session) SetRemote(ip string, port int) error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(ip, fmt.Sprint(port)))
	if err != nil {
		return fmt.Errorf("resolving remote media address: %w", err)
	}
	s.mu.Lock()
	s.remote = addr
	s.mu.Unlock()
	return nil
}

// SetPayloadType sets the negotiated payload type for outgoing audio.
func (s *Session) SetPayloadType(pt int) {
	s.mu.Lock()
	s.payloadType = pt
	s.mu.Unlock()
}

// PayloadType returns the negotiated payload type.
func (s *Session) PayloadType() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payloadType
}

// OnPacket registers the callback invoked from the receive loop for every
// inbound RTP packet. Must be set before Start.
func (s *Session) OnPacket(fn func(*rtp.Packet)) {
	s.mu.Lock()
	s.onPacket = fn
	s.mu.Unlock()
}

// Start launches the receive loop. It returns immediately.
func (s *Session) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.receiveLoop(ctx)
}

// SendFrame transmits one payload as a single RTP packet. marker is set on
// the first packet of a talkspurt. Send errors are logged, not returned:
// a transient UDP write failure must not kill playback.
func (s *Session) SendFrame(payload []byte, marker bool) {
	s.mu.Lock()
	remote := s.remote
	pt := s.payloadType
	s.mu.Unlock()

	if remote == nil {
		return
	}

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    uint8(pt),
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		s.logger.Warn("marshalling rtp packet", "error", err)
		return
	}

	s.seq++
	s.ts += TimestampIncrement

	if _, err := s.socks.RTPConn.WriteToUDP(raw, remote); err != nil {
		s.logger.Debug("rtp send failed", "error", err)
		return
	}
	s.packetsSent.Add(1)
	s.bytesSent.Add(uint64(len(raw)))
}

// receiveLoop reads inbound packets until the context is cancelled,
// delivering each parsed packet to the registered callback.
func (s *Session) receiveLoop(ctx context.Context) {
	defer close(s.done)

	buf := make([]byte, maxRTPPacket)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.socks.RTPConn.SetReadDeadline(time.Now().Add(sessionReadTimeout))
		n, _, err := s.socks.RTPConn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Debug("rtp receive error", "error", err)
			continue
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.logger.Debug("dropping malformed rtp packet", "error", err)
			continue
		}

		s.packetsRecv.Add(1)
		s.bytesRecv.Add(uint64(n))

		s.mu.Lock()
		fn := s.onPacket
		s.mu.Unlock()
		if fn != nil {
			fn(&pkt)
		}
	}
}

// Stats returns a snapshot of the packet counters.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		PacketsSent:     s.packetsSent.Load(),
		BytesSent:       s.bytesSent.Load(),
		PacketsReceived: s.packetsRecv.Load(),
		BytesReceived:   s.bytesRecv.Load(),
	}
}

// Close stops the receive loop and returns the ports to the allocator.
// Safe to call more than once.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.alloc.Release(s.socks)
}
