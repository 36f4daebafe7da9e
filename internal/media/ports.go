package media

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// PortAllocator hands out UDP sockets for RTP sessions from a configured
// port range. RTP always lands on an even port; the next odd port is bound
// alongside it and reserved for RTCP so no other local session can take it.
type PortAllocator struct {
	portStart int
	portEnd   int
	logger    *slog.Logger

	mu        sync.Mutex
	allocated map[int]struct{} // allocated RTP ports (even numbers)
	nextPort  int
}

// MediaSockets holds the bound UDP sockets for one RTP session.
type MediaSockets struct {
	RTPPort  int
	RTPConn  *net.UDPConn
	RTCPConn *net.UDPConn
}

// Close releases both sockets.
func (s *MediaSockets) Close() error {
	var rtpErr, rtcpErr error
	if s.RTPConn != nil {
		rtpErr = s.RTPConn.Close()
	}
	if s.RTCPConn != nil {
		rtcpErr = s.RTCPConn.Close()
	}
	if rtpErr != nil {
		return rtpErr
	}
	return rtcpErr
}

// NewPortAllocator creates an allocator for the range [portStart, portEnd].
// portStart must be even.
func NewPortAllocator(portStart, portEnd int, logger *slog.Logger) (*PortAllocator, error) {
	if portStart%2 != 0 {
		return nil, fmt.Errorf("rtp port start must be even, got %d", portStart)
	}
	if portEnd <= portStart {
		return nil, fmt.Errorf("rtp port end (%d) must be greater than start (%d)", portEnd, portStart)
	}

	l := logger.With("subsystem", "rtp-ports")
	l.Info("rtp port allocator initialized",
		"port_start", portStart,
		"port_end", portEnd,
		"capacity", (portEnd-portStart+1)/2,
	)

	return &PortAllocator{
		portStart: portStart,
		portEnd:   portEnd,
		logger:    l,
		allocated: make(map[int]struct{}),
		nextPort:  portStart,
	}, nil
}

// Capacity returns the total number of sessions the range can hold.
func (a *PortAllocator) Capacity() int {
	return (a.portEnd - a.portStart + 1) / 2
}

// InUse returns the number of currently allocated sessions.
func (a *PortAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocated)
}

// Allocate scans from the last position for a free even port, binds it and
// its odd RTCP companion, and returns the sockets. Ports occupied by other
// processes are skipped.
func (a *PortAllocator) Allocate() (*MediaSockets, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	capacity := a.Capacity()
	if len(a.allocated) >= capacity {
		return nil, fmt.Errorf("no rtp ports available (all %d in use)", capacity)
	}

	startPort := a.nextPort
	for {
		port := a.nextPort

		a.nextPort += 2
		if a.nextPort > a.portEnd-1 {
			a.nextPort = a.portStart
		}

		if _, taken := a.allocated[port]; taken {
			if a.nextPort == startPort {
				return nil, fmt.Errorf("no rtp ports available")
			}
			continue
		}

		socks, err := bindMediaSockets(port)
		if err != nil {
			a.logger.Debug("port bind failed, trying next", "rtp_port", port, "error", err)
			if a.nextPort == startPort {
				return nil, fmt.Errorf("no bindable rtp ports in range")
			}
			continue
		}

		a.allocated[port] = struct{}{}
		a.logger.Debug("rtp port allocated", "rtp_port", port, "in_use", len(a.allocated))
		return socks, nil
	}
}

// Release closes the sockets and returns the port to the pool.
func (a *PortAllocator) Release(socks *MediaSockets) {
	if socks == nil {
		return
	}
	if err := socks.Close(); err != nil {
		a.logger.Warn("error closing media sockets", "rtp_port", socks.RTPPort, "error", err)
	}

	a.mu.Lock()
	delete(a.allocated, socks.RTPPort)
	inUse := len(a.allocated)
	a.mu.Unlock()

	a.logger.Debug("rtp port released", "rtp_port", socks.RTPPort, "in_use", inUse)
}

func bindMediaSockets(rtpPort int) (*MediaSockets, error) {
	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: rtpPort})
	if err != nil {
		return nil, fmt.Errorf("binding rtp port %d: %w", rtpPort, err)
	}
	rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: rtpPort + 1})
	if err != nil {
		rtpConn.Close()
		return nil, fmt.Errorf("binding rtcp port %d: %w", rtpPort+1, err)
	}
	return &MediaSockets{
		RTPPort:  rtpPort,
		RTPConn:  rtpConn,
		RTCPConn: rtcpConn,
	}, nil
}
