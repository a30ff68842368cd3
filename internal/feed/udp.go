package feed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/lidarview/internal/monitoring"
	"github.com/banshee-data/lidarview/internal/session"
	"github.com/banshee-data/lidarview/internal/timeutil"
)

// udpReadTimeout bounds each blocking read so cancellation is noticed.
const udpReadTimeout = 100 * time.Millisecond

// maxDatagram covers a full JSON batch in one datagram as well as binary
// LD19 bursts.
const maxDatagram = 65535

// UDPConfig configures a UDPSource.
type UDPConfig struct {
	// Address is the local host:port to listen on, e.g. ":2368".
	Address string
	// RcvBuf sets the socket receive buffer in bytes when non-zero.
	RcvBuf      int
	LogInterval time.Duration
	Stats       PacketStatsInterface
	Sockets     UDPSocketFactory
	Clock       timeutil.Clock
}

// UDPSource receives one payload per datagram.
type UDPSource struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	stats       PacketStatsInterface
	sockets     UDPSocketFactory
	clock       timeutil.Clock
}

// NewUDPSource creates a UDP source with defaults filled in.
func NewUDPSource(cfg UDPConfig) *UDPSource {
	s := &UDPSource{
		address:     cfg.Address,
		rcvBuf:      cfg.RcvBuf,
		logInterval: cfg.LogInterval,
		stats:       cfg.Stats,
		sockets:     cfg.Sockets,
		clock:       cfg.Clock,
	}
	if s.stats == nil {
		s.stats = noopStats{}
	}
	if s.logInterval == 0 {
		s.logInterval = time.Minute
	}
	if s.sockets == nil {
		s.sockets = RealUDPSocketFactory{}
	}
	if s.clock == nil {
		s.clock = timeutil.RealClock{}
	}
	return s
}

func (s *UDPSource) String() string { return "udp://" + s.address }

// Run listens until ctx is cancelled or the socket fails.
func (s *UDPSource) Run(ctx context.Context, sink session.Sink) error {
	addr, err := net.ResolveUDPAddr("udp", s.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := s.sockets.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	defer conn.Close()

	if s.rcvBuf > 0 {
		if err := conn.SetReadBuffer(s.rcvBuf); err != nil {
			monitoring.Warnf("failed to set UDP receive buffer size to %d: %v", s.rcvBuf, err)
		}
	}
	monitoring.Logf("UDP feed listening on %s", conn.LocalAddr())

	if err := sink.Dispatch(session.ConnectionChanged{State: session.StateConnected}); err != nil {
		return err
	}

	statsCtx, stopStats := context.WithCancel(ctx)
	defer stopStats()
	go logStatsLoop(statsCtx, s.clock, s.stats, s.String(), s.logInterval)

	buffer := make([]byte, maxDatagram)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(udpReadTimeout))

		n, _, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("UDP socket closed: %w", err)
			}
			monitoring.Warnf("UDP read error: %v", err)
			continue
		}
		if n == 0 {
			continue
		}

		deliver(sink, s.String(), s.stats, buffer[:n])
	}
}
