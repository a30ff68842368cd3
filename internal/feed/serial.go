package feed

import (
	"bufio"
	"context"
	"errors"
	"time"

	"github.com/banshee-data/lidarview/internal/parse"
	"github.com/banshee-data/lidarview/internal/serialmux"
	"github.com/banshee-data/lidarview/internal/session"
	"github.com/banshee-data/lidarview/internal/timeutil"
)

// ErrSerialClosed is returned when the serial multiplexer shuts down under a
// running feed.
var ErrSerialClosed = errors.New("serial port closed")

// SplitFor returns the serial framing for a feed format: fixed-size binary
// frames for LD19 and TF-Luna, lines for everything else.
func SplitFor(format parse.Format) bufio.SplitFunc {
	switch format {
	case parse.FormatLD19:
		return parse.SplitLD19
	case parse.FormatTFLuna:
		return parse.SplitTFLuna
	}
	return bufio.ScanLines
}

// SerialSource subscribes a session to a shared serial multiplexer. The
// port itself is opened and monitored by the process, so several sessions
// can watch one device.
type SerialSource struct {
	Mux  serialmux.SerialMuxInterface
	Name string
	// Commands are written to the device once subscribed, e.g. a start
	// command for sensors that wait to be told.
	Commands    []string
	Stats       PacketStatsInterface
	Clock       timeutil.Clock
	LogInterval time.Duration
}

func (s *SerialSource) String() string {
	if s.Name == "" {
		return "serial"
	}
	return "serial://" + s.Name
}

// Run forwards frames until ctx is done or the multiplexer closes.
func (s *SerialSource) Run(ctx context.Context, sink session.Sink) error {
	if s.Mux == nil {
		return errors.New("serial source has no port")
	}
	stats := s.Stats
	if stats == nil {
		stats = noopStats{}
	}
	clock := s.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	interval := s.LogInterval
	if interval == 0 {
		interval = time.Minute
	}

	id, frames := s.Mux.Subscribe()
	defer s.Mux.Unsubscribe(id)

	for _, cmd := range s.Commands {
		if err := s.Mux.SendCommand(cmd); err != nil {
			return err
		}
	}
	if err := sink.Dispatch(session.ConnectionChanged{State: session.StateConnected}); err != nil {
		return err
	}

	statsCtx, stopStats := context.WithCancel(ctx)
	defer stopStats()
	go logStatsLoop(statsCtx, clock, stats, s.String(), interval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return ErrSerialClosed
			}
			if len(frame) == 0 {
				continue
			}
			deliver(sink, s.String(), stats, frame)
		}
	}
}
