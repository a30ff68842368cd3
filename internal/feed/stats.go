// Package feed holds the transports that carry sensor data into a session:
// UDP, WebSocket, HTTP polling, serial ports, pcap replay and the built-in
// LD19 simulator. Every transport implements session.Source and hands raw
// payloads to the session's decoder through session.Sink.
package feed

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/banshee-data/lidarview/internal/monitoring"
	"github.com/banshee-data/lidarview/internal/session"
	"github.com/banshee-data/lidarview/internal/timeutil"
)

// PacketStatsInterface collects per-transport traffic counters.
type PacketStatsInterface interface {
	AddPacket(bytes int)
	AddDropped()
	LogStats(name string)
}

// PacketStats tracks packet statistics with thread-safe operations.
type PacketStats struct {
	mu           sync.Mutex
	clock        timeutil.Clock
	packetCount  int64
	byteCount    int64
	droppedCount int64
	lastReset    time.Time
}

// NewPacketStats creates a PacketStats. A nil clock means the real clock.
func NewPacketStats(clock timeutil.Clock) *PacketStats {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &PacketStats{clock: clock, lastReset: clock.Now()}
}

// AddPacket counts one received payload of the given size.
func (ps *PacketStats) AddPacket(bytes int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.packetCount++
	ps.byteCount += int64(bytes)
}

// AddDropped counts one payload the decoder rejected.
func (ps *PacketStats) AddDropped() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.droppedCount++
}

// GetAndReset returns current stats and resets counters.
func (ps *PacketStats) GetAndReset() (packets, bytes, dropped int64, duration time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := ps.clock.Now()
	duration = now.Sub(ps.lastReset)
	packets, bytes, dropped = ps.packetCount, ps.byteCount, ps.droppedCount

	ps.packetCount = 0
	ps.byteCount = 0
	ps.droppedCount = 0
	ps.lastReset = now
	return
}

// LogStats logs per-second rates for the interval since the last call and
// resets the counters. Quiet intervals are not logged.
func (ps *PacketStats) LogStats(name string) {
	packets, bytes, dropped, duration := ps.GetAndReset()
	if packets == 0 && dropped == 0 {
		return
	}
	secs := duration.Seconds()
	if secs <= 0 {
		secs = 1
	}
	monitoring.Logf("%s feed stats (/sec): %s, %.1f packets, %s dropped total",
		name,
		humanize.Bytes(uint64(float64(bytes)/secs)),
		float64(packets)/secs,
		humanize.Comma(dropped))
}

// deliver counts payload and hands it to the sink. The session records and
// logs malformed payloads itself, so here they only count as dropped.
func deliver(sink session.Sink, source string, stats PacketStatsInterface, payload []byte) {
	stats.AddPacket(len(payload))
	if err := sink.HandlePayload(source, payload); err != nil {
		stats.AddDropped()
	}
}

type noopStats struct{}

func (noopStats) AddPacket(int)   {}
func (noopStats) AddDropped()     {}
func (noopStats) LogStats(string) {}

// logStatsLoop reports stats shortly after startup and then every interval
// until ctx is done.
func logStatsLoop(ctx context.Context, clock timeutil.Clock, stats PacketStatsInterface, name string, interval time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-clock.After(2 * time.Second):
		stats.LogStats(name)
	}

	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			stats.LogStats(name)
		}
	}
}
