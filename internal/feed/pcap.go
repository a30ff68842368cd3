package feed

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/lidarview/internal/fsutil"
	"github.com/banshee-data/lidarview/internal/monitoring"
	"github.com/banshee-data/lidarview/internal/session"
	"github.com/banshee-data/lidarview/internal/timeutil"
)

// PcapConfig configures a PcapReplay.
type PcapConfig struct {
	Path string
	// Port keeps only UDP datagrams to this destination port. Zero keeps all.
	Port int
	// Speed scales capture timing: 1 is real time, 2 twice as fast. Zero
	// or negative replays as fast as the session accepts.
	Speed float64
	FS    fsutil.FileSystem
	Clock timeutil.Clock
	Stats PacketStatsInterface
}

// PcapReplay replays UDP payloads from a capture file (pcap or pcapng)
// without needing libpcap.
type PcapReplay struct {
	cfg PcapConfig
}

// NewPcapReplay creates a replay source with defaults filled in.
func NewPcapReplay(cfg PcapConfig) *PcapReplay {
	if cfg.FS == nil {
		cfg.FS = fsutil.OSFileSystem{}
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Stats == nil {
		cfg.Stats = noopStats{}
	}
	return &PcapReplay{cfg: cfg}
}

func (r *PcapReplay) String() string { return "pcap://" + r.cfg.Path }

// packetReader is the subset of pcapgo.Reader and pcapgo.NgReader used here.
type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

func openCapture(rd io.Reader) (packetReader, error) {
	br := bufio.NewReader(rd)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}
	// pcapng files start with a section header block.
	if magic[0] == 0x0a && magic[1] == 0x0d && magic[2] == 0x0d && magic[3] == 0x0a {
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(br)
}

// Run replays the file once. Reaching the end of the capture ends the feed
// cleanly.
func (r *PcapReplay) Run(ctx context.Context, sink session.Sink) error {
	f, err := r.cfg.FS.Open(r.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to open capture %s: %w", r.cfg.Path, err)
	}
	defer f.Close()

	reader, err := openCapture(f)
	if err != nil {
		return fmt.Errorf("failed to read capture %s: %w", r.cfg.Path, err)
	}
	monitoring.Logf("pcap replay of %s started (port %d, speed %.1fx)", r.cfg.Path, r.cfg.Port, r.cfg.Speed)

	if err := sink.Dispatch(session.ConnectionChanged{State: session.StateConnected}); err != nil {
		return err
	}

	var (
		packets  int
		lastTime time.Time
		started  = r.cfg.Clock.Now()
	)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		data, ci, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			monitoring.Logf("pcap replay of %s complete: %d payloads in %v",
				r.cfg.Path, packets, r.cfg.Clock.Now().Sub(started))
			return nil
		}
		if err != nil {
			return fmt.Errorf("read capture %s: %w", r.cfg.Path, err)
		}

		payload, ok := r.udpPayload(data, reader.LinkType())
		if !ok {
			continue
		}

		if r.cfg.Speed > 0 && !lastTime.IsZero() {
			if delay := ci.Timestamp.Sub(lastTime); delay > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-r.cfg.Clock.After(time.Duration(float64(delay) / r.cfg.Speed)):
				}
			}
		}
		lastTime = ci.Timestamp

		packets++
		deliver(sink, r.String(), r.cfg.Stats, payload)
	}
}

func (r *PcapReplay) udpPayload(data []byte, link layers.LinkType) ([]byte, bool) {
	packet := gopacket.NewPacket(data, link, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		return nil, false
	}
	if r.cfg.Port != 0 && int(udp.DstPort) != r.cfg.Port {
		return nil, false
	}
	if len(udp.Payload) == 0 {
		return nil, false
	}
	return udp.Payload, true
}
