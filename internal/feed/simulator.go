package feed

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/banshee-data/lidarview/internal/parse"
	"github.com/banshee-data/lidarview/internal/session"
	"github.com/banshee-data/lidarview/internal/timeutil"
)

// LD19 scan geometry at the default 10 Hz rotation.
const (
	simStepCentideg   = 80 // 0.8° between readings
	simPacketSpanCdeg = simStepCentideg * (parse.LD19Points - 1)
	simRotationSpeed  = 3600 // degrees per second
)

// SimulatorConfig configures a Simulator.
type SimulatorConfig struct {
	// Width and Depth are the simulated room's size in millimetres.
	Width, Depth float64
	// Rate is packets per second. The default 375 matches a real LD19.
	Rate float64
	// NoiseMM is the maximum range jitter per reading.
	NoiseMM float64
	// Raw sends encoded packets through the session decoder, which must then
	// be configured for ld19. Otherwise decoded samples are dispatched.
	Raw bool
	// Packets stops the feed after this many packets when positive.
	Packets int
	Seed    uint64
	Clock   timeutil.Clock
}

// Simulator is a feed that sweeps a rectangular room with a virtual LD19,
// for demos and end-to-end tests without hardware.
type Simulator struct {
	cfg   SimulatorConfig
	rng   *rand.Rand
	angle int // centidegrees of the next packet's first reading
	ts    uint16
}

// NewSimulator creates a simulator with defaults filled in.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.Width <= 0 {
		cfg.Width = 4000
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 3000
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 375
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Simulator{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
}

func (s *Simulator) String() string { return "simulator" }

// Run emits packets on a ticker until ctx is done or the packet budget is
// spent.
func (s *Simulator) Run(ctx context.Context, sink session.Sink) error {
	if err := sink.Dispatch(session.ConnectionChanged{State: session.StateConnected}); err != nil {
		return err
	}
	ticker := s.cfg.Clock.NewTicker(time.Duration(float64(time.Second) / s.cfg.Rate))
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
		pkt := s.NextPacket()
		if s.cfg.Raw {
			_ = sink.HandlePayload(s.String(), parse.EncodeLD19(pkt))
		} else {
			_ = sink.Dispatch(session.SampleBatch{
				Source: s.String(),
				Batch:  parse.Batch{Samples: pkt.Samples()},
			})
		}
		sent++
		if s.cfg.Packets > 0 && sent >= s.cfg.Packets {
			return nil
		}
	}
}

// NextPacket returns the next packet of the sweep.
func (s *Simulator) NextPacket() parse.LD19Packet {
	start := s.angle
	pkt := parse.LD19Packet{
		Speed:      simRotationSpeed,
		StartAngle: uint16(start),
		EndAngle:   uint16((start + simPacketSpanCdeg) % 36000),
		Timestamp:  s.ts,
	}
	for i := range pkt.Points {
		deg := float64(start+i*simStepCentideg) / 100
		d := s.rangeAt(deg)
		if s.cfg.NoiseMM > 0 {
			d += (s.rng.Float64()*2 - 1) * s.cfg.NoiseMM
		}
		d = math.Max(0, math.Min(d, math.MaxUint16))
		pkt.Points[i] = parse.LD19Measurement{
			Distance:  uint16(d),
			Intensity: intensityAt(d),
		}
	}
	s.angle = (start + simStepCentideg*parse.LD19Points) % 36000
	s.ts = uint16((int(s.ts) + int(1000/s.cfg.Rate)) % 30000)
	return pkt
}

// rangeAt is the distance from the room centre to the wall along deg.
func (s *Simulator) rangeAt(deg float64) float64 {
	rad := deg * math.Pi / 180
	c, sn := math.Abs(math.Cos(rad)), math.Abs(math.Sin(rad))
	halfW, halfD := s.cfg.Width/2, s.cfg.Depth/2
	d := math.Inf(1)
	if c > 1e-9 {
		d = halfW / c
	}
	if sn > 1e-9 {
		d = math.Min(d, halfD/sn)
	}
	return d
}

// intensityAt falls off with range the way a real return does.
func intensityAt(d float64) uint8 {
	v := 255 - d/40
	if v < 20 {
		v = 20
	}
	return uint8(v)
}
