package feed

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/banshee-data/lidarview/internal/fsutil"
	"github.com/banshee-data/lidarview/internal/httputil"
	"github.com/banshee-data/lidarview/internal/security"
	"github.com/banshee-data/lidarview/internal/serialmux"
	"github.com/banshee-data/lidarview/internal/session"
	"github.com/banshee-data/lidarview/internal/timeutil"
)

// Kind names a feed transport.
type Kind string

const (
	KindUDP       Kind = "udp"
	KindWebSocket Kind = "websocket"
	KindPoll      Kind = "poll"
	KindPcap      Kind = "pcap"
	KindSerial    Kind = "serial"
	KindSimulator Kind = "simulator"
)

// Kinds lists every transport Build understands.
var Kinds = []Kind{KindUDP, KindWebSocket, KindPoll, KindPcap, KindSerial, KindSimulator}

// ErrUnknownKind is returned for a Spec whose Kind is not in Kinds.
var ErrUnknownKind = errors.New("unknown feed kind")

// Spec describes a feed in plain values, as it appears in the viewer config
// and in connect requests. Only the fields for Kind are read.
type Spec struct {
	Kind Kind `json:"kind" yaml:"kind"`

	// udp
	Address string `json:"address,omitempty" yaml:"address,omitempty"`
	RcvBuf  int    `json:"rcvbuf,omitempty" yaml:"rcvbuf,omitempty"`

	// websocket, poll
	URL    string `json:"url,omitempty" yaml:"url,omitempty"`
	Client string `json:"client,omitempty" yaml:"client,omitempty"`
	// Interval is a duration string such as "500ms".
	Interval    string `json:"interval,omitempty" yaml:"interval,omitempty"`
	MaxFailures int    `json:"max_failures,omitempty" yaml:"max_failures,omitempty"`

	// pcap
	Path  string  `json:"path,omitempty" yaml:"path,omitempty"`
	Port  int     `json:"port,omitempty" yaml:"port,omitempty"`
	Speed float64 `json:"speed,omitempty" yaml:"speed,omitempty"`

	// serial
	Commands []string `json:"commands,omitempty" yaml:"commands,omitempty"`

	// simulator
	Width   float64 `json:"width_mm,omitempty" yaml:"width_mm,omitempty"`
	Depth   float64 `json:"depth_mm,omitempty" yaml:"depth_mm,omitempty"`
	Rate    float64 `json:"rate,omitempty" yaml:"rate,omitempty"`
	NoiseMM float64 `json:"noise_mm,omitempty" yaml:"noise_mm,omitempty"`
	Raw     bool    `json:"raw,omitempty" yaml:"raw,omitempty"`
	Packets int     `json:"packets,omitempty" yaml:"packets,omitempty"`
	Seed    uint64  `json:"seed,omitempty" yaml:"seed,omitempty"`

	// LogInterval is how often packet stats are logged, e.g. "1m".
	LogInterval string `json:"log_interval,omitempty" yaml:"log_interval,omitempty"`
}

// Env carries the process-level dependencies a feed may need.
type Env struct {
	// Serial is the shared multiplexer for the configured port, if any.
	Serial     serialmux.SerialMuxInterface
	SerialName string
	// CaptureDir confines pcap paths when set.
	CaptureDir string
	FS         fsutil.FileSystem
	HTTPClient httputil.HTTPClient
	Sockets    UDPSocketFactory
	Clock      timeutil.Clock
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %s", field, s)
	}
	return d, nil
}

// Validate checks the fields Kind needs without touching the network.
func (s Spec) Validate() error {
	if _, err := parseDuration("interval", s.Interval); err != nil {
		return err
	}
	if _, err := parseDuration("log_interval", s.LogInterval); err != nil {
		return err
	}
	switch s.Kind {
	case KindUDP:
		if s.Address == "" {
			return errors.New("udp feed requires an address")
		}
	case KindWebSocket, KindPoll:
		u, err := url.Parse(s.URL)
		if err != nil || s.URL == "" {
			return fmt.Errorf("%s feed requires a valid url, got %q", s.Kind, s.URL)
		}
		want := map[Kind][]string{KindWebSocket: {"ws", "wss"}, KindPoll: {"http", "https"}}[s.Kind]
		if u.Scheme != want[0] && u.Scheme != want[1] {
			return fmt.Errorf("%s feed url must use %s or %s, got %q", s.Kind, want[0], want[1], u.Scheme)
		}
	case KindPcap:
		if s.Path == "" {
			return errors.New("pcap feed requires a path")
		}
		if s.Port < 0 || s.Port > 65535 {
			return fmt.Errorf("pcap port out of range: %d", s.Port)
		}
	case KindSerial, KindSimulator:
	default:
		return fmt.Errorf("%w %q", ErrUnknownKind, s.Kind)
	}
	return nil
}

// Build turns a Spec into a runnable source.
func Build(s Spec, env Env) (session.Source, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	clock := env.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	interval, _ := parseDuration("interval", s.Interval)
	logInterval, _ := parseDuration("log_interval", s.LogInterval)
	stats := NewPacketStats(clock)

	switch s.Kind {
	case KindUDP:
		return NewUDPSource(UDPConfig{
			Address: s.Address, RcvBuf: s.RcvBuf, LogInterval: logInterval,
			Stats: stats, Sockets: env.Sockets, Clock: clock,
		}), nil
	case KindWebSocket:
		return NewWebSocketSource(WebSocketConfig{
			URL: s.URL, Client: s.Client, LogInterval: logInterval, Stats: stats, Clock: clock,
		}), nil
	case KindPoll:
		return NewPoller(PollerConfig{
			URL: s.URL, Interval: interval, MaxFailures: s.MaxFailures,
			Client: env.HTTPClient, Clock: clock, Stats: stats,
		}), nil
	case KindPcap:
		path := s.Path
		if env.CaptureDir != "" {
			resolved, err := security.ResolveWithin(env.CaptureDir, s.Path)
			if err != nil {
				return nil, err
			}
			path = resolved
		}
		return NewPcapReplay(PcapConfig{
			Path: path, Port: s.Port, Speed: s.Speed, FS: env.FS, Clock: clock, Stats: stats,
		}), nil
	case KindSerial:
		if env.Serial == nil {
			return nil, errors.New("serial feed requested but no serial port is configured")
		}
		return &SerialSource{
			Mux: env.Serial, Name: env.SerialName, Commands: s.Commands,
			Stats: stats, Clock: clock, LogInterval: logInterval,
		}, nil
	case KindSimulator:
		return NewSimulator(SimulatorConfig{
			Width: s.Width, Depth: s.Depth, Rate: s.Rate, NoiseMM: s.NoiseMM,
			Raw: s.Raw, Packets: s.Packets, Seed: s.Seed, Clock: clock,
		}), nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownKind, s.Kind)
}
