package feed

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lidarview/internal/parse"
	"github.com/banshee-data/lidarview/internal/security"
	"github.com/banshee-data/lidarview/internal/serialmux"
	"github.com/banshee-data/lidarview/internal/timeutil"
)

func TestSpec_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		spec    Spec
		wantErr string
	}{
		{"udp", Spec{Kind: KindUDP, Address: ":2368"}, ""},
		{"udp without address", Spec{Kind: KindUDP}, "requires an address"},
		{"websocket", Spec{Kind: KindWebSocket, URL: "ws://bridge:8080/ws"}, ""},
		{"websocket with http url", Spec{Kind: KindWebSocket, URL: "http://bridge"}, "must use ws or wss"},
		{"poll", Spec{Kind: KindPoll, URL: "https://sensor/points", Interval: "250ms"}, ""},
		{"poll bad interval", Spec{Kind: KindPoll, URL: "http://sensor", Interval: "soon"}, "invalid interval"},
		{"poll negative interval", Spec{Kind: KindPoll, URL: "http://sensor", Interval: "-1s"}, "must not be negative"},
		{"pcap", Spec{Kind: KindPcap, Path: "run.pcap", Port: 2368}, ""},
		{"pcap without path", Spec{Kind: KindPcap}, "requires a path"},
		{"pcap bad port", Spec{Kind: KindPcap, Path: "a", Port: 70000}, "out of range"},
		{"serial", Spec{Kind: KindSerial}, ""},
		{"simulator", Spec{Kind: KindSimulator, LogInterval: "10s"}, ""},
		{"unknown", Spec{Kind: "carrier-pigeon"}, "unknown feed kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestBuild_Kinds(t *testing.T) {
	t.Parallel()
	mux := serialmux.NewSerialMux(serialmux.NewTestableSerialPort())
	env := Env{Serial: mux, SerialName: "/dev/ttyUSB0", Clock: timeutil.NewMockClock(time.Unix(0, 0))}

	tests := []struct {
		spec Spec
		want string
	}{
		{Spec{Kind: KindUDP, Address: ":2368"}, "udp://:2368"},
		{Spec{Kind: KindWebSocket, URL: "ws://bridge/ws"}, "ws://bridge/ws"},
		{Spec{Kind: KindPoll, URL: "http://sensor/points"}, "http://sensor/points"},
		{Spec{Kind: KindPcap, Path: "/captures/run.pcap"}, "pcap:///captures/run.pcap"},
		{Spec{Kind: KindSerial}, "serial:///dev/ttyUSB0"},
		{Spec{Kind: KindSimulator}, "simulator"},
	}
	for _, tt := range tests {
		t.Run(string(tt.spec.Kind), func(t *testing.T) {
			src, err := Build(tt.spec, env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, src.String())
		})
	}
}

func TestBuild_SerialWithoutPort(t *testing.T) {
	t.Parallel()
	_, err := Build(Spec{Kind: KindSerial}, Env{})
	assert.ErrorContains(t, err, "no serial port is configured")
}

func TestBuild_PcapConfinedToCaptureDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	src, err := Build(Spec{Kind: KindPcap, Path: "bench.pcap"}, Env{CaptureDir: dir})
	require.NoError(t, err)
	assert.Equal(t, "pcap://"+filepath.Join(dir, "bench.pcap"), src.String())

	_, err = Build(Spec{Kind: KindPcap, Path: "../../etc/shadow"}, Env{CaptureDir: dir})
	assert.ErrorIs(t, err, security.ErrOutsideRoot)
}

func TestBuild_SimulatorFeedsSession(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	src, err := Build(Spec{Kind: KindSimulator, Packets: 3, Rate: 10}, Env{Clock: clock})
	require.NoError(t, err)

	s := newSession(t, parse.FormatAuto)
	require.NoError(t, s.Open(context.Background(), src))
	waitFor(t, func() bool {
		clock.Advance(100 * time.Millisecond)
		return s.Store().Len() == 3*parse.LD19Points
	})
}
