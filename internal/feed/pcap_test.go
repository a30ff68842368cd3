package feed

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lidarview/internal/fsutil"
	"github.com/banshee-data/lidarview/internal/parse"
	"github.com/banshee-data/lidarview/internal/session"
	"github.com/banshee-data/lidarview/internal/timeutil"
)

type capturedDatagram struct {
	at      time.Time
	port    uint16
	payload string
}

func udpFrame(t *testing.T, port uint16, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(192, 168, 1, 201),
		DstIP:    net.IPv4(192, 168, 1, 10),
	}
	udp := &layers.UDP{SrcPort: 10000, DstPort: layers.UDPPort(port)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func writeCapture(t *testing.T, fs *fsutil.MemoryFileSystem, name string, dgrams []capturedDatagram) {
	t.Helper()
	var out bytes.Buffer
	w := pcapgo.NewWriter(&out)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	for _, d := range dgrams {
		frame := udpFrame(t, d.port, []byte(d.payload))
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
			Timestamp:     d.at,
			CaptureLength: len(frame),
			Length:        len(frame),
		}, frame))
	}
	require.NoError(t, fs.WriteFile(name, out.Bytes(), 0o644))
}

func TestPcapReplay_FiltersByPort(t *testing.T) {
	t.Parallel()
	fs := fsutil.NewMemoryFileSystem()
	t0 := time.Unix(1700000000, 0)
	writeCapture(t, fs, "/captures/run.pcap", []capturedDatagram{
		{t0, 2368, `{"x":1,"y":0,"z":0}`},
		{t0.Add(time.Millisecond), 9999, `{"x":9,"y":9,"z":9}`},
		{t0.Add(2 * time.Millisecond), 2368, `{"x":0,"y":1,"z":0}`},
	})

	src := NewPcapReplay(PcapConfig{Path: "/captures/run.pcap", Port: 2368, FS: fs})
	assert.Equal(t, "pcap:///captures/run.pcap", src.String())

	s := newSession(t, parse.FormatJSON)
	require.NoError(t, s.Open(context.Background(), src))
	waitFor(t, func() bool { return s.State() == session.StateDisconnected && s.Store().Len() == 2 })

	for _, p := range s.Store().Snapshot().Points {
		assert.NotEqual(t, 9.0, p.X, "datagram to another port leaked through")
	}
}

func TestPcapReplay_AllPortsWhenUnset(t *testing.T) {
	t.Parallel()
	fs := fsutil.NewMemoryFileSystem()
	t0 := time.Unix(1700000000, 0)
	writeCapture(t, fs, "all.pcap", []capturedDatagram{
		{t0, 2368, `{"x":1,"y":0,"z":0}`},
		{t0, 9999, `{"x":2,"y":0,"z":0}`},
	})
	sink := &recordingSink{}
	require.NoError(t, NewPcapReplay(PcapConfig{Path: "all.pcap", FS: fs}).Run(context.Background(), sink))
	assert.Len(t, sink.Payloads(), 2)
}

func TestPcapReplay_PacesByCaptureTime(t *testing.T) {
	t.Parallel()
	fs := fsutil.NewMemoryFileSystem()
	t0 := time.Unix(1700000000, 0)
	writeCapture(t, fs, "paced.pcap", []capturedDatagram{
		{t0, 2368, `{"x":1,"y":0,"z":0}`},
		{t0.Add(2 * time.Second), 2368, `{"x":2,"y":0,"z":0}`},
	})
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	sink := &recordingSink{}
	src := NewPcapReplay(PcapConfig{Path: "paced.pcap", FS: fs, Speed: 2, Clock: clock})

	done := make(chan error, 1)
	go func() { done <- src.Run(context.Background(), sink) }()

	waitFor(t, func() bool { return len(sink.Payloads()) == 1 })
	// At 2x, a two second gap becomes one second.
	clock.Advance(500 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, sink.Payloads(), 1)

	waitFor(t, func() bool {
		clock.Advance(500 * time.Millisecond)
		return len(sink.Payloads()) == 2
	})
	require.NoError(t, <-done)
}

func TestPcapReplay_Errors(t *testing.T) {
	t.Parallel()
	fs := fsutil.NewMemoryFileSystem()
	require.NoError(t, fs.WriteFile("junk.pcap", []byte("definitely not a capture"), 0o644))

	sink := &recordingSink{}
	err := NewPcapReplay(PcapConfig{Path: "missing.pcap", FS: fs}).Run(context.Background(), sink)
	assert.ErrorContains(t, err, "failed to open capture")

	err = NewPcapReplay(PcapConfig{Path: "junk.pcap", FS: fs}).Run(context.Background(), sink)
	assert.ErrorContains(t, err, "failed to read capture")
}
