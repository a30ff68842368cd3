package serialmux

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/lidarview/internal/parse"
)

// localHostRequest creates an httptest request that appears to come from localhost.
// This bypasses tsweb.AllowDebugAccess which checks for loopback IPs.
func localHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case frame, ok := <-ch:
		if !ok {
			t.Fatal("subscriber channel closed")
		}
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return nil
}

func TestSerialMux_MonitorLines(t *testing.T) {
	port := NewTestableSerialPort()
	port.AddReadData([]byte("0.0,100\n90.0,200\n"))
	mux := NewSerialMux(port)

	id1, ch1 := mux.Subscribe()
	_, ch2 := mux.Subscribe()
	if id1 == "" {
		t.Fatal("Subscribe returned empty ID")
	}

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(context.Background()) }()

	for _, want := range []string{"0.0,100", "90.0,200"} {
		if got := string(receive(t, ch1)); got != want {
			t.Errorf("subscriber 1 got %q, want %q", got, want)
		}
		if got := string(receive(t, ch2)); got != want {
			t.Errorf("subscriber 2 got %q, want %q", got, want)
		}
	}

	// The testable port reports EOF once drained.
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Monitor() = %v, want nil at EOF", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return at EOF")
	}
}

func TestSerialMux_MonitorBinaryFrames(t *testing.T) {
	var pkt parse.LD19Packet
	pkt.Speed = 3600
	pkt.StartAngle = 1000
	pkt.EndAngle = 2100
	for i := range pkt.Points {
		pkt.Points[i] = parse.LD19Measurement{Distance: uint16(100 + i), Intensity: 200}
	}
	frame := parse.EncodeLD19(pkt)

	port := NewTestableSerialPort()
	// Leading garbage must be skipped by the LD19 splitter.
	port.AddReadData(append([]byte{0x00, 0x13}, append(frame, frame...)...))
	mux := NewSerialMux(port, WithSplit(parse.SplitLD19))

	_, ch := mux.Subscribe()
	go mux.Monitor(context.Background())

	for i := 0; i < 2; i++ {
		got := receive(t, ch)
		if len(got) != parse.LD19PacketSize {
			t.Fatalf("frame %d has %d bytes, want %d", i, len(got), parse.LD19PacketSize)
		}
		if _, err := parse.ParseLD19Packet(got); err != nil {
			t.Errorf("frame %d does not parse: %v", i, err)
		}
	}
}

func TestSerialMux_MonitorContextCancel(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	mux := NewSerialMux(port)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Monitor() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor ignored cancellation")
	}
	mux.Close()
}

func TestSerialMux_MonitorReadError(t *testing.T) {
	port := NewTestableSerialPort()
	port.ReadError = errors.New("device unplugged")
	mux := NewSerialMux(port)

	err := mux.Monitor(context.Background())
	if err == nil || !strings.Contains(err.Error(), "unplugged") {
		t.Errorf("Monitor() = %v, want read error", err)
	}
}

func TestSerialMux_SlowSubscriberDropsFrames(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < subscriberBuffer+10; i++ {
		sb.WriteString("1,1\n")
	}
	port := NewTestableSerialPort()
	port.AddReadData([]byte(sb.String()))
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()

	if err := mux.Monitor(context.Background()); err != nil {
		t.Fatalf("Monitor() = %v", err)
	}
	if got := mux.Dropped(); got != 10 {
		t.Errorf("Dropped() = %d, want 10", got)
	}
	if got := len(ch); got != subscriberBuffer {
		t.Errorf("queued %d frames, want %d", got, subscriberBuffer)
	}
}

func TestSerialMux_SendCommand(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	if err := mux.SendCommand("start"); err != nil {
		t.Fatalf("SendCommand() = %v", err)
	}
	if err := mux.SendCommand("stop\n"); err != nil {
		t.Fatalf("SendCommand() = %v", err)
	}
	if got := string(port.GetWrittenData()); got != "start\nstop\n" {
		t.Errorf("written = %q", got)
	}

	port.WriteError = errors.New("boom")
	if err := mux.SendCommand("x"); err == nil {
		t.Error("expected write error")
	}
}

func TestSerialMux_CloseClosesSubscribers(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	id, ch := mux.Subscribe()

	if err := mux.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Close")
	}
	if !port.Closed {
		t.Error("port should be closed")
	}
	// Idempotent, and unsubscribing a removed ID is a no-op.
	if err := mux.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
	mux.Unsubscribe(id)

	_, late := mux.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscribing after Close should yield a closed channel")
	}
}

func TestDescribeFrame(t *testing.T) {
	if got := describeFrame([]byte("10.5,200")); got != "10.5,200" {
		t.Errorf("text frame rendered as %q", got)
	}
	if got := describeFrame([]byte{0x54, 0x2c, 0x00}); got != "542c00" {
		t.Errorf("binary frame rendered as %q", got)
	}
}

func TestAttachAdminRoutes_SendCommandAPI(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	tests := []struct {
		name   string
		method string
		form   url.Values
		status int
	}{
		{"valid command", http.MethodPost, url.Values{"command": {"start"}}, http.StatusOK},
		{"empty command", http.MethodPost, url.Values{"command": {"  "}}, http.StatusBadRequest},
		{"wrong method", http.MethodGet, nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := localHostRequest(tt.method, "/debug/send-command-api", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()
			httpMux.ServeHTTP(w, req)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.status, w.Body.String())
			}
		})
	}
	if got := string(port.GetWrittenData()); got != "start\n" {
		t.Errorf("written = %q", got)
	}
}

func TestAttachAdminRoutes_SendCommandPage(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/send-command", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "tail.js") {
		t.Error("page should load tail.js")
	}

	w = httptest.NewRecorder()
	httpMux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/tail.js", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "EventSource") {
		t.Errorf("tail.js status = %d", w.Code)
	}
}

func TestAttachAdminRoutes_Status(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)
	id, _ := mux.Subscribe()
	defer mux.Unsubscribe(id)

	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/serial-status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got Status
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != (Status{Subscribers: 1}) {
		t.Errorf("Status = %+v", got)
	}

	mux.Close()
	if st := mux.Status(); !st.Closed || st.Subscribers != 0 {
		t.Errorf("after Close, Status = %+v", st)
	}
}

func TestAttachAdminRoutes_TailStreamsFrames(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	srv := httptest.NewServer(httpMux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/tail")
	if err != nil {
		t.Fatalf("GET tail: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	r := bufio.NewReader(resp.Body)
	if line, _ := r.ReadString('\n'); !strings.HasPrefix(line, ": ping") {
		t.Fatalf("first line = %q", line)
	}
	r.ReadString('\n')

	// Wait until the handler has subscribed before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mux.subscriberMu.Lock()
		n := len(mux.subscribers)
		mux.subscriberMu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mux.publish([]byte("45.0,321"))

	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if line != "data: 45.0,321\n" {
		t.Errorf("event = %q", line)
	}
}

func TestPortOptions_Normalize(t *testing.T) {
	got, err := PortOptions{}.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if got.BaudRate != DefaultBaudRate || got.DataBits != 8 || got.StopBits != 1 || got.Parity != "N" {
		t.Errorf("defaults = %+v", got)
	}

	got, err = PortOptions{BaudRate: 115200, Parity: "even"}.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if got.BaudRate != 115200 || got.Parity != "E" {
		t.Errorf("explicit = %+v", got)
	}

	for _, bad := range []PortOptions{
		{DataBits: 9},
		{StopBits: 3},
		{Parity: "mark"},
	} {
		if _, err := bad.Normalize(); err == nil {
			t.Errorf("Normalize(%+v) should fail", bad)
		}
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{BaudRate: 115200, Parity: "O", StopBits: 2}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode() error = %v", err)
	}
	if mode.BaudRate != 115200 || mode.Parity != serial.OddParity || mode.StopBits != serial.TwoStopBits {
		t.Errorf("mode = %+v", mode)
	}
}

func TestPortOptions_String(t *testing.T) {
	if got := (PortOptions{}).String(); got != "230400 8N1" {
		t.Errorf("String() = %q", got)
	}
	if got := (PortOptions{BaudRate: 115200, Parity: "even", StopBits: 2}).String(); got != "115200 8E2" {
		t.Errorf("String() = %q", got)
	}
	mode, _ := PortOptions{}.SerialMode()
	if mode.StopBits != serial.OneStopBit {
		t.Errorf("default stop bits = %v, want OneStopBit", mode.StopBits)
	}
}

func TestMockSerialPortFactory(t *testing.T) {
	port := NewTestableSerialPort()
	f := NewMockSerialPortFactory(port)
	if f.LastCall() != nil {
		t.Error("LastCall should be nil before Open")
	}

	var factory SerialPortFactory = f
	got, err := factory.Open("/dev/ttyUSB0", PortOptions{BaudRate: 115200})
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	if got != port {
		t.Error("Open returned a different port")
	}
	if c := f.LastCall(); c == nil || c.Path != "/dev/ttyUSB0" || c.Options.BaudRate != 115200 {
		t.Errorf("LastCall = %+v", c)
	}

	f.Error = errors.New("no such device")
	if _, err := factory.Open("/dev/ttyUSB1", PortOptions{}); err == nil {
		t.Error("expected open error")
	}
}

func TestSerialPortOpener(t *testing.T) {
	port := NewTestableSerialPort()
	var factory SerialPortFactory = SerialPortOpener(func(path string, opts PortOptions) (SerialPorter, error) {
		return port, nil
	})
	got, err := factory.Open("x", PortOptions{})
	if err != nil || got != port {
		t.Errorf("Open() = %v, %v", got, err)
	}
}

func TestOpenSerialMux(t *testing.T) {
	port := NewTestableSerialPort()
	port.AddFrames([]byte("a\n"), []byte("b\n"))
	f := NewMockSerialPortFactory(port)

	mux, err := OpenSerialMux(f, "/dev/ttyUSB0", PortOptions{Parity: "even"})
	if err != nil {
		t.Fatalf("OpenSerialMux() = %v", err)
	}
	c := f.LastCall()
	if c == nil || c.Path != "/dev/ttyUSB0" {
		t.Fatalf("LastCall = %+v", c)
	}
	if c.Options.BaudRate != DefaultBaudRate || c.Options.Parity != "E" || c.Options.DataBits != 8 {
		t.Errorf("factory saw unnormalized options %+v", c.Options)
	}

	_, frames := mux.Subscribe()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go mux.Monitor(ctx)
	for _, want := range []string{"a", "b"} {
		select {
		case got := <-frames:
			if string(got) != want {
				t.Errorf("frame = %q, want %q", got, want)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for frames")
		}
	}

	if _, err := OpenSerialMux(f, "/dev/ttyUSB0", PortOptions{Parity: "X"}); err == nil {
		t.Error("expected error for bad parity")
	}
	f.Error = errors.New("no such device")
	if _, err := OpenSerialMux(f, "/dev/ttyUSB1", PortOptions{}); err == nil {
		t.Error("expected open error")
	}
}
