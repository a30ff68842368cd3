package serialmux

import (
	"bytes"
	"errors"
	"sync"
)

var errPortClosed = errors.New("serial port closed")

// TestableSerialPort is an in-memory SerialPorter. Bytes queued with
// AddReadData or AddFrames are returned by Read; everything written is kept
// for GetWrittenData.
type TestableSerialPort struct {
	mu   sync.Mutex
	cond *sync.Cond
	in   bytes.Buffer
	out  bytes.Buffer

	// BlockReads makes Read wait for data instead of returning io.EOF on an
	// empty buffer, like an idle device.
	BlockReads bool
	// ReadError and WriteError fail the next Read or Write once.
	ReadError  error
	WriteError error
	// CloseError is returned by Close.
	CloseError error
	// Closed reports whether Close was called.
	Closed bool
}

// NewTestableSerialPort creates an idle port with empty buffers.
func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ReadError; err != nil {
		p.ReadError = nil
		return 0, err
	}
	for p.BlockReads && !p.Closed && p.in.Len() == 0 {
		p.cond.Wait()
	}
	if p.Closed {
		return 0, errPortClosed
	}
	return p.in.Read(b)
}

// CloseInput ends the stream: blocked readers see io.EOF once the queued
// bytes are consumed, the way an unplugged USB adapter behaves.
func (p *TestableSerialPort) CloseInput() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.BlockReads = false
	p.cond.Broadcast()
}

func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Closed {
		return 0, errPortClosed
	}
	if err := p.WriteError; err != nil {
		p.WriteError = nil
		return 0, err
	}
	return p.out.Write(b)
}

func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	p.cond.Broadcast()
	return p.CloseError
}

// AddReadData queues raw bytes for Read.
func (p *TestableSerialPort) AddReadData(data []byte) {
	p.AddFrames(data)
}

// AddFrames queues frames back to back, e.g. consecutive LD19 packets.
func (p *TestableSerialPort) AddFrames(frames ...[]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range frames {
		p.in.Write(f)
	}
	p.cond.Broadcast()
}

// GetWrittenData returns a copy of everything written to the port.
func (p *TestableSerialPort) GetWrittenData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.out.Bytes())
}

// MockSerialPortFactory hands out a fixed port and records what was asked
// for.
type MockSerialPortFactory struct {
	mu    sync.Mutex
	Port  SerialPorter
	Error error
	calls []MockOpenCall
}

// MockOpenCall is one recorded Open.
type MockOpenCall struct {
	Path    string
	Options PortOptions
}

func NewMockSerialPortFactory(port SerialPorter) *MockSerialPortFactory {
	return &MockSerialPortFactory{Port: port}
}

func (f *MockSerialPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, MockOpenCall{Path: path, Options: opts})
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Port, nil
}

// LastCall returns the most recent Open, or nil if there was none.
func (f *MockSerialPortFactory) LastCall() *MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	c := f.calls[len(f.calls)-1]
	return &c
}
