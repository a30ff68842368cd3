package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// RealPortFactory opens hardware ports with go.bug.st/serial.
type RealPortFactory struct{}

func (RealPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	return port, nil
}

// OpenSerialMux opens path through factory and wraps the port in a
// multiplexer. Options are normalized before the factory sees them.
func OpenSerialMux(factory SerialPortFactory, path string, opts PortOptions, muxOpts ...Option) (*SerialMux[SerialPorter], error) {
	if factory == nil {
		factory = RealPortFactory{}
	}
	normalized, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	port, err := factory.Open(path, normalized)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(port, muxOpts...), nil
}

// ListPorts returns the serial device paths present on this host.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
