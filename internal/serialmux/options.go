package serialmux

import (
	"fmt"
	"strings"

	"go.bug.st/serial"
)

// DefaultBaudRate is the LD19 UART rate. TF-Luna modules default to 115200.
const DefaultBaudRate = 230400

// PortOptions are the line settings for a hardware port, as read from the
// feed.serial section of the viewer config. Zero values mean "default".
type PortOptions struct {
	BaudRate int    `json:"baud_rate" yaml:"baud_rate"`
	DataBits int    `json:"data_bits" yaml:"data_bits"`
	StopBits int    `json:"stop_bits" yaml:"stop_bits"`
	Parity   string `json:"parity" yaml:"parity"`
}

var parityModes = map[string]serial.Parity{
	"N": serial.NoParity,
	"E": serial.EvenParity,
	"O": serial.OddParity,
}

var stopBitModes = map[int]serial.StopBits{
	1: serial.OneStopBit,
	2: serial.TwoStopBits,
}

var parityAliases = map[string]string{
	"": "N", "N": "N", "NONE": "N",
	"E": "E", "EVEN": "E",
	"O": "O", "ODD": "O",
}

// Normalize fills defaults (8N1 at DefaultBaudRate) and canonicalises
// parity to a single letter.
func (o PortOptions) Normalize() (PortOptions, error) {
	out := o
	if out.BaudRate <= 0 {
		out.BaudRate = DefaultBaudRate
	}
	if out.DataBits == 0 {
		out.DataBits = 8
	}
	if out.StopBits == 0 {
		out.StopBits = 1
	}

	if out.DataBits < 5 || out.DataBits > 8 {
		return o, fmt.Errorf("data_bits %d out of range 5-8", out.DataBits)
	}
	if _, ok := stopBitModes[out.StopBits]; !ok {
		return o, fmt.Errorf("stop_bits %d: want 1 or 2", out.StopBits)
	}
	p, ok := parityAliases[strings.ToUpper(strings.TrimSpace(out.Parity))]
	if !ok {
		return o, fmt.Errorf("parity %q: want N, E or O", o.Parity)
	}
	out.Parity = p
	return out, nil
}

// SerialMode normalizes the options and converts them for serial.Open.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	n, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	return &serial.Mode{
		BaudRate: n.BaudRate,
		DataBits: n.DataBits,
		StopBits: stopBitModes[n.StopBits],
		Parity:   parityModes[n.Parity],
	}, nil
}

// String renders the options the way device datasheets do, e.g. "230400 8N1".
func (o PortOptions) String() string {
	n, err := o.Normalize()
	if err != nil {
		type plain PortOptions // drops the String method to avoid recursion
		return fmt.Sprintf("invalid(%+v)", plain(o))
	}
	return fmt.Sprintf("%d %d%s%d", n.BaudRate, n.DataBits, n.Parity, n.StopBits)
}
