// Serialmux provides an abstraction over a serial port with the ability for
// multiple clients to subscribe to frames read from the port and send
// commands to a single serial device.
//
// Frames are cut from the byte stream by a bufio.SplitFunc, so the same
// multiplexer carries newline-delimited text feeds and binary LiDAR packets.
package serialmux

import (
	"bufio"
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

var ErrWriteFailed = errors.New("failed to write to serial port")

// subscriberBuffer is the number of frames queued per subscriber before
// frames start being dropped for that subscriber.
const subscriberBuffer = 256

// maxFrameSize bounds a single frame. Text feeds with longer lines are
// truncated by the scanner and reported as an error from Monitor.
const maxFrameSize = 64 * 1024

// SerialMux is a generic serial port multiplexer that allows multiple clients to
// subscribe to frames from a single serial port.
type SerialMux[T SerialPorter] struct {
	port         T
	split        bufio.SplitFunc
	subscribers  map[string]chan []byte
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      atomic.Bool
	dropped      atomic.Uint64
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe creates a new channel for receiving frames from the serial
	// port. The channel ID is used to identify the unique channel when
	// unsubscribing.
	Subscribe() (string, <-chan []byte)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// SendCommand writes the provided command to the serial port.
	SendCommand(string) error
	// Monitor reads frames from the serial port and fans them out to
	// subscribers until ctx is done or the port fails.
	Monitor(context.Context) error
	// Close closes all subscribed channels and closes the serial port.
	Close() error

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/. These routes are accessible only over
	// localhost/via Tailscale and are not publicly accessible.
	AttachAdminRoutes(*http.ServeMux)
}

// Option customises a SerialMux.
type Option func(*muxOptions)

type muxOptions struct {
	split bufio.SplitFunc
}

// WithSplit sets the framing used by Monitor. The default is bufio.ScanLines.
func WithSplit(split bufio.SplitFunc) Option {
	return func(o *muxOptions) {
		if split != nil {
			o.split = split
		}
	}
}

// NewSerialMux creates a SerialMux instance backed by the given port.
func NewSerialMux[T SerialPorter](port T, opts ...Option) *SerialMux[T] {
	o := muxOptions{split: bufio.ScanLines}
	for _, opt := range opts {
		opt(&o)
	}
	return &SerialMux[T]{
		port:        port,
		split:       o.split,
		subscribers: make(map[string]chan []byte),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, <-chan []byte) {
	id := randomID()
	ch := make(chan []byte, subscriberBuffer)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.closing.Load() {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Dropped returns the number of frames skipped because a subscriber's
// queue was full.
func (s *SerialMux[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// SendCommand sends a newline-terminated command to the serial port.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads frames from the serial port and sends them to subscribers.
// It returns nil when the port reaches EOF or the mux is closed, ctx.Err()
// on cancellation, and the read error otherwise.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)
	scan.Buffer(make([]byte, 4096), maxFrameSize)
	scan.Split(s.split)

	frameChan := make(chan []byte)
	scanErrChan := make(chan error, 1)

	// The blocking Scan runs on its own goroutine so the loop below can
	// observe cancellation.
	go func() {
		defer close(frameChan)
		for scan.Scan() {
			// Scanner reuses its buffer between calls.
			frame := bytes.Clone(scan.Bytes())
			select {
			case frameChan <- frame:
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErrChan <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			if s.closing.Load() {
				return nil
			}
			return err

		case frame, ok := <-frameChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					if !s.closing.Load() {
						return err
					}
				default:
				}
				return nil
			}
			if s.closing.Load() {
				return nil
			}
			s.publish(frame)
		}
	}
}

func (s *SerialMux[T]) publish(frame []byte) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- frame:
		default:
			s.dropped.Add(1)
		}
	}
}

func (s *SerialMux[T]) Close() error {
	if s.closing.Swap(true) {
		return nil
	}

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}
