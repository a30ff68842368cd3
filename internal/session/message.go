package session

import (
	"context"

	"github.com/banshee-data/lidarview/internal/parse"
)

// Message is a tagged feed event. Every feed event goes through
// Session.Dispatch as one of SampleBatch, Cleared or ConnectionChanged.
type Message interface {
	isMessage()
}

// SampleBatch carries decoded samples or points to integrate.
type SampleBatch struct {
	Source string
	Batch  parse.Batch
}

// Cleared asks the session to empty its store.
type Cleared struct{}

// ConnectionChanged reports a transport state change.
type ConnectionChanged struct {
	State State
	Err   error
}

func (SampleBatch) isMessage()       {}
func (Cleared) isMessage()           {}
func (ConnectionChanged) isMessage() {}

// Sink receives feed events. Session implements it.
type Sink interface {
	Dispatch(msg Message) error
	// HandlePayload decodes a raw payload with the session's decoder and
	// dispatches the result. Malformed payloads are recorded and returned as
	// errors; callers should log and keep reading.
	HandlePayload(source string, payload []byte) error
}

// Source is a feed transport. Run blocks until ctx is cancelled, the feed
// ends, or the transport fails. It dispatches ConnectionChanged{Connected}
// once the transport is up. Returning nil means a clean end; a non-nil
// error while ctx is still live marks the session as errored.
type Source interface {
	Run(ctx context.Context, sink Sink) error
	String() string
}

// SourceFunc adapts a function to Source.
type SourceFunc struct {
	Name string
	Fn   func(ctx context.Context, sink Sink) error
}

func (s SourceFunc) Run(ctx context.Context, sink Sink) error { return s.Fn(ctx, sink) }
func (s SourceFunc) String() string                           { return s.Name }
