// Package session owns a point store together with the connection that
// feeds it. Each Session is an explicit object with Open/Close lifecycle; a
// Registry holds as many as the process needs.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/lidarview/internal/monitoring"
	"github.com/banshee-data/lidarview/internal/parse"
	"github.com/banshee-data/lidarview/internal/pointcloud"
	"github.com/banshee-data/lidarview/internal/timeutil"
)

// maxWarnings is how many recent feed warnings a session keeps.
const maxWarnings = 16

// RenderSettings are rendering-only parameters. They never touch the data.
type RenderSettings struct {
	PointSize float64 `json:"point_size"`
	Opacity   float64 `json:"opacity"`
}

// DefaultRenderSettings matches the viewer's initial sliders.
func DefaultRenderSettings() RenderSettings {
	return RenderSettings{PointSize: 0.05, Opacity: 0.8}
}

// Validate checks the settings are in range.
func (r RenderSettings) Validate() error {
	if !(r.PointSize > 0) || r.PointSize > 10 {
		return fmt.Errorf("point_size must be in (0, 10], got %g", r.PointSize)
	}
	if r.Opacity < 0 || r.Opacity > 1 {
		return fmt.Errorf("opacity must be in [0, 1], got %g", r.Opacity)
	}
	return nil
}

// Config describes one session.
type Config struct {
	Name             string
	Transform        pointcloud.TransformConfig
	Keys             pointcloud.KeyConfig
	Policy           pointcloud.Policy
	MaxPoints        int
	ColorMode        pointcloud.ColorMode
	Render           RenderSettings
	DisconnectPolicy DisconnectPolicy
	Format           parse.Format
	Decode           parse.Options
}

// DefaultConfig returns an append-policy session with the standard
// transform and auto-detected payload format.
func DefaultConfig() Config {
	return Config{
		Transform:        pointcloud.DefaultTransformConfig(),
		Policy:           pointcloud.PolicyAppend,
		ColorMode:        pointcloud.ColorIntensity,
		Render:           DefaultRenderSettings(),
		DisconnectPolicy: DisconnectKeep,
		Format:           parse.FormatAuto,
	}
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.Transform.Validate(); err != nil {
		return fmt.Errorf("transform: %w", err)
	}
	if err := c.Keys.Validate(); err != nil {
		return fmt.Errorf("keys: %w", err)
	}
	if _, err := pointcloud.ParsePolicy(string(c.Policy)); err != nil {
		return err
	}
	if _, err := pointcloud.ParseColorMode(string(c.ColorMode)); err != nil {
		return err
	}
	if _, err := ParseDisconnectPolicy(string(c.DisconnectPolicy)); err != nil {
		return err
	}
	if c.MaxPoints < 0 {
		return fmt.Errorf("max_points must be >= 0, got %d", c.MaxPoints)
	}
	if c.Render != (RenderSettings{}) {
		if err := c.Render.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Recorder receives session metrics. monitoring.Collector implements it.
type Recorder interface {
	SamplesIntegrated(session string, n int)
	MalformedMessage(session, source string)
	StateChanged(session, state string)
	PointCount(session string, n int)
	SessionOpened()
	SessionClosed(session string)
}

type noopRecorder struct{}

func (noopRecorder) SamplesIntegrated(string, int)   {}
func (noopRecorder) MalformedMessage(string, string) {}
func (noopRecorder) StateChanged(string, string)     {}
func (noopRecorder) PointCount(string, int)          {}
func (noopRecorder) SessionOpened()                  {}
func (noopRecorder) SessionClosed(string)            {}

// Option configures a Session.
type Option func(*Session)

// WithClock sets the clock for the store and warnings.
func WithClock(c timeutil.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Session) {
		if r != nil {
			s.rec = r
		}
	}
}

// WithDecoder overrides the decoder built from Config.Format.
func WithDecoder(d parse.Decoder) Option {
	return func(s *Session) { s.decoder = d }
}

// WithID fixes the session ID instead of generating one.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// Warning is a non-fatal feed problem.
type Warning struct {
	Time    time.Time `json:"time"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
}

// Session is one accumulation pipeline: transform, store, color state and
// the connection feeding it.
type Session struct {
	id      string
	cfg     Config
	created time.Time
	clock   timeutil.Clock
	rec     Recorder
	decoder parse.Decoder
	store   *pointcloud.Store

	// dispatchMu serializes integration so concurrent sources never
	// interleave partial batches.
	dispatchMu sync.Mutex

	mu        sync.RWMutex
	state     State
	lastErr   error
	source    string
	colorMode pointcloud.ColorMode
	render    RenderSettings
	warnings  []Warning
	cancel    context.CancelFunc
	done      chan struct{}
}

// New builds a disconnected session with an empty store.
func New(cfg Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ColorMode == "" {
		cfg.ColorMode = pointcloud.ColorIntensity
	}
	if cfg.Render == (RenderSettings{}) {
		cfg.Render = DefaultRenderSettings()
	}
	if cfg.DisconnectPolicy == "" {
		cfg.DisconnectPolicy = DisconnectKeep
	}
	if cfg.Policy == "" {
		cfg.Policy = pointcloud.PolicyAppend
	}

	s := &Session{
		cfg:       cfg,
		clock:     timeutil.RealClock{},
		rec:       noopRecorder{},
		state:     StateDisconnected,
		colorMode: cfg.ColorMode,
		render:    cfg.Render,
	}
	for _, o := range opts {
		o(s)
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.decoder == nil {
		d, err := parse.NewDecoder(cfg.Format, cfg.Decode)
		if err != nil {
			return nil, err
		}
		s.decoder = d
	}
	s.created = s.clock.Now()
	s.store = pointcloud.NewStore(cfg.Policy,
		pointcloud.WithClock(s.clock),
		pointcloud.WithKeyConfig(cfg.Keys),
		pointcloud.WithMaxPoints(cfg.MaxPoints),
	)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Name returns the configured display name.
func (s *Session) Name() string { return s.cfg.Name }

// Config returns the session configuration.
func (s *Session) Config() Config { return s.cfg }

// Store exposes the underlying point store for read access.
func (s *Session) Store() *pointcloud.Store { return s.store }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Open starts src in the background and moves the session to connecting.
// The source reports connected through Dispatch. Open fails if the session
// is already connecting or connected.
func (s *Session) Open(ctx context.Context, src Source) error {
	s.mu.Lock()
	next, err := s.state.Transition(StateConnecting)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.setStateLocked(next, nil)
	if s.cancel != nil {
		s.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done, s.source = cancel, done, src.String()
	s.mu.Unlock()

	monitoring.Logf("session %s: connecting to %s", s.id, src)
	go func() {
		defer close(done)
		err := src.Run(runCtx, s)
		s.finish(runCtx, done, src, err)
	}()
	return nil
}

// finish records how a source run ended. A failure with a live context is a
// transport error; anything else is a disconnect. Neither clears the store.
func (s *Session) finish(runCtx context.Context, done chan struct{}, src Source, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != done {
		return
	}
	switch {
	case err != nil && runCtx.Err() == nil:
		monitoring.Logf("session %s: feed %s failed: %v", s.id, src, err)
		if s.state.CanTransition(StateError) {
			s.setStateLocked(StateError, err)
		}
	case s.state != StateDisconnected && s.state.CanTransition(StateDisconnected):
		monitoring.Logf("session %s: feed %s ended", s.id, src)
		s.setStateLocked(StateDisconnected, nil)
	}
}

// Close is the user disconnect command. It stops the running source, waits
// for it to return, and applies the disconnect policy. Closing a
// disconnected session is allowed and only applies the policy.
func (s *Session) Close() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	s.mu.Lock()
	if s.state != StateDisconnected {
		next, err := s.state.Transition(StateDisconnected)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.setStateLocked(next, nil)
	}
	s.done = nil
	policy := s.cfg.DisconnectPolicy
	s.mu.Unlock()

	if policy == DisconnectClear {
		s.dispatchMu.Lock()
		s.store.Clear()
		s.dispatchMu.Unlock()
		s.rec.PointCount(s.id, 0)
	}
	return nil
}

// Wait blocks until the current source run returns or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.RLock()
	done := s.done
	s.mu.RUnlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) setStateLocked(next State, err error) {
	s.state = next
	s.lastErr = err
	s.rec.StateChanged(s.id, string(next))
}

// Dispatch is the single entry point for feed events.
func (s *Session) Dispatch(msg Message) error {
	switch m := msg.(type) {
	case SampleBatch:
		return s.integrate(m)
	case Cleared:
		s.Clear()
		return nil
	case ConnectionChanged:
		s.mu.Lock()
		defer s.mu.Unlock()
		if m.State == s.state {
			return nil
		}
		next, err := s.state.Transition(m.State)
		if err != nil {
			return err
		}
		s.setStateLocked(next, m.Err)
		monitoring.Logf("session %s: %s", s.id, next)
		return nil
	case nil:
		return errors.New("nil message")
	}
	return fmt.Errorf("unsupported message type %T", msg)
}

func (s *Session) integrate(m SampleBatch) error {
	b := m.Batch
	if b.Clear {
		s.Clear()
		return nil
	}
	points, err := s.cfg.Transform.ApplyAll(b.Samples, s.cfg.Keys)
	if err != nil {
		err = fmt.Errorf("%w: %v", parse.ErrMalformed, err)
		s.warn(m.Source, err)
		return err
	}
	points = append(points, b.Points...)

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	if b.Snapshot {
		err = s.store.Replace(points)
	} else {
		err = s.store.Integrate(points)
	}
	if err != nil {
		err = fmt.Errorf("%w: %v", parse.ErrMalformed, err)
		s.warn(m.Source, err)
		return err
	}
	s.rec.SamplesIntegrated(s.id, len(points))
	s.rec.PointCount(s.id, s.store.Len())
	return nil
}

// HandlePayload decodes payload and dispatches the batch.
func (s *Session) HandlePayload(source string, payload []byte) error {
	b, err := s.decoder.Decode(payload)
	if err != nil {
		s.warn(source, err)
		return err
	}
	return s.Dispatch(SampleBatch{Source: source, Batch: b})
}

func (s *Session) warn(source string, err error) {
	monitoring.Warnf("session %s: discarding payload from %s: %v", s.id, source, err)
	s.rec.MalformedMessage(s.id, source)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, Warning{Time: s.clock.Now(), Source: source, Message: err.Error()})
	if over := len(s.warnings) - maxWarnings; over > 0 {
		s.warnings = append(s.warnings[:0:0], s.warnings[over:]...)
	}
}

// Warnings returns the most recent feed warnings, oldest first.
func (s *Session) Warnings() []Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Warning(nil), s.warnings...)
}

// Clear is the explicit clear command.
func (s *Session) Clear() {
	s.dispatchMu.Lock()
	s.store.Clear()
	s.dispatchMu.Unlock()
	s.rec.PointCount(s.id, 0)
}

// ImportPolicy selects how an imported snapshot combines with the store.
type ImportPolicy string

const (
	ImportReplace ImportPolicy = "replace"
	ImportAppend  ImportPolicy = "append"
)

// Import loads a JSON snapshot. On any error the store is left unchanged
// and the error wraps pointcloud.ErrInvalidSnapshot.
func (s *Session) Import(data []byte, policy ImportPolicy) (int, error) {
	points, err := pointcloud.UnmarshalSnapshot(data, s.cfg.Transform, s.cfg.Keys)
	if err != nil {
		return 0, err
	}

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	switch policy {
	case ImportReplace, "":
		err = s.store.Replace(points)
	case ImportAppend:
		err = s.store.Integrate(points)
	default:
		return 0, fmt.Errorf("%w: unknown import policy %q", pointcloud.ErrInvalidSnapshot, policy)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", pointcloud.ErrInvalidSnapshot, err)
	}
	s.rec.PointCount(s.id, s.store.Len())
	return len(points), nil
}

// Export returns the current points as a JSON snapshot.
func (s *Session) Export() ([]byte, error) {
	return pointcloud.MarshalSnapshot(s.store.Snapshot())
}

// ColorMode returns the active color mode.
func (s *Session) ColorMode() pointcloud.ColorMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.colorMode
}

// SetColorMode changes the color mode. Points are unaffected.
func (s *Session) SetColorMode(mode pointcloud.ColorMode) error {
	m, err := pointcloud.ParseColorMode(string(mode))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.colorMode = m
	return nil
}

// Render returns the rendering settings.
func (s *Session) Render() RenderSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.render
}

// SetRender updates point size and opacity.
func (s *Session) SetRender(r RenderSettings) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.render = r
	return nil
}

// Buffers encodes the current snapshot under the active color mode.
func (s *Session) Buffers() pointcloud.Buffers {
	return pointcloud.Encode(s.store.Snapshot(), s.ColorMode())
}

// Stats is the derived output reported to clients.
type Stats struct {
	ID        string                `json:"id"`
	Name      string                `json:"name,omitempty"`
	State     State                 `json:"state"`
	LastError string                `json:"last_error,omitempty"`
	Source    string                `json:"source,omitempty"`
	Policy    pointcloud.Policy     `json:"policy"`
	ColorMode pointcloud.ColorMode  `json:"color_mode"`
	Render    RenderSettings        `json:"render"`
	CreatedAt time.Time             `json:"created_at"`
	Warnings  int                   `json:"warnings"`
	Points    pointcloud.Aggregates `json:"points"`
}

// Stats returns a consistent view of the session.
func (s *Session) Stats() Stats {
	agg := s.store.Aggregates()
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		ID:        s.id,
		Name:      s.cfg.Name,
		State:     s.state,
		Source:    s.source,
		Policy:    s.store.Policy(),
		ColorMode: s.colorMode,
		Render:    s.render,
		CreatedAt: s.created,
		Warnings:  len(s.warnings),
		Points:    agg,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
