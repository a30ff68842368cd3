package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/banshee-data/lidarview/internal/httputil"
	"github.com/banshee-data/lidarview/internal/monitoring"
	"github.com/banshee-data/lidarview/internal/session"
	"github.com/banshee-data/lidarview/internal/timeutil"
)

// maxPollBody caps a polled response.
const maxPollBody = 16 << 20

// ErrPollerRunning is returned by Run when the poller is already running.
var ErrPollerRunning = errors.New("poller already running")

// PollerConfig configures a Poller.
type PollerConfig struct {
	URL      string
	Interval time.Duration
	// MaxFailures consecutive failed polls end the feed with an error.
	MaxFailures int
	Client      httputil.HTTPClient
	Clock       timeutil.Clock
	Stats       PacketStatsInterface
}

// Poller fetches URL on an interval and hands each body to the session.
// Start and Stop are idempotent. A response whose body has been read is
// always delivered, even if Stop races with it.
type Poller struct {
	cfg PollerConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewPoller creates a Poller with defaults filled in.
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Client == nil {
		cfg.Client = httputil.NewStandardClient(&http.Client{Timeout: 10 * time.Second})
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Stats == nil {
		cfg.Stats = noopStats{}
	}
	return &Poller{cfg: cfg}
}

func (p *Poller) String() string { return p.cfg.URL }

// Start begins polling in the background. It returns false if the poller
// is already running.
func (p *Poller) Start(ctx context.Context, sink session.Sink) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return false
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel, p.done, p.err = cancel, done, nil

	if err := sink.Dispatch(session.ConnectionChanged{State: session.StateConnected}); err != nil {
		monitoring.Warnf("poller %s: %v", p.cfg.URL, err)
	}
	go func() {
		err := p.loop(runCtx, sink)
		p.mu.Lock()
		if p.done == done {
			p.cancel, p.err = nil, err
		}
		p.mu.Unlock()
		cancel()
		close(done)
	}()
	return true
}

// Stop halts polling and waits for any in-flight poll to finish. Calling it
// on a stopped poller is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		if done != nil {
			<-done
		}
		return
	}
	cancel()
	<-done
}

// Running reports whether the poll loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Run implements session.Source: it starts the poller and blocks until it
// stops. Cancelling ctx stops the poller.
func (p *Poller) Run(ctx context.Context, sink session.Sink) error {
	if !p.Start(ctx, sink) {
		return ErrPollerRunning
	}
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		p.Stop()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return p.err
}

func (p *Poller) loop(ctx context.Context, sink session.Sink) error {
	ticker := p.cfg.Clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	statsCtx, stopStats := context.WithCancel(ctx)
	defer stopStats()
	go logStatsLoop(statsCtx, p.cfg.Clock, p.cfg.Stats, p.String(), time.Minute)

	failures := 0
	for {
		if err := p.poll(ctx, sink); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			monitoring.Warnf("poll %s failed (%d/%d): %v", p.cfg.URL, failures, p.cfg.MaxFailures, err)
			if failures >= p.cfg.MaxFailures {
				return fmt.Errorf("poll %s: %d consecutive failures: %w", p.cfg.URL, failures, err)
			}
		} else {
			failures = 0
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
	}
}

// poll fetches once and delivers the body. Delivery happens regardless of
// ctx once the body is in hand.
func (p *Poller) poll(ctx context.Context, sink session.Sink) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPollBody))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	deliver(sink, p.String(), p.cfg.Stats, body)
	return nil
}
