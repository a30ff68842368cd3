package feed

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/banshee-data/lidarview/internal/monitoring"
	"github.com/banshee-data/lidarview/internal/session"
	"github.com/banshee-data/lidarview/internal/timeutil"
)

// wsReadLimit caps a single message. Full-scan snapshots from the sensor
// bridge run to a few megabytes.
const wsReadLimit = 16 << 20

// RegisterMessage is sent once the socket opens so the bridge starts
// streaming to this client.
type RegisterMessage struct {
	Type   string `json:"type"`
	Client string `json:"client"`
}

// WebSocketConfig configures a WebSocketSource.
type WebSocketConfig struct {
	URL string
	// Client is the name sent in the register message. Defaults to "web".
	Client      string
	Header      http.Header
	HTTPClient  *http.Client
	DialTimeout time.Duration
	LogInterval time.Duration
	Stats       PacketStatsInterface
	Clock       timeutil.Clock
}

// WebSocketSource reads one payload per message from a sensor bridge.
type WebSocketSource struct {
	cfg WebSocketConfig
}

// NewWebSocketSource creates a WebSocket source with defaults filled in.
func NewWebSocketSource(cfg WebSocketConfig) *WebSocketSource {
	if cfg.Client == "" {
		cfg.Client = "web"
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.LogInterval == 0 {
		cfg.LogInterval = time.Minute
	}
	if cfg.Stats == nil {
		cfg.Stats = noopStats{}
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &WebSocketSource{cfg: cfg}
}

func (s *WebSocketSource) String() string { return s.cfg.URL }

// Run dials the bridge, registers, and reads until the bridge closes the
// socket or ctx is cancelled. A normal close from the bridge ends the feed
// cleanly; anything else is a transport error.
func (s *WebSocketSource) Run(ctx context.Context, sink session.Sink) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, s.cfg.URL, &websocket.DialOptions{
		HTTPClient: s.cfg.HTTPClient,
		HTTPHeader: s.cfg.Header,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wsReadLimit)

	if err := wsjson.Write(ctx, conn, RegisterMessage{Type: "register", Client: s.cfg.Client}); err != nil {
		return fmt.Errorf("register with %s: %w", s.cfg.URL, err)
	}
	monitoring.Logf("WebSocket feed connected to %s", s.cfg.URL)

	if err := sink.Dispatch(session.ConnectionChanged{State: session.StateConnected}); err != nil {
		return err
	}

	statsCtx, stopStats := context.WithCancel(ctx)
	defer stopStats()
	go logStatsLoop(statsCtx, s.cfg.Clock, s.cfg.Stats, s.String(), s.cfg.LogInterval)

	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "session closed")
				return ctx.Err()
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			return fmt.Errorf("read from %s: %w", s.cfg.URL, err)
		}
		deliver(sink, s.String(), s.cfg.Stats, payload)
	}
}
