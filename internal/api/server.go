// Package api serves the viewer's HTTP control surface: session lifecycle,
// feed connection, snapshot import/export and the rendered views.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/lidarview/internal/feed"
	"github.com/banshee-data/lidarview/internal/httputil"
	"github.com/banshee-data/lidarview/internal/lidardb"
	"github.com/banshee-data/lidarview/internal/monitoring"
	"github.com/banshee-data/lidarview/internal/pointcloud"
	"github.com/banshee-data/lidarview/internal/session"
	"github.com/banshee-data/lidarview/internal/timeutil"
	"github.com/banshee-data/lidarview/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// maxImportBody caps snapshot imports and pushed payloads.
const maxImportBody = 64 << 20

// Options wires a Server to the rest of the process.
type Options struct {
	Registry *session.Registry
	// Defaults is the config new sessions start from. Nil means
	// session.DefaultConfig.
	Defaults *session.Config
	// DefaultFeed is used by connect requests that carry no feed.
	DefaultFeed *feed.Spec
	FeedEnv     feed.Env
	// DB enables persist and the snapshot listing. May be nil.
	DB        *lidardb.LidarDB
	Collector *monitoring.Collector
	Clock     timeutil.Clock
	// ListPorts enumerates serial devices for /api/feeds. May be nil.
	ListPorts func() ([]string, error)
}

type Server struct {
	registry    *session.Registry
	defaults    session.Config
	defaultFeed *feed.Spec
	env         feed.Env
	db          *lidardb.LidarDB
	collector   *monitoring.Collector
	clock       timeutil.Clock
	listPorts   func() ([]string, error)

	// feeds run under baseCtx rather than the request context so they
	// outlive the connect request.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewServer creates a Server. Call Close to stop every feed it started.
func NewServer(o Options) *Server {
	if o.Registry == nil {
		o.Registry = session.NewRegistry(o.Collector)
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	defaults := session.DefaultConfig()
	if o.Defaults != nil {
		defaults = *o.Defaults
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		registry:    o.Registry,
		defaults:    defaults,
		defaultFeed: o.DefaultFeed,
		env:         o.FeedEnv,
		db:          o.DB,
		collector:   o.Collector,
		clock:       o.Clock,
		listPorts:   o.ListPorts,
		baseCtx:     ctx,
		cancel:      cancel,
	}
}

// Registry returns the sessions the server manages.
func (s *Server) Registry() *session.Registry { return s.registry }

// Close cancels every feed and closes every session.
func (s *Server) Close() {
	s.cancel()
	s.registry.CloseAll()
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routes plus /metrics and /health. Admin routes
// under /debug/ are attached separately by the caller.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/sessions", s.createSession)
	mux.HandleFunc("GET /api/sessions", s.listSessions)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.deleteSession)

	mux.HandleFunc("POST /api/sessions/{id}/connect", s.withSession(s.connect))
	mux.HandleFunc("POST /api/sessions/{id}/disconnect", s.withSession(s.disconnect))
	mux.HandleFunc("POST /api/sessions/{id}/clear", s.withSession(s.clear))
	mux.HandleFunc("POST /api/sessions/{id}/samples", s.withSession(s.pushSamples))
	mux.HandleFunc("GET /api/sessions/{id}/stats", s.withSession(s.stats))
	mux.HandleFunc("GET /api/sessions/{id}/buffers", s.withSession(s.buffers))
	mux.HandleFunc("PUT /api/sessions/{id}/color-mode", s.withSession(s.setColorMode))
	mux.HandleFunc("PUT /api/sessions/{id}/render", s.withSession(s.setRender))

	mux.HandleFunc("GET /api/sessions/{id}/export", s.withSession(s.export))
	mux.HandleFunc("POST /api/sessions/{id}/import", s.withSession(s.importSnapshot))
	mux.HandleFunc("POST /api/sessions/{id}/persist", s.withSession(s.persist))
	mux.HandleFunc("GET /api/snapshots", s.listSnapshots)
	mux.HandleFunc("GET /api/snapshots/{id}", s.getSnapshot)

	mux.HandleFunc("GET /api/sessions/{id}/preview", s.withSession(s.preview))
	mux.HandleFunc("GET /api/sessions/{id}/plot.png", s.withSession(s.plot))

	mux.HandleFunc("GET /api/feeds", s.listFeedKinds)
	mux.HandleFunc("GET /health", s.health)
	mux.Handle("GET /metrics", s.collector.Handler())
	return mux
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, sess *session.Session)

// withSession resolves {id} and answers 404 for unknown sessions.
func (s *Server) withSession(h sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.registry.Get(r.PathValue("id"))
		if errors.Is(err, session.ErrSessionNotFound) {
			httputil.NotFound(w, err.Error())
			return
		}
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		h(w, r, sess)
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]any{
		"status":     "ok",
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
		"sessions":   len(s.registry.List()),
		"database":   s.db != nil,
	})
}

func (s *Server) listFeedKinds(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"kinds":         feed.Kinds,
		"color_modes":   pointcloud.ColorModes,
		"serial_device": s.env.SerialName,
	}
	if s.defaultFeed != nil {
		resp["default"] = s.defaultFeed
	}
	if s.listPorts != nil {
		ports, err := s.listPorts()
		if err != nil {
			monitoring.Warnf("failed to list serial ports: %v", err)
		}
		resp["serial_ports"] = ports
	}
	httputil.WriteJSONOK(w, resp)
}
