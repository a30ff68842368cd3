package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Collector bundles the service's Prometheus metrics. A nil *Collector is
// valid and records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	SamplesIntegratedTotal *prometheus.CounterVec
	MalformedTotal         *prometheus.CounterVec
	StateTransitionsTotal  *prometheus.CounterVec
	Points                 *prometheus.GaugeVec
	Sessions               prometheus.Gauge

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec
}

// NewCollector registers the metrics against reg, defaulting to the global
// registry when nil. Registering twice against the same registry returns the
// existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	samples, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lidarview_samples_integrated_total",
		Help: "Samples and points integrated into session stores.",
	}, []string{"session"}), "lidarview_samples_integrated_total")
	if err != nil {
		return nil, err
	}
	malformed, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lidarview_feed_malformed_total",
		Help: "Feed payloads discarded because they could not be decoded.",
	}, []string{"session", "source"}), "lidarview_feed_malformed_total")
	if err != nil {
		return nil, err
	}
	transitions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lidarview_connection_transitions_total",
		Help: "Connection state transitions, labeled by target state.",
	}, []string{"session", "state"}), "lidarview_connection_transitions_total")
	if err != nil {
		return nil, err
	}
	points, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lidarview_points",
		Help: "Current number of points held by each session.",
	}, []string{"session"}), "lidarview_points")
	if err != nil {
		return nil, err
	}
	sessions, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lidarview_sessions",
		Help: "Number of open sessions.",
	}), "lidarview_sessions")
	if err != nil {
		return nil, err
	}
	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lidarview_grpc_requests_total",
		Help: "Handled gRPC requests, labeled by service, method, and status code.",
	}, []string{"service", "method", "code"}), "lidarview_grpc_requests_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lidarview_grpc_request_duration_seconds",
		Help:    "gRPC request latency in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"service", "method"}), "lidarview_grpc_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:               gatherer,
		SamplesIntegratedTotal: samples,
		MalformedTotal:         malformed,
		StateTransitionsTotal:  transitions,
		Points:                 points,
		Sessions:               sessions,
		RPCRequests:            requests,
		RPCDurations:           durations,
	}, nil
}

// SamplesIntegrated counts n integrated samples for a session.
func (c *Collector) SamplesIntegrated(session string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.SamplesIntegratedTotal.WithLabelValues(session).Add(float64(n))
}

// MalformedMessage counts a discarded payload.
func (c *Collector) MalformedMessage(session, source string) {
	if c == nil {
		return
	}
	c.MalformedTotal.WithLabelValues(session, source).Inc()
}

// StateChanged counts a connection state transition.
func (c *Collector) StateChanged(session, state string) {
	if c == nil {
		return
	}
	c.StateTransitionsTotal.WithLabelValues(session, state).Inc()
}

// PointCount sets the point gauge for a session.
func (c *Collector) PointCount(session string, n int) {
	if c == nil {
		return
	}
	c.Points.WithLabelValues(session).Set(float64(n))
}

// SessionOpened increments the open session gauge.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.Sessions.Inc()
}

// SessionClosed drops every per-session series and decrements the gauge.
func (c *Collector) SessionClosed(session string) {
	if c == nil {
		return
	}
	c.Sessions.Dec()
	labels := prometheus.Labels{"session": session}
	c.SamplesIntegratedTotal.DeletePartialMatch(labels)
	c.MalformedTotal.DeletePartialMatch(labels)
	c.StateTransitionsTotal.DeletePartialMatch(labels)
	c.Points.DeletePartialMatch(labels)
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *Collector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		c.RPCRequests.WithLabelValues(service, method, status.Code(err).String()).Inc()
		c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SplitMethod parses "/pkg.Service/Method" into ("Service", "Method"),
// returning "unknown" for parts it cannot find.
func SplitMethod(fullMethod string) (string, string) {
	parts := strings.Split(strings.TrimPrefix(fullMethod, "/"), "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service, method := parts[len(parts)-2], parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, g prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return g, nil
}
