// ABOUTME: Prometheus collectors for conversation lifecycle, relay frames, and HTTP traffic
// ABOUTME: Collectors live on a private registry; a nil *Metrics records nothing

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's collectors.
type Metrics struct {
	registry *prometheus.Registry

	conversationsActive     prometheus.Gauge
	conversationsTerminated *prometheus.CounterVec
	notifications           *prometheus.CounterVec
	frames                  *prometheus.CounterVec
	httpRequests            *prometheus.CounterVec
	httpDuration            *prometheus.HistogramVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		conversationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_conversations_active",
			Help: "Number of conversations currently held in the store",
		}),
		conversationsTerminated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_conversations_terminated_total",
				Help: "Conversations terminated, by reason",
			},
			[]string{"reason"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_notifications_total",
				Help: "Transcript notifications dispatched, by outcome",
			},
			[]string{"outcome"},
		),
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_frames_total",
				Help: "Frames written to downstream clients, by type",
			},
			[]string{"type"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "HTTP requests served",
			},
			[]string{"path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path"},
		),
	}

	m.registry.MustRegister(
		m.conversationsActive,
		m.conversationsTerminated,
		m.notifications,
		m.frames,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ConversationStarted increments the active gauge.
func (m *Metrics) ConversationStarted() {
	if m == nil {
		return
	}
	m.conversationsActive.Inc()
}

// ConversationRemoved decrements the active gauge.
func (m *Metrics) ConversationRemoved() {
	if m == nil {
		return
	}
	m.conversationsActive.Dec()
}

// ConversationTerminated counts a termination for reason.
func (m *Metrics) ConversationTerminated(reason string) {
	if m == nil {
		return
	}
	m.conversationsTerminated.WithLabelValues(reason).Inc()
}

// Notification counts a dispatch outcome ("delivered" or "failed").
func (m *Metrics) Notification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
}

// Frame counts a frame written downstream.
func (m *Metrics) Frame(frameType string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(frameType).Inc()
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(path, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(path, status).Inc()
	m.httpDuration.WithLabelValues(path).Observe(d.Seconds())
}
