package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Listener kinds used as the "kind" label of the listeners gauge.
const (
	ListenerGeneric = "generic"
	ListenerChat    = "chat"
)

// Backend failure reasons used as the "reason" label.
const (
	FailureError       = "error"
	FailureClosed      = "closed"
	FailureUnavailable = "unavailable"
	FailureViolation   = "protocol_violation"
)

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	rooms              prometheus.Gauge
	listeners          *prometheus.GaugeVec
	sessions           prometheus.Gauge
	dispatched         *prometheus.CounterVec
	backendFailures    *prometheus.CounterVec
	protocolViolations prometheus.Counter
	droppedFrames      *prometheus.CounterVec
	queueOverflows     prometheus.Counter
}

// NewMetrics creates the collectors on a private registry that also carries
// the Go runtime and process collectors.
//
// Postcondition: Returns a non-nil Metrics whose Handler serves every collector.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pusher_rooms",
			Help: "Number of rooms with an open backend stream.",
		}),
		listeners: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pusher_room_listeners",
			Help: "Number of sessions registered on rooms, by listener kind.",
		}, []string{"kind"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pusher_sessions",
			Help: "Number of connected client sessions.",
		}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pusher_dispatched_submessages_total",
			Help: "Sub-messages queued to client batches, by case.",
		}, []string{"case"}),
		backendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pusher_backend_failures_total",
			Help: "Room teardowns caused by the backend, by reason.",
		}, []string{"reason"}),
		protocolViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pusher_protocol_violations_total",
			Help: "Backend events of a case this gateway does not understand.",
		}),
		droppedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pusher_dropped_frames_total",
			Help: "Inbound client frames dropped, by reason.",
		}, []string{"reason"}),
		queueOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pusher_send_queue_overflows_total",
			Help: "Sessions disconnected because their send queue was full.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.rooms,
		m.listeners,
		m.sessions,
		m.dispatched,
		m.backendFailures,
		m.protocolViolations,
		m.droppedFrames,
		m.queueOverflows,
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RoomOpened() {
	if m != nil {
		m.rooms.Inc()
	}
}

func (m *Metrics) RoomClosed() {
	if m != nil {
		m.rooms.Dec()
	}
}

// ListenerAdded and ListenerRemoved track listener registrations of kind.
func (m *Metrics) ListenerAdded(kind string) {
	if m != nil {
		m.listeners.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ListenerRemoved(kind string) {
	if m != nil {
		m.listeners.WithLabelValues(kind).Dec()
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

// Dispatched counts one sub-message of the named case queued to a client.
func (m *Metrics) Dispatched(kase string) {
	if m != nil {
		m.dispatched.WithLabelValues(kase).Inc()
	}
}

// BackendFailure counts one room teardown caused by the backend.
func (m *Metrics) BackendFailure(reason string) {
	if m != nil {
		m.backendFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ProtocolViolation() {
	if m != nil {
		m.protocolViolations.Inc()
	}
}

// DroppedFrame counts one inbound frame discarded for reason.
func (m *Metrics) DroppedFrame(reason string) {
	if m != nil {
		m.droppedFrames.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) QueueOverflow() {
	if m != nil {
		m.queueOverflows.Inc()
	}
}
