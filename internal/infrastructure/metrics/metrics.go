package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dropchat"

// Metrics defines our Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	roomsCreated     prometheus.Counter
	roomsRemoved     *prometheus.CounterVec
	messagesAppended prometheus.Counter

	busPublished   *prometheus.CounterVec
	busDelivered   *prometheus.CounterVec
	busFailures    *prometheus.CounterVec
	activeSessions *prometheus.GaugeVec
	droppedEvents  *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency. Streaming routes are excluded.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		roomsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_created_total",
			Help:      "Rooms created.",
		}),
		roomsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_removed_total",
			Help:      "Rooms removed, by reason (deleted, expired).",
		}, []string{"reason"}),
		messagesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_appended_total",
			Help:      "Messages appended to rooms.",
		}),
		busPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_published_total",
			Help:      "Events published on the bus, by channel kind.",
		}, []string{"kind"}),
		busDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_delivered_total",
			Help:      "Events handed to local handlers, by channel kind.",
		}, []string{"kind"}),
		busFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_broker_failures_total",
			Help:      "Broker operations that failed, by operation.",
		}, []string{"op"}),
		activeSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_sessions_active",
			Help:      "Open streaming sessions, by transport.",
		}, []string{"transport"}),
		droppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_dropped_total",
			Help:      "Events dropped because a session's outbound buffer was full.",
		}, []string{"transport"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestCount,
		m.requestDuration,
		m.roomsCreated,
		m.roomsRemoved,
		m.messagesAppended,
		m.busPublished,
		m.busDelivered,
		m.busFailures,
		m.activeSessions,
		m.droppedEvents,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration, streaming bool) {
	if m == nil {
		return
	}
	m.requestCount.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	if !streaming {
		m.requestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) RoomCreated() {
	if m == nil {
		return
	}
	m.roomsCreated.Inc()
}

func (m *Metrics) RoomsRemoved(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.roomsRemoved.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) MessageAppended() {
	if m == nil {
		return
	}
	m.messagesAppended.Inc()
}

func (m *Metrics) EventPublished(kind string) {
	if m == nil {
		return
	}
	m.busPublished.WithLabelValues(kind).Inc()
}

func (m *Metrics) EventDelivered(kind string, handlers int) {
	if m == nil || handlers == 0 {
		return
	}
	m.busDelivered.WithLabelValues(kind).Add(float64(handlers))
}

func (m *Metrics) BrokerFailure(op string) {
	if m == nil {
		return
	}
	m.busFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) SessionOpened(transport string) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues(transport).Inc()
}

func (m *Metrics) SessionClosed(transport string) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues(transport).Dec()
}

func (m *Metrics) EventDropped(transport string) {
	if m == nil {
		return
	}
	m.droppedEvents.WithLabelValues(transport).Inc()
}
