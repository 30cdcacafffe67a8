package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playhost_sessions_total",
		Help: "Session start attempts by outcome (started or an error code)",
	}, []string{"outcome"})

	SessionEndsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playhost_session_ends_total",
		Help: "Finished sessions by end reason",
	}, []string{"reason"})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "playhost_tick_duration_seconds",
		Help:    "Wall time spent inside a module loop invocation",
		Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, .8, 1, 2},
	})

	SlowTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playhost_slow_ticks_total",
		Help: "Ticks that exceeded the slow tick threshold",
	})

	RouterEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playhost_router_events_total",
		Help: "Bus and property events seen by the event router by kind and result",
	}, []string{"kind", "result"})

	ListenerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playhost_listener_errors_total",
		Help: "Module listener callbacks that returned an error",
	}, []string{"kind"})

	StreamEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playhost_stream_events_total",
		Help: "Events delivered to stream subscribers by event name",
	}, []string{"event"})

	StreamDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playhost_stream_dropped_total",
		Help: "Stream events dropped by event name and reason",
	}, []string{"event", "reason"})

	StreamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "playhost_stream_subscribers",
		Help: "Currently connected stream subscribers",
	})

	BusMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playhost_bus_messages_total",
		Help: "Bus messages by direction (in/out) and result",
	}, []string{"direction", "result"})

	DevicesConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "playhost_devices_connected",
		Help: "Devices currently marked connected",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "playhost_http_request_duration_seconds",
		Help:    "HTTP request latencies by method, route pattern and status",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

// IncRouterEvent records one routing decision.
func IncRouterEvent(kind, result string) {
	RouterEventsTotal.WithLabelValues(kind, result).Inc()
}

// IncStreamDrop records a dropped stream event with a concrete reason.
func IncStreamDrop(event, reason string) {
	if reason == "" {
		reason = "unknown"
	}
	StreamDroppedTotal.WithLabelValues(event, reason).Inc()
}

// IncBus records one bus message in the given direction.
func IncBus(direction, result string) {
	BusMessagesTotal.WithLabelValues(direction, result).Inc()
}
