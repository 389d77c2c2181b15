// Package metrics holds the Prometheus collectors for the realtime subscriber
// and the HTTP endpoint that exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ConnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "kadoa_realtime_connect_attempts_total",
	Help: "Total number of connection attempts started",
})

var ConnectFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kadoa_realtime_connect_failures_total",
	Help: "Total number of connection attempts that failed, by stage",
}, []string{"stage"})

var ConnectionsOpened = promauto.NewCounter(prometheus.CounterOpts{
	Name: "kadoa_realtime_connections_opened_total",
	Help: "Total number of stream connections that reached the open state",
})

var Disconnects = promauto.NewCounter(prometheus.CounterOpts{
	Name: "kadoa_realtime_disconnects_total",
	Help: "Total number of close signals received from open connections",
})

var ReconnectsScheduled = promauto.NewCounter(prometheus.CounterOpts{
	Name: "kadoa_realtime_reconnects_scheduled_total",
	Help: "Total number of reconnect timers scheduled",
})

var StaleConnections = promauto.NewCounter(prometheus.CounterOpts{
	Name: "kadoa_realtime_stale_connections_total",
	Help: "Total number of connections force-closed after missing heartbeats",
})

var FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kadoa_realtime_frames_received_total",
	Help: "Total number of inbound frames, by kind (heartbeat, event, malformed)",
}, []string{"kind"})

var Acknowledgments = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kadoa_realtime_acknowledgments_total",
	Help: "Total number of event acknowledgments, by result",
}, []string{"result"})

var HandlerPanics = promauto.NewCounter(prometheus.CounterOpts{
	Name: "kadoa_realtime_handler_panics_total",
	Help: "Total number of panics recovered from the event handler",
})

var ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "kadoa_realtime_connection_state",
	Help: "Current connection state (0 idle, 1 connecting, 2 open, 3 closing, 4 reconnecting)",
})

var EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "kadoa_realtime_events_dropped_total",
	Help: "Total number of events dropped by the output writer because its buffer was full",
})

var LogEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kadoa_realtime_log_events_total",
	Help: "Total number of log events emitted by the listener, by level",
}, []string{"level"})
