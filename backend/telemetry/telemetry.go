// Package telemetry exposes the relay's Prometheus metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_open",
		Help: "Identified realtime connections currently registered.",
	})

	EventsIn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_in_total",
		Help: "Inbound realtime events by event name.",
	}, []string{"event"})

	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_sent_total",
		Help: "Messages validated, persisted and confirmed to senders.",
	})

	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_deliveries_total",
		Help: "Live-channel delivery outcomes per message.",
	}, []string{"outcome"})

	PresenceBroadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_presence_broadcasts_total",
		Help: "Presence transitions fanned out to live connections.",
	})

	ErrorEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_error_events_total",
		Help: "Error events returned to clients by code.",
	}, []string{"code"})

	FramesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_frames_dropped_total",
		Help: "Outbound frames dropped on a full connection send buffer.",
	})

	Uploads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_uploads_total",
		Help: "Attachment uploads by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsOpen,
		EventsIn,
		MessagesSent,
		Deliveries,
		PresenceBroadcasts,
		ErrorEvents,
		FramesDropped,
		Uploads,
	)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
