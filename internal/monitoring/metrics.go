package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the session/world server. Scraped from
// /metrics.
var (
	// Connection metrics
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcs_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcs_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcs_connections_rejected_total",
		Help: "Connections rejected before admission, by reason",
	}, []string{"reason"})

	// Frame metrics
	FramesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcs_frames_received_total",
		Help: "Total inbound frames",
	})

	FramesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcs_frames_sent_total",
		Help: "Total outbound frames",
	})

	// World metrics
	WorldsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcs_worlds_active",
		Help: "Worlds currently materialized in memory",
	})

	ParticipantsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcs_participants_active",
		Help: "Admitted participants across all worlds",
	})

	// Edit metrics
	EditsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcs_edits_accepted_total",
		Help: "Block edits accepted and applied",
	})

	EditsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcs_edits_rejected_total",
		Help: "Block edits rejected, by reason",
	}, []string{"reason"})

	EditReplays = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcs_edit_replays_total",
		Help: "Edit responses replayed from the idempotency cache",
	})

	// Streaming metrics
	SectionsStreamed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcs_sections_streamed_total",
		Help: "SECTION_DATA frames delivered",
	})

	// Persistence metrics
	SectionsFlushed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcs_sections_flushed_total",
		Help: "Dirty sections successfully persisted",
	})

	FlushFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcs_flush_failures_total",
		Help: "Failed persistence batches (retried next cycle)",
	})

	FlushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mcs_flush_duration_seconds",
		Help:    "Duration of one persistence batch",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	DirtySections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mcs_dirty_sections",
		Help: "Sections awaiting persistence, per world",
	}, []string{"world"})

	// Reaper / slow client metrics
	StaleConnectionsClosed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcs_stale_connections_closed_total",
		Help: "Connections closed for inactivity",
	})

	SlowClientsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcs_slow_clients_disconnected_total",
		Help: "Clients disconnected because their send buffer stayed full",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsRejected,
		FramesReceived,
		FramesSent,
		WorldsActive,
		ParticipantsActive,
		EditsAccepted,
		EditsRejected,
		EditReplays,
		SectionsStreamed,
		SectionsFlushed,
		FlushFailures,
		FlushDuration,
		DirtySections,
		StaleConnectionsClosed,
		SlowClientsDisconnected,
	)
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
