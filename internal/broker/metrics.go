package broker

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the broker, scrapeable from the metrics address.
var (
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatc_connections_total",
		Help: "Total number of TCP connections accepted",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatc_connections_active",
		Help: "Current number of open client connections",
	})

	connectionsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatc_connections_rejected_total",
		Help: "Connections rejected by rate limiting or capacity",
	})

	framesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatc_frames_received_total",
		Help: "Inbound frames by message type",
	}, []string{"type"})

	framesForwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatc_frames_forwarded_total",
		Help: "Frames relayed to recipient connections",
	})

	forwardFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatc_forward_failures_total",
		Help: "Fan-out legs that failed to write",
	})

	bytesRelayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatc_bytes_relayed_total",
		Help: "Payload bytes relayed to recipients",
	})

	messagesPersisted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatc_messages_persisted_total",
		Help: "Chat messages appended to the store",
	})

	transfersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatc_transfers_active",
		Help: "File transfers currently in flight",
	})

	transfersReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatc_transfers_reaped_total",
		Help: "Stalled file transfers dropped by the janitor",
	})
)

func init() {
	prometheus.MustRegister(
		connectionsTotal,
		connectionsActive,
		connectionsRejected,
		framesReceived,
		framesForwarded,
		forwardFailures,
		bytesRelayed,
		messagesPersisted,
		transfersActive,
		transfersReaped,
	)
}

// healthPayload is the /health response body.
type healthPayload struct {
	Status    string `json:"status"`
	Clients   int    `json:"clients"`
	Topics    int    `json:"topics"`
	Transfers int    `json:"transfers"`
}

// metricsMux builds the HTTP mux served on the metrics address.
func (b *Broker) metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(healthPayload{
			Status:    "ok",
			Clients:   b.clients.count(),
			Topics:    b.topics.count(),
			Transfers: b.transfers.count(),
		})
	})
	return mux
}
