package smtp

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Singleton metrics instance
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// Metrics holds the Prometheus metrics for the receiving server
type Metrics struct {
	ConnectionsTotal   prometheus.Counter
	ConnectionsActive  prometheus.Gauge
	ConnectionDuration prometheus.Histogram
	SessionErrors      prometheus.Counter

	CommandsTotal *prometheus.CounterVec
	RepliesTotal  *prometheus.CounterVec

	MessagesReceived prometheus.Counter
	MessageSize      prometheus.Histogram
	StoreFailures    prometheus.Counter

	TLSUpgrades          prometheus.Counter
	TLSHandshakeFailures prometheus.Counter
}

// GetMetrics returns the singleton metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

func newMetrics() *Metrics {
	return &Metrics{
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailexchange_connections_total",
			Help: "Total number of accepted SMTP connections",
		}),
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mailexchange_connections_active",
			Help: "Number of SMTP connections being served",
		}),
		ConnectionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailexchange_connection_duration_seconds",
			Help:    "Duration of SMTP connections",
			Buckets: prometheus.DefBuckets,
		}),
		SessionErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailexchange_session_errors_total",
			Help: "Sessions that ended with a transport or protocol error",
		}),
		CommandsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mailexchange_commands_total",
			Help: "Commands received, by verb",
		}, []string{"command"}),
		RepliesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mailexchange_replies_total",
			Help: "Replies sent, by code class",
		}, []string{"class"}),
		MessagesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailexchange_messages_received_total",
			Help: "Messages accepted after DATA",
		}),
		MessageSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailexchange_message_size_bytes",
			Help:    "Size of accepted message bodies",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		}),
		StoreFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailexchange_store_failures_total",
			Help: "Recipients whose copy of a message could not be stored",
		}),
		TLSUpgrades: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailexchange_tls_upgrades_total",
			Help: "Successful STARTTLS upgrades",
		}),
		TLSHandshakeFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailexchange_tls_handshake_failures_total",
			Help: "STARTTLS upgrades that failed",
		}),
	}
}
