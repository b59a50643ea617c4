package delivery

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// Metrics holds the Prometheus metrics for outbound delivery
type Metrics struct {
	SendsTotal      *prometheus.CounterVec
	AttemptsTotal   *prometheus.CounterVec
	SendDuration    prometheus.Histogram
	ConnectFailures prometheus.Counter
	TLSUpgrades     prometheus.Counter
	TLSRefused      prometheus.Counter
}

// GetMetrics returns the singleton metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			SendsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "mailexchange_delivery_sends_total",
				Help: "Outbound sends by result",
			}, []string{"result"}),
			AttemptsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "mailexchange_delivery_attempts_total",
				Help: "Outbound delivery attempts by result",
			}, []string{"result"}),
			SendDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "mailexchange_delivery_send_duration_seconds",
				Help:    "Time spent in one send including retries",
				Buckets: prometheus.DefBuckets,
			}),
			ConnectFailures: promauto.NewCounter(prometheus.CounterOpts{
				Name: "mailexchange_delivery_connect_failures_total",
				Help: "Attempts that could not reach any mail server",
			}),
			TLSUpgrades: promauto.NewCounter(prometheus.CounterOpts{
				Name: "mailexchange_delivery_tls_upgrades_total",
				Help: "Successful client STARTTLS upgrades",
			}),
			TLSRefused: promauto.NewCounter(prometheus.CounterOpts{
				Name: "mailexchange_delivery_tls_refused_total",
				Help: "STARTTLS commands answered without 220",
			}),
		}
	})
	return metricsInstance
}
