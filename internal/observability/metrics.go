// Package observability holds the process-wide Prometheus metrics for
// the relay and its persistence path.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	connectedClients prometheus.Gauge
	activeSessions   prometheus.Gauge

	messagesTotal       *prometheus.CounterVec
	broadcastsTotal     prometheus.Counter
	broadcastRecipients prometheus.Counter
	broadcastFailures   prometheus.Counter

	storeWriteDuration prometheus.Histogram
	storeWriteFailures prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			connectedClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "connected_clients",
					Help: "Current number of live websocket connections.",
				},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Sessions currently held in memory.",
				},
			),
			messagesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "messages_total",
					Help: "Inbound messages by type.",
				},
				[]string{"type"},
			),
			broadcastsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "broadcasts_total",
					Help: "Total broadcast fan-outs.",
				},
			),
			broadcastRecipients: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "broadcast_recipients_total",
					Help: "Total broadcast deliveries attempted.",
				},
			),
			broadcastFailures: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "broadcast_failures_total",
					Help: "Broadcast deliveries that failed.",
				},
			),
			storeWriteDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "store_write_duration_seconds",
					Help:    "Session persistence write duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			storeWriteFailures: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "store_write_failures_total",
					Help: "Session persistence writes that failed or were dropped.",
				},
			),
		}

		prometheus.MustRegister(
			m.connectedClients,
			m.activeSessions,
			m.messagesTotal,
			m.broadcastsTotal,
			m.broadcastRecipients,
			m.broadcastFailures,
			m.storeWriteDuration,
			m.storeWriteFailures,
		)

		metricsInst = m
	})
	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func SetConnectedClients(n int) {
	getMetrics().connectedClients.Set(float64(n))
}

func SetActiveSessions(n int) {
	getMetrics().activeSessions.Set(float64(n))
}

func RecordMessage(msgType string) {
	if msgType == "" {
		msgType = "unknown"
	}
	getMetrics().messagesTotal.WithLabelValues(msgType).Inc()
}

func RecordBroadcast(recipients, failures int) {
	m := getMetrics()
	m.broadcastsTotal.Inc()
	m.broadcastRecipients.Add(float64(recipients))
	m.broadcastFailures.Add(float64(failures))
}

func RecordStoreWrite(d time.Duration) {
	getMetrics().storeWriteDuration.Observe(d.Seconds())
}

func RecordStoreWriteFailure() {
	getMetrics().storeWriteFailures.Inc()
}
