package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	allocated       prometheus.Counter
	submitted       prometheus.Counter
	finished        *prometheus.CounterVec
	live            prometheus.Gauge
	channelOpens    *prometheus.CounterVec
	channelFailures *prometheus.CounterVec
}

// newMetrics creates transport metrics. Metrics are left unregistered when reg
// is nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		allocated: f.NewCounter(prometheus.CounterOpts{
			Name: "hgfs_requests_allocated_total",
			Help: "Total number of request objects handed out by the pool.",
		}),
		submitted: f.NewCounter(prometheus.CounterOpts{
			Name: "hgfs_requests_submitted_total",
			Help: "Total number of requests submitted for dispatch.",
		}),
		finished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hgfs_requests_finished_total",
			Help: "Total number of requests which reached a terminal state.",
		}, []string{"state"}),
		live: f.NewGauge(prometheus.GaugeOpts{
			Name: "hgfs_requests_live",
			Help: "Number of request objects currently allocated.",
		}),
		channelOpens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hgfs_channel_opens_total",
			Help: "Total number of attempts to open a channel.",
		}, []string{"channel", "result"}),
		channelFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hgfs_channel_failures_total",
			Help: "Total number of times an active channel failed during send.",
		}, []string{"channel"}),
	}
}
