package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeSent   = "sent"
	OutcomeFailed = "failed"
)

var (
	// ChannelConnections tracks currently open channel connections.
	ChannelConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mailrelay_channel_connections",
		Help: "Number of open request channel connections",
	})
	ChannelRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_channel_requests_total",
		Help: "Total number of request events answered, by response",
	}, []string{"response"})
	ChannelRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_channel_rejected_total",
		Help: "Total number of rejected channel upgrades and frames, by reason",
	}, []string{"reason"})

	DispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_dispatch_total",
		Help: "Total number of dispatches, by provider and outcome",
	}, []string{"provider", "outcome"})
	DispatchFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_dispatch_failures_total",
		Help: "Total number of failed dispatches, by failure kind",
	}, []string{"kind"})
	DispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailrelay_dispatch_duration_seconds",
		Help:    "Time from credentials load to session close",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"provider"})
	DispatchPanics = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailrelay_dispatch_panics_total",
		Help: "Total number of recovered panics in relay sessions",
	})
)

func init() {
	prometheus.MustRegister(ChannelConnections)
	prometheus.MustRegister(ChannelRequests)
	prometheus.MustRegister(ChannelRejected)
	prometheus.MustRegister(DispatchTotal)
	prometheus.MustRegister(DispatchFailures)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(DispatchPanics)
}

// Handler returns an http.Handler exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
