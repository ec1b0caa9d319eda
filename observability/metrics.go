package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// AuctionMetrics records bid traffic and RPC activity for the auction daemon.
type AuctionMetrics struct {
	bids     *prometheus.CounterVec
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	auctionMetricsOnce sync.Once
	auctionRegistry    *AuctionMetrics
)

// Metrics returns the lazily-initialised metrics registry for the daemon.
func Metrics() *AuctionMetrics {
	auctionMetricsOnce.Do(func() {
		auctionRegistry = &AuctionMetrics{
			bids: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dutchauction",
				Subsystem: "engine",
				Name:      "bids_total",
				Help:      "Total bid attempts segmented by outcome.",
			}, []string{"outcome"}),
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dutchauction",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "dutchauction",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
		}
		prometheus.MustRegister(
			auctionRegistry.bids,
			auctionRegistry.requests,
			auctionRegistry.latency,
		)
	})
	return auctionRegistry
}

// ObserveBid records a bid attempt outcome ("pending", "won", "rejected").
func (m *AuctionMetrics) ObserveBid(outcome string) {
	if m == nil {
		return
	}
	m.bids.WithLabelValues(outcome).Inc()
}

// ObserveRequest records one RPC request with its handler latency.
func (m *AuctionMetrics) ObserveRequest(method, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(time.Since(started).Seconds())
}
