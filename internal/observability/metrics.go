package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsql_http_requests_total",
			Help: "Total number of HTTP requests by route pattern and status class.",
		},
		[]string{"method", "route", "class"},
	)

	// Streamed responses stay open for as long as the client listens, so
	// they are counted but kept out of the latency histogram.
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsql_http_request_duration_seconds",
			Help:    "Latency of non-streaming HTTP requests by route pattern.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "route"},
	)

	httpStreamsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsql_http_streams_open",
			Help: "Current number of open session event streams.",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDurationSeconds, httpStreamsOpen)
}

// statusClass folds a status code into its class, so 404 becomes "4xx".
func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}

func observeHTTPRequest(method, route string, status int, elapsed time.Duration, streamed bool) {
	httpRequestsTotal.WithLabelValues(method, route, statusClass(status)).Inc()
	if !streamed {
		httpRequestDurationSeconds.WithLabelValues(method, route).Observe(elapsed.Seconds())
	}
}

func AddHTTPStreamsOpen(delta int) {
	httpStreamsOpen.Add(float64(delta))
}
