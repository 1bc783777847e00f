package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_runs_total",
			Help: "Total number of analysis runs by outcome",
		},
		[]string{"outcome"},
	)
	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analysis_run_duration_seconds",
			Help:    "End-to-end analysis run duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	StreamEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_stream_events_total",
			Help: "Total number of decoded stream events by kind",
		},
		[]string{"kind"},
	)
	StreamMalformedLinesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "analysis_stream_malformed_lines_total",
			Help: "Total number of stream lines discarded as malformed",
		},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"endpoint"},
	)
)

// Register registers all collectors on the given registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		RunsTotal,
		RunDuration,
		StreamEventsTotal,
		StreamMalformedLinesTotal,
		APIRequestsTotal,
		APIRequestDuration,
	)
}
