// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5},
		},
		[]string{"route"},
	)

	// USSDTurns counts gateway replies; reply is "con" or "end".
	USSDTurns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ussd_turns_total",
			Help: "Total number of USSD replies by kind",
		},
		[]string{"reply"},
	)

	ProviderEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_events_total",
			Help: "Total number of provider results by outcome",
		},
		[]string{"event", "outcome"},
	)

	ProviderEventErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "provider_event_errors_total",
			Help: "Total number of provider results that could not be committed",
		},
	)
)
