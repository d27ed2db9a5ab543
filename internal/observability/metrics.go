package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "dispatches_total", Help: "Ride dispatch attempts by outcome"},
		[]string{"outcome"}, // offered, no_driver
	)
	AcceptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accepts_total", Help: "Driver acceptance attempts by outcome"},
		[]string{"outcome"}, // won, lost, too_far
	)
	OffersExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_expired_total", Help: "Offer windows that elapsed with no acceptance"})
	RidesCompletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_completed_total", Help: "Rides reaching completed"})
	RidesCancelledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_cancelled_total", Help: "Rides reaching cancelled, by initiating party"},
		[]string{"by"},
	)
	TrackingSamplesTotal = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "tracking_samples_total", Help: "Location samples published through the tracking channel"})
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "sessions_active", Help: "Live websocket sessions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
