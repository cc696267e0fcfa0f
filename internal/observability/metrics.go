// README: Prometheus collectors for dispatch, acceptance and HTTP traffic.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ridehail"

var (
	OffersIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "offers_issued_total", Help: "Driver offers created by dispatch",
	})
	DispatchNoCandidates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "dispatch_no_candidates_total", Help: "Dispatch runs that found no eligible driver",
	})
	NotifyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "offer_notify_failures_total", Help: "Offer notifications that could not be delivered",
	}, []string{"channel"})
	AcceptOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "accept_outcomes_total", Help: "Accept attempts by outcome and reason",
	}, []string{"outcome", "reason"})
	RideTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "ride_transitions_total", Help: "Ride status transitions applied",
	}, []string{"to"})
	LocationUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "driver_location_updates_total", Help: "Driver location samples accepted",
	})
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "match_latency_seconds", Help: "Candidate search latency",
		Buckets: prometheus.DefBuckets,
	})

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
