package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	proxiedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pathwell",
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Proxied requests by pipeline outcome.",
	}, []string{"outcome"}) // forwarded | identity_denied | policy_denied | error

	upstreamDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pathwell",
		Subsystem: "gateway",
		Name:      "upstream_duration_seconds",
		Help:      "Latency of forwarded upstream requests.",
		Buckets:   prometheus.DefBuckets,
	})

	identityCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pathwell",
		Subsystem: "gateway",
		Name:      "identity_cache_hits_total",
		Help:      "Agent validations served from the Redis cache.",
	})

	receiptSubmitFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pathwell",
		Subsystem: "gateway",
		Name:      "receipt_submit_failures_total",
		Help:      "Fire-and-forget receipt submissions that failed.",
	})
)
