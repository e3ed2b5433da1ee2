package receipts

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	receiptsStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pathwell",
		Subsystem: "receipt_store",
		Name:      "receipts_stored_total",
		Help:      "Receipts persisted, by contract version.",
	}, []string{"version"})

	streamFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pathwell",
		Subsystem: "receipt_store",
		Name:      "stream_publish_failures_total",
		Help:      "Best-effort stream publishes that failed.",
	})

	archiveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pathwell",
		Subsystem: "receipt_store",
		Name:      "archive_failures_total",
		Help:      "Best-effort archive writes that failed.",
	})

	externalEventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pathwell",
		Subsystem: "receipt_store",
		Name:      "external_events_ingested_total",
		Help:      "External events accepted for timeline merging.",
	})

	tracesFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pathwell",
		Subsystem: "receipt_store",
		Name:      "traces_finalized_total",
		Help:      "Idle traces marked completed by the finalizer.",
	})
)
