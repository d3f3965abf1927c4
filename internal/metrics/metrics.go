// Package metrics holds the Prometheus collectors for the archiver. The set
// is constructed once at startup against an injected Registerer; nothing
// registers on the global default.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set bundles every collector the service exports.
type Set struct {
	// pipeline outcomes
	ProcessedTotal prometheus.Counter
	FailedTotal    prometheus.Counter
	SkippedTotal   *prometheus.CounterVec // label: reason

	// queue lifecycle
	QueueEnqueuedTotal  prometheus.Counter
	QueueProcessedTotal prometheus.Counter
	QueueRetriedTotal   prometheus.Counter
	QueueFailedTotal    prometheus.Counter
	QueueDLQTotal       prometheus.Counter

	// stage durations
	RenderSeconds prometheus.Histogram
	SignSeconds   prometheus.Histogram
	TotalSeconds  prometheus.Histogram
}

// New builds and registers the collector set. Pass a fresh
// prometheus.NewRegistry() in tests to keep them isolated.
func New(reg prometheus.Registerer) *Set {
	factory := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}
	histogram := func(name, help string) prometheus.Histogram {
		h := prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    name,
			Help:    help,
			Buckets: prometheus.DefBuckets,
		})
		reg.MustRegister(h)
		return h
	}

	skipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zammad_archiver_skipped_total",
		Help: "Tickets skipped before processing, by reason.",
	}, []string{"reason"})
	reg.MustRegister(skipped)

	return &Set{
		ProcessedTotal: factory("zammad_archiver_processed_total",
			"Tickets archived successfully."),
		FailedTotal: factory("zammad_archiver_failed_total",
			"Ticket runs that ended in an error."),
		SkippedTotal: skipped,

		QueueEnqueuedTotal: factory("zammad_archiver_queue_enqueued_total",
			"Jobs enqueued onto the Redis stream."),
		QueueProcessedTotal: factory("zammad_archiver_queue_processed_total",
			"Queue jobs acknowledged after processing."),
		QueueRetriedTotal: factory("zammad_archiver_queue_retried_total",
			"Queue jobs re-enqueued for a retry attempt."),
		QueueFailedTotal: factory("zammad_archiver_queue_failed_total",
			"Queue jobs whose processing attempt failed."),
		QueueDLQTotal: factory("zammad_archiver_queue_dlq_total",
			"Queue jobs moved to the dead-letter stream."),

		RenderSeconds: histogram("zammad_archiver_render_seconds",
			"PDF render duration."),
		SignSeconds: histogram("zammad_archiver_sign_seconds",
			"PDF signing duration."),
		TotalSeconds: histogram("zammad_archiver_total_seconds",
			"End-to-end ticket processing duration."),
	}
}

// Skip reason labels used with SkippedTotal.
const (
	SkipReasonNoTicketID        = "no_ticket_id"
	SkipReasonDuplicateDelivery = "duplicate_delivery"
	SkipReasonTicketLocked      = "ticket_locked"
	SkipReasonTagGate           = "tag_gate"
	SkipReasonShutdown          = "shutdown"
)
