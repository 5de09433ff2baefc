package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deskrelay_deliveries_enqueued_total",
			Help: "Total number of delivery records enqueued.",
		},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_deliveries_total",
			Help: "Total number of delivery attempts that reached a terminal status.",
		},
		[]string{"status"}, // delivered, failed
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_retries_total",
			Help: "Total number of delivery failures by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	DeadLettersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deskrelay_dead_letters_total",
			Help: "Total number of terminally failed deliveries published to the dead-letter topic.",
		},
	)

	SweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_sweeps_total",
			Help: "Total number of scheduler sweeps by result.",
		},
		[]string{"result"}, // ok, skipped, error
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deskrelay_sweep_duration_seconds",
			Help:    "Wall time of one scheduler sweep.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	SweepBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deskrelay_sweep_batch_size",
			Help:    "Number of due records selected per sweep.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EnqueuedTotal,
		DeliveriesTotal,
		RetriesTotal,
		DeadLettersTotal,
		SweepsTotal,
		SweepDuration,
		SweepBatchSize,
	)
}

// RecordEnqueued counts a freshly created delivery record.
func RecordEnqueued() {
	EnqueuedTotal.Inc()
}

// RecordDelivery counts a delivery attempt that reached a terminal status.
func RecordDelivery(status string) {
	DeliveriesTotal.WithLabelValues(status).Inc()
}

// RecordRetry counts a delivery failure by classification reason.
func RecordRetry(reason string) {
	if reason == "" {
		return
	}
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordDeadLetter counts a dead-letter publication.
func RecordDeadLetter() {
	DeadLettersTotal.Inc()
}

// RecordSweep observes one sweep's result, duration, and batch size.
func RecordSweep(result string, dur time.Duration, batch int) {
	SweepsTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		SweepDuration.Observe(dur.Seconds())
		SweepBatchSize.Observe(float64(batch))
	}
}
