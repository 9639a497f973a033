package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinicqueue_operations_total",
			Help: "Queue operations by outcome",
		},
		[]string{"operation", "service_type", "outcome"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clinicqueue_operation_duration_seconds",
			Help:    "Duration of queue operations including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	conflictRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinicqueue_conflict_retries_total",
			Help: "Operations re-run after a concurrent update conflict",
		},
		[]string{"operation"},
	)

	waitingTickets = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clinicqueue_waiting_tickets",
			Help: "Tickets waiting today per service type",
		},
		[]string{"service_type"},
	)

	acceptingGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clinicqueue_accepting",
			Help: "1 when the queue accepts new tickets",
		},
	)

	archivedTickets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinicqueue_archived_tickets_total",
			Help: "Tickets moved from the live store into the archive",
		},
		[]string{"result"},
	)

	changeSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clinicqueue_change_subscribers",
			Help: "Observers currently subscribed to queue changes",
		},
	)
)

func ObserveOperation(operation, serviceType, outcome string, started time.Time) {
	queueOperations.WithLabelValues(operation, serviceType, outcome).Inc()
	operationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func ConflictRetry(operation string) {
	conflictRetries.WithLabelValues(operation).Inc()
}

func SetWaiting(serviceType string, count int) {
	waitingTickets.WithLabelValues(serviceType).Set(float64(count))
}

func SetAccepting(accepting bool) {
	if accepting {
		acceptingGauge.Set(1)
		return
	}
	acceptingGauge.Set(0)
}

func Archived(archived, skipped, deleted int) {
	archivedTickets.WithLabelValues("archived").Add(float64(archived))
	archivedTickets.WithLabelValues("skipped").Add(float64(skipped))
	archivedTickets.WithLabelValues("deleted").Add(float64(deleted))
}

func SubscriberAdded() {
	changeSubscribers.Inc()
}

func SubscriberRemoved() {
	changeSubscribers.Dec()
}
