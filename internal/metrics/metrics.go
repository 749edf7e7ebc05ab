package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the engine's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rental_inventory",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rental_inventory",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "route"},
	)

	txAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rental_inventory",
			Subsystem: "tx",
			Name:      "attempts_total",
			Help:      "Serializable transaction attempts by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	reservations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rental_inventory",
			Subsystem: "reservations",
			Name:      "transitions_total",
			Help:      "Reservation state changes.",
		},
		[]string{"status"},
	)

	checkouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rental_inventory",
			Subsystem: "checkout",
			Name:      "results_total",
			Help:      "Checkout attempts by result.",
		},
		[]string{"result"},
	)

	overdueCharged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rental_inventory",
			Subsystem: "overdue",
			Name:      "lines_charged_total",
			Help:      "Overdue lines that received a late fee.",
		},
	)

	overdueFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rental_inventory",
			Subsystem: "overdue",
			Name:      "lines_failed_total",
			Help:      "Overdue lines whose accrual failed.",
		},
	)

	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "rental_inventory",
			Subsystem: "overdue",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of overdue sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	outboxDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rental_inventory",
			Subsystem: "outbox",
			Name:      "dispatched_total",
			Help:      "Outbox deliveries by event type and outcome.",
		},
		[]string{"event_type", "outcome"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rental_inventory",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Advisory availability cache lookups.",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		txAttempts,
		reservations,
		checkouts,
		overdueCharged,
		overdueFailed,
		sweepDuration,
		outboxDispatched,
		cacheLookups,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordTxAttempt counts one transaction attempt. outcome is "committed",
// "retried", "exhausted" or "failed".
func RecordTxAttempt(operation, outcome string) {
	txAttempts.WithLabelValues(operation, outcome).Inc()
}

func RecordReservation(status string) {
	reservations.WithLabelValues(status).Inc()
}

func RecordCheckout(result string) {
	checkouts.WithLabelValues(result).Inc()
}

func RecordSweep(charged, failed int, duration time.Duration) {
	overdueCharged.Add(float64(charged))
	overdueFailed.Add(float64(failed))
	sweepDuration.Observe(duration.Seconds())
}

func RecordOutboxDispatch(eventType string, err error) {
	outcome := "delivered"
	if err != nil {
		outcome = "failed"
	}
	outboxDispatched.WithLabelValues(eventType, outcome).Inc()
}

func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(result).Inc()
}
