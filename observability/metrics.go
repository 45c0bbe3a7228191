package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	conditionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowflow",
			Subsystem: "condition",
			Name:      "transitions_total",
			Help:      "Condition state transitions by resulting state.",
		},
		[]string{"state"},
	)
	escrowSettlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowflow",
			Subsystem: "escrow",
			Name:      "settlements_total",
			Help:      "Escrow settlements by outcome.",
		},
		[]string{"outcome"},
	)
	agreementsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowflow",
			Subsystem: "agreement",
			Name:      "created_total",
			Help:      "Agreements created by template.",
		},
		[]string{"template"},
	)
	outboxDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowflow",
			Subsystem: "outbox",
			Name:      "deliveries_total",
			Help:      "Outbox delivery attempts by topic and result.",
		},
		[]string{"topic", "success"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowflow",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrowflow",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			conditionTransitions,
			escrowSettlements,
			agreementsCreated,
			outboxDeliveries,
			httpRequests,
			httpDuration,
		)
	})
}

func RecordConditionTransition(state string) {
	RegisterMetrics()
	conditionTransitions.WithLabelValues(state).Inc()
}

func RecordEscrowSettlement(outcome string) {
	RegisterMetrics()
	escrowSettlements.WithLabelValues(outcome).Inc()
}

func RecordAgreementCreated(template string) {
	RegisterMetrics()
	agreementsCreated.WithLabelValues(template).Inc()
}

func RecordOutboxDelivery(topic string, success bool) {
	RegisterMetrics()
	outboxDeliveries.WithLabelValues(topic, strconv.FormatBool(success)).Inc()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
