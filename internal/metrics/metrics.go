package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Stage rows changed by cascades and single-stage updates.
	StageTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reskin_stage_transitions_total",
			Help: "Stage rows moved by cascades and status updates",
		},
		[]string{"action"}, // activated, deactivated, status
	)

	// Document number allocation attempts.
	NumberAllocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reskin_number_allocations_total",
			Help: "Offer and invoice number allocation outcomes",
		},
		[]string{"kind", "outcome"}, // outcome: ok, collision, exhausted
	)

	// Invoice payment state machine transitions.
	PaymentTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reskin_payment_transitions_total",
			Help: "Invoice payment transitions by name and result",
		},
		[]string{"transition", "result"}, // result: ok, rejected
	)

	// Approval responses.
	ApprovalResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reskin_approval_responses_total",
			Help: "Approval responses by status",
		},
		[]string{"status"},
	)

	// Side effects that failed without failing the operation.
	BestEffortFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reskin_best_effort_failures_total",
			Help: "Logged and swallowed failures of best-effort work",
		},
		[]string{"component"}, // notify, audit, invoice, project_status
	)

	OfferIssueDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reskin_offer_issue_duration_seconds",
			Help:    "Time to issue an offer with its invoices",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reskin_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)
)

func RecordStageTransitions(action string, n int) {
	if n > 0 {
		StageTransitions.WithLabelValues(action).Add(float64(n))
	}
}

func RecordAllocation(kind, outcome string) {
	NumberAllocations.WithLabelValues(kind, outcome).Inc()
}

func RecordPayment(transition string, ok bool) {
	result := "ok"
	if !ok {
		result = "rejected"
	}
	PaymentTransitions.WithLabelValues(transition, result).Inc()
}

func RecordApprovalResponse(status string) {
	ApprovalResponses.WithLabelValues(status).Inc()
}

func RecordBestEffortFailure(component string) {
	BestEffortFailures.WithLabelValues(component).Inc()
}

func RecordOfferIssue(d time.Duration) {
	OfferIssueDuration.Observe(d.Seconds())
}

func RecordHTTPRequest(method, path, status string, d time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(d.Seconds())
}
