package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Reconciliation lifecycle metrics
	PurchasesAppliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spacesync_entitlement_changes_applied_total",
			Help: "Total number of entitlement changes committed by source",
		},
		[]string{"source"}, // purchase, adminApproval, restore, manual
	)

	ReconcileFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spacesync_reconcile_failures_total",
			Help: "Total number of reconciliation failures by kind",
		},
		[]string{"kind"}, // unknown_product, backend_unreachable, etc.
	)

	DuplicateTransactionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spacesync_duplicate_transactions_total",
			Help: "Total number of store deliveries skipped as duplicates",
		},
	)

	BackendRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spacesync_backend_retries_total",
			Help: "Total number of backend write retries during reconciliation",
		},
	)

	FinishCallsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spacesync_finish_transaction_calls_total",
			Help: "Total number of finish-transaction acknowledgments sent to the platform store",
		},
	)

	MalformedEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spacesync_malformed_purchase_events_total",
			Help: "Total number of store callbacks discarded for missing product or receipt",
		},
	)

	// Approval tracking metrics
	ApprovalPollsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spacesync_approval_polls_total",
			Help: "Total number of subscription request status polls",
		},
	)

	PendingRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spacesync_pending_requests",
			Help: "Number of subscription requests currently being tracked",
		},
	)

	ReconcileDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spacesync_reconcile_duration_seconds",
			Help:    "Duration of one reconciliation from dequeue to commit or failure",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"source"},
	)
)

// RecordChangeApplied records a committed entitlement change
func RecordChangeApplied(source string, seconds float64) {
	PurchasesAppliedTotal.WithLabelValues(source).Inc()
	ReconcileDurationSeconds.WithLabelValues(source).Observe(seconds)
}

// RecordReconcileFailure records a failed reconciliation by kind
func RecordReconcileFailure(kind string) {
	ReconcileFailuresTotal.WithLabelValues(kind).Inc()
}

// RecordDuplicateSkipped records a duplicate store delivery
func RecordDuplicateSkipped() {
	DuplicateTransactionsTotal.Inc()
}

// RecordBackendRetry records one backend write retry
func RecordBackendRetry() {
	BackendRetriesTotal.Inc()
}

// RecordFinishCall records one finish-transaction acknowledgment
func RecordFinishCall() {
	FinishCallsTotal.Inc()
}

// RecordMalformedEvent records a discarded malformed store callback
func RecordMalformedEvent() {
	MalformedEventsTotal.Inc()
}

// RecordApprovalPoll records one status poll
func RecordApprovalPoll() {
	ApprovalPollsTotal.Inc()
}
