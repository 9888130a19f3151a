// Package metrics centralizes the Prometheus collectors every billing-core
// component registers into, so a single registry backs the /metrics
// endpoint exposed via promhttp.HandlerFor on that registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every collector the core components touch. Construct
// once at process startup and pass by reference into component
// constructors, the same way a single zerolog.Logger gets passed around.
type Registry struct {
	WALAppends     *prometheus.CounterVec
	WALCorruptions *prometheus.CounterVec
	WALRotations   prometheus.Counter

	BillingTransitions *prometheus.CounterVec
	PendingCount       prometheus.Gauge

	DLQDepth      prometheus.Gauge
	DLQPoisonSize prometheus.Gauge
	DLQRetries    *prometheus.CounterVec
	DLQPoisoned   prometheus.Counter
	DLQEscalated  prometheus.Counter

	FinalizeOutcomes *prometheus.CounterVec

	VerificationOutcomes *prometheus.CounterVec

	ReconciliationState   *prometheus.GaugeVec
	ReconciliationDrift   prometheus.Gauge
	ReconciliationPolls   *prometheus.CounterVec
}

// New creates and registers every collector against reg. Passing a fresh
// prometheus.NewRegistry() per test avoids the "duplicate metrics
// collector registration" panic that a shared default registry would hit
// across parallel tests.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		WALAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Subsystem: "wal",
			Name:      "appends_total",
			Help:      "WAL records appended, by event_type.",
		}, []string{"event_type"}),

		WALCorruptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Subsystem: "wal",
			Name:      "corrupted_records_total",
			Help:      "WAL records skipped during replay due to corruption, by reason.",
		}, []string{"reason"}),

		WALRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "billing",
			Subsystem: "wal",
			Name:      "segment_rotations_total",
			Help:      "WAL segment rotations.",
		}),

		BillingTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Subsystem: "state_machine",
			Name:      "transitions_total",
			Help:      "Billing state transitions applied, by event_type and outcome.",
		}, []string{"event_type", "outcome"}),

		PendingCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "billing",
			Name:      "pending_count",
			Help:      "Entries currently in FINALIZE_PENDING or FINALIZE_FAILED.",
		}),

		DLQDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "billing",
			Subsystem: "dlq",
			Name:      "depth",
			Help:      "Entries currently pending in the DLQ stream.",
		}),

		DLQPoisonSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "billing",
			Subsystem: "dlq",
			Name:      "poison_size",
			Help:      "Entries currently in the poison stream.",
		}),

		DLQRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Subsystem: "dlq",
			Name:      "retries_total",
			Help:      "DLQ retry attempts, by outcome.",
		}, []string{"outcome"}),

		DLQPoisoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "billing",
			Subsystem: "dlq",
			Name:      "poisoned_total",
			Help:      "Entries moved to the poison stream.",
		}),

		DLQEscalated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "billing",
			Subsystem: "dlq",
			Name:      "escalated_total",
			Help:      "Poison entries that triggered an escalation alert.",
		}),

		FinalizeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Subsystem: "finalize",
			Name:      "outcomes_total",
			Help:      "Finalize call outcomes, by classification.",
		}, []string{"classification"}),

		VerificationOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Subsystem: "payment",
			Name:      "verification_outcomes_total",
			Help:      "Payment verification outcomes, by reason code.",
		}, []string{"reason"}),

		ReconciliationState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "billing",
			Subsystem: "reconciliation",
			Name:      "state",
			Help:      "Current reconciliation state per tenant (1 = active), by tenant and state.",
		}, []string{"tenant", "state"}),

		ReconciliationDrift: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "billing",
			Subsystem: "reconciliation",
			Name:      "last_drift_micro",
			Help:      "Most recently observed drift between local and authority spend, in microdollars.",
		}),

		ReconciliationPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Subsystem: "reconciliation",
			Name:      "polls_total",
			Help:      "Reconciliation polls, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.WALAppends, m.WALCorruptions, m.WALRotations,
		m.BillingTransitions, m.PendingCount,
		m.DLQDepth, m.DLQPoisonSize, m.DLQRetries, m.DLQPoisoned, m.DLQEscalated,
		m.FinalizeOutcomes,
		m.VerificationOutcomes,
		m.ReconciliationState, m.ReconciliationDrift, m.ReconciliationPolls,
	)

	return m
}
