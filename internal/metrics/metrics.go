// Package metrics defines the pipeline's prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsEnqueued counts accepted operation requests by kind.
	OperationsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prearchive_operations_enqueued_total",
		Help: "Operation requests accepted into the queue.",
	}, []string{"operation"})

	// OperationsCompleted counts terminal worker outcomes by kind and result.
	OperationsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prearchive_operations_completed_total",
		Help: "Operation requests finished by a worker.",
	}, []string{"operation", "result"})

	// GateRejections counts transitions refused because the session was
	// already in-flight.
	GateRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prearchive_gate_rejections_total",
		Help: "Status transitions rejected by the gate.",
	})

	// ReaperResets counts stale in-flight sessions force-reset by the sweep.
	ReaperResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prearchive_reaper_resets_total",
		Help: "Stale in-flight sessions reset to ERROR by the lease reaper.",
	})

	// AnonymizationFailures counts archives committed despite a failed
	// de-identification pass.
	AnonymizationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prearchive_anonymization_failures_total",
		Help: "Archive commits that proceeded after anonymization failed.",
	})
)
