// Package metrics exposes process-local prometheus collectors, scraped from
// the status server. The persisted timing breakdown on each decision row
// remains the source of record; these are operational aggregates only.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DecisionsTotal counts decisions by result (EXECUTE/SKIP/BLOCK).
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sanad",
		Name:      "decisions_total",
		Help:      "Decisions recorded, by result",
	}, []string{"result"})

	// GateBlocksTotal counts policy blocks by the failing gate.
	GateBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sanad",
		Name:      "gate_blocks_total",
		Help:      "Policy gate blocks, by gate name",
	}, []string{"gate"})

	// DecisionDuration observes end-to-end fast-path latency.
	DecisionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sanad",
		Name:      "decision_duration_seconds",
		Help:      "Fast decision path duration",
		Buckets:   prometheus.DefBuckets,
	})

	// TasksClaimedTotal counts won async-task claims.
	TasksClaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sanad",
		Name:      "tasks_claimed_total",
		Help:      "Async analysis tasks claimed by this worker",
	})

	// TaskFailuresTotal counts failed async-task attempts.
	TaskFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sanad",
		Name:      "task_failures_total",
		Help:      "Failed async analysis attempts",
	})

	// LearningOutcomesTotal counts learning-loop outcomes by disposition.
	LearningOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sanad",
		Name:      "learning_outcomes_total",
		Help:      "Learning loop outcomes, by disposition (applied/skipped)",
	}, []string{"disposition"})
)
