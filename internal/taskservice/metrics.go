package taskservice

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// pendingTasks tracks queued plus running tasks.
	// Labels: service
	pendingTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lodterrain",
		Subsystem: "taskservice",
		Name:      "pending_tasks",
		Help:      "Tasks queued or running per task service",
	}, []string{"service"})

	// serviceThreads tracks the configured worker count.
	// Labels: service
	serviceThreads = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lodterrain",
		Subsystem: "taskservice",
		Name:      "threads",
		Help:      "Configured worker count per task service",
	}, []string{"service"})

	// taskOutcomes counts finished tasks.
	// Labels: service, outcome (ok, failed, expired)
	taskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lodterrain",
		Subsystem: "taskservice",
		Name:      "tasks_total",
		Help:      "Finished tasks by outcome",
	}, []string{"service", "outcome"})
)
