package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trapper_tasks_enqueued_total",
		Help: "Tasks added to the queue.",
	}, []string{"kind"})

	tasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trapper_tasks_finished_total",
		Help: "Tasks that reached a final state.",
	}, []string{"kind", "state"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trapper_task_duration_seconds",
		Help:    "Time spent running a task.",
		Buckets: prometheus.ExponentialBuckets(0.05, 4, 8),
	}, []string{"kind"})
)
