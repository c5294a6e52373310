package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gpuschedd",
			Subsystem: "scheduler",
			Name:      "tasks_submitted_total",
			Help:      "Total number of tasks accepted into the backlog",
		},
	)

	tasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gpuschedd",
			Subsystem: "scheduler",
			Name:      "tasks_completed_total",
			Help:      "Total number of tasks that reached a terminal state",
		},
		[]string{"status"},
	)

	backlogSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gpuschedd",
			Subsystem: "scheduler",
			Name:      "backlog_size",
			Help:      "Number of tasks waiting in the backlog",
		},
	)

	runningTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gpuschedd",
			Subsystem: "scheduler",
			Name:      "running_tasks",
			Help:      "Number of tasks currently executing",
		},
	)
)

func init() {
	prometheus.MustRegister(tasksSubmitted, tasksCompleted, backlogSize, runningTasks)
}
