package engine

import "github.com/prometheus/client_golang/prometheus"

var tasksCreated = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "anvil_tasks_created_total",
		Help: "Tasks created, by kind.",
	},
	[]string{"kind"},
)

var tasksFinished = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "anvil_tasks_finished_total",
		Help: "Tasks settled by an executor, by kind and terminal status.",
	},
	[]string{"kind", "status"},
)

var unitsFinished = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "anvil_task_units_finished_total",
		Help: "Task units settled, by terminal status.",
	},
	[]string{"status"},
)

var lockWait = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "anvil_image_lock_wait_seconds",
		Help:    "Time spent waiting for an image pull lock.",
		Buckets: []float64{0.01, 0.1, 1, 10, 60, 300, 900},
	},
)

func init() {
	prometheus.MustRegister(tasksCreated, tasksFinished, unitsFinished, lockWait)
}
