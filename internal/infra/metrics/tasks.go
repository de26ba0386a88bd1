package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(tasksFinishedTotal, taskDurationSeconds, tasksInFlight, queueDepth) }

var tasksFinishedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tasks_finished_total",
		Help: "Tasks that reached a terminal status, labeled by status.",
	},
	[]string{"status"}, // 'completed', 'failed', 'cancelled'
)

var taskDurationSeconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "task_duration_seconds",
		Help:    "Wall-clock time from task creation to terminal status.",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 900, 1200},
	},
	[]string{"model"},
)

var tasksInFlight = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "tasks_in_flight",
		Help: "Tasks currently running against the provider.",
	},
)

var queueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "task_queue_depth",
		Help: "Task ids waiting in the in-process queue.",
	},
)

func IncTaskFinished(status string) { tasksFinishedTotal.WithLabelValues(norm(status)).Inc() }

func ObserveTaskDuration(model string, seconds float64) {
	taskDurationSeconds.WithLabelValues(norm(model)).Observe(seconds)
}

func AddTasksInFlight(d int) { tasksInFlight.Add(float64(d)) }

func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }
