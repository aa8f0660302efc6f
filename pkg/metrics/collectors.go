package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hitrack_scanner"

var (
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_total",
		Help:      "Finished task invocations by type and result status.",
	}, []string{"type", "status"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Wall time of task invocations by type.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 3600},
	}, []string{"type"})

	reconciledRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconciled_rows_total",
		Help:      "Rows written by the reconciliation engine by kind.",
	}, []string{"kind"})

	intelCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "intel_source_calls_total",
		Help:      "Calls to vulnerability intelligence sources by source and outcome.",
	}, []string{"source", "outcome"})

	upstreamLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_lookups_total",
		Help:      "Latest version lookups by ecosystem and outcome.",
	}, []string{"ecosystem", "outcome"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Tasks waiting in the ready list and in the delayed set.",
	}, []string{"queue"})
)

func ObserveTask(taskType, status string, elapsed time.Duration) {
	tasksTotal.WithLabelValues(taskType, status).Inc()
	taskDuration.WithLabelValues(taskType).Observe(elapsed.Seconds())
}

func AddReconciledRows(kind string, n int) {
	if n > 0 {
		reconciledRows.WithLabelValues(kind).Add(float64(n))
	}
}

func IncIntelCall(source string, err error) {
	intelCalls.WithLabelValues(source, outcome(err)).Inc()
}

func IncUpstreamLookup(ecosystem string, err error) {
	upstreamLookups.WithLabelValues(ecosystem, outcome(err)).Inc()
}

func SetQueueDepth(queue string, depth int64) {
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
