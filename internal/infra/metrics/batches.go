package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(batchesCreatedTotal, batchCreateRejectedTotal) }

var batchesCreatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "batches_created_total",
		Help: "Batches created, labeled by model.",
	},
	[]string{"model"},
)

var batchCreateRejectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "batch_create_rejected_total",
		Help: "Batch creations rejected before any side effect.",
	},
	[]string{"cause"}, // 'validation', 'rate_limit', 'insufficient_credits'
)

func IncBatchCreated(model string) { batchesCreatedTotal.WithLabelValues(norm(model)).Inc() }

func IncBatchCreateRejected(cause string) {
	batchCreateRejectedTotal.WithLabelValues(norm(cause)).Inc()
}
