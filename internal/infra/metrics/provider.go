package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(providerCallsTotal, providerCallLatencyMs) }

var providerCallsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "provider_calls_total",
		Help: "Outbound provider calls by operation and outcome.",
	},
	[]string{"op", "outcome"}, // op: 'submit'|'poll'; outcome: 'ok'|'rejected'|'unavailable'
)

var providerCallLatencyMs = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "provider_call_latency_ms",
		Help:    "Provider call latency distribution in milliseconds.",
		Buckets: []float64{10, 25, 50, 100, 200, 400, 800, 1600, 3000, 5000},
	},
	[]string{"op", "success"},
)

func IncProviderCall(op, outcome string) {
	providerCallsTotal.WithLabelValues(norm(op), norm(outcome)).Inc()
}

func ObserveProviderLatency(op string, latencyMs int, success bool) {
	providerCallLatencyMs.WithLabelValues(norm(op), strconv.FormatBool(success)).
		Observe(float64(latencyMs))
}
