package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(ledgerEntriesTotal, creditsMovedTotal, insufficientCreditsTotal) }

var ledgerEntriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ledger_entries_total",
		Help: "Ledger entries appended, labeled by reason code.",
	},
	[]string{"reason"},
)

var creditsMovedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "credits_moved_total",
		Help: "Absolute credits moved through the ledger per direction.",
	},
	[]string{"direction"}, // 'debit', 'credit'
)

var insufficientCreditsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "insufficient_credits_total",
		Help: "Reservations rejected because the balance was too low.",
	},
)

func IncLedgerEntry(reason string, delta int) {
	ledgerEntriesTotal.WithLabelValues(norm(reason)).Inc()
	if delta < 0 {
		creditsMovedTotal.WithLabelValues("debit").Add(float64(-delta))
	} else {
		creditsMovedTotal.WithLabelValues("credit").Add(float64(delta))
	}
}

func IncInsufficientCredits() { insufficientCreditsTotal.Inc() }
