package monitoring

import (
	"time"

	"github.com/buildguard/backend/internal/circuitbreaker"
	"github.com/buildguard/backend/internal/ledger"
	"github.com/buildguard/backend/internal/taskqueue"
)

// Snapshot is the point-in-time health record. Building one never mutates
// the observed components, so it is safe to call from any reporting path.
type Snapshot struct {
	Timestamp time.Time                        `json:"timestamp"`
	Breakers  map[string]circuitbreaker.Status `json:"breakers"`
	Queues    map[string]taskqueue.QueueStats  `json:"queues"`
	Ledger    LedgerHealth                     `json:"ledger"`
}

// LedgerHealth is the cost view of the snapshot.
type LedgerHealth struct {
	Totals      ledger.Totals                    `json:"totals"`
	PerAgent    map[string]ledger.AgentBreakdown `json:"per_agent"`
	MeetsTarget bool                             `json:"meets_target"`
}

// Health assembles snapshots from the shared breaker manager, queue manager
// and ledger.
type Health struct {
	breakers      *circuitbreaker.Manager
	queues        *taskqueue.Manager
	ledger        *ledger.Ledger
	budgetPerItem float64
	metrics       *Metrics
}

// NewHealth wires a health surface. metrics may be nil when Prometheus export
// is not wanted.
func NewHealth(breakers *circuitbreaker.Manager, queues *taskqueue.Manager, l *ledger.Ledger, budgetPerItem float64, metrics *Metrics) *Health {
	return &Health{
		breakers:      breakers,
		queues:        queues,
		ledger:        l,
		budgetPerItem: budgetPerItem,
		metrics:       metrics,
	}
}

// Snapshot reads current state from every component and, when metrics are
// configured, refreshes the gauges that mirror it.
func (h *Health) Snapshot() Snapshot {
	snap := Snapshot{
		Timestamp: time.Now().UTC(),
		Breakers:  h.breakers.Stats(),
		Queues:    h.queues.Stats(),
	}

	totals := h.ledger.Aggregate(h.budgetPerItem)
	snap.Ledger = LedgerHealth{
		Totals:      totals,
		PerAgent:    h.ledger.PerAgent(),
		MeetsTarget: totals.MeetsTarget,
	}

	if h.metrics != nil {
		for endpoint, status := range snap.Breakers {
			h.metrics.BreakerState.WithLabelValues(endpoint).Set(breakerStateValue(status.State))
		}
		for name, qs := range snap.Queues {
			h.metrics.QueueDepth.WithLabelValues(name).Set(float64(qs.Depth))
			h.metrics.QueueInFlight.WithLabelValues(name).Set(float64(qs.InFlight))
		}
	}

	return snap
}
