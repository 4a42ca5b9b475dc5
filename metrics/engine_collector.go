package metrics

import (
	"context"
	"time"

	"github.com/marcelsud/webhook-relay/connection"
	"github.com/marcelsud/webhook-relay/ledger"
)

// LedgerStats is the read side of the delivery ledger used for metrics
type LedgerStats interface {
	Counts() map[ledger.OutcomeKind]int64
	DestinationCounts() map[string]int64
}

// StateSource reports the relay connection state
type StateSource interface {
	Current() connection.State
}

// EngineCollector snapshots a forwarding client
type EngineCollector struct {
	ledger LedgerStats
	state  StateSource
}

func NewEngineCollector(l LedgerStats, state StateSource) *EngineCollector {
	return &EngineCollector{ledger: l, state: state}
}

// Collect never fails; the client's state is all in memory
func (c *EngineCollector) Collect(ctx context.Context) (Metrics, error) {
	outcomes := map[string]int64{
		ledger.Success.String(): 0,
		ledger.Failed.String():  0,
		ledger.Expired.String(): 0,
		ledger.Skipped.String(): 0,
	}
	for kind, n := range c.ledger.Counts() {
		outcomes[kind.String()] = n
	}

	return Metrics{
		ConnectionState:   c.state.Current().Kind.String(),
		OutcomeCounts:     outcomes,
		DestinationCounts: c.ledger.DestinationCounts(),
		Timestamp:         time.Now(),
	}, nil
}
