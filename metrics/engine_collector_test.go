package metrics_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcelsud/webhook-relay/connection"
	"github.com/marcelsud/webhook-relay/ledger"
	"github.com/marcelsud/webhook-relay/metrics"
)

type fixedState connection.State

func (s fixedState) Current() connection.State { return connection.State(s) }

func recordAttempt(l *ledger.Ledger, eventID, dest string, n int, outcome ledger.Outcome) {
	now := time.Now()
	l.Record(ledger.Attempt{
		EventID:         eventID,
		DestinationName: dest,
		AttemptNumber:   n,
		StartedAt:       now,
		FinishedAt:      now.Add(10 * time.Millisecond),
		Outcome:         outcome,
	})
}

func TestEngineCollector_Collect(t *testing.T) {
	l := ledger.New(slog.Default())
	t.Cleanup(l.Close)

	state := fixedState{Kind: connection.Connected}
	collector := metrics.NewEngineCollector(l, state)

	t.Run("reports every outcome kind", func(t *testing.T) {
		m, err := collector.Collect(context.Background())
		require.NoError(t, err)

		assert.Equal(t, "connected", m.ConnectionState)
		assert.Equal(t, map[string]int64{"success": 0, "failed": 0, "expired": 0, "skipped": 0}, m.OutcomeCounts)
		assert.Empty(t, m.DestinationCounts)
	})

	t.Run("counts recorded attempts", func(t *testing.T) {
		recordAttempt(l, "evt-1", "billing", 1, ledger.Failure("status 503", 503))
		recordAttempt(l, "evt-1", "billing", 2, ledger.Succeeded(200))
		recordAttempt(l, "evt-1", "audit", 1, ledger.Succeeded(204))

		m, err := collector.Collect(context.Background())
		require.NoError(t, err)

		assert.Equal(t, int64(2), m.OutcomeCounts["success"])
		assert.Equal(t, int64(1), m.OutcomeCounts["failed"])
		assert.Equal(t, int64(2), m.DestinationCounts["billing"])
		assert.Equal(t, int64(1), m.DestinationCounts["audit"])
	})
}
