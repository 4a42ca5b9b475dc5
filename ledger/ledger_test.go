package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/marcelsud/webhook-relay/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func attempt(eventID, dest string, n int, outcome ledger.Outcome) ledger.Attempt {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	return ledger.Attempt{
		EventID:         eventID,
		DestinationName: dest,
		AttemptNumber:   n,
		StartedAt:       start,
		FinishedAt:      start.Add(15 * time.Millisecond),
		Outcome:         outcome,
	}
}

func TestRecord(t *testing.T) {
	t.Run("records and orders attempts by number", func(t *testing.T) {
		l := ledger.New(nil)

		assert.True(t, l.Record(attempt("ev-1", "api", 2, ledger.Succeeded(200))))
		assert.True(t, l.Record(attempt("ev-1", "api", 1, ledger.Failure("status 503", 503))))

		got := l.AttemptsFor("ev-1")
		require.Len(t, got, 2)
		assert.Equal(t, 1, got[0].AttemptNumber)
		assert.Equal(t, 2, got[1].AttemptNumber)
		assert.Equal(t, 15*time.Millisecond, got[0].Duration())
	})

	t.Run("same key twice is a no-op", func(t *testing.T) {
		l := ledger.New(nil)

		assert.True(t, l.Record(attempt("ev-1", "api", 1, ledger.Succeeded(200))))
		assert.False(t, l.Record(attempt("ev-1", "api", 1, ledger.Failure("boom", 0))))

		assert.Equal(t, 1, l.Len())
		assert.Equal(t, ledger.Success, l.AttemptsFor("ev-1")[0].Outcome.Kind)
		assert.Equal(t, int64(1), l.Counts()[ledger.Success])
		assert.Zero(t, l.Counts()[ledger.Failed])
	})

	t.Run("invalid attempts are rejected", func(t *testing.T) {
		l := ledger.New(nil)

		assert.False(t, l.Record(attempt("", "api", 1, ledger.Succeeded(200))))
		assert.False(t, l.Record(attempt("ev-1", "api", 0, ledger.Succeeded(200))))
		assert.False(t, l.Record(attempt("ev-1", "api", 1, ledger.Outcome{})))
		assert.Zero(t, l.Len())
	})

	t.Run("skipped attempt may have no destination", func(t *testing.T) {
		l := ledger.New(nil)

		assert.True(t, l.Record(attempt("ev-1", "", 1, ledger.Skip(ledger.ReasonNoMatchingRule))))
		got := l.AttemptsFor("ev-1")
		require.Len(t, got, 1)
		assert.Equal(t, "skipped(no matching rule)", got[0].Outcome.String())
	})

	t.Run("event ids keep first-recorded order", func(t *testing.T) {
		l := ledger.New(nil)

		l.Record(attempt("ev-b", "api", 1, ledger.Succeeded(200)))
		l.Record(attempt("ev-a", "api", 1, ledger.Succeeded(200)))
		l.Record(attempt("ev-b", "api", 2, ledger.Succeeded(200)))

		assert.Equal(t, []string{"ev-b", "ev-a"}, l.EventIDs())
		assert.Equal(t, map[string]int64{"api": 3}, l.DestinationCounts())
	})

	t.Run("concurrent writers", func(t *testing.T) {
		l := ledger.New(nil)

		var wg sync.WaitGroup
		for i := 1; i <= 50; i++ {
			wg.Add(2)
			go func(n int) {
				defer wg.Done()
				l.Record(attempt("ev-1", "api", n, ledger.Succeeded(200)))
			}(i)
			go func(n int) {
				defer wg.Done()
				l.Record(attempt("ev-1", "api", n, ledger.Succeeded(200)))
			}(i)
		}
		wg.Wait()

		got := l.AttemptsFor("ev-1")
		require.Len(t, got, 50)
		for i, a := range got {
			assert.Equal(t, i+1, a.AttemptNumber)
		}
	})
}

func TestReserve(t *testing.T) {
	l := ledger.New(nil)

	assert.True(t, l.Reserve("ev-1", "api"))
	assert.False(t, l.Reserve("ev-1", "api"))
	assert.True(t, l.Reserve("ev-1", "audit"))

	l.Release("ev-1", "audit")
	assert.True(t, l.Reserve("ev-1", "audit"))

	l.Record(attempt("ev-1", "api", 1, ledger.Succeeded(200)))
	l.Release("ev-1", "api")
	assert.False(t, l.Reserve("ev-1", "api"), "a pair with attempts stays reserved")

	l.Record(attempt("ev-2", "api", 1, ledger.Succeeded(200)))
	assert.False(t, l.Reserve("ev-2", "api"), "recording marks the pair as known")

	l.Clear()
	assert.True(t, l.Reserve("ev-1", "api"))
	assert.Zero(t, l.Len())
	assert.Empty(t, l.EventIDs())
}

func TestSuppress(t *testing.T) {
	l := ledger.New(nil)
	require.True(t, l.Reserve("ev-1", "api"))

	l.Suppress("ev-1", "api")
	l.Suppress("ev-1", "api")
	assert.Equal(t, 2, l.Suppressed("ev-1", "api"))
	assert.Zero(t, l.Suppressed("ev-1", "audit"))
	assert.Zero(t, l.Len(), "suppressed duplicates are not attempts")

	assert.True(t, l.Record(attempt("ev-1", "api", 1, ledger.Succeeded(200))), "attempt #1 stays free for the running delivery")
	got := l.AttemptsFor("ev-1")
	require.Len(t, got, 1)
	assert.Equal(t, ledger.Succeeded(200), got[0].Outcome)

	l.Clear()
	assert.Zero(t, l.Suppressed("ev-1", "api"))
}

func TestSubscribe(t *testing.T) {
	t.Run("delivers attempts in recording order", func(t *testing.T) {
		l := ledger.New(nil)
		ch, cancel := l.Subscribe()
		defer cancel()

		for i := 1; i <= 100; i++ {
			l.Record(attempt("ev-1", "api", i, ledger.Succeeded(200)))
		}

		for i := 1; i <= 100; i++ {
			select {
			case a := <-ch:
				assert.Equal(t, i, a.AttemptNumber)
			case <-time.After(time.Second):
				t.Fatalf("timed out waiting for attempt %d", i)
			}
		}
	})

	t.Run("duplicate records are not streamed", func(t *testing.T) {
		l := ledger.New(nil)
		ch, cancel := l.Subscribe()
		defer cancel()

		l.Record(attempt("ev-1", "api", 1, ledger.Succeeded(200)))
		l.Record(attempt("ev-1", "api", 1, ledger.Succeeded(200)))
		l.Record(attempt("ev-2", "api", 1, ledger.Succeeded(200)))

		first := <-ch
		second := <-ch
		assert.Equal(t, "ev-1", first.EventID)
		assert.Equal(t, "ev-2", second.EventID)
	})

	t.Run("cancel closes the channel", func(t *testing.T) {
		l := ledger.New(nil)
		ch, cancel := l.Subscribe()
		assert.Equal(t, 1, l.Subscribers())

		cancel()
		cancel()

		assert.Eventually(t, func() bool {
			select {
			case _, ok := <-ch:
				return !ok
			default:
				return false
			}
		}, time.Second, 5*time.Millisecond)
		assert.Zero(t, l.Subscribers())
	})

	t.Run("slow subscriber does not block writers", func(t *testing.T) {
		l := ledger.New(nil)
		_, cancel := l.Subscribe()
		defer cancel()

		done := make(chan struct{})
		go func() {
			for i := 1; i <= 1000; i++ {
				l.Record(attempt("ev-1", "api", i, ledger.Succeeded(200)))
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("writers blocked by an idle subscriber")
		}
		assert.Equal(t, 1000, l.Len())
	})

	t.Run("close ends all subscriptions", func(t *testing.T) {
		l := ledger.New(nil)
		ch1, _ := l.Subscribe()
		ch2, _ := l.Subscribe()

		l.Close()

		for _, ch := range []<-chan ledger.Attempt{ch1, ch2} {
			assert.Eventually(t, func() bool {
				_, ok := <-ch
				return !ok
			}, time.Second, 5*time.Millisecond)
		}
	})
}

type archiveFunc func(ctx context.Context, a ledger.Attempt) error

func (f archiveFunc) Archive(ctx context.Context, a ledger.Attempt) error { return f(ctx, a) }

func TestArchive(t *testing.T) {
	var mu sync.Mutex
	var archived []ledger.Key

	l := ledger.New(nil).WithArchive(archiveFunc(func(_ context.Context, a ledger.Attempt) error {
		mu.Lock()
		defer mu.Unlock()
		archived = append(archived, a.Key())
		if a.AttemptNumber == 2 {
			return errors.New("store unavailable")
		}
		return nil
	}))

	assert.True(t, l.Record(attempt("ev-1", "api", 1, ledger.Failure("status 500", 500))))
	assert.True(t, l.Record(attempt("ev-1", "api", 2, ledger.Succeeded(200))), "archive errors do not fail recording")
	l.Record(attempt("ev-1", "api", 2, ledger.Succeeded(200)))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, archived, 2)
}

func TestOutcomeKind(t *testing.T) {
	for _, k := range []ledger.OutcomeKind{ledger.Success, ledger.Failed, ledger.Expired, ledger.Skipped} {
		assert.Equal(t, k, ledger.NewOutcomeKind(k.String()))
		assert.NoError(t, k.Validate())
	}
	assert.Error(t, ledger.OutcomeKind(0).Validate())
	assert.Equal(t, "unknown", ledger.OutcomeKind(9).String())
}
