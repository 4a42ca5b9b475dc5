package ledger

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Archive receives every newly recorded attempt, e.g. to mirror it into a key-value store.
// Implementations must be safe for concurrent use.
type Archive interface {
	Archive(ctx context.Context, attempt Attempt) error
}

type pair struct {
	eventID     string
	destination string
}

/* Ledger owns every delivery attempt of the session
 * Record is idempotent per (event, destination, attempt number)
 * Reserve is the duplicate guard used before a first attempt is dispatched
 * Suppressed duplicates are counted apart from attempts and never take an attempt number
 */
type Ledger struct {
	mu         sync.Mutex
	attempts   map[Key]Attempt
	byEvent    map[string][]Attempt
	order      []string
	reserved   map[pair]struct{}
	suppressed map[pair]int
	counts     map[OutcomeKind]int64

	subs    map[int]*subscription
	nextSub int

	archive        Archive
	archiveTimeout time.Duration
	logger         *slog.Logger
}

// New creates an empty ledger
func New(logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		attempts:       make(map[Key]Attempt),
		byEvent:        make(map[string][]Attempt),
		reserved:       make(map[pair]struct{}),
		suppressed:     make(map[pair]int),
		counts:         make(map[OutcomeKind]int64),
		subs:           make(map[int]*subscription),
		archiveTimeout: 2 * time.Second,
		logger:         logger,
	}
}

// WithArchive mirrors every recorded attempt into archive
func (l *Ledger) WithArchive(archive Archive) *Ledger {
	l.archive = archive
	return l
}

// Record adds an attempt. Re-recording an existing key is a no-op and returns false.
func (l *Ledger) Record(a Attempt) bool {
	if err := a.Validate(); err != nil {
		l.logger.Warn("ledger: rejected attempt", "event_id", a.EventID, "destination", a.DestinationName, "error", err)
		return false
	}

	l.mu.Lock()
	key := a.Key()
	if _, exists := l.attempts[key]; exists {
		l.mu.Unlock()
		return false
	}

	l.attempts[key] = a
	if _, seen := l.byEvent[a.EventID]; !seen {
		l.order = append(l.order, a.EventID)
	}
	l.byEvent[a.EventID] = insertSorted(l.byEvent[a.EventID], a)
	l.reserved[pair{a.EventID, a.DestinationName}] = struct{}{}
	l.counts[a.Outcome.Kind]++

	for _, s := range l.subs {
		s.push(a)
	}
	l.mu.Unlock()

	l.logger.Debug("ledger: attempt recorded",
		"event_id", a.EventID,
		"destination", a.DestinationName,
		"attempt", a.AttemptNumber,
		"outcome", a.Outcome.String(),
	)

	if l.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), l.archiveTimeout)
		if err := l.archive.Archive(ctx, a); err != nil {
			l.logger.Warn("ledger: archive failed", "event_id", a.EventID, "error", err)
		}
		cancel()
	}
	return true
}

// Reserve claims the (event, destination) pair for a first dispatch.
// It returns false when the pair was reserved before or already has attempts.
func (l *Ledger) Reserve(eventID, destination string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := pair{eventID, destination}
	if _, taken := l.reserved[p]; taken {
		return false
	}
	l.reserved[p] = struct{}{}
	return true
}

// Release gives back a reservation that never produced an attempt
func (l *Ledger) Release(eventID, destination string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, a := range l.byEvent[eventID] {
		if a.DestinationName == destination {
			return
		}
	}
	delete(l.reserved, pair{eventID, destination})
}

// Suppress counts a redelivery of a pair that was already reserved. Attempts are left untouched.
func (l *Ledger) Suppress(eventID, destination string) {
	l.mu.Lock()
	l.suppressed[pair{eventID, destination}]++
	l.mu.Unlock()

	l.logger.Debug("ledger: duplicate suppressed", "event_id", eventID, "destination", destination, "reason", ReasonDuplicate)
}

// Suppressed returns how many redeliveries of the pair were suppressed
func (l *Ledger) Suppressed(eventID, destination string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.suppressed[pair{eventID, destination}]
}

// AttemptsFor returns the attempts of one event ordered by attempt number
func (l *Ledger) AttemptsFor(eventID string) []Attempt {
	l.mu.Lock()
	defer l.mu.Unlock()

	src := l.byEvent[eventID]
	out := make([]Attempt, len(src))
	copy(out, src)
	return out
}

// EventIDs returns every event id with attempts, in first-recorded order
func (l *Ledger) EventIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, len(l.order))
	copy(out, l.order)
	return out
}

// Len returns the number of recorded attempts
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.attempts)
}

// Counts returns the number of attempts per outcome kind
func (l *Ledger) Counts() map[OutcomeKind]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[OutcomeKind]int64, len(l.counts))
	for k, v := range l.counts {
		out[k] = v
	}
	return out
}

// DestinationCounts returns the number of attempts per destination name
func (l *Ledger) DestinationCounts() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]int64)
	for k := range l.attempts {
		out[k.Destination]++
	}
	return out
}

// Clear forgets every attempt and reservation. Subscriptions stay open.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.attempts = make(map[Key]Attempt)
	l.byEvent = make(map[string][]Attempt)
	l.order = nil
	l.reserved = make(map[pair]struct{})
	l.suppressed = make(map[pair]int)
	l.counts = make(map[OutcomeKind]int64)
}

/* Subscribe streams attempts recorded from now on, in recording order
 * Delivery to a slow subscriber is buffered and never blocks Record
 * The returned cancel function closes the channel
 */
func (l *Ledger) Subscribe() (<-chan Attempt, func()) {
	s := newSubscription()

	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = s
	l.mu.Unlock()

	go s.pump()

	cancel := func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
		s.close()
	}
	return s.out, cancel
}

// Subscribers returns the number of open subscriptions
func (l *Ledger) Subscribers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// Close ends every subscription
func (l *Ledger) Close() {
	l.mu.Lock()
	subs := l.subs
	l.subs = make(map[int]*subscription)
	l.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

func insertSorted(list []Attempt, a Attempt) []Attempt {
	i := sort.Search(len(list), func(i int) bool {
		if list[i].AttemptNumber != a.AttemptNumber {
			return list[i].AttemptNumber > a.AttemptNumber
		}
		return list[i].DestinationName > a.DestinationName
	})
	list = append(list, Attempt{})
	copy(list[i+1:], list[i:])
	list[i] = a
	return list
}
