package ledger

import (
	"fmt"
	"time"
)

/* Attempt is one concrete try to deliver an event to one destination
 * A retry is a new Attempt with the next AttemptNumber; attempts are never updated
 */
type Attempt struct {
	EventID         string
	DestinationName string
	AttemptNumber   int
	StartedAt       time.Time
	FinishedAt      time.Time
	Outcome         Outcome
}

// Key identifies an attempt in the ledger
type Key struct {
	EventID     string
	Destination string
	Attempt     int
}

// Key returns the idempotency key of the attempt
func (a Attempt) Key() Key {
	return Key{EventID: a.EventID, Destination: a.DestinationName, Attempt: a.AttemptNumber}
}

// Duration is how long the attempt took
func (a Attempt) Duration() time.Duration {
	return a.FinishedAt.Sub(a.StartedAt)
}

// Validate checks the attempt before it enters the ledger
func (a Attempt) Validate() error {
	if a.EventID == "" {
		return fmt.Errorf("event id cannot be empty")
	}
	if a.AttemptNumber < 1 {
		return fmt.Errorf("attempt number must be at least 1 (got %d)", a.AttemptNumber)
	}
	if err := a.Outcome.Kind.Validate(); err != nil {
		return fmt.Errorf("validating outcome: %w", err)
	}
	return nil
}
