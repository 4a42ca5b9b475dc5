package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcelsud/webhook-relay/ledger"
	"github.com/redis/go-redis/v9"
)

/* Redis mirror of the delivery ledger
 * Attempts of one event are appended to the list attempts:{event_id}
 * The list expires after the archive TTL, counted from the last write
 */

const keyPrefix = "attempts"

// DefaultTTL keeps an event's history for one day
const DefaultTTL = 24 * time.Hour

type record struct {
	EventID     string    `json:"event_id"`
	Destination string    `json:"destination"`
	Attempt     int       `json:"attempt"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Outcome     string    `json:"outcome"`
	Status      int       `json:"status,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

type Archive struct {
	client *redis.Client
	ttl    time.Duration
}

// NewArchive creates an archive on an existing client
func NewArchive(client *redis.Client) *Archive {
	return &Archive{client: client, ttl: DefaultTTL}
}

// WithTTL changes how long histories are kept
func (a *Archive) WithTTL(ttl time.Duration) *Archive {
	a.ttl = ttl
	return a
}

// Archive appends the attempt to its event history
func (a *Archive) Archive(ctx context.Context, at ledger.Attempt) error {
	data, err := json.Marshal(record{
		EventID:     at.EventID,
		Destination: at.DestinationName,
		Attempt:     at.AttemptNumber,
		StartedAt:   at.StartedAt,
		FinishedAt:  at.FinishedAt,
		Outcome:     at.Outcome.Kind.String(),
		Status:      at.Outcome.Status,
		Reason:      at.Outcome.Reason,
	})
	if err != nil {
		return fmt.Errorf("marshaling attempt: %w", err)
	}

	key := historyKey(at.EventID)
	_, err = a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		if a.ttl > 0 {
			pipe.Expire(ctx, key, a.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("archiving attempt: %w", err)
	}
	return nil
}

// History returns the archived attempts of an event in archive order
func (a *Archive) History(ctx context.Context, eventID string) ([]ledger.Attempt, error) {
	raw, err := a.client.LRange(ctx, historyKey(eventID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}

	attempts := make([]ledger.Attempt, 0, len(raw))
	for _, item := range raw {
		var r record
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return nil, fmt.Errorf("unmarshaling attempt: %w", err)
		}
		attempts = append(attempts, ledger.Attempt{
			EventID:         r.EventID,
			DestinationName: r.Destination,
			AttemptNumber:   r.Attempt,
			StartedAt:       r.StartedAt,
			FinishedAt:      r.FinishedAt,
			Outcome: ledger.Outcome{
				Kind:   ledger.NewOutcomeKind(r.Outcome),
				Status: r.Status,
				Reason: r.Reason,
			},
		})
	}
	return attempts, nil
}

func historyKey(eventID string) string {
	return fmt.Sprintf("%s:%s", keyPrefix, eventID)
}

var _ ledger.Archive = (*Archive)(nil)
