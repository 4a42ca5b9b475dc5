package webhook

import (
	"context"
	"time"
)

/* Small, focused interfaces following "The Go Way"
 * The relay writes events, clients consume them through a consumer group of their own
 */

// Reader provides read operations for relayed events
type Reader interface {
	Get(ctx context.Context, id string) (Event, error)
}

// Writer provides write operations for relayed events
type Writer interface {
	/* Store appends an event to the stream of its webhook
	 * Returns the event ID and any error
	 */
	Store(ctx context.Context, event Event) (string, error)
	SetTTL(ctx context.Context, id string, ttl time.Duration) error
}

// StreamConsumer provides operations for consuming a webhook's event stream
type StreamConsumer interface {
	/* Subscribe creates the consumer group for a client if it does not exist yet
	 * A new group only sees events stored after its creation
	 */
	Subscribe(ctx context.Context, webhookID, group string) error
	/* Consume reads the next events for the group
	 * Blocks for a short while and returns an empty slice when nothing arrived
	 */
	Consume(ctx context.Context, webhookID, group, consumer string) ([]Event, error)
	Acknowledge(ctx context.Context, webhookID, group, eventID string) error
}

// Presence tracks which clients are attached to a webhook
type Presence interface {
	SetClientHeartbeat(ctx context.Context, hb ClientHeartbeat) error
	ActiveClients(ctx context.Context, webhookID string) ([]ClientHeartbeat, error)
}

type Repository interface {
	Reader
	Writer
	StreamConsumer
	Presence
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
