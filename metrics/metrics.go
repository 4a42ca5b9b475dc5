package metrics

import (
	"context"
	"time"
)

// Metrics is a point-in-time snapshot of a client or a relay.
type Metrics struct {
	// ConnectionState is the client's relay connection state (client only)
	ConnectionState string `json:"connection_state,omitempty"`

	// OutcomeCounts maps outcome kind to the number of recorded attempts (client only)
	OutcomeCounts map[string]int64 `json:"outcome_counts,omitempty"`

	// DestinationCounts maps destination name to the number of recorded attempts (client only)
	DestinationCounts map[string]int64 `json:"destination_counts,omitempty"`

	// QueueLengths maps webhook id to the number of entries in its stream (relay only)
	QueueLengths map[string]int64 `json:"queue_lengths,omitempty"`

	// Clients maps webhook id to the clients attached to it (relay only)
	Clients map[string][]ClientInfo `json:"clients,omitempty"`

	// Timestamp when metrics were collected
	Timestamp time.Time `json:"timestamp"`
}

// ClientInfo describes one client attached to a webhook.
type ClientInfo struct {
	ClientID      string    `json:"client_id"`
	State         string    `json:"state"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Collector gathers a snapshot of the system it observes.
type Collector interface {
	Collect(ctx context.Context) (Metrics, error)
}
