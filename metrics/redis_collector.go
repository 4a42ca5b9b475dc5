package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/marcelsud/webhook-relay/webhook"
)

// RelayStore is the part of the relay store the collector reads
type RelayStore interface {
	Webhooks(ctx context.Context) ([]string, error)
	StreamLength(ctx context.Context, webhookID string) (int64, error)
	AllActiveClients(ctx context.Context) (map[string][]webhook.ClientHeartbeat, error)
}

// RedisCollector snapshots a relay backed by Redis streams
type RedisCollector struct {
	store RelayStore
}

// NewRedisCollector creates a new Redis metrics collector
func NewRedisCollector(store RelayStore) *RedisCollector {
	return &RedisCollector{store: store}
}

// Collect gathers stream lengths and attached clients
func (c *RedisCollector) Collect(ctx context.Context) (Metrics, error) {
	queueLengths, err := c.QueueLengths(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("getting queue lengths: %w", err)
	}

	clients, err := c.Clients(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("getting active clients: %w", err)
	}

	return Metrics{
		QueueLengths: queueLengths,
		Clients:      clients,
		Timestamp:    time.Now(),
	}, nil
}

// QueueLengths returns the number of entries in each webhook stream
func (c *RedisCollector) QueueLengths(ctx context.Context) (map[string]int64, error) {
	ids, err := c.store.Webhooks(ctx)
	if err != nil {
		return nil, err
	}

	lengths := make(map[string]int64, len(ids))
	for _, id := range ids {
		n, err := c.store.StreamLength(ctx, id)
		if err != nil {
			// Continue even if one stream fails
			continue
		}
		lengths[id] = n
	}
	return lengths, nil
}

// Clients returns the attached clients per webhook
func (c *RedisCollector) Clients(ctx context.Context) (map[string][]ClientInfo, error) {
	all, err := c.store.AllActiveClients(ctx)
	if err != nil {
		return nil, err
	}

	clients := make(map[string][]ClientInfo, len(all))
	for webhookID, hbs := range all {
		for _, hb := range hbs {
			clients[webhookID] = append(clients[webhookID], ClientInfo{
				ClientID:      hb.ClientID,
				State:         hb.State,
				LastHeartbeat: hb.LastHeartbeat,
			})
		}
	}
	return clients, nil
}
