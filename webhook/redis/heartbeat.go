package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marcelsud/webhook-relay/webhook"
	"github.com/redis/go-redis/v9"
)

// HeartbeatTTL is how long a client counts as attached without a fresh heartbeat
const HeartbeatTTL = 60 * time.Second

// SetClientHeartbeat stores or refreshes a client's presence on a webhook
// Clients should refresh well within HeartbeatTTL
func (r *Repository) SetClientHeartbeat(ctx context.Context, hb webhook.ClientHeartbeat) error {
	if hb.LastHeartbeat.IsZero() {
		hb.LastHeartbeat = time.Now().UTC()
	}

	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshaling heartbeat: %w", err)
	}

	if err := r.client.Set(ctx, heartbeatKey(hb.WebhookID, hb.ClientID), data, HeartbeatTTL).Err(); err != nil {
		return fmt.Errorf("setting heartbeat: %w", err)
	}
	return nil
}

// ActiveClients retrieves the clients attached to a webhook
func (r *Repository) ActiveClients(ctx context.Context, webhookID string) ([]webhook.ClientHeartbeat, error) {
	return r.scanHeartbeats(ctx, fmt.Sprintf("client:heartbeat:%s:*", webhookID))
}

// AllActiveClients retrieves attached clients grouped by webhook id
func (r *Repository) AllActiveClients(ctx context.Context) (map[string][]webhook.ClientHeartbeat, error) {
	all, err := r.scanHeartbeats(ctx, "client:heartbeat:*")
	if err != nil {
		return nil, err
	}

	byWebhook := make(map[string][]webhook.ClientHeartbeat)
	for _, hb := range all {
		byWebhook[hb.WebhookID] = append(byWebhook[hb.WebhookID], hb)
	}
	return byWebhook, nil
}

func (r *Repository) scanHeartbeats(ctx context.Context, pattern string) ([]webhook.ClientHeartbeat, error) {
	var clients []webhook.ClientHeartbeat

	var cursor uint64
	for {
		keys, nextCursor, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning heartbeat keys: %w", err)
		}

		for _, key := range keys {
			data, err := r.client.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				// Key expired between scan and get
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("getting heartbeat: %w", err)
			}

			var hb webhook.ClientHeartbeat
			if err := json.Unmarshal([]byte(data), &hb); err != nil {
				continue
			}
			clients = append(clients, hb)
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	return clients, nil
}

func heartbeatKey(webhookID, clientID string) string {
	return fmt.Sprintf("client:heartbeat:%s:%s", webhookID, clientID)
}
