package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/marcelsud/webhook-relay/webhook"
	"github.com/redis/go-redis/v9"
)

/* Redis Streams implementation of webhook.Repository
 * Every webhook id owns one stream; every client owns one consumer group on it,
 * so each attached client sees every event (fan-out, not work sharing)
 * Event payloads live in hashes that expire with the staleness window
 */

const (
	streamPrefix = "webhooks" // Stream naming: webhooks:{webhook_id}
	hashPrefix   = "webhook"  // Hash naming: webhook:{event_id}
	maxStreamLen = 10000
)

// DefaultEventTTL keeps relayed events slightly longer than the staleness window
const DefaultEventTTL = webhook.ExpirationWindow + time.Minute

type Repository struct {
	client   *redis.Client
	eventTTL time.Duration
	block    time.Duration
}

// NewRepository creates a new Redis repository and checks the connection
func NewRepository(addr, password string, db int) (*Repository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}

	return New(client), nil
}

// New wraps an existing client without touching the network
func New(client *redis.Client) *Repository {
	return &Repository{
		client:   client,
		eventTTL: DefaultEventTTL,
		block:    time.Second,
	}
}

// WithEventTTL changes how long event hashes are kept
func (r *Repository) WithEventTTL(ttl time.Duration) *Repository {
	r.eventTTL = ttl
	return r
}

// WithBlock changes how long Consume waits for new events
func (r *Repository) WithBlock(d time.Duration) *Repository {
	r.block = d
	return r
}

// Store writes the event hash and appends the event to its webhook stream
func (r *Repository) Store(ctx context.Context, ev webhook.Event) (string, error) {
	hashKey := eventKey(ev.ID)

	headersJSON, err := json.Marshal(ev.Headers)
	if err != nil {
		return "", fmt.Errorf("marshaling headers: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, hashKey, map[string]interface{}{
			"id":           ev.ID,
			"webhook_id":   ev.WebhookID,
			"source":       ev.Source,
			"method":       ev.Method,
			"url":          ev.URL,
			"headers":      string(headersJSON),
			"body":         ev.Body,
			"timestamp":    ev.Timestamp.UnixMilli(),
			"size":         ev.Size,
			"content_type": ev.ContentType,
			"client_ip":    ev.ClientIP,
		})
		if r.eventTTL > 0 {
			pipe.Expire(ctx, hashKey, r.eventTTL)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("storing event metadata: %w", err)
	}

	_, err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(ev.WebhookID),
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]interface{}{
			"event_id": ev.ID,
			"source":   ev.Source,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("adding to stream: %w", err)
	}

	return ev.ID, nil
}

// Get retrieves an event by ID from its hash
func (r *Repository) Get(ctx context.Context, id string) (webhook.Event, error) {
	data, err := r.client.HGetAll(ctx, eventKey(id)).Result()
	if err != nil {
		return webhook.Event{}, fmt.Errorf("getting event: %w", err)
	}
	if len(data) == 0 {
		return webhook.Event{}, fmt.Errorf("event %s: %w", id, webhook.ErrNotFound)
	}

	headers := make(map[string]string)
	if headersStr, ok := data["headers"]; ok && headersStr != "" {
		if err := json.Unmarshal([]byte(headersStr), &headers); err != nil {
			return webhook.Event{}, fmt.Errorf("unmarshaling headers: %w", err)
		}
	}

	var body []byte
	if raw, ok := data["body"]; ok && raw != "" {
		body = []byte(raw)
	}

	return webhook.Event{
		ID:          data["id"],
		WebhookID:   data["webhook_id"],
		Source:      data["source"],
		Method:      data["method"],
		URL:         data["url"],
		Headers:     headers,
		Body:        body,
		Timestamp:   time.UnixMilli(parseInt64(data["timestamp"])).UTC(),
		Size:        int(parseInt64(data["size"])),
		ContentType: data["content_type"],
		ClientIP:    data["client_ip"],
	}, nil
}

// SetTTL sets an expiration time on an event hash
func (r *Repository) SetTTL(ctx context.Context, id string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, eventKey(id), ttl).Err(); err != nil {
		return fmt.Errorf("setting TTL on event: %w", err)
	}
	return nil
}

// Subscribe creates the client's consumer group positioned at the stream tail
func (r *Repository) Subscribe(ctx context.Context, webhookID, group string) error {
	err := r.client.XGroupCreateMkStream(ctx, streamKey(webhookID), group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group: %w", err)
	}
	return nil
}

// Consume reads the next events delivered to the group
func (r *Repository) Consume(ctx context.Context, webhookID, group, consumer string) ([]webhook.Event, error) {
	key := streamKey(webhookID)

	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{key, ">"},
		Count:    10,
		Block:    r.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return []webhook.Event{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading from stream: %w", err)
	}
	if len(streams) == 0 {
		return []webhook.Event{}, nil
	}

	events := make([]webhook.Event, 0, len(streams[0].Messages))
	for _, msg := range streams[0].Messages {
		eventID, ok := msg.Values["event_id"].(string)
		if !ok {
			r.client.XAck(ctx, key, group, msg.ID)
			continue
		}

		ev, err := r.Get(ctx, eventID)
		if err != nil {
			// Hash expired before this client read it; nothing left to deliver
			r.client.XAck(ctx, key, group, msg.ID)
			continue
		}

		r.client.Set(ctx, msgIDKey(group, eventID), msg.ID, r.eventTTL)
		events = append(events, ev)
	}

	return events, nil
}

// Acknowledge removes an event from the group's pending list
func (r *Repository) Acknowledge(ctx context.Context, webhookID, group, eventID string) error {
	key := msgIDKey(group, eventID)

	msgID, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Already acknowledged or expired
		return nil
	}
	if err != nil {
		return fmt.Errorf("getting message ID: %w", err)
	}

	if err := r.client.XAck(ctx, streamKey(webhookID), group, msgID).Err(); err != nil {
		return fmt.Errorf("acknowledging message: %w", err)
	}

	r.client.Del(ctx, key)
	return nil
}

// StreamLength returns how many entries the webhook stream holds
func (r *Repository) StreamLength(ctx context.Context, webhookID string) (int64, error) {
	n, err := r.client.XLen(ctx, streamKey(webhookID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("reading stream length: %w", err)
	}
	return n, nil
}

// Webhooks lists the webhook ids that have a stream
func (r *Repository) Webhooks(ctx context.Context) ([]string, error) {
	var ids []string

	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, streamPrefix+":*", 1000).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning streams: %w", err)
		}
		for _, key := range keys {
			ids = append(ids, strings.TrimPrefix(key, streamPrefix+":"))
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	return ids, nil
}

// Ping checks that Redis answers
func (r *Repository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *Repository) Close(ctx context.Context) error {
	return r.client.Close()
}

// GetClient returns the underlying Redis client for advanced operations
func (r *Repository) GetClient() *redis.Client {
	return r.client
}

func streamKey(webhookID string) string {
	return fmt.Sprintf("%s:%s", streamPrefix, webhookID)
}

func eventKey(id string) string {
	return fmt.Sprintf("%s:%s", hashPrefix, id)
}

func msgIDKey(group, eventID string) string {
	return fmt.Sprintf("%s:%s:msgid:%s", hashPrefix, eventID, group)
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

var _ webhook.Repository = (*Repository)(nil)
