package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcelsud/webhook-relay/webhook"
	"golang.org/x/sync/errgroup"
)

// Consumer is the part of the relay store a client needs
type Consumer interface {
	webhook.StreamConsumer
	SetClientHeartbeat(ctx context.Context, hb webhook.ClientHeartbeat) error
	Ping(ctx context.Context) error
}

// Target identifies the webhook to attach to and the client attaching
type Target struct {
	WebhookID string
	ClientID  string
	Token     string
}

// Group is the consumer group of the client; one group per client gives every client every event
func (t Target) Group() string {
	return "client-" + t.ClientID
}

// Handler receives each relayed event once. It runs on the read loop and must not block.
type Handler func(webhook.Event)

const (
	DefaultHeartbeatInterval = 20 * time.Second
	defaultMaxFailures       = 5
	defaultRetryDelay        = 200 * time.Millisecond
)

type Client struct {
	consumer          Consumer
	logger            *slog.Logger
	heartbeatInterval time.Duration
	maxFailures       int
	retryDelay        time.Duration
}

func NewClient(consumer Consumer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		consumer:          consumer,
		logger:            logger,
		heartbeatInterval: DefaultHeartbeatInterval,
		maxFailures:       defaultMaxFailures,
		retryDelay:        defaultRetryDelay,
	}
}

// WithHeartbeat changes how often the client refreshes its presence
func (c *Client) WithHeartbeat(interval time.Duration) *Client {
	c.heartbeatInterval = interval
	return c
}

// WithRetry changes how many consecutive read failures end a session and the pause between them
func (c *Client) WithRetry(maxFailures int, delay time.Duration) *Client {
	c.maxFailures = maxFailures
	c.retryDelay = delay
	return c
}

/* Dial attaches to the webhook stream and starts delivering events to handler
 * ctx bounds the handshake only; the session lives until Close or a fatal read error
 * Only events stored after Dial returns are delivered
 */
func (c *Client) Dial(ctx context.Context, target Target, handler Handler) (*Session, error) {
	if target.Token == "" {
		return nil, fmt.Errorf("dialing relay: %w", webhook.ErrAuth)
	}
	if target.WebhookID == "" {
		return nil, fmt.Errorf("dialing relay: no webhook selected: %w", webhook.ErrConnection)
	}
	if target.ClientID == "" {
		return nil, fmt.Errorf("dialing relay: client id cannot be empty: %w", webhook.ErrConnection)
	}

	if err := c.consumer.Ping(ctx); err != nil {
		return nil, fmt.Errorf("relay unreachable: %v: %w", err, webhook.ErrConnection)
	}
	if err := c.consumer.Subscribe(ctx, target.WebhookID, target.Group()); err != nil {
		return nil, fmt.Errorf("subscribing to webhook %s: %v: %w", target.WebhookID, err, webhook.ErrConnection)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		target: target,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: c.logger.With("webhook_id", target.WebhookID, "client_id", target.ClientID),
	}

	c.beat(sessCtx, s)

	g, gctx := errgroup.WithContext(sessCtx)
	g.Go(func() error { return c.readLoop(gctx, s, handler) })
	g.Go(func() error { return c.heartbeatLoop(gctx, s) })

	go func() {
		s.finish(g.Wait())
	}()

	s.logger.Info("relay: session opened")
	return s, nil
}

func (c *Client) readLoop(ctx context.Context, s *Session, handler Handler) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		events, err := c.consumer.Consume(ctx, s.target.WebhookID, s.target.Group(), s.target.ClientID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			s.logger.Warn("relay: read failed", "failures", failures, "error", err)
			if failures >= c.maxFailures {
				return fmt.Errorf("relay stream lost: %v: %w", err, webhook.ErrConnection)
			}
			if err := sleep(ctx, c.retryDelay); err != nil {
				return nil
			}
			continue
		}
		failures = 0
		if ctx.Err() != nil {
			return nil
		}

		for _, ev := range events {
			handler(ev)
			s.received.Add(1)
			if err := c.consumer.Acknowledge(ctx, s.target.WebhookID, s.target.Group(), ev.ID); err != nil && ctx.Err() == nil {
				s.logger.Warn("relay: acknowledge failed", "event_id", ev.ID, "error", err)
			}
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, s *Session) error {
	if c.heartbeatInterval <= 0 {
		return nil
	}
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.beat(ctx, s)
		}
	}
}

func (c *Client) beat(ctx context.Context, s *Session) {
	err := c.consumer.SetClientHeartbeat(ctx, webhook.ClientHeartbeat{
		WebhookID:     s.target.WebhookID,
		ClientID:      s.target.ClientID,
		State:         "connected",
		LastHeartbeat: time.Now().UTC(),
	})
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("relay: heartbeat failed", "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
