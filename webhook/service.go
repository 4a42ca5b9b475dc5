package webhook

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

/* Service is the relay-side business layer
 * Uses pointer semantics as it's an API, not data
 */

// Inbound is a webhook call as seen by the relay's public endpoint
type Inbound struct {
	WebhookID string
	Source    string
	Method    string
	URL       string
	Headers   map[string]string
	Body      []byte
	ClientIP  string
}

// UseCase defines the relay operations
type UseCase interface {
	Receive(ctx context.Context, in Inbound) (string, error)
	Get(ctx context.Context, id string) (Event, error)
	Clients(ctx context.Context, webhookID string) ([]ClientHeartbeat, error)
}

type Service struct {
	Repo Repository
	now  func() time.Time
}

// NewService creates a new relay service with dependency injection
func NewService(repo Repository) *Service {
	return &Service{
		Repo: repo,
		now:  time.Now,
	}
}

// Receive captures an inbound call as an Event and appends it to the webhook's stream
func (s *Service) Receive(ctx context.Context, in Inbound) (string, error) {
	if strings.TrimSpace(in.WebhookID) == "" {
		return "", fmt.Errorf("webhook id is required")
	}
	if in.Method == "" {
		return "", fmt.Errorf("method is required")
	}

	event := Event{
		ID:        uuid.New().String(),
		WebhookID: in.WebhookID,
		Source:    in.Source,
		Method:    strings.ToUpper(in.Method),
		URL:       in.URL,
		Headers:   in.Headers,
		Body:      in.Body,
		Timestamp: s.now().UTC(),
		Size:      len(in.Body),
		ClientIP:  in.ClientIP,
	}
	if event.Headers == nil {
		event.Headers = map[string]string{}
	}
	event.ContentType = event.Header("Content-Type")

	id, err := s.Repo.Store(ctx, event)
	if err != nil {
		return "", fmt.Errorf("storing event: %w", err)
	}
	return id, nil
}

// Get returns a previously relayed event
func (s *Service) Get(ctx context.Context, id string) (Event, error) {
	ev, err := s.Repo.Get(ctx, id)
	if err != nil {
		return Event{}, fmt.Errorf("getting event: %w", err)
	}
	return ev, nil
}

// Clients lists the clients currently attached to a webhook
func (s *Service) Clients(ctx context.Context, webhookID string) ([]ClientHeartbeat, error) {
	clients, err := s.Repo.ActiveClients(ctx, webhookID)
	if err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}
	return clients, nil
}
