package webhook_test

import (
	"context"
	"errors"
	"testing"

	"github.com/marcelsud/webhook-relay/webhook"
	"github.com/marcelsud/webhook-relay/webhook/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReceive(t *testing.T) {
	ctx := context.Background()

	t.Run("success - stores a complete event", func(t *testing.T) {
		repo := mocks.NewRepository(t)
		service := webhook.NewService(repo)

		body := []byte(`{"type": "invoice.paid"}`)
		in := webhook.Inbound{
			WebhookID: "wh_123",
			Source:    "stripe",
			Method:    "post",
			URL:       "/v1/webhooks/wh_123/stripe",
			Headers:   map[string]string{"content-type": "application/json"},
			Body:      body,
			ClientIP:  "10.0.0.1",
		}

		repo.On("Store", ctx, webhook.MatchEvent(func(ev webhook.Event) bool {
			return ev.ID != "" &&
				ev.WebhookID == "wh_123" &&
				ev.Source == "stripe" &&
				ev.Method == "POST" &&
				ev.ContentType == "application/json" &&
				ev.Size == len(body) &&
				string(ev.Body) == string(body) &&
				!ev.Timestamp.IsZero()
		})).Return("event-123", nil)

		id, err := service.Receive(ctx, in)

		require.NoError(t, err)
		assert.Equal(t, "event-123", id)
	})

	t.Run("binary body is kept byte for byte", func(t *testing.T) {
		repo := mocks.NewRepository(t)
		service := webhook.NewService(repo)

		body := []byte{0x00, 0xff, 0x10, 0x80}
		repo.On("Store", ctx, webhook.MatchEvent(func(ev webhook.Event) bool {
			return assert.ObjectsAreEqual(body, ev.Body) && ev.Headers != nil
		})).Return("event-456", nil)

		_, err := service.Receive(ctx, webhook.Inbound{WebhookID: "wh", Method: "PUT", Body: body})
		require.NoError(t, err)
	})

	t.Run("missing webhook id", func(t *testing.T) {
		repo := mocks.NewRepository(t)
		service := webhook.NewService(repo)

		_, err := service.Receive(ctx, webhook.Inbound{Method: "POST"})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "webhook id is required")
	})

	t.Run("store failure is wrapped", func(t *testing.T) {
		repo := mocks.NewRepository(t)
		service := webhook.NewService(repo)

		repo.On("Store", ctx, webhook.MatchEvent(func(webhook.Event) bool { return true })).
			Return("", errors.New("redis down"))

		_, err := service.Receive(ctx, webhook.Inbound{WebhookID: "wh", Method: "POST"})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "storing event")
	})
}

func TestClients(t *testing.T) {
	ctx := context.Background()

	repo := mocks.NewRepository(t)
	service := webhook.NewService(repo)

	repo.On("ActiveClients", ctx, "wh_123").Return([]webhook.ClientHeartbeat{
		{WebhookID: "wh_123", ClientID: "laptop", State: "connected"},
	}, nil)

	clients, err := service.Clients(ctx, "wh_123")

	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Equal(t, "laptop", clients[0].ClientID)
}
