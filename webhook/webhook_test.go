package webhook_test

import (
	"testing"
	"time"

	"github.com/marcelsud/webhook-relay/webhook"
	"github.com/stretchr/testify/assert"
)

func TestEvent_Expired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("exactly at the window is still fresh", func(t *testing.T) {
		ev := webhook.Event{Timestamp: now.Add(-webhook.ExpirationWindow)}
		assert.False(t, ev.Expired(now))
	})

	t.Run("past the window is expired", func(t *testing.T) {
		ev := webhook.Event{Timestamp: now.Add(-webhook.ExpirationWindow - time.Second)}
		assert.True(t, ev.Expired(now))
	})
}

func TestEvent_Header(t *testing.T) {
	ev := webhook.Event{Headers: map[string]string{"content-type": "text/plain"}}

	assert.Equal(t, "text/plain", ev.Header("Content-Type"))
	assert.Equal(t, "", ev.Header("X-Missing"))
}
