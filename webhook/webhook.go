package webhook

import (
	"net/http"
	"time"
)

// ExpirationWindow is how old an event may be, measured from its declared
// timestamp, before relay, client and destinations all treat it as expired.
const ExpirationWindow = 300 * time.Second

// EventIDHeader carries the originating event id on every forwarded request.
const EventIDHeader = "X-Webhook-Event-Id"

// SourceHeader lets a sender declare the event source when the relay URL has no source segment.
const SourceHeader = "X-Webhook-Source"

/* Event represents one inbound webhook call captured by the relay
 * Uses value semantics as it represents data, not behavior
 * Never mutated once received
 */
type Event struct {
	ID          string
	WebhookID   string
	Source      string
	Method      string
	URL         string
	Headers     map[string]string
	Body        []byte
	Timestamp   time.Time
	Size        int
	ContentType string
	ClientIP    string
}

// Expired reports whether the event is older than ExpirationWindow at now
func (e Event) Expired(now time.Time) bool {
	return now.Sub(e.Timestamp) > ExpirationWindow
}

// Header returns a header value using canonical, case-insensitive matching
func (e Event) Header(name string) string {
	if v, ok := e.Headers[name]; ok {
		return v
	}
	canonical := http.CanonicalHeaderKey(name)
	for k, v := range e.Headers {
		if http.CanonicalHeaderKey(k) == canonical {
			return v
		}
	}
	return ""
}

// ClientHeartbeat is the presence record a connected client keeps alive on the relay
type ClientHeartbeat struct {
	WebhookID     string    `json:"webhook_id"`
	ClientID      string    `json:"client_id"`
	State         string    `json:"state"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}
