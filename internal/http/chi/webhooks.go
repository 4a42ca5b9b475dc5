package chi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/marcelsud/webhook-relay/webhook"
	"github.com/marcelsud/webhook-relay/webhook/signature"
)

/* HTTP layer DTOs for the relay ingress API
 * Separate from domain entities to avoid leaking internal structure
 */

// webhookResponse represents the API response when an event is accepted
type webhookResponse struct {
	EventID   string `json:"event_id"`
	WebhookID string `json:"webhook_id"`
}

// clientResponse represents a client attached to a webhook
type clientResponse struct {
	ClientID      string `json:"client_id"`
	State         string `json:"state"`
	LastHeartbeat string `json:"last_heartbeat"`
}

// receiveWebhook handles ANY /v1/webhooks/{webhook_id} and /v1/webhooks/{webhook_id}/{source}
func receiveWebhook(webhookService webhook.UseCase, verifier *signature.Verifier, maxBody int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		webhookID := chi.URLParam(r, "webhook_id")
		if webhookID == "" {
			http.Error(w, "webhook_id is required", http.StatusBadRequest)
			return
		}

		source := chi.URLParam(r, "source")
		if source == "" {
			source = r.Header.Get(webhook.SourceHeader)
		}

		if maxBody > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		// Signatures are only checked when the relay was given a secret
		if verifier != nil {
			if err := verifier.VerifyRequest(r.Header, body); err != nil {
				if errors.Is(err, webhook.ErrExpired) {
					http.Error(w, err.Error(), http.StatusGone)
					return
				}
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
		}

		headers := make(map[string]string, len(r.Header))
		for key, values := range r.Header {
			if len(values) > 0 {
				headers[key] = values[0]
			}
		}

		eventID, err := webhookService.Receive(r.Context(), webhook.Inbound{
			WebhookID: webhookID,
			Source:    source,
			Method:    r.Method,
			URL:       r.URL.RequestURI(),
			Headers:   headers,
			Body:      body,
			ClientIP:  clientIP(r),
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		response := webhookResponse{
			EventID:   eventID,
			WebhookID: webhookID,
		}

		if err := json.NewEncoder(w).Encode(response); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

// getClients handles GET /v1/webhooks/{webhook_id}/clients
func getClients(webhookService webhook.UseCase) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		webhookID := chi.URLParam(r, "webhook_id")

		clients, err := webhookService.Clients(r.Context(), webhookID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		responses := make([]clientResponse, 0, len(clients))
		for _, c := range clients {
			responses = append(responses, clientResponse{
				ClientID:      c.ClientID,
				State:         c.State,
				LastHeartbeat: c.LastHeartbeat.Format(timeFormat),
			})
		}

		writeJSON(w, http.StatusOK, responses)
	})
}

// clientIP prefers the address set by middleware.RealIP
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
