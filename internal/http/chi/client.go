package chi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/marcelsud/webhook-relay/connection"
	"github.com/marcelsud/webhook-relay/ledger"
	"github.com/marcelsud/webhook-relay/webhook"
)

// ClientEngine is what the status API needs from the forwarding client
type ClientEngine interface {
	Manager() *connection.Manager
	Ledger() *ledger.Ledger
	SignIn(token string) error
	SignOut()
	SignedIn() bool
	Select(webhookID string)
	Selection() string
}

/* HTTP layer DTOs for the client status API */

type connectionResponse struct {
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
	SignedIn  bool   `json:"signed_in"`
	WebhookID string `json:"webhook_id,omitempty"`
}

// sessionRequest changes the session signals; absent fields are left alone
type sessionRequest struct {
	SignedIn  *bool   `json:"signed_in"`
	Token     string  `json:"token"`
	WebhookID *string `json:"webhook_id"`
}

type attemptResponse struct {
	EventID     string `json:"event_id"`
	Destination string `json:"destination"`
	Attempt     int    `json:"attempt"`
	StartedAt   string `json:"started_at"`
	FinishedAt  string `json:"finished_at"`
	DurationMS  int64  `json:"duration_ms"`
	Outcome     string `json:"outcome"`
	Status      int    `json:"status,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type eventResponse struct {
	EventID     string `json:"event_id"`
	Attempts    int    `json:"attempts"`
	LastOutcome string `json:"last_outcome"`
}

func toConnectionResponse(e ClientEngine) connectionResponse {
	state := e.Manager().Current()
	return connectionResponse{
		State:     state.Kind.String(),
		Reason:    state.Reason,
		SignedIn:  e.SignedIn(),
		WebhookID: e.Selection(),
	}
}

func toAttemptResponse(a ledger.Attempt) attemptResponse {
	return attemptResponse{
		EventID:     a.EventID,
		Destination: a.DestinationName,
		Attempt:     a.AttemptNumber,
		StartedAt:   a.StartedAt.Format(timeFormat),
		FinishedAt:  a.FinishedAt.Format(timeFormat),
		DurationMS:  a.Duration().Milliseconds(),
		Outcome:     a.Outcome.Kind.String(),
		Status:      a.Outcome.Status,
		Reason:      a.Outcome.Reason,
	}
}

// getConnection handles GET /v1/connection
func getConnection(e ClientEngine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, toConnectionResponse(e))
	})
}

// postConnect handles POST /v1/connection/connect
func postConnect(e ClientEngine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := e.Manager().RequestConnect(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, toConnectionResponse(e))
	})
}

// postDisconnect handles POST /v1/connection/disconnect
func postDisconnect(e ClientEngine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.Manager().RequestDisconnect()
		writeJSON(w, http.StatusAccepted, toConnectionResponse(e))
	})
}

// putSession handles PUT /v1/session
func putSession(e ClientEngine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req sessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid session body: %v", err)})
			return
		}

		if req.WebhookID != nil {
			e.Select(*req.WebhookID)
		}

		if req.SignedIn != nil {
			if *req.SignedIn {
				if err := e.SignIn(req.Token); err != nil {
					writeError(w, err)
					return
				}
			} else {
				e.SignOut()
			}
		}

		writeJSON(w, http.StatusOK, toConnectionResponse(e))
	})
}

// getEvents handles GET /v1/events
func getEvents(l *ledger.Ledger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids := l.EventIDs()

		responses := make([]eventResponse, 0, len(ids))
		for _, id := range ids {
			attempts := l.AttemptsFor(id)
			if len(attempts) == 0 {
				continue
			}
			responses = append(responses, eventResponse{
				EventID:     id,
				Attempts:    len(attempts),
				LastOutcome: attempts[len(attempts)-1].Outcome.Kind.String(),
			})
		}

		writeJSON(w, http.StatusOK, responses)
	})
}

// getAttempts handles GET /v1/events/{event_id}/attempts
func getAttempts(l *ledger.Ledger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		eventID := chi.URLParam(r, "event_id")

		attempts := l.AttemptsFor(eventID)
		if len(attempts) == 0 {
			writeError(w, fmt.Errorf("event %s: %w", eventID, webhook.ErrNotFound))
			return
		}

		responses := make([]attemptResponse, 0, len(attempts))
		for _, a := range attempts {
			responses = append(responses, toAttemptResponse(a))
		}
		writeJSON(w, http.StatusOK, responses)
	})
}

// deleteAttempts handles DELETE /v1/attempts
func deleteAttempts(l *ledger.Ledger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l.Clear()
		w.WriteHeader(http.StatusNoContent)
	})
}

/* streamAttempts handles GET /v1/attempts/stream
 * Server-sent events, one "attempt" event per recorded attempt from the moment
 * the request arrives; the stream ends when the client goes away or the ledger closes
 */
func streamAttempts(l *ledger.Ledger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
			return
		}

		attempts, cancel := l.Subscribe()
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case a, ok := <-attempts:
				if !ok {
					return
				}
				data, err := json.Marshal(toAttemptResponse(a))
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: attempt\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	})
}
