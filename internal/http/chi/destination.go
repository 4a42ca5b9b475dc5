package chi

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog/v2"
	"github.com/marcelsud/webhook-relay/webhook"
	"github.com/marcelsud/webhook-relay/webhook/signature"
)

// DestinationOptions tune the mock destination
type DestinationOptions struct {
	Verifier *signature.Verifier // nil accepts unsigned requests
	Now      func() time.Time    // nil means time.Now
}

/* MockDestinationHandlers is a local stand-in for a real webhook consumer
 * Every path and method is accepted; ?status=N picks the answer when N is in [100,599]
 * A webhook-timestamp older than the expiration window is answered with 410
 */
func MockDestinationHandlers(logger *httplog.Logger, opts DestinationOptions) *chi.Mux {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := chi.NewRouter()
	r.Use(httplog.RequestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", health)
	r.Handle("/*", receiveDelivery(logger.Logger, opts))

	return r
}

func receiveDelivery(logger *slog.Logger, opts DestinationOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		if raw := r.Header.Get(signature.HeaderTimestamp); raw != "" {
			if ts, err := signature.ParseTimestamp(raw); err == nil {
				if errors.Is(signature.CheckTimestamp(ts, opts.Now()), webhook.ErrExpired) {
					http.Error(w, "webhook timestamp is too old", http.StatusGone)
					return
				}
			}
		}

		if opts.Verifier != nil {
			if err := opts.Verifier.VerifyRequest(r.Header, body); err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, webhook.ErrExpired) {
					status = http.StatusGone
				}
				http.Error(w, err.Error(), status)
				return
			}
		}

		requested := SimulatedStatus(r.URL.Query().Get("status"))
		status := requested
		if requested < 200 {
			// 1xx cannot end an exchange: it goes out as an interim response, then 200.
			// 101 would switch protocols, so it is not sent at all.
			if requested != http.StatusSwitchingProtocols {
				w.WriteHeader(requested)
			}
			status = http.StatusOK
		}

		logger.Info("destination: delivery received",
			"method", r.Method,
			"path", r.URL.Path,
			"event_id", r.Header.Get(webhook.EventIDHeader),
			"bytes", len(body),
			"requested_status", requested,
			"status", status,
		)

		w.WriteHeader(status)
	})
}

// SimulatedStatus parses a ?status= value; anything outside [100,599] answers 200.
// A 1xx value is answered as an interim response followed by a final 200.
func SimulatedStatus(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 100 || n > 599 {
		return http.StatusOK
	}
	return n
}
