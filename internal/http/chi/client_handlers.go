package chi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog/v2"
)

// ClientHandlers sets up the local status API of the forwarding client
func ClientHandlers(logger *httplog.Logger, e ClientEngine, metrics http.Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(httplog.RequestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", health)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		// Connection state and requests
		r.Method(http.MethodGet, "/connection", getConnection(e))
		r.Method(http.MethodPost, "/connection/connect", postConnect(e))
		r.Method(http.MethodPost, "/connection/disconnect", postDisconnect(e))

		// Session signals
		r.Method(http.MethodPut, "/session", putSession(e))

		// Delivery ledger
		r.Method(http.MethodGet, "/events", getEvents(e.Ledger()))
		r.Method(http.MethodGet, "/events/{event_id}/attempts", getAttempts(e.Ledger()))
		r.Method(http.MethodGet, "/attempts/stream", streamAttempts(e.Ledger()))
		r.Method(http.MethodDelete, "/attempts", deleteAttempts(e.Ledger()))
	})

	return r
}
