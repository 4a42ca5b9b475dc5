package chi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog/v2"
	"github.com/marcelsud/webhook-relay/webhook"
	"github.com/marcelsud/webhook-relay/webhook/signature"
)

// RelayOptions tune the ingress router
type RelayOptions struct {
	Verifier     *signature.Verifier // nil disables signature checks
	MaxBodyBytes int64               // 0 means unlimited
	Metrics      http.Handler        // served on /metrics when set
}

// RelayHandlers sets up the public ingress routes of the relay
func RelayHandlers(logger *httplog.Logger, webhookService webhook.UseCase, opts RelayOptions) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(httplog.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/v1/webhooks/{webhook_id}", func(r chi.Router) {
		ingress := receiveWebhook(webhookService, opts.Verifier, opts.MaxBodyBytes)

		// Attached clients
		r.Method(http.MethodGet, "/clients", getClients(webhookService))

		// Any method is relayed as is
		r.Handle("/", ingress)
		r.Handle("/{source}", ingress)
	})

	return r
}

func health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}
