package chi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/marcelsud/webhook-relay/webhook"
)

const timeFormat = time.RFC3339Nano

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy to HTTP statuses
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, webhook.ErrAuth):
		status = http.StatusUnauthorized
	case errors.Is(err, webhook.ErrConfig):
		status = http.StatusConflict
	case errors.Is(err, webhook.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, webhook.ErrExpired):
		status = http.StatusGone
	case errors.Is(err, webhook.ErrConnection):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
