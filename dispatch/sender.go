package dispatch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/marcelsud/webhook-relay/webhook"
)

// DefaultTimeout bounds a single outbound call
const DefaultTimeout = 30 * time.Second

const maxDrain = 1 << 20

type Sender interface {
	Send(ctx context.Context, req Request) Result
}

type Request struct {
	URL     string
	Event   webhook.Event
	Timeout time.Duration
}

type Result struct {
	StatusCode int
	Err        error
	Duration   time.Duration
}

// headers the transport owns; everything else is forwarded as received
var skipHeaders = map[string]struct{}{
	"host":              {},
	"content-length":    {},
	"connection":        {},
	"transfer-encoding": {},
	"accept-encoding":   {},
	"keep-alive":        {},
	"upgrade":           {},
}

type HTTPSender struct {
	client *http.Client
}

// NewHTTPSender forwards events with client, or a default client when nil
func NewHTTPSender(client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &HTTPSender{client: client}
}

// Send replays the event against req.URL with its method, headers and body
func (s *HTTPSender) Send(ctx context.Context, req Request) Result {
	start := time.Now()

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	method := req.Event.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Event.Body))
	if err != nil {
		return Result{Err: err, Duration: time.Since(start)}
	}

	for name, value := range req.Event.Headers {
		if _, skip := skipHeaders[strings.ToLower(name)]; skip {
			continue
		}
		httpReq.Header[http.CanonicalHeaderKey(name)] = []string{value}
	}
	httpReq.Header.Set(webhook.EventIDHeader, req.Event.ID)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Result{Err: err, Duration: time.Since(start)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))

	return Result{StatusCode: resp.StatusCode, Duration: time.Since(start)}
}
