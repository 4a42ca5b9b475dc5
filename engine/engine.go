package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/marcelsud/webhook-relay/config"
	"github.com/marcelsud/webhook-relay/connection"
	"github.com/marcelsud/webhook-relay/dispatch"
	"github.com/marcelsud/webhook-relay/ledger"
	"github.com/marcelsud/webhook-relay/relay"
	"github.com/marcelsud/webhook-relay/webhook"
)

// Dialer opens relay sessions; *relay.Client is the production implementation
type Dialer interface {
	Dial(ctx context.Context, target relay.Target, handler relay.Handler) (*relay.Session, error)
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithSender(sender dispatch.Sender) Option {
	return func(e *Engine) { e.sender = sender }
}

func WithArchive(archive ledger.Archive) Option {
	return func(e *Engine) { e.archive = archive }
}

func WithMetrics(sink dispatch.MetricsSink) Option {
	return func(e *Engine) { e.metrics = sink }
}

/* Engine wires the forwarding client together
 * connection.Manager decides when to be attached, the relay session feeds events to the
 * dispatcher, and every attempt lands in the ledger
 * The engine owns this state; nothing in the process is global
 */
type Engine struct {
	dialer   Dialer
	clientID string
	logger   *slog.Logger
	sender   dispatch.Sender
	archive  ledger.Archive
	metrics  dispatch.MetricsSink

	ledger     *ledger.Ledger
	dispatcher *dispatch.Dispatcher
	manager    *connection.Manager

	mu        sync.RWMutex
	cfg       *config.ResolvedConfig
	token     string
	webhookID string
}

// New builds an engine from a resolved configuration. An invalid routing table is a config error.
func New(cfg *config.ResolvedConfig, dialer Dialer, opts ...Option) (*Engine, error) {
	e := &Engine{dialer: dialer, clientID: cfg.ClientID, cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.sender == nil {
		e.sender = dispatch.NewHTTPSender(nil)
	}

	table, err := cfg.Table()
	if err != nil {
		return nil, fmt.Errorf("building routing table: %w", err)
	}

	e.ledger = ledger.New(e.logger)
	if e.archive != nil {
		e.ledger.WithArchive(e.archive)
	}
	e.dispatcher = dispatch.New(table, e.sender, e.ledger, cfg.Dispatch, e.logger)
	if e.metrics != nil {
		e.dispatcher.WithMetrics(e.metrics)
	}
	e.manager = connection.NewManager(e, e.logger)
	return e, nil
}

// Run applies the configured credentials and selection, then serves until ctx ends
func (e *Engine) Run(ctx context.Context) error {
	e.mu.RLock()
	token, webhookID := e.cfg.Token, e.cfg.WebhookID
	e.mu.RUnlock()

	if webhookID != "" {
		e.Select(webhookID)
	}
	if token != "" {
		if err := e.SignIn(token); err != nil {
			return err
		}
	}

	<-ctx.Done()
	return e.Close()
}

// Connect opens a relay session for the current selection. It implements connection.Connector.
func (e *Engine) Connect(ctx context.Context) (connection.Session, error) {
	e.mu.RLock()
	target := relay.Target{WebhookID: e.webhookID, ClientID: e.clientID, Token: e.token}
	e.mu.RUnlock()

	// dispatches of this session stop scheduling retries once it ends
	sessCtx, cancel := context.WithCancel(context.Background())
	sess, err := e.dialer.Dial(ctx, target, func(ev webhook.Event) {
		e.dispatcher.Submit(sessCtx, ev)
	})
	if err != nil {
		cancel()
		return nil, err
	}

	go func() {
		<-sess.Done()
		cancel()
	}()
	return &session{Session: sess, cancel: cancel}, nil
}

type session struct {
	*relay.Session
	cancel context.CancelFunc
}

func (s *session) Close() error {
	s.cancel()
	return s.Session.Close()
}

// SignIn stores the relay token and raises the sign-in prerequisite
func (e *Engine) SignIn(token string) error {
	if token == "" {
		return fmt.Errorf("signing in: empty token: %w", webhook.ErrAuth)
	}
	e.mu.Lock()
	e.token = token
	e.mu.Unlock()

	e.manager.SetSignedIn(true)
	return nil
}

// SignOut drops the token; an open session is closed
func (e *Engine) SignOut() {
	e.manager.SetSignedIn(false)

	e.mu.Lock()
	e.token = ""
	e.mu.Unlock()
}

// SignedIn reports whether a token is held
func (e *Engine) SignedIn() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.token != ""
}

/* Select changes the webhook the client is attached to
 * Switching webhooks toggles the selection prerequisite, so the manager
 * reconnects to the new one; an empty id clears the selection
 */
func (e *Engine) Select(webhookID string) {
	e.mu.Lock()
	prev := e.webhookID
	if prev == webhookID {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if prev != "" {
		e.manager.SetSelection(false)
	}

	e.mu.Lock()
	e.webhookID = webhookID
	e.mu.Unlock()

	if webhookID != "" {
		e.manager.SetSelection(true)
	}
}

// Selection returns the selected webhook id
func (e *Engine) Selection() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.webhookID
}

/* Reload replaces the configuration wholesale. In-flight dispatches finish with the old routes.
 * Routes, retry policy and call timeout apply at once; a new token reconnects with it
 * Settings fixed at startup (workers, client id, port, redis, archive, debug) are logged and kept
 */
func (e *Engine) Reload(cfg *config.ResolvedConfig) error {
	table, err := cfg.Table()
	if err != nil {
		return fmt.Errorf("reloading routing table: %w", err)
	}
	e.dispatcher.Reload(table, cfg.Dispatch.Policy, cfg.Dispatch.Timeout)

	e.mu.Lock()
	prev := e.cfg
	e.cfg = cfg
	rotate := cfg.Token != "" && cfg.Token != e.token
	e.mu.Unlock()

	e.logger.Info("engine: configuration reloaded",
		"destinations", len(cfg.Destinations),
		"rules", len(cfg.Rules),
	)
	if pending := restartOnly(prev, cfg); len(pending) > 0 {
		e.logger.Warn("engine: reload kept settings that need a restart", "settings", pending)
	}

	if rotate {
		// the toggle closes the session opened with the old token
		if e.SignedIn() {
			e.manager.SetSignedIn(false)
		}
		if err := e.SignIn(cfg.Token); err != nil {
			return err
		}
	}
	if cfg.WebhookID != "" {
		e.Select(cfg.WebhookID)
	}
	return nil
}

// restartOnly names the settings that differ between prev and next but are only read at startup
func restartOnly(prev, next *config.ResolvedConfig) []string {
	var out []string
	if prev.Dispatch.Workers != next.Dispatch.Workers {
		out = append(out, "workers")
	}
	if prev.ClientID != next.ClientID {
		out = append(out, "client_id")
	}
	if prev.Port != next.Port {
		out = append(out, "port")
	}
	if prev.Redis != next.Redis {
		out = append(out, "redis")
	}
	if prev.ArchiveTTL != next.ArchiveTTL {
		out = append(out, "archive_ttl")
	}
	if prev.Debug != next.Debug {
		out = append(out, "debug")
	}
	return out
}

// Config returns the configuration in effect
func (e *Engine) Config() *config.ResolvedConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

func (e *Engine) Manager() *connection.Manager {
	return e.manager
}

func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

// Close disconnects, waits for running dispatches and ends ledger subscriptions
func (e *Engine) Close() error {
	err := e.manager.Close()
	e.dispatcher.Wait()
	e.ledger.Close()
	return err
}
