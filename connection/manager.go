package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/marcelsud/webhook-relay/webhook"
)

// Connector opens a relay session. It must honor ctx cancellation.
type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

// Session is an open event stream subscription
type Session interface {
	// Done is closed when the session ends, by Close or by itself
	Done() <-chan struct{}
	// Err reports why the session ended
	Err() error
	Close() error
}

const observerBuffer = 32

/* Manager gates the relay connection on two prerequisites: signed in and a webhook selected
 * A connect is attempted only when both hold, the state is Disconnected and the user did not
 * explicitly disconnect. There are no timer driven reconnects: a failed connect stays in Error
 * until a prerequisite toggles false->true or RequestConnect is called.
 */
type Manager struct {
	connector Connector
	logger    *slog.Logger

	mu           sync.Mutex
	state        State
	signedIn     bool
	hasSelection bool
	held         bool
	closed       bool
	generation   uint64
	cancel       context.CancelFunc
	session      Session

	observers map[int]chan State
	nextObs   int
}

// NewManager creates a manager in the Disconnected state
func NewManager(connector Connector, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		connector: connector,
		logger:    logger,
		state:     State{Kind: Disconnected},
		observers: make(map[int]chan State),
	}
}

// Current returns the current state
func (m *Manager) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SignedIn reports the sign-in prerequisite
func (m *Manager) SignedIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signedIn
}

// HasSelection reports the selection prerequisite
func (m *Manager) HasSelection() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasSelection
}

/* Subscribe returns a stream of state transitions starting after the call
 * A subscriber that falls more than observerBuffer transitions behind misses transitions
 */
func (m *Manager) Subscribe() (<-chan State, func()) {
	ch := make(chan State, observerBuffer)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := m.nextObs
	m.nextObs++
	m.observers[id] = ch
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.observers[id]; ok {
				delete(m.observers, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// SetSignedIn updates the sign-in prerequisite
func (m *Manager) SetSignedIn(signedIn bool) {
	m.setPrerequisite(&m.signedIn, signedIn, "signed_in")
}

// SetSelection updates the webhook selection prerequisite
func (m *Manager) SetSelection(selected bool) {
	m.setPrerequisite(&m.hasSelection, selected, "selection")
}

func (m *Manager) setPrerequisite(field *bool, value bool, name string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	prev := *field
	*field = value
	m.logger.Debug("connection: prerequisite changed", "prerequisite", name, "value", value)

	var stale Session
	switch {
	case !value && m.state.Kind != Disconnected:
		stale = m.teardownLocked()
		m.setStateLocked(State{Kind: Disconnected})
	case value && !prev:
		m.held = false
		m.evaluateLocked()
	}
	m.mu.Unlock()

	closeSession(stale, m.logger)
}

// RequestConnect re-attempts a connect from Disconnected or Error
func (m *Manager) RequestConnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("connection manager closed: %w", webhook.ErrConnection)
	}
	if !m.signedIn {
		return fmt.Errorf("cannot connect: %w", webhook.ErrAuth)
	}
	if !m.hasSelection {
		return fmt.Errorf("cannot connect: no webhook selected: %w", webhook.ErrConfig)
	}

	m.held = false
	if m.state.Kind == Error {
		m.setStateLocked(State{Kind: Disconnected})
	}
	m.evaluateLocked()
	return nil
}

// RequestDisconnect closes the session and holds the manager until the next connect request or prerequisite toggle
func (m *Manager) RequestDisconnect() {
	m.mu.Lock()
	m.held = true
	var stale Session
	if m.state.Kind != Disconnected {
		stale = m.teardownLocked()
		m.setStateLocked(State{Kind: Disconnected})
	}
	m.mu.Unlock()

	closeSession(stale, m.logger)
}

/* Watch drives the prerequisites from two external signals until ctx ends
 * A closed channel stops contributing; the last value it sent stays in effect
 */
func (m *Manager) Watch(ctx context.Context, signedIn, selection <-chan bool) error {
	for signedIn != nil || selection != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v, ok := <-signedIn:
			if !ok {
				signedIn = nil
				continue
			}
			m.SetSignedIn(v)
		case v, ok := <-selection:
			if !ok {
				selection = nil
				continue
			}
			m.SetSelection(v)
		}
	}
	return nil
}

// Close tears the connection down and ends every subscription
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	stale := m.teardownLocked()
	if m.state.Kind != Disconnected {
		m.setStateLocked(State{Kind: Disconnected})
	}
	m.closed = true
	for id, ch := range m.observers {
		close(ch)
		delete(m.observers, id)
	}
	m.mu.Unlock()

	closeSession(stale, m.logger)
	return nil
}

func (m *Manager) evaluateLocked() {
	if m.closed || !m.signedIn || !m.hasSelection || m.held || m.state.Kind != Disconnected {
		return
	}

	m.generation++
	gen := m.generation
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.setStateLocked(State{Kind: Connecting})

	go m.connect(ctx, gen)
}

func (m *Manager) connect(ctx context.Context, gen uint64) {
	sess, err := m.connector.Connect(ctx)

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		closeSession(sess, m.logger)
		return
	}

	if err != nil {
		m.cancel()
		m.cancel = nil
		m.setStateLocked(State{Kind: Error, Reason: err.Error()})
		m.mu.Unlock()
		m.logger.Warn("connection: connect failed", "error", err)
		return
	}

	m.session = sess
	m.setStateLocked(State{Kind: Connected})
	m.mu.Unlock()

	go m.watchSession(sess, gen)
}

func (m *Manager) watchSession(sess Session, gen uint64) {
	<-sess.Done()

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.generation || m.session != sess {
		return
	}

	reason := "session ended"
	if err := sess.Err(); err != nil && !errors.Is(err, context.Canceled) {
		reason = err.Error()
	}
	m.session = nil
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.generation++
	m.setStateLocked(State{Kind: Error, Reason: reason})
	m.logger.Warn("connection: session lost", "reason", reason)
}

// teardownLocked invalidates the in-flight connect and returns the session to close outside the lock
func (m *Manager) teardownLocked() Session {
	m.generation++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	sess := m.session
	m.session = nil
	return sess
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.logger.Info("connection: state changed", "from", m.state.String(), "to", s.String())
	m.state = s

	for _, ch := range m.observers {
		select {
		case ch <- s:
		default:
			m.logger.Warn("connection: observer too slow, dropping state", "state", s.String())
		}
	}
}

func closeSession(sess Session, logger *slog.Logger) {
	if sess == nil {
		return
	}
	if err := sess.Close(); err != nil {
		logger.Warn("connection: closing session", "error", err)
	}
}
