package connection_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marcelsud/webhook-relay/connection"
	"github.com/marcelsud/webhook-relay/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	done   chan struct{}
	once   sync.Once
	closed atomic.Bool
	err    error
}

func newFakeSession() *fakeSession {
	return &fakeSession{done: make(chan struct{})}
}

func (s *fakeSession) Done() <-chan struct{} { return s.done }
func (s *fakeSession) Err() error            { return s.err }

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	s.once.Do(func() { close(s.done) })
	return nil
}

// die ends the session without Close, as a dropped relay stream would
func (s *fakeSession) die(err error) {
	s.err = err
	s.once.Do(func() { close(s.done) })
}

type fakeConnector struct {
	mu       sync.Mutex
	calls    int
	block    chan struct{}
	err      error
	sessions []*fakeSession
}

func (c *fakeConnector) Connect(ctx context.Context) (connection.Session, error) {
	c.mu.Lock()
	c.calls++
	block, err := c.block, c.err
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	s := newFakeSession()
	c.mu.Lock()
	c.sessions = append(c.sessions, s)
	c.mu.Unlock()
	return s, nil
}

func (c *fakeConnector) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *fakeConnector) Session(i int) *fakeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[i]
}

func (c *fakeConnector) SetErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func waitFor(t *testing.T, m *connection.Manager, kind connection.StateKind) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.Current().Kind == kind
	}, time.Second, 5*time.Millisecond, "expected state %s, got %s", kind, m.Current())
}

// drain collects the transitions already delivered to ch
func drain(ch <-chan connection.State) []connection.StateKind {
	var kinds []connection.StateKind
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return kinds
			}
			kinds = append(kinds, s.Kind)
		case <-time.After(50 * time.Millisecond):
			return kinds
		}
	}
}

func count(kinds []connection.StateKind, kind connection.StateKind) int {
	n := 0
	for _, k := range kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func TestManager_Prerequisites(t *testing.T) {
	t.Run("never connects while not signed in", func(t *testing.T) {
		c := &fakeConnector{}
		m := connection.NewManager(c, nil)
		defer m.Close()
		states, cancel := m.Subscribe()
		defer cancel()

		m.SetSelection(true)
		m.SetSelection(false)
		m.SetSelection(true)

		assert.Empty(t, drain(states))
		assert.Equal(t, connection.Disconnected, m.Current().Kind)
		assert.Zero(t, c.Calls())

		err := m.RequestConnect()
		assert.ErrorIs(t, err, webhook.ErrAuth)
		assert.Zero(t, c.Calls())
	})

	t.Run("sign in toggle triggers exactly one connecting", func(t *testing.T) {
		c := &fakeConnector{}
		m := connection.NewManager(c, nil)
		defer m.Close()
		states, cancel := m.Subscribe()
		defer cancel()

		m.SetSelection(true)
		m.SetSignedIn(true)
		m.SetSignedIn(true)
		waitFor(t, m, connection.Connected)

		kinds := drain(states)
		assert.Equal(t, 1, count(kinds, connection.Connecting))
		assert.Equal(t, []connection.StateKind{connection.Connecting, connection.Connected}, kinds)
		assert.Equal(t, 1, c.Calls())
	})

	t.Run("no selection keeps the manager disconnected", func(t *testing.T) {
		c := &fakeConnector{}
		m := connection.NewManager(c, nil)
		defer m.Close()

		m.SetSignedIn(true)

		assert.Equal(t, connection.Disconnected, m.Current().Kind)
		assert.ErrorIs(t, m.RequestConnect(), webhook.ErrConfig)
		assert.Zero(t, c.Calls())
	})

	t.Run("losing sign in while connected closes the session", func(t *testing.T) {
		c := &fakeConnector{}
		m := connection.NewManager(c, nil)
		defer m.Close()

		m.SetSelection(true)
		m.SetSignedIn(true)
		waitFor(t, m, connection.Connected)

		m.SetSignedIn(false)

		assert.Equal(t, connection.Disconnected, m.Current().Kind)
		assert.True(t, c.Session(0).closed.Load())
	})

	t.Run("losing selection while connecting cancels the connect", func(t *testing.T) {
		c := &fakeConnector{block: make(chan struct{})}
		m := connection.NewManager(c, nil)
		defer m.Close()
		states, cancel := m.Subscribe()
		defer cancel()

		m.SetSignedIn(true)
		m.SetSelection(true)
		assert.Equal(t, connection.Connecting, m.Current().Kind)

		m.SetSelection(false)
		assert.Equal(t, connection.Disconnected, m.Current().Kind)

		kinds := drain(states)
		assert.Equal(t, []connection.StateKind{connection.Connecting, connection.Disconnected}, kinds)
		assert.Equal(t, connection.Disconnected, m.Current().Kind)
	})

	t.Run("a connect finishing after teardown is discarded", func(t *testing.T) {
		block := make(chan struct{})
		c := &fakeConnector{block: block}
		m := connection.NewManager(c, nil)
		defer m.Close()

		m.SetSignedIn(true)
		m.SetSelection(true)
		m.RequestDisconnect()

		close(block)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, connection.Disconnected, m.Current().Kind)
	})
}

func TestManager_Error(t *testing.T) {
	t.Run("failed connect is only retried on toggle or request", func(t *testing.T) {
		c := &fakeConnector{err: errors.New("relay unreachable")}
		m := connection.NewManager(c, nil)
		defer m.Close()

		m.SetSignedIn(true)
		m.SetSelection(true)
		waitFor(t, m, connection.Error)
		assert.Equal(t, "relay unreachable", m.Current().Reason)

		// re-asserting a prerequisite that is already true does nothing
		m.SetSignedIn(true)
		m.SetSelection(true)
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, 1, c.Calls())
		assert.Equal(t, connection.Error, m.Current().Kind)

		c.SetErr(nil)
		m.SetSelection(false)
		assert.Equal(t, connection.Disconnected, m.Current().Kind)
		m.SetSelection(true)
		waitFor(t, m, connection.Connected)
		assert.Equal(t, 2, c.Calls())
	})

	t.Run("request connect leaves error", func(t *testing.T) {
		c := &fakeConnector{err: errors.New("handshake rejected")}
		m := connection.NewManager(c, nil)
		defer m.Close()

		m.SetSignedIn(true)
		m.SetSelection(true)
		waitFor(t, m, connection.Error)

		c.SetErr(nil)
		require.NoError(t, m.RequestConnect())
		waitFor(t, m, connection.Connected)
		assert.Equal(t, 2, c.Calls())
	})

	t.Run("session ending by itself moves to error", func(t *testing.T) {
		c := &fakeConnector{}
		m := connection.NewManager(c, nil)
		defer m.Close()

		m.SetSignedIn(true)
		m.SetSelection(true)
		waitFor(t, m, connection.Connected)

		c.Session(0).die(errors.New("stream closed"))

		waitFor(t, m, connection.Error)
		assert.Equal(t, "stream closed", m.Current().Reason)
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, 1, c.Calls())
	})
}

func TestManager_RequestDisconnect(t *testing.T) {
	c := &fakeConnector{}
	m := connection.NewManager(c, nil)
	defer m.Close()

	m.SetSignedIn(true)
	m.SetSelection(true)
	waitFor(t, m, connection.Connected)

	m.RequestDisconnect()
	assert.Equal(t, connection.Disconnected, m.Current().Kind)
	assert.True(t, c.Session(0).closed.Load())

	// held: re-asserting prerequisites does not reconnect
	m.SetSignedIn(true)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, connection.Disconnected, m.Current().Kind)

	require.NoError(t, m.RequestConnect())
	waitFor(t, m, connection.Connected)
	assert.Equal(t, 2, c.Calls())

	// already connected: a second request is a no-op
	require.NoError(t, m.RequestConnect())
	assert.Equal(t, 2, c.Calls())
}

func TestManager_Watch(t *testing.T) {
	c := &fakeConnector{}
	m := connection.NewManager(c, nil)
	defer m.Close()

	signedIn := make(chan bool)
	selection := make(chan bool)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx, signedIn, selection) }()

	selection <- true
	signedIn <- true
	waitFor(t, m, connection.Connected)

	signedIn <- false
	waitFor(t, m, connection.Disconnected)

	close(signedIn)
	close(selection)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watch did not return after both signals closed")
	}
}

func TestManager_Close(t *testing.T) {
	c := &fakeConnector{}
	m := connection.NewManager(c, nil)
	states, _ := m.Subscribe()

	m.SetSignedIn(true)
	m.SetSelection(true)
	waitFor(t, m, connection.Connected)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.True(t, c.Session(0).closed.Load())

	kinds := drain(states)
	assert.Equal(t, connection.Disconnected, kinds[len(kinds)-1])

	assert.ErrorIs(t, m.RequestConnect(), webhook.ErrConnection)
	m.SetSignedIn(false)
	m.SetSignedIn(true)
	assert.Equal(t, 1, c.Calls())
}

func TestState(t *testing.T) {
	assert.Equal(t, "error(boom)", connection.State{Kind: connection.Error, Reason: "boom"}.String())
	assert.Equal(t, "connected", connection.State{Kind: connection.Connected}.String())
	assert.True(t, connection.State{Kind: connection.Connecting}.IsActive())
	assert.False(t, connection.State{Kind: connection.Error}.IsActive())
	assert.Equal(t, connection.Connected, connection.NewStateKind("connected"))
	assert.Error(t, connection.StateKind(0).Validate())
}
