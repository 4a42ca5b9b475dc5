package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Session is one open subscription to a webhook stream
type Session struct {
	target   Target
	cancel   context.CancelFunc
	done     chan struct{}
	logger   *slog.Logger
	received atomic.Int64

	mu     sync.Mutex
	err    error
	closed bool
}

// Done is closed once both session loops have stopped
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session ended. It is nil while running and after Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Target returns what the session is attached to
func (s *Session) Target() Target {
	return s.target
}

// Received returns how many events the session handed to its handler
func (s *Session) Received() int64 {
	return s.received.Load()
}

// Close stops reading and waits for the session loops to return
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	<-s.done
	return nil
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	if !s.closed {
		s.err = err
	}
	s.mu.Unlock()

	s.cancel()
	if err != nil {
		s.logger.Warn("relay: session ended", "error", err)
	} else {
		s.logger.Info("relay: session closed")
	}
	close(s.done)
}
