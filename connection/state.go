package connection

import "fmt"

/* StateKind represents where the relay connection is in its lifecycle
 * Follows: Disconnected -> Connecting -> Connected, with Error reachable from Connecting or Connected
 */
type StateKind int

const (
	Disconnected StateKind = iota + 1
	Connecting
	Connected
	Error
)

// String returns the string representation of the state kind
func (k StateKind) String() string {
	switch k {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// NewStateKind creates a StateKind from a string
func NewStateKind(s string) StateKind {
	switch s {
	case "connecting":
		return Connecting
	case "connected":
		return Connected
	case "error":
		return Error
	default:
		return Disconnected
	}
}

// Validate checks if the state kind is valid
func (k StateKind) Validate() error {
	if k < Disconnected || k > Error {
		return fmt.Errorf("invalid connection state: %d", k)
	}
	return nil
}

// State is a snapshot of the connection. Reason is set for Error.
type State struct {
	Kind   StateKind
	Reason string
}

func (s State) String() string {
	if s.Kind == Error {
		return fmt.Sprintf("error(%s)", s.Reason)
	}
	return s.Kind.String()
}

// IsActive returns true while a connect is in flight or a session is open
func (s State) IsActive() bool {
	return s.Kind == Connecting || s.Kind == Connected
}
