package webhook

import "errors"

/* Error taxonomy shared by the relay and the forwarding client
 * Callers wrap these with fmt.Errorf("...: %w", ErrX) and test with errors.Is
 * Only ErrConfig is fatal to a process
 */
var (
	// ErrConfig marks an invalid or incomplete configuration
	ErrConfig = errors.New("configuration error")

	// ErrAuth means the client is not signed in or its credentials were rejected
	ErrAuth = errors.New("authentication error")

	// ErrConnection means the relay could not be reached or rejected the session
	ErrConnection = errors.New("connection error")

	// ErrNoRoute means no delivery rule matched the event source
	ErrNoRoute = errors.New("no matching rule")

	// ErrDispatch means a forward failed and retries were exhausted
	ErrDispatch = errors.New("dispatch error")

	// ErrExpired means the event was older than ExpirationWindow
	ErrExpired = errors.New("event expired")

	// ErrNotFound is returned by repositories for unknown ids
	ErrNotFound = errors.New("not found")
)
