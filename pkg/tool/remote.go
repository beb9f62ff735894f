package tool

import "fmt"

// RemoteError wraps a transport or protocol failure from an external tool
// provider. The scheduler maps it to its own error taxonomy so provider
// outages surface as reduced availability, not crashes.
type RemoteError struct {
	Server string
	Err    error
}

func (e *RemoteError) Error() string {
	if e.Server == "" {
		return fmt.Sprintf("remote tool provider: %v", e.Err)
	}
	return fmt.Sprintf("remote tool provider %q: %v", e.Server, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }
