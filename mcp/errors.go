package mcp

import (
	"errors"
	"fmt"
	"net"
)

// ErrRegistryUnavailable means the registry endpoint could not be
// reached or answered with a server error.
var ErrRegistryUnavailable = errors.New("mcp: registry unavailable")

// ServiceUnavailableError means a known service did not respond (network
// failure, timeout, or 5xx). Transient: worth retrying.
type ServiceUnavailableError struct {
	ServiceID string
	Err       error
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("mcp: service %q unavailable: %v", e.ServiceID, e.Err)
}

func (e *ServiceUnavailableError) Unwrap() error { return e.Err }

// Transient marks the error retryable for the engine's retry policy.
func (e *ServiceUnavailableError) Transient() bool { return true }

// ProtocolError means a service answered with something that is not the
// expected wire shape. Not retryable: the same request will fail again.
type ProtocolError struct {
	ServiceID string
	Reason    string
	Err       error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mcp: protocol error from %q: %s", e.ServiceID, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ToolError means the service executed the call and reported a failure
// of its own (bad query, missing file). The transport worked; retrying
// the identical call is pointless.
type ToolError struct {
	ServiceID string
	Action    string
	Message   string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("mcp: tool %q action %q failed: %s", e.ServiceID, e.Action, e.Message)
}

// transientNetErr reports whether a transport-level error is worth an
// in-client retry: timeouts and connection failures, not protocol
// problems.
func transientNetErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
