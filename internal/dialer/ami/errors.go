package ami

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrAuthFailed indicates the PBX rejected the login credentials.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrConnectionLost indicates the link dropped while an action was pending.
	ErrConnectionLost = errors.New("connection lost")

	// ErrActionTimeout indicates no correlated response arrived in time.
	ErrActionTimeout = errors.New("action timeout")

	// ErrClientClosed indicates the client has been closed.
	ErrClientClosed = errors.New("client closed")

	// ErrNotConnected indicates an action was attempted with no usable link.
	ErrNotConnected = errors.New("not connected")
)

// ActionError provides details when the PBX rejects an action.
type ActionError struct {
	Action  string // Action name (e.g. "Originate")
	Message string // PBX-reported message
	Cause   error  // Underlying error, if any
}

func (e *ActionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("action %s: %s", e.Action, e.Message)
	}
	return fmt.Sprintf("action %s: %v", e.Action, e.Cause)
}

func (e *ActionError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the failure is transport-level and the same
// action may succeed after reconnection.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrActionTimeout)
}
