package messaging

import "errors"

var (
	ErrNotAuthenticated      = errors.New("messaging: not authenticated")
	ErrNetworkUnavailable    = errors.New("messaging: network unavailable")
	ErrNoActiveConversation  = errors.New("messaging: no conversation is open")
	ErrEmptyContent          = errors.New("messaging: message content is empty")
	ErrUnresolvableRecipient = errors.New("messaging: cannot determine the recipient")
	ErrMessageNotFound       = errors.New("messaging: message not found")
	ErrNotRetryable          = errors.New("messaging: only failed messages can be retried")
	ErrInvalidCounterpart    = errors.New("messaging: invalid counterpart user id")
	ErrSuperseded            = errors.New("messaging: another conversation was opened")
	ErrClosed                = errors.New("messaging: manager closed")
)

// TransportError wraps a failure of the realtime socket.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "messaging: realtime " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }
