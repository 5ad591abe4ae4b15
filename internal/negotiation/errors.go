package negotiation

import "github.com/pkg/errors"

// Error categories reported by Negotiate. Match them with errors.Is.
var (
	ErrTransport       = errors.New("transport error")
	ErrSignaling       = errors.New("signaling error")
	ErrMalformedAnswer = errors.New("malformed answer")
	ErrSessionClosed   = errors.New("session closed")
	ErrAlreadyStarted  = errors.New("negotiation already started")
)

// Error is a negotiation failure. It unwraps to both its category and cause.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.Error()
	}
	return e.Op + ": " + e.Kind.Error() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "connected"
	case errors.Is(err, ErrSessionClosed):
		return "closed"
	case errors.Is(err, ErrSignaling):
		return "signaling_error"
	case errors.Is(err, ErrMalformedAnswer):
		return "malformed_answer"
	default:
		return "transport_error"
	}
}
