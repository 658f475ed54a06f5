package errors

import (
	stderrors "errors"
	"fmt"
)

var (
	ErrWorkerPanic = fmt.Errorf("worker panic")

	// Authorization
	ErrNotSubscribed  = fmt.Errorf("not subscribed to topic")
	ErrUnknownParty   = fmt.Errorf("unknown party")
	ErrUnknownChannel = fmt.Errorf("unknown channel")

	// Backplane
	ErrBackplane       = fmt.Errorf("backplane failure")
	ErrBackplaneClosed = fmt.Errorf("backplane closed")

	// Store
	ErrStore = fmt.Errorf("history store failure")

	// Protocol
	ErrMalformedEvent = fmt.Errorf("malformed event")
	ErrUnknownEvent   = fmt.Errorf("unknown event")

	// Sink
	ErrSinkFull   = fmt.Errorf("connection buffer full")
	ErrSinkClosed = fmt.Errorf("connection closed")

	ErrShuttingDown = fmt.Errorf("relay is shutting down")
	ErrInvalidMode  = fmt.Errorf("invalid relay mode")
	ErrEmptyRoster  = fmt.Errorf("peer mode requires a roster of at least two parties")
)

// ScopedError ties a failure to the topic it happened on so the
// connection that triggered it can tell which request failed.
type ScopedError struct {
	Topic string
	Err   error
}

func (e ScopedError) Error() string {
	if e.Topic == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Topic, e.Err)
}

func (e ScopedError) Unwrap() error { return e.Err }

func Scoped(topic string, err error) error {
	if err == nil {
		return nil
	}
	return ScopedError{Topic: topic, Err: err}
}

// IsAuthorization reports whether err rejects a request for lack of a
// subscription or an unrecognized party.
func IsAuthorization(err error) bool {
	return stderrors.Is(err, ErrNotSubscribed) ||
		stderrors.Is(err, ErrUnknownParty) ||
		stderrors.Is(err, ErrUnknownChannel)
}
