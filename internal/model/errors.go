package model

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthRequired means no local participant id could be resolved.
	ErrAuthRequired = errors.New("auth required: no local participant")
	// ErrInvalidRecipient means the peer id is malformed or unknown. Not retryable.
	ErrInvalidRecipient = errors.New("invalid recipient")
	// ErrTransportFailure is the class of network and timeout errors.
	ErrTransportFailure = errors.New("transport failure")
	// ErrMalformedResponse means the backend returned an unexpected shape.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrEmptyMessage means neither content nor attachment was given.
	ErrEmptyMessage = errors.New("message has no content or attachment")
	// ErrNotRetryable means the message is unknown or not in the Failed state.
	ErrNotRetryable = errors.New("message is not retryable")
)

// TransportError wraps a recoverable network or timeout failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTransportFailure) hold for every TransportError.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransportFailure
}

// Retryable reports whether err is a recoverable transport failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransportFailure)
}
