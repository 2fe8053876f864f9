package session

import (
	"errors"
	"fmt"

	"github.com/fieldvoice/fieldvoice/internal/protocol"
)

var (
	ErrReadyTimeout     = errors.New("timed out waiting for ready")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrAlreadyConnected = errors.New("session already connected")
	ErrClosed           = errors.New("session closed")
)

// TransportError is a dial, read or write failure. It is recovered through
// the reconnect policy when it happens after the session became ready.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ServerError is a chunk-error or error message sent by the backend.
type ServerError struct {
	Type    protocol.MessageType
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server %s: %s", e.Type, e.Message)
}

// FatalError marks an error as non-recoverable for the current session.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	if e == nil || e.Err == nil {
		return "fatal session error"
	}
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func NewFatalError(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
