package recording

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrAlreadyRunning   = errors.New("already recording")
	ErrNotRunning       = errors.New("not recording")
)

// DeviceError is a microphone init, start or read failure.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Device is a platform capture backend. Start delivers fixed-size frames until
// ctx is cancelled or Stop is called; both channels are closed when capture
// ends. Stop returns once the capture goroutine has exited.
type Device interface {
	Start(ctx context.Context) (<-chan AudioFrame, <-chan error, error)
	Stop() error
}

// Interruption is a device-level interruption signal such as an incoming call.
type Interruption struct {
	Began        bool
	ShouldResume bool // only meaningful when Began is false
}

// InterruptionSource is implemented by devices that can report interruptions.
type InterruptionSource interface {
	Interruptions() <-chan Interruption
}
