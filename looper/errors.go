package looper

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrLooperQuit is returned when work is submitted to a looper that has quit.
	ErrLooperQuit = errors.New("looper: looper has quit")

	// ErrNotLooperThread is returned when Loop is called from a goroutine
	// other than the one that prepared the looper.
	ErrNotLooperThread = errors.New("looper: not called on the looper thread")

	// ErrAlreadyLooping is returned when Loop is called twice.
	ErrAlreadyLooping = errors.New("looper: loop is already running")
)

// UnhandledMessageError is the panic value raised when a message reaches a
// Handler that has no MessageHandler. It is deliberately not recovered by
// the looper.
type UnhandledMessageError struct {
	Message Message
}

// Error implements the error interface.
func (e *UnhandledMessageError) Error() string {
	return fmt.Sprintf("looper: handler has no message handler for %v", e.Message)
}

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("looper: task panicked: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
