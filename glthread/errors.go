package glthread

import (
	"errors"
	"fmt"
)

var (
	// ErrExited is returned when work is offered to a Thread that has
	// exited, or been asked to.
	ErrExited = errors.New("glthread: thread exited")

	// ErrAlreadyStarted is returned by Thread.Start after the first call.
	ErrAlreadyStarted = errors.New("glthread: thread already started")

	// ErrNoRenderer is returned by View methods that need a Thread, before
	// a renderer is set.
	ErrNoRenderer = errors.New("glthread: no renderer")
)

// CallbackPanicError wraps a value recovered from a renderer callback or a
// queued event.
type CallbackPanicError struct {
	Value    any
	Callback string
}

func (e CallbackPanicError) Error() string {
	return fmt.Sprintf("glthread: %s panicked: %v", e.Callback, e.Value)
}

func (e CallbackPanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
