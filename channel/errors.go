package channel

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrNotConnected is returned by operations that require an established
	// channel.
	ErrNotConnected = errors.New("channel: not connected")

	// ErrUndeliverable is returned when the remote Messenger refused a
	// handshake message, e.g. because it is empty or its looper has quit.
	ErrUndeliverable = errors.New("channel: remote refused delivery")

	// ErrAttached is returned by Host.Attach for a host that is open.
	ErrAttached = errors.New("channel: host already attached")

	// ErrClosed is returned by a Registry after Close.
	ErrClosed = errors.New("channel: registry closed")
)

// TimeoutError is returned when an awaited reply did not arrive before the
// context (or the configured reply timeout) expired.
type TimeoutError struct {
	// Cause is the context error, context.DeadlineExceeded or
	// context.Canceled.
	Cause error

	// Opcode is the awaited reply opcode.
	Opcode int32

	// Channel is the channel id, or 0 if the channel was not yet connected.
	Channel int32
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("channel: timed out waiting for opcode %d on channel %d: %v", e.Opcode, e.Channel, e.Cause)
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}
