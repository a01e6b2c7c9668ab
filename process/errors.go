package process

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrLaunchFailed is wrapped by errors from Launcher.Connect when the
	// child process could not be created.
	ErrLaunchFailed = errors.New("process: launch failed")

	// ErrConnectionClosed is returned when sending on a closed transport.
	ErrConnectionClosed = errors.New("process: connection closed")

	// ErrDelimiterCollision is returned when a launch descriptor field
	// contains a character used as a delimiter by the encoding.
	ErrDelimiterCollision = errors.New("process: launch descriptor field contains a delimiter")

	// ErrMalformedDescriptor is returned when a launch descriptor cannot be
	// parsed.
	ErrMalformedDescriptor = errors.New("process: malformed launch descriptor")

	// ErrUnknownConnection is returned for a connection id the launcher is
	// not tracking.
	ErrUnknownConnection = errors.New("process: unknown connection")

	// ErrLibraryLoadingDisabled is returned when a library load is requested
	// from a process without a LibraryLoader.
	ErrLibraryLoadingDisabled = errors.New("process: library loading disabled")

	// ErrUnknownEntry is returned when a child's entry point cannot be
	// resolved.
	ErrUnknownEntry = errors.New("process: unknown entry point")

	// ErrUnsupported is returned by spawners on platforms they do not
	// support.
	ErrUnsupported = errors.New("process: unsupported on this platform")
)

// FrameSizeError is returned when a message does not fit the configured
// frame limit. The message is not sent.
type FrameSizeError struct {
	// Size is the size of the frame, in bytes, or in words if Words is set.
	Size int

	// Limit is the configured limit, in the same unit as Size.
	Limit int

	// Words indicates the legacy word-based limit was exceeded.
	Words bool
}

// Error implements the error interface.
func (e *FrameSizeError) Error() string {
	unit := `bytes`
	if e.Words {
		unit = `words`
	}
	return fmt.Sprintf("process: frame of %d %s exceeds limit of %d", e.Size, unit, e.Limit)
}
