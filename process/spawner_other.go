//go:build !unix

package process

import (
	"context"
	"io"
)

// Spawn is unsupported on this platform.
func (x *ExecSpawner) Spawn(ctx context.Context, desc LaunchDescriptor) (Child, error) {
	return nil, ErrUnsupported
}

// ChildTransport is unsupported on this platform.
func ChildTransport() (io.ReadWriteCloser, error) {
	return nil, ErrUnsupported
}
