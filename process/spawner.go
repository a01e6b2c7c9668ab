package process

import (
	"context"
	"io"
	"os"
)

type (
	// Spawner creates child processes for a Launcher.
	Spawner interface {
		// Spawn starts a child for desc. The child must run RunChild with
		// desc, and the other end of the returned Child's transport.
		Spawn(ctx context.Context, desc LaunchDescriptor) (Child, error)
	}

	// Child is a running child process.
	Child interface {
		// Transport is the parent's end of the child's transport.
		Transport() io.ReadWriteCloser
		// Pid returns the OS process id.
		Pid() int
		// Kill forcibly terminates the child.
		Kill() error
		// Wait blocks until the child has exited.
		Wait() error
	}

	// ExecSpawner runs children as new OS processes, passing the encoded
	// LaunchDescriptor after ChildFlag, and the transport as fd 3. Inherited
	// fds, per LaunchDescriptor.Fds, must be numbered 4 or above.
	ExecSpawner struct {
		// Path is the executable, defaulting to os.Executable.
		Path string
		// Args are passed before ChildFlag.
		Args []string
		// Env defaults to the parent's environment.
		Env []string
		// Stdout and Stderr default to the parent's.
		Stdout io.Writer
		Stderr io.Writer
	}

	// InProcessSpawner runs children as goroutines of the calling process,
	// connected by Pipe. Children are not installed as Current.
	InProcessSpawner struct {
		// Options are passed to RunChild.
		Options []Option
	}

	inProcessChild struct {
		transport io.ReadWriteCloser
		cancel    context.CancelFunc
		done      chan struct{}
		err       error
	}
)

// childFd is the fd number of the transport in a child started by an
// ExecSpawner.
const childFd = 3

func (x *ExecSpawner) path() (string, error) {
	if x.Path != `` {
		return x.Path, nil
	}
	return os.Executable()
}

// Spawn starts RunChild on a new goroutine.
func (x *InProcessSpawner) Spawn(ctx context.Context, desc LaunchDescriptor) (Child, error) {
	parent, child := Pipe()
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &inProcessChild{
		transport: parent,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	opts := append(append([]Option(nil), x.Options...), withoutInitialize())
	go func() {
		defer close(c.done)
		c.err = RunChild(ctx, desc, child, opts...)
	}()
	return c, nil
}

func (x *inProcessChild) Transport() io.ReadWriteCloser { return x.transport }

func (x *inProcessChild) Pid() int { return os.Getpid() }

func (x *inProcessChild) Kill() error {
	x.cancel()
	return x.transport.Close()
}

func (x *inProcessChild) Wait() error {
	<-x.done
	return x.err
}
