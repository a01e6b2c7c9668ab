//go:build unix

package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sort"

	"golang.org/x/sys/unix"
)

type execChild struct {
	cmd       *exec.Cmd
	transport net.Conn
}

// Spawn starts the executable, connected by a unix socket pair.
func (x *ExecSpawner) Spawn(ctx context.Context, desc LaunchDescriptor) (Child, error) {
	path, err := x.path()
	if err != nil {
		return nil, err
	}
	encoded, err := desc.Encode()
	if err != nil {
		return nil, err
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf(`process: socketpair: %w`, err)
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	parentFile := os.NewFile(uintptr(fds[0]), `osbridge-parent`)
	childFile := os.NewFile(uintptr(fds[1]), `osbridge-child`)
	defer childFile.Close()

	transport, err := net.FileConn(parentFile)
	_ = parentFile.Close()
	if err != nil {
		return nil, fmt.Errorf(`process: transport: %w`, err)
	}

	extra, err := extraFiles(childFile, desc.Fds)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	defer closeInherited(extra)

	args := append(append([]string(nil), x.Args...), ChildFlag, encoded)
	// not CommandContext, the child outlives the launch request
	cmd := exec.Command(path, args...)
	cmd.Env = x.Env
	cmd.Stdin = nil
	cmd.Stdout = x.Stdout
	cmd.Stderr = x.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.ExtraFiles = extra

	if err := ctx.Err(); err != nil {
		_ = transport.Close()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		_ = transport.Close()
		return nil, err
	}
	return &execChild{cmd: cmd, transport: transport}, nil
}

// extraFiles lays out the child's fds from 3, nil entries are closed.
// Inherited handles are duplicated, the caller must release them with
// closeInherited once the child has started.
func extraFiles(transport *os.File, inherit map[int]uint64) ([]*os.File, error) {
	fds := make([]int, 0, len(inherit))
	for fd := range inherit {
		if fd <= childFd {
			return nil, fmt.Errorf(`%w: inherited fd %d is reserved`, ErrMalformedDescriptor, fd)
		}
		fds = append(fds, fd)
	}
	sort.Ints(fds)
	n := 1
	if len(fds) != 0 {
		n = fds[len(fds)-1] - childFd + 1
	}
	files := make([]*os.File, n)
	files[0] = transport
	for _, fd := range fds {
		dup, err := unix.Dup(int(inherit[fd]))
		if err != nil {
			closeInherited(files)
			return nil, fmt.Errorf(`process: inherited fd %d (handle %d): %w`, fd, inherit[fd], err)
		}
		unix.CloseOnExec(dup)
		files[fd-childFd] = os.NewFile(uintptr(dup), fmt.Sprintf(`inherited-%d`, fd))
	}
	return files, nil
}

// closeInherited closes the duplicates made by extraFiles, leaving the
// transport alone.
func closeInherited(files []*os.File) {
	for _, f := range files[1:] {
		if f != nil {
			_ = f.Close()
		}
	}
}

func (x *execChild) Transport() io.ReadWriteCloser { return x.transport }

func (x *execChild) Pid() int { return x.cmd.Process.Pid }

func (x *execChild) Kill() error {
	_ = x.transport.Close()
	if err := x.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (x *execChild) Wait() error { return x.cmd.Wait() }

// ChildTransport returns the transport of a child started by an
// ExecSpawner.
func ChildTransport() (io.ReadWriteCloser, error) {
	f := os.NewFile(childFd, `osbridge-transport`)
	if f == nil {
		return nil, fmt.Errorf(`process: fd %d is not open`, childFd)
	}
	defer f.Close()
	return net.FileConn(f)
}
