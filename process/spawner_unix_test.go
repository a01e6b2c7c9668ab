//go:build unix

package process

import (
	"context"
	"io"
	"os"
	"os/exec"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-osbridge/internal/logging"
	"github.com/joeycumines/go-osbridge/looper"
)

func TestExecSpawner_echo(t *testing.T) {
	if testing.Short() {
		t.Skip(`re-executes the test binary`)
	}

	l := startLooper(t)
	p := New(WithLooper(l), WithLogger(logging.Discard()))
	launcher := NewLauncher(p, WithLogger(logging.Discard()), WithSpawner(&ExecSpawner{
		Path:   os.Args[0],
		Stdout: io.Discard,
	}))
	t.Cleanup(func() { _ = launcher.Close() })

	c, err := launcher.Connect(context.Background(), ``, `echo`, `from exec`, nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, os.Getpid(), c.Pid())
	got := make(chan looper.Message, 1)
	c.Filter().AddReceiver(`echo`, func(_ looper.Messenger, msg looper.Message) bool {
		got <- msg
		return true
	})
	receive(t, c.Launched())

	require.True(t, c.Send(looper.Message{What: opEcho, Arg1: 5}))
	reply := receive(t, got)
	assert.Equal(t, opEchoReply, reply.What)
	assert.Equal(t, int32(10), reply.Arg1)
	assert.Equal(t, `from exec`, reply.PeekData().GetString(`args`, ``))

	require.NoError(t, c.Unbind())
	receive(t, c.Exited())
	assert.Zero(t, launcher.Running())
}

func TestExecSpawner_reservedFd(t *testing.T) {
	_, err := (&ExecSpawner{Path: os.Args[0]}).Spawn(context.Background(), LaunchDescriptor{
		ModuleEntry: `echo`,
		Fds:         map[int]uint64{3: 0},
	})
	assert.ErrorIs(t, err, ErrMalformedDescriptor)
}

func TestExtraFiles_layout(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	files, err := extraFiles(r, map[int]uint64{6: uint64(w.Fd())})
	require.NoError(t, err)
	require.Len(t, files, 4)
	assert.Same(t, r, files[0])
	assert.Nil(t, files[1])
	assert.Nil(t, files[2])
	require.NotNil(t, files[3])
	assert.Equal(t, `inherited-6`, files[3].Name())
	assert.NotEqual(t, w.Fd(), files[3].Fd(), `inherited handles are duplicated`)

	closeInherited(files)
	_, err = unix.FcntlInt(w.Fd(), unix.F_GETFD, 0)
	assert.NoError(t, err, `closing the duplicate must not close the original`)
	_, err = unix.FcntlInt(r.Fd(), unix.F_GETFD, 0)
	assert.NoError(t, err, `the transport is left open`)
}

func TestExtraFiles_badHandle(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	// 1<<20 is never open
	_, err = extraFiles(r, map[int]uint64{4: uint64(w.Fd()), 5: 1 << 20})
	assert.ErrorIs(t, err, unix.EBADF)
}

func TestExecSpawner_inheritedFdSurvivesChild(t *testing.T) {
	path, err := exec.LookPath(`true`)
	if err != nil {
		t.Skip(`no true executable`)
	}

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	fd := w.Fd()

	child, err := (&ExecSpawner{Path: path}).Spawn(context.Background(), LaunchDescriptor{
		ModuleEntry: `echo`,
		Fds:         map[int]uint64{4: uint64(fd)},
	})
	require.NoError(t, err)
	_ = child.Wait()
	_ = child.Transport().Close()

	for range 3 {
		runtime.GC()
	}
	_, err = unix.FcntlInt(fd, unix.F_GETFD, 0)
	require.NoError(t, err, `parent fd closed after spawn`)
	_, err = w.Write([]byte{1})
	require.NoError(t, err)
}
