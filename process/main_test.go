package process

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-osbridge/internal/logging"
	"github.com/joeycumines/go-osbridge/looper"
)

// opcodes shared with child processes, which may allocate dynamic opcodes
// in a different order
const (
	opEcho = looper.FirstApplicationOpcode + iota
	opEchoReply
)

// testEntries are the entry points available to children, in process or
// re-executed from the test binary.
var testEntries = map[string]EntryFunc{
	`echo`: echoEntry,
}

// echoEntry answers opEcho with opEchoReply, doubling Arg1, and carrying the
// launch arguments.
func echoEntry(ctx context.Context, p *Process, args string) error {
	p.Filter().AddReceiver(`echo`, func(_ looper.Messenger, msg looper.Message) bool {
		if msg.What != opEcho {
			return false
		}
		reply := looper.Message{What: opEchoReply, Arg1: msg.Arg1 * 2}
		reply.Data().PutString(`args`, args)
		p.Send(reply)
		return true
	})
	p.ReportLaunched()
	<-ctx.Done()
	return nil
}

func TestMain(m *testing.M) {
	looper.SetLogger(logging.Discard())
	if IsChildInvocation(os.Args) {
		os.Exit(runTestChild())
	}
	os.Exit(m.Run())
}

func runTestChild() int {
	desc, err := ChildDescriptor(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	transport, err := ChildTransport()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if err := RunChild(
		context.Background(),
		desc,
		transport,
		WithEntries(testEntries),
		WithDeferredLaunchReport(),
		WithLogger(logging.Discard()),
	); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// barrier waits until everything posted to l so far has run.
func barrier(t *testing.T, l *looper.Looper) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, l.Post(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal(`timed out waiting for looper`)
	}
}

func startLooper(t *testing.T) *looper.Looper {
	t.Helper()
	l := looper.StartLooperThread(t.Name())
	t.Cleanup(func() {
		l.Quit()
		<-l.Done()
	})
	return l
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(10 * time.Second):
		t.Fatal(`timed out`)
		panic(`unreachable`)
	}
}
