package process

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-osbridge/channel"
	"github.com/joeycumines/go-osbridge/internal/logging"
	"github.com/joeycumines/go-osbridge/looper"
)

type fakeLoader struct {
	mu     sync.Mutex
	loaded []string
	err    error
}

func (x *fakeLoader) LoadLibrary(name string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.err != nil {
		return x.err
	}
	x.loaded = append(x.loaded, name)
	return nil
}

func (x *fakeLoader) LookupEntry(module, entry string) (EntryFunc, error) {
	if module == `fake.so` && entry == `echo` {
		return echoEntry, nil
	}
	return nil, ErrUnknownEntry
}

func loadLibraryMessage(name string) looper.Message {
	msg := looper.Message{What: looper.OpLoadLibrary}
	msg.Data().PutString(looper.KeyLibraryName, name)
	return msg
}

func TestCurrent_panicsBeforeInitialize(t *testing.T) {
	saved := current.Swap(nil)
	t.Cleanup(func() { current.Store(saved) })

	assert.Panics(t, func() { Current() })
	p := New(WithLooper(startLooper(t)), WithLogger(logging.Discard()))
	Initialize(p)
	assert.Same(t, p, Current())
	Initialize(nil)
	assert.Panics(t, func() { Current() })
}

func TestProcess_loadLibrary(t *testing.T) {
	loader := &fakeLoader{}
	l := startLooper(t)
	p := New(WithLooper(l), WithLibraryLoader(loader), WithLogger(logging.Discard()))

	require.True(t, p.Messenger().Send(loadLibraryMessage(`libdemo.so`)))
	barrier(t, l)
	loader.mu.Lock()
	assert.Equal(t, []string{`libdemo.so`}, loader.loaded)
	loader.mu.Unlock()

	loader.err = errors.New(`boom`)
	assert.True(t, p.Receive(looper.Messenger{}, loadLibraryMessage(`bad.so`)), `consumed even on failure`)
	assert.Error(t, p.LoadLibrary(`bad.so`))

	disabled := New(WithLooper(l), WithLogger(logging.Discard()))
	assert.True(t, disabled.Receive(looper.Messenger{}, loadLibraryMessage(`x.so`)))
	assert.ErrorIs(t, disabled.LoadLibrary(`x.so`), ErrLibraryLoadingDisabled)
}

func TestProcess_receiveDispatchesToFilter(t *testing.T) {
	l := startLooper(t)
	p := New(WithLooper(l), WithLogger(logging.Discard()))
	assert.True(t, p.IsRoot())
	assert.Zero(t, p.ConnectionID())

	got := make(chan looper.Message, 1)
	p.Filter().AddReceiver(`test`, func(_ looper.Messenger, msg looper.Message) bool {
		if msg.What != opEcho {
			return false
		}
		got <- msg
		return true
	})
	require.True(t, p.Messenger().Send(looper.Message{What: opEcho, Arg1: 3}))
	assert.Equal(t, int32(3), receive(t, got).Arg1)
	assert.False(t, p.Receive(looper.Messenger{}, looper.Message{What: opEchoReply}))

	// the channel registry answers CONNECT
	client := looper.NewHandlerForLooper(startLooper(t))
	c := channel.New(client, p.Messenger(), channel.WithLogger(logging.Discard()))
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, p.Channels().OpenCount())
}

func TestProcess_sendIsNoOpUntilLaunched(t *testing.T) {
	l := startLooper(t)
	root := New(WithLooper(l), WithLogger(logging.Discard()))
	assert.False(t, root.Send(looper.Message{What: 1}))
	assert.False(t, root.ReportLaunched(), `no parent`)
	assert.False(t, root.Send(looper.Message{What: 1}))
}

func TestProcess_start(t *testing.T) {
	var (
		ran     bool
		onMain  bool
		looping bool
	)
	errs := make(chan error, 1)
	go func() {
		p := New(WithLogger(logging.Discard()))
		errs <- p.Start(func(ctx context.Context) error {
			ran = true
			onMain = p.Looper().IsCurrentThread()
			done := make(chan struct{})
			p.Post(looper.NewCallback(func() {
				looping = p.Looper().State() == looper.StateLooping
				close(done)
			}))
			<-done
			return errors.New(`main failed`)
		})
	}()
	assert.EqualError(t, receive(t, errs), `main failed`)
	assert.True(t, ran)
	assert.False(t, onMain, `main runs on its own goroutine`)
	assert.True(t, looping)
}

func TestProcess_startRequiresLooperThread(t *testing.T) {
	p := New(WithLooper(startLooper(t)), WithLogger(logging.Discard()))
	assert.ErrorIs(t, p.Start(func(context.Context) error { return nil }), looper.ErrNotLooperThread)
}

func TestProcess_startCancelsMainWhenLooperQuits(t *testing.T) {
	errs := make(chan error, 1)
	go func() {
		p := New(WithLogger(logging.Discard()))
		errs <- p.Start(func(ctx context.Context) error {
			p.Looper().Quit()
			<-ctx.Done()
			return nil
		})
	}()
	assert.NoError(t, receive(t, errs))
}

func TestProcess_channelOptions(t *testing.T) {
	var accepted atomic.Int32
	p := New(
		WithLooper(startLooper(t)),
		WithLogger(logging.Discard()),
		WithChannelOptions(channel.WithAcceptFunc(func(h *channel.Host) {
			accepted.Add(1)
			h.SetReceiver(func(msg looper.Message) {
				if msg.What == opEcho {
					h.Send(looper.Message{What: opEchoReply, Arg1: msg.Arg1 + 1})
				}
			})
		})),
	)

	c := channel.New(looper.NewHandlerForLooper(startLooper(t)), p.Messenger(), channel.WithLogger(logging.Discard()))
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, int32(1), accepted.Load())
	reply, err := c.SendAndWait(context.Background(), looper.Message{What: opEcho, Arg1: 1}, opEchoReply)
	require.NoError(t, err)
	assert.Equal(t, int32(2), reply.Arg1)
	require.NoError(t, c.Disconnect(context.Background()))
}
