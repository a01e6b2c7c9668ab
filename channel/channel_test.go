package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-osbridge/internal/logging"
	"github.com/joeycumines/go-osbridge/looper"
)

func TestMain(m *testing.M) {
	looper.SetLogger(logging.Discard())
	m.Run()
}

type fixture struct {
	hostLooper   *looper.Looper
	clientLooper *looper.Looper
	registry     *Registry
	remote       looper.Messenger
	client       *looper.Handler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		hostLooper:   looper.StartLooperThread(`host`),
		clientLooper: looper.StartLooperThread(`client`),
	}
	t.Cleanup(func() {
		f.hostLooper.Quit()
		f.clientLooper.Quit()
		<-f.hostLooper.Done()
		<-f.clientLooper.Done()
	})

	var filter looper.MessageFilter
	f.registry = NewRegistry(f.hostLooper, append([]Option{WithLogger(logging.Discard())}, opts...)...)
	f.registry.Install(&filter)
	server := looper.NewHandlerForLooper(f.hostLooper, looper.WithHandlerFunc(func(msg looper.Message) {
		if !filter.Dispatch(msg.ReplyTo, msg) {
			t.Errorf(`unexpected message at server: %v`, msg)
		}
	}))
	f.remote = looper.NewMessenger(server)
	f.client = looper.NewHandlerForLooper(f.clientLooper)
	return f
}

func (f *fixture) newChannel(opts ...Option) *Channel {
	return New(f.client, f.remote, append([]Option{WithLogger(logging.Discard())}, opts...)...)
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

func nextMessage(t *testing.T, ch <-chan looper.Message) looper.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal(`timed out waiting for message`)
		return looper.Message{}
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestChannel_connectSendDisconnect(t *testing.T) {
	ops := looper.NewMessages(`echo`, 2)
	echo, echoReply := ops.Opcode(0), ops.Opcode(1)
	f := newFixture(t, WithAcceptFunc(func(h *Host) {
		h.SetReceiver(func(msg looper.Message) {
			if msg.What == echo {
				h.Send(looper.Message{What: echoReply, Arg1: msg.Arg1 * 2})
			}
		})
	}))
	ctx := testContext(t)

	c := f.newChannel()
	assert.False(t, c.Send(looper.Message{What: echo}), `send before connect is a no-op`)
	_, err := c.SendAndWait(ctx, looper.Message{What: echo}, echoReply)
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Connect(ctx), `connect is idempotent`)
	assert.True(t, c.IsConnected())
	id := c.ID()
	assert.NotZero(t, id)
	assert.Equal(t, 1, f.registry.OpenCount())

	reply, err := c.SendAndWait(ctx, looper.Message{What: echo, Arg1: 21}, echoReply)
	require.NoError(t, err)
	assert.Equal(t, int32(42), reply.Arg1)

	reply, err = c.PostAndWait(ctx, func() {
		assert.True(t, f.clientLooper.IsCurrentThread())
		c.Send(looper.Message{What: echo, Arg1: 5})
	}, echoReply)
	require.NoError(t, err)
	assert.Equal(t, int32(10), reply.Arg1)

	require.NoError(t, c.Disconnect(ctx))
	assert.False(t, c.IsConnected())
	assert.Zero(t, c.ID())
	assert.False(t, c.Send(looper.Message{What: echo}), `send after disconnect is a no-op`)
	require.NoError(t, c.Disconnect(ctx), `disconnect is idempotent`)

	barrier(t, f.hostLooper)
	assert.Zero(t, f.registry.OpenCount())
	assert.Zero(t, f.registry.DisconnectedCount())
	assert.Nil(t, f.registry.Get(id))
}

func TestRegistry_uniqueIDsUnderConcurrentConnects(t *testing.T) {
	const stashed, concurrent = 5, 32
	f := newFixture(t, WithAcceptFunc(func(h *Host) { h.Protect() }))
	ctx := testContext(t)

	stashedIDs := make(map[int32]bool)
	for i := 0; i < stashed; i++ {
		c := f.newChannel()
		require.NoError(t, c.Connect(ctx))
		stashedIDs[c.ID()] = true
		require.NoError(t, c.Disconnect(ctx))
	}
	barrier(t, f.hostLooper)
	require.Equal(t, stashed, f.registry.DisconnectedCount())

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[int32]int)
	)
	for i := 0; i < concurrent; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := f.newChannel()
			if err := c.Connect(ctx); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			ids[c.ID()]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, concurrent)
	for id, n := range ids {
		assert.Equal(t, 1, n, `id %d issued more than once`, id)
		assert.False(t, stashedIDs[id], `id %d collides with a stashed channel`, id)
	}
	assert.Equal(t, concurrent, f.registry.OpenCount())
	assert.Equal(t, stashed, f.registry.DisconnectedCount())
}

func TestRegistry_protectedRoundTrip(t *testing.T) {
	var (
		mu       sync.Mutex
		accepted = make(map[int32]*Host)
	)
	f := newFixture(t, WithAcceptFunc(func(h *Host) {
		h.Protect()
		mu.Lock()
		accepted[h.ID()] = h
		mu.Unlock()
	}))
	ctx := testContext(t)

	c := f.newChannel()
	require.NoError(t, c.Connect(ctx))
	id := c.ID()
	require.NoError(t, c.Disconnect(ctx))
	barrier(t, f.hostLooper)

	assert.Zero(t, f.registry.OpenCount())
	assert.Equal(t, 1, f.registry.DisconnectedCount())

	h := f.registry.Get(id)
	require.NotNil(t, h)
	mu.Lock()
	assert.Same(t, accepted[id], h)
	mu.Unlock()
	assert.True(t, h.Client().Equal(c.Messenger()), `same stored reply messenger`)
	assert.True(t, h.Protected())
	assert.True(t, h.Released())
	assert.False(t, h.Send(looper.Message{What: 1}))

	assert.Nil(t, f.registry.Get(id), `stash is consumed exactly once`)
	assert.Zero(t, f.registry.DisconnectedCount())

	// resume the recovered host with a new client
	ops := looper.NewMessages(`resume`, 3)
	ping, pong, pushed := ops.Opcode(0), ops.Opcode(1), ops.Opcode(2)
	got := make(chan looper.Message, 4)
	resumed := looper.NewMessenger(looper.NewHandlerForLooper(f.clientLooper, looper.WithHandlerFunc(func(msg looper.Message) {
		got <- msg
	})))
	h.SetReceiver(func(msg looper.Message) {
		if msg.What == ping {
			h.Send(looper.Message{What: pong, Arg1: msg.Arg1})
		}
	})
	assert.ErrorIs(t, h.Attach(looper.Messenger{}), ErrUndeliverable)
	require.NoError(t, h.Attach(resumed))
	assert.ErrorIs(t, h.Attach(resumed), ErrAttached)
	assert.False(t, h.Released())
	assert.True(t, h.Published())
	assert.True(t, h.Client().Equal(resumed))
	assert.Equal(t, 1, f.registry.OpenCount())

	connected := nextMessage(t, got)
	assert.Equal(t, looper.OpConnected, connected.What)
	assert.Equal(t, id, connected.Arg1)
	require.True(t, connected.ReplyTo.Equal(h.Messenger()))

	require.True(t, h.Send(looper.Message{What: pushed}))
	assert.Equal(t, pushed, nextMessage(t, got).What)

	require.True(t, connected.ReplyTo.Send(looper.Message{What: ping, Arg1: 9, ReplyTo: resumed}))
	reply := nextMessage(t, got)
	assert.Equal(t, pong, reply.What)
	assert.Equal(t, int32(9), reply.Arg1)

	// published, so the next disconnect drops it
	h.Disconnect()
	assert.Equal(t, looper.OpDisconnected, nextMessage(t, got).What)
	assert.True(t, h.Released())
	assert.Zero(t, f.registry.OpenCount())
	assert.Zero(t, f.registry.DisconnectedCount())
	assert.False(t, h.Send(looper.Message{What: pushed}))
}

func TestHost_attachAfterClose(t *testing.T) {
	f := newFixture(t, WithAcceptFunc(func(h *Host) { h.Protect() }))
	ctx := testContext(t)

	c := f.newChannel()
	require.NoError(t, c.Connect(ctx))
	id := c.ID()
	require.NoError(t, c.Disconnect(ctx))
	barrier(t, f.hostLooper)

	f.registry.Close()
	h := f.registry.Get(id)
	require.NotNil(t, h)
	assert.ErrorIs(t, h.Attach(c.Messenger()), ErrClosed)
	assert.True(t, h.Released())
	assert.Zero(t, f.registry.OpenCount())
}

func TestRegistry_publishedChannelIsNotStashed(t *testing.T) {
	f := newFixture(t, WithAcceptFunc(func(h *Host) { h.Protect() }))
	ctx := testContext(t)

	c := f.newChannel()
	require.NoError(t, c.Connect(ctx))
	h := f.registry.Get(c.ID())
	require.NotNil(t, h)
	assert.True(t, h.Published())
	assert.Same(t, h, f.registry.Get(c.ID()))

	require.NoError(t, c.Disconnect(ctx))
	barrier(t, f.hostLooper)
	assert.Zero(t, f.registry.DisconnectedCount())
	assert.Nil(t, f.registry.Get(h.ID()))
}

func TestChannel_repliesBeforeAwaitedReachReceiver(t *testing.T) {
	ops := looper.NewMessages(`stream`, 4)
	request, first, second, done := ops.Opcode(0), ops.Opcode(1), ops.Opcode(2), ops.Opcode(3)
	f := newFixture(t, WithAcceptFunc(func(h *Host) {
		h.SetReceiver(func(msg looper.Message) {
			if msg.What == request {
				h.Send(looper.Message{What: first})
				h.Send(looper.Message{What: second})
				h.Send(looper.Message{What: done})
			}
		})
	}))
	ctx := testContext(t)

	var (
		mu   sync.Mutex
		seen []int32
	)
	c := f.newChannel(WithReceiver(func(msg looper.Message) {
		mu.Lock()
		seen = append(seen, msg.What)
		mu.Unlock()
	}))
	require.NoError(t, c.Connect(ctx))

	reply, err := c.SendAndWait(ctx, looper.Message{What: request}, done)
	require.NoError(t, err)
	assert.Equal(t, done, reply.What)

	mu.Lock()
	assert.Equal(t, []int32{first, second, done}, seen)
	mu.Unlock()
}

func TestChannel_waitTimeout(t *testing.T) {
	f := newFixture(t)

	c := f.newChannel()
	require.NoError(t, c.Connect(testContext(t)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Wait(ctx, looper.UniqueMessageIdentifier())
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, c.ID(), timeout.Channel)

	c2 := f.newChannel(WithReplyTimeout(20 * time.Millisecond))
	require.NoError(t, c2.Connect(testContext(t)))
	_, err = c2.Wait(context.Background(), looper.UniqueMessageIdentifier())
	assert.ErrorAs(t, err, &timeout)

	// a timed out wait does not block the next one
	_, err = c2.Wait(context.Background(), looper.UniqueMessageIdentifier())
	assert.ErrorAs(t, err, &timeout)
}

func TestChannel_secondOutstandingWaitPanics(t *testing.T) {
	f := newFixture(t)
	c := f.newChannel()
	require.NoError(t, c.Connect(testContext(t)))

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := c.Wait(ctx, looper.UniqueMessageIdentifier())
		errs <- err
	}()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.waiting
	}, 5*time.Second, time.Millisecond)

	assert.Panics(t, func() { _, _ = c.Wait(context.Background(), 1) })

	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)
}

func TestChannel_waitOnLooperThreadPanics(t *testing.T) {
	f := newFixture(t)
	c := f.newChannel()
	recovered := make(chan any, 1)
	require.NoError(t, f.clientLooper.Post(func() {
		defer func() { recovered <- recover() }()
		_, _ = c.Wait(context.Background(), 1)
	}))
	select {
	case v := <-recovered:
		assert.NotNil(t, v)
	case <-time.After(5 * time.Second):
		t.Fatal(`timed out`)
	}
}

func TestHost_disconnectNotifiesClient(t *testing.T) {
	hosts := make(chan *Host, 1)
	f := newFixture(t, WithAcceptFunc(func(h *Host) { hosts <- h }))
	ctx := testContext(t)

	c := f.newChannel()
	require.NoError(t, c.Connect(ctx))
	h := <-hosts

	h.Disconnect()
	assert.True(t, h.Released())
	assert.Zero(t, f.registry.OpenCount())
	// DISCONNECTED travels through the client handler's timer
	require.Eventually(t, func() bool { return !c.IsConnected() }, 5*time.Second, time.Millisecond)
}

func TestRegistry_dropPeerAndClose(t *testing.T) {
	f := newFixture(t, WithAcceptFunc(func(h *Host) {
		if h.ID()%2 == 0 {
			h.Protect()
		}
	}))
	ctx := testContext(t)

	var channels []*Channel
	for i := 0; i < 4; i++ {
		c := f.newChannel()
		require.NoError(t, c.Connect(ctx))
		channels = append(channels, c)
	}
	dead := channels[0].Messenger()
	n := f.registry.DropPeer(func(client looper.Messenger) bool { return client.Equal(dead) })
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, f.registry.OpenCount())

	f.registry.Close()
	assert.Zero(t, f.registry.OpenCount())
	assert.Equal(t, 2, f.registry.DisconnectedCount(), `protected hosts survive close`)

	_, err := f.registry.Accept(looper.Message{What: looper.OpConnect, ReplyTo: channels[0].Messenger()})
	assert.ErrorIs(t, err, ErrClosed)

	for _, c := range channels[1:] {
		require.Eventually(t, func() bool { return !c.IsConnected() }, 5*time.Second, time.Millisecond)
	}
	assert.True(t, channels[0].IsConnected(), `dropped peers are not notified`)
}

func TestRegistry_acceptRequiresReplyTo(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Accept(looper.Message{What: looper.OpConnect})
	assert.ErrorIs(t, err, ErrUndeliverable)
	assert.Zero(t, f.registry.OpenCount())
}
