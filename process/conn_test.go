package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-osbridge/internal/logging"
	"github.com/joeycumines/go-osbridge/looper"
)

type connPair struct {
	a, b       *Conn
	aRoot      chan looper.Message
	bRoot      chan looper.Message
	aL, bL     *looper.Looper
	aErr, bErr chan error
}

func newConnPair(t *testing.T, opts ...Option) *connPair {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	x := &connPair{
		aRoot: make(chan looper.Message, 16),
		bRoot: make(chan looper.Message, 16),
		aL:    startLooper(t),
		bL:    startLooper(t),
		aErr:  make(chan error, 1),
		bErr:  make(chan error, 1),
	}
	aRoot := looper.NewHandlerForLooper(x.aL, looper.WithHandlerFunc(func(msg looper.Message) { x.aRoot <- msg }))
	bRoot := looper.NewHandlerForLooper(x.bL, looper.WithHandlerFunc(func(msg looper.Message) { x.bRoot <- msg }))
	ra, rb := Pipe()
	x.a = NewConn(ra, looper.NewMessenger(aRoot), opts...)
	x.b = NewConn(rb, looper.NewMessenger(bRoot), opts...)
	go func() { x.aErr <- x.a.Serve(context.Background()) }()
	go func() { x.bErr <- x.b.Serve(context.Background()) }()
	t.Cleanup(func() {
		_ = x.a.Close()
		_ = x.b.Close()
	})
	return x
}

func TestConn_deliversWithMessengersAndData(t *testing.T) {
	x := newConnPair(t)

	// a local handler on side a, which side b will reply to
	aReplies := make(chan looper.Message, 4)
	aReplyHandler := looper.NewHandlerForLooper(x.aL, looper.WithHandlerFunc(func(msg looper.Message) { aReplies <- msg }))
	aReply := looper.NewMessenger(aReplyHandler)

	toB := x.a.Import(RootHandle)
	assert.True(t, x.a.Owns(toB))
	assert.False(t, x.b.Owns(toB))
	assert.True(t, toB.Equal(x.a.Import(RootHandle)), `imports are cached`)

	msg := looper.ObtainArgsObj(nil, 70, 1, -2, 1<<40)
	msg.ReplyTo = aReply
	msg.Data().PutInt32(`n`, 42)
	msg.Data().PutString(`s`, `text`)
	require.True(t, toB.Send(msg))

	got := receive(t, x.bRoot)
	assert.Equal(t, int32(70), got.What)
	assert.Equal(t, int32(1), got.Arg1)
	assert.Equal(t, int32(-2), got.Arg2)
	assert.Equal(t, int64(1<<40), got.Obj)
	assert.Equal(t, `42`, got.PeekData().GetCharSequence(`n`), `numbers cross as text`)
	assert.Equal(t, int32(42), got.PeekData().GetInt32(`n`, 0))
	assert.Equal(t, `text`, got.PeekData().GetString(`s`, ``))
	require.True(t, x.b.Owns(got.ReplyTo))

	// a second message from the same messenger imports to an equal one
	require.True(t, toB.Send(looper.Message{What: 71, ReplyTo: aReply}))
	again := receive(t, x.bRoot)
	assert.True(t, again.ReplyTo.Equal(got.ReplyTo))

	// replying, with the remote messenger itself as ReplyTo, resolves to
	// a's own local handler on arrival
	require.True(t, got.ReplyTo.Send(looper.Message{What: 72, ReplyTo: got.ReplyTo}))
	reply := receive(t, aReplies)
	assert.Equal(t, int32(72), reply.What)
	assert.Same(t, aReplyHandler, reply.ReplyTo.Handler())
	assert.Nil(t, reply.PeekData())
}

func TestConn_unknownHandleIsDropped(t *testing.T) {
	x := newConnPair(t)
	require.True(t, x.a.Import(99).Send(looper.Message{What: 1}))
	require.True(t, x.a.Import(RootHandle).Send(looper.Message{What: 2}))
	assert.Equal(t, int32(2), receive(t, x.bRoot).What)
}

func TestConn_frameSizeErrorIsReturned(t *testing.T) {
	x := newConnPair(t, WithLegacyFrameLimit())
	msg := looper.Message{What: 1}
	msg.Data().PutString(`big`, string(make([]byte, LegacyFrameWords*wordSize)))
	var sizeErr *FrameSizeError
	assert.ErrorAs(t, x.a.Send(RootHandle, msg), &sizeErr)
	assert.False(t, x.a.Import(RootHandle).Send(msg))

	// the transport is still usable
	require.NoError(t, x.a.Send(RootHandle, looper.Message{What: 2}))
	assert.Equal(t, int32(2), receive(t, x.bRoot).What)
}

func TestConn_closePropagates(t *testing.T) {
	x := newConnPair(t)
	closed := make(chan struct{})
	x.b.OnClose(func() { close(closed) })

	require.NoError(t, x.a.Close())
	assert.NoError(t, receive(t, x.aErr))
	assert.NoError(t, receive(t, x.bErr), `peer close is a clean shutdown`)
	receive(t, closed)

	assert.ErrorIs(t, x.a.Send(RootHandle, looper.Message{}), ErrConnectionClosed)
	called := false
	x.a.OnClose(func() { called = true })
	assert.True(t, called, `OnClose after close runs immediately`)
}

func TestConn_serveHonorsContext(t *testing.T) {
	ra, rb := Pipe()
	a := NewConn(ra, looper.Messenger{}, WithLogger(logging.Discard()))
	defer rb.Close()
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- a.Serve(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, receive(t, errs), context.Canceled)
	select {
	case <-a.Done():
	default:
		t.Fatal(`conn not closed`)
	}
}
