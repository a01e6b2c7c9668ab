package channel

import (
	"context"
	"sync"
	"time"

	"github.com/joeycumines/go-osbridge/internal/logging"
	"github.com/joeycumines/go-osbridge/looper"
)

// Channel is the connecting side of a channel.
//
// The blocking methods (Connect, SendAndWait, PostAndWait, Wait and
// Disconnect) must not be called from the looper thread the channel
// receives on, and at most one may be outstanding at a time. Both are
// programming errors, and panic.
type Channel struct {
	// Prevent copying
	_ [0]func()

	handler  *looper.Handler
	reply    *looper.Handler
	inbound  looper.Messenger
	remote   looper.Messenger
	logger   *logging.Logger
	receiver func(msg looper.Message)
	timeout  time.Duration
	confirm  int32

	mu        sync.Mutex
	id        int32
	sender    looper.Messenger
	connected bool
	waiting   bool
	waitFor   int32
	replies   chan looper.Message
}

// New returns an unconnected Channel to remote, a Messenger for a process
// whose filter has a Registry installed. Replies are received on the looper
// of h, and PostAndWait runs its closure via h.
func New(h *looper.Handler, remote looper.Messenger, opts ...Option) *Channel {
	if h == nil {
		panic(`channel: nil handler`)
	}
	cfg := resolveOptions(opts)
	x := &Channel{
		handler:  h,
		remote:   remote,
		logger:   cfg.logger,
		receiver: cfg.receiver,
		timeout:  cfg.replyTimeout,
		confirm:  cfg.confirm,
	}
	x.reply = looper.NewHandlerForLooper(h.Looper(), looper.WithHandlerFunc(x.handleMessage))
	x.inbound = looper.NewMessenger(x.reply)
	return x
}

// ID returns the channel id, or 0 if not connected.
func (x *Channel) ID() int32 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.id
}

// IsConnected reports whether the handshake completed, and the channel has
// not since been disconnected.
func (x *Channel) IsConnected() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.connected
}

// Messenger returns the Messenger the host replies to.
func (x *Channel) Messenger() looper.Messenger { return x.inbound }

// Connect sends CONNECT to the remote, and blocks until it is confirmed.
// Connecting an already connected channel is a no-op.
func (x *Channel) Connect(ctx context.Context) error {
	if x.IsConnected() {
		return nil
	}
	_, err := x.await(ctx, x.confirm, func() bool {
		return x.remote.Send(looper.Message{What: looper.OpConnect, Arg1: x.confirm, ReplyTo: x.inbound})
	})
	if err != nil {
		return err
	}
	x.logger.Debug().
		Int64(`channel`, int64(x.ID())).
		Log(`channel: connect confirmed`)
	return nil
}

// Send delivers msg to the host, fire-and-forget. It is a no-op, returning
// false, if the channel is not connected.
func (x *Channel) Send(msg looper.Message) bool {
	x.mu.Lock()
	sender, connected := x.sender, x.connected
	x.mu.Unlock()
	if !connected {
		return false
	}
	if !msg.ReplyTo.IsValid() {
		msg.ReplyTo = x.inbound
	}
	return sender.Send(msg)
}

// SendAndWait sends msg, then blocks until a reply with opcode waitFor is
// received, returning it. Every message received before the reply has
// already been dispatched to the receiver.
func (x *Channel) SendAndWait(ctx context.Context, msg looper.Message, waitFor int32) (looper.Message, error) {
	if !x.IsConnected() {
		return looper.Message{}, ErrNotConnected
	}
	return x.await(ctx, waitFor, func() bool { return x.Send(msg) })
}

// PostAndWait runs fn on the channel's looper, then blocks until a reply
// with opcode waitFor is received.
func (x *Channel) PostAndWait(ctx context.Context, fn func(), waitFor int32) (looper.Message, error) {
	if !x.IsConnected() {
		return looper.Message{}, ErrNotConnected
	}
	return x.await(ctx, waitFor, func() bool { return x.handler.PostFunc(fn) != nil })
}

// Wait blocks until a message with opcode waitFor is received. Only
// messages received after the call are considered.
func (x *Channel) Wait(ctx context.Context, waitFor int32) (looper.Message, error) {
	return x.await(ctx, waitFor, nil)
}

// Disconnect sends DISCONNECT to the host, and blocks until it confirms.
// Disconnecting an unconnected channel is a no-op.
func (x *Channel) Disconnect(ctx context.Context) error {
	x.mu.Lock()
	id, sender, connected := x.id, x.sender, x.connected
	x.mu.Unlock()
	if !connected {
		return nil
	}
	_, err := x.await(ctx, looper.OpDisconnected, func() bool {
		return sender.Send(looper.Message{What: looper.OpDisconnect, Arg1: id, ReplyTo: x.inbound})
	})
	if err != nil {
		return err
	}
	x.reply.RemoveAll()
	x.logger.Debug().
		Int64(`channel`, int64(id)).
		Log(`channel: disconnected`)
	return nil
}

// await registers the wait, runs start, if any, then blocks for the reply.
func (x *Channel) await(ctx context.Context, waitFor int32, start func() bool) (looper.Message, error) {
	if x.reply.Looper().IsCurrentThread() {
		panic(`channel: blocking wait on the channel's looper thread`)
	}

	replies := make(chan looper.Message, 1)
	x.mu.Lock()
	if x.waiting {
		x.mu.Unlock()
		panic(`channel: a blocking wait is already outstanding`)
	}
	x.waiting = true
	x.waitFor = waitFor
	x.replies = replies
	id := x.id
	x.mu.Unlock()

	if start != nil && !start() {
		x.clearWait(replies)
		return looper.Message{}, ErrUndeliverable
	}

	if x.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.timeout)
		defer cancel()
	}

	select {
	case msg := <-replies:
		return msg, nil
	case <-ctx.Done():
		x.clearWait(replies)
		// the reply may have raced the deadline
		select {
		case msg := <-replies:
			return msg, nil
		default:
		}
		x.logger.Warning().
			Int64(`channel`, int64(id)).
			Int64(`what`, int64(waitFor)).
			Err(ctx.Err()).
			Log(`channel: timed out waiting for reply`)
		return looper.Message{}, &TimeoutError{Cause: ctx.Err(), Opcode: waitFor, Channel: id}
	}
}

func (x *Channel) clearWait(replies chan looper.Message) {
	x.mu.Lock()
	if x.replies == replies {
		x.waiting = false
		x.replies = nil
	}
	x.mu.Unlock()
}

// handleMessage runs on the looper thread, for every inbound message.
func (x *Channel) handleMessage(msg looper.Message) {
	handshake := false

	x.mu.Lock()
	switch {
	case msg.What == x.confirm && !x.connected && msg.ReplyTo.IsValid():
		x.id = msg.Arg1
		x.sender = msg.ReplyTo
		x.connected = true
		handshake = true
	case msg.What == looper.OpDisconnected && x.connected && msg.Arg1 == x.id:
		x.id = 0
		x.sender = looper.Messenger{}
		x.connected = false
		handshake = true
	}
	x.mu.Unlock()

	if !handshake && x.receiver != nil {
		x.receiver(msg)
	}

	x.mu.Lock()
	if x.waiting && msg.What == x.waitFor {
		x.waiting = false
		x.replies <- msg
		x.replies = nil
	}
	x.mu.Unlock()
}
