package channel

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-osbridge/looper"
)

// Host is the accepting side of a channel. Hosts are created by
// Registry.Accept, and are owned by the registry, callers only borrow them.
type Host struct {
	registry  *Registry
	handler   *looper.Handler
	messenger looper.Messenger
	id        int32

	protected atomic.Bool
	published atomic.Bool
	released  atomic.Bool

	mu       sync.Mutex
	client   looper.Messenger
	receiver func(msg looper.Message)
}

// ID returns the channel id, unique within the registry.
func (x *Host) ID() int32 { return x.id }

// Messenger returns the Messenger the client sends to.
func (x *Host) Messenger() looper.Messenger { return x.messenger }

// Client returns the Messenger of the connected client.
func (x *Host) Client() looper.Messenger {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.client
}

// Protect marks the host to survive a client disconnect, for one later
// Registry.Get, unless it has already been published by Get.
func (x *Host) Protect() { x.protected.Store(true) }

// Protected reports whether Protect was called.
func (x *Host) Protected() bool { return x.protected.Load() }

// Published reports whether the host was re-acquired via Registry.Get while
// open.
func (x *Host) Published() bool { return x.published.Load() }

// Released reports whether the host has left the open table.
func (x *Host) Released() bool { return x.released.Load() }

// SetReceiver replaces the function receiving client messages.
func (x *Host) SetReceiver(fn func(msg looper.Message)) {
	x.mu.Lock()
	x.receiver = fn
	x.mu.Unlock()
}

// Send delivers msg to the client. It is a no-op, returning false, once the
// host is released.
func (x *Host) Send(msg looper.Message) bool {
	if x.released.Load() {
		return false
	}
	if !msg.ReplyTo.IsValid() {
		msg.ReplyTo = x.messenger
	}
	return x.Client().Send(msg)
}

// Attach re-opens a released host for client, which is sent CONNECTED.
// It is how a protected host recovered by Registry.Get is resumed: the
// host keeps its id, receiver and handler, and is marked published, so it
// is not stashed again. Attach must not be called concurrently for the
// same host.
func (x *Host) Attach(client looper.Messenger) error {
	if !client.IsValid() {
		return ErrUndeliverable
	}
	if !x.released.Load() {
		return ErrAttached
	}
	x.mu.Lock()
	x.client = client
	x.mu.Unlock()
	if err := x.registry.reopen(x); err != nil {
		return err
	}
	x.published.Store(true)
	x.released.Store(false)

	if !client.Send(looper.Message{What: looper.OpConnected, Arg1: x.id, ReplyTo: x.messenger}) {
		x.release(false)
		return ErrUndeliverable
	}
	x.registry.logger.Debug().
		Int64(`channel`, int64(x.id)).
		Str(`client`, client.String()).
		Log(`channel: reattached`)
	return nil
}

// Disconnect announces DISCONNECTED to the client, then releases the host.
func (x *Host) Disconnect() {
	if x.released.Load() {
		return
	}
	x.Client().Send(looper.Message{What: looper.OpDisconnected, Arg1: x.id, ReplyTo: x.messenger})
	x.release(true)
}

func (x *Host) handleMessage(msg looper.Message) {
	if msg.What == looper.OpDisconnect && msg.Arg1 == x.id {
		x.registry.logger.Debug().
			Int64(`channel`, int64(x.id)).
			Log(`channel: client disconnect`)
		x.Disconnect()
		return
	}

	x.mu.Lock()
	receiver := x.receiver
	x.mu.Unlock()
	if receiver != nil {
		receiver(msg)
		return
	}

	if x.registry.limited.Allow(x) {
		x.registry.logger.Notice().
			Int64(`channel`, int64(x.id)).
			Int64(`what`, int64(msg.What)).
			Log(`channel: no receiver for message`)
	}
}

// release erases the host from the open table. If allowStash is set, and
// the host is protected but unpublished, it is moved to the disconnected
// table instead of being dropped.
func (x *Host) release(allowStash bool) {
	stash := allowStash && x.protected.Load() && !x.published.Load()
	if !x.registry.remove(x, stash) {
		return
	}
	x.released.Store(true)
	x.handler.RemoveAll()
	x.registry.logger.Debug().
		Int64(`channel`, int64(x.id)).
		Bool(`stashed`, stash).
		Log(`channel: released`)
}
