package channel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-osbridge/internal/logging"
	"github.com/joeycumines/go-osbridge/looper"
)

// Registry is the host side of the channel protocol, for one process. It
// accepts CONNECT requests, and owns every Host it creates, tracking open
// hosts and disconnected-but-protected hosts in separate tables.
//
// The two tables each have their own lock, and neither is held while the
// other is acquired.
type Registry struct {
	// Prevent copying
	_ [0]func()

	looper   *looper.Looper
	logger   *logging.Logger
	limited  *logging.Limited
	receiver func(msg looper.Message)
	accept   func(h *Host)

	nextID atomic.Int32
	closed atomic.Bool

	openMu sync.Mutex
	open   map[int32]*Host

	disconnectedMu sync.Mutex
	disconnected   map[int32]*Host
}

// NewRegistry returns a Registry whose hosts receive messages on l.
func NewRegistry(l *looper.Looper, opts ...Option) *Registry {
	if l == nil {
		panic(`channel: nil looper`)
	}
	cfg := resolveOptions(opts)
	return &Registry{
		looper:       l,
		logger:       cfg.logger,
		limited:      logging.NewLimited(time.Minute, 5),
		receiver:     cfg.receiver,
		accept:       cfg.accept,
		open:         make(map[int32]*Host),
		disconnected: make(map[int32]*Host),
	}
}

// Install registers the registry as the dedicated OpConnect receiver of f.
func (x *Registry) Install(f *looper.MessageFilter) {
	f.SetDedicated(looper.OpConnect, func(_ looper.Messenger, msg looper.Message) bool {
		_, err := x.Accept(msg)
		return err == nil
	})
}

// Accept handles a CONNECT message, creating and registering a Host, then
// replying to the client. The returned Host is owned by the registry.
func (x *Registry) Accept(msg looper.Message) (*Host, error) {
	if x.closed.Load() {
		return nil, ErrClosed
	}
	if !msg.ReplyTo.IsValid() {
		if x.limited.Allow(`connect-without-reply`) {
			x.logger.Warning().
				Log(`channel: CONNECT without reply messenger`)
		}
		return nil, ErrUndeliverable
	}

	h := &Host{
		registry: x,
		id:       x.nextID.Add(1),
		client:   msg.ReplyTo,
		receiver: x.receiver,
	}
	h.handler = looper.NewHandlerForLooper(x.looper, looper.WithHandlerFunc(h.handleMessage))
	h.messenger = looper.NewMessenger(h.handler)

	x.openMu.Lock()
	x.open[h.id] = h
	x.openMu.Unlock()

	if x.accept != nil {
		x.accept(h)
	}

	confirm := msg.Arg1
	if confirm == 0 {
		confirm = looper.OpConnected
	}
	if !msg.ReplyTo.Send(looper.Message{What: confirm, Arg1: h.id, ReplyTo: h.messenger}) {
		x.logger.Warning().
			Int64(`channel`, int64(h.id)).
			Str(`client`, msg.ReplyTo.String()).
			Log(`channel: client refused CONNECTED`)
		h.release(false)
		return nil, ErrUndeliverable
	}

	x.logger.Debug().
		Int64(`channel`, int64(h.id)).
		Str(`client`, msg.ReplyTo.String()).
		Log(`channel: connected`)
	return h, nil
}

// Get re-acquires a channel by id. An open channel is marked published and
// returned. A disconnected, protected channel is removed from the stash and
// returned, at most once. Otherwise Get returns nil.
func (x *Registry) Get(id int32) *Host {
	x.openMu.Lock()
	h := x.open[id]
	if h != nil {
		h.published.Store(true)
	}
	x.openMu.Unlock()
	if h != nil {
		return h
	}

	x.disconnectedMu.Lock()
	defer x.disconnectedMu.Unlock()
	if h = x.disconnected[id]; h != nil {
		delete(x.disconnected, id)
	}
	return h
}

// OpenCount returns the number of open channels.
func (x *Registry) OpenCount() int {
	x.openMu.Lock()
	defer x.openMu.Unlock()
	return len(x.open)
}

// DisconnectedCount returns the number of stashed, protected channels.
func (x *Registry) DisconnectedCount() int {
	x.disconnectedMu.Lock()
	defer x.disconnectedMu.Unlock()
	return len(x.disconnected)
}

// DropPeer releases, without notification, every open host whose client
// matches dead. It is used when the transport to a peer process is lost.
// Protected hosts are stashed as usual. It returns the number released.
func (x *Registry) DropPeer(dead func(client looper.Messenger) bool) int {
	var hosts []*Host
	x.openMu.Lock()
	for _, h := range x.open {
		if dead(h.Client()) {
			hosts = append(hosts, h)
		}
	}
	x.openMu.Unlock()
	for _, h := range hosts {
		h.release(true)
	}
	if len(hosts) != 0 {
		x.logger.Info().
			Int(`count`, len(hosts)).
			Log(`channel: dropped channels of dead peer`)
	}
	return len(hosts)
}

// Close disconnects every open host, and rejects future CONNECT requests.
// Protected hosts remain retrievable via Get.
func (x *Registry) Close() {
	x.closed.Store(true)
	x.openMu.Lock()
	hosts := make([]*Host, 0, len(x.open))
	for _, h := range x.open {
		hosts = append(hosts, h)
	}
	x.openMu.Unlock()
	for _, h := range hosts {
		h.Disconnect()
	}
}

// reopen returns a released host to the open table, taking it out of the
// stash if it is still there.
func (x *Registry) reopen(h *Host) error {
	if x.closed.Load() {
		return ErrClosed
	}
	x.disconnectedMu.Lock()
	if x.disconnected[h.id] == h {
		delete(x.disconnected, h.id)
	}
	x.disconnectedMu.Unlock()

	x.openMu.Lock()
	defer x.openMu.Unlock()
	if x.open[h.id] != nil {
		return ErrAttached
	}
	x.open[h.id] = h
	return nil
}

// remove erases h from the open table, stashing it if requested, returning
// false if it was not open.
func (x *Registry) remove(h *Host, stash bool) bool {
	x.openMu.Lock()
	if x.open[h.id] != h {
		x.openMu.Unlock()
		return false
	}
	delete(x.open, h.id)
	x.openMu.Unlock()

	if stash {
		x.disconnectedMu.Lock()
		x.disconnected[h.id] = h
		x.disconnectedMu.Unlock()
	}
	return true
}
