package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/joeycumines/go-osbridge/bundle"
	"github.com/joeycumines/go-osbridge/internal/logging"
	"github.com/joeycumines/go-osbridge/looper"
)

// RootHandle is the transport handle of the Messenger passed to NewConn.
const RootHandle uint64 = 1

// peerFlag marks a handle, in a frame's replyTo word, as belonging to the
// receiver's own exports rather than the sender's.
const peerFlag uint64 = 1 << 63

type (
	// Conn carries messages between two processes, over a byte stream.
	//
	// Each side exports local Messengers under numeric handles, as they are
	// sent, and imports the other side's handles as remote Messengers. An
	// imported handle always maps to the same MessageTarget, so remote
	// Messengers compare equal.
	Conn struct {
		// Prevent copying
		_ [0]func()

		rwc     io.ReadWriteCloser
		logger  *logging.Logger
		limited *logging.Limited
		limits  frameLimits

		writeMu sync.Mutex
		buf     []byte

		// TODO: exports are never released, reference counting handles
		// across the transport would allow collecting them.
		mu            sync.Mutex
		exports       map[uint64]looper.Messenger
		exportHandles map[looper.MessageTarget]uint64
		imports       map[uint64]*remoteTarget
		nextHandle    uint64
		onClose       []func()

		closeOnce sync.Once
		done      chan struct{}
	}

	remoteTarget struct {
		conn   *Conn
		handle uint64
	}
)

// NewConn returns a Conn over rwc, exporting root as RootHandle, if it is
// valid. Call Serve to start receiving.
func NewConn(rwc io.ReadWriteCloser, root looper.Messenger, opts ...Option) *Conn {
	cfg := resolveOptions(opts)
	x := &Conn{
		rwc:           rwc,
		logger:        cfg.logger,
		limited:       logging.NewLimited(time.Minute, 5),
		limits:        cfg.limits,
		exports:       make(map[uint64]looper.Messenger),
		exportHandles: make(map[looper.MessageTarget]uint64),
		imports:       make(map[uint64]*remoteTarget),
		nextHandle:    RootHandle,
		done:          make(chan struct{}),
	}
	if root.IsValid() {
		x.export(root)
	}
	return x
}

// Pipe returns a connected pair of in-memory transports.
func Pipe() (io.ReadWriteCloser, io.ReadWriteCloser) {
	return net.Pipe()
}

// Import returns a Messenger for a handle exported by the other side.
func (x *Conn) Import(handle uint64) looper.Messenger {
	if handle == 0 {
		return looper.Messenger{}
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return looper.MessengerFor(x.importLocked(handle))
}

func (x *Conn) importLocked(handle uint64) *remoteTarget {
	t := x.imports[handle]
	if t == nil {
		t = &remoteTarget{conn: x, handle: handle}
		x.imports[handle] = t
	}
	return t
}

// Owns reports whether m is a Messenger imported from this Conn.
func (x *Conn) Owns(m looper.Messenger) bool {
	t, ok := m.Target().(*remoteTarget)
	return ok && t.conn == x
}

// Done is closed once the Conn is closed.
func (x *Conn) Done() <-chan struct{} { return x.done }

// OnClose registers fn to be called, once, when the Conn closes. If it is
// already closed, fn is called immediately.
func (x *Conn) OnClose(fn func()) {
	x.mu.Lock()
	select {
	case <-x.done:
		x.mu.Unlock()
		fn()
		return
	default:
	}
	x.onClose = append(x.onClose, fn)
	x.mu.Unlock()
}

// Close closes the transport, and runs the OnClose functions.
func (x *Conn) Close() error {
	var err error
	x.closeOnce.Do(func() {
		x.mu.Lock()
		close(x.done)
		hooks := x.onClose
		x.onClose = nil
		x.mu.Unlock()

		err = x.rwc.Close()
		x.logger.Debug().
			Log(`process: transport closed`)
		for _, fn := range hooks {
			fn()
		}
	})
	return err
}

func (x *Conn) export(m looper.Messenger) uint64 {
	target := m.Target()
	x.mu.Lock()
	defer x.mu.Unlock()
	if h, ok := x.exportHandles[target]; ok {
		return h
	}
	h := x.nextHandle
	x.nextHandle++
	x.exports[h] = m
	x.exportHandles[target] = h
	return h
}

// encodeMessenger returns the replyTo word for m.
func (x *Conn) encodeMessenger(m looper.Messenger) uint64 {
	switch t := m.Target().(type) {
	case nil:
		return 0
	case *remoteTarget:
		if t.conn == x {
			return t.handle | peerFlag
		}
	}
	return x.export(m)
}

// decodeMessenger resolves a replyTo word written by the other side.
func (x *Conn) decodeMessenger(word uint64) looper.Messenger {
	if word == 0 {
		return looper.Messenger{}
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if word&peerFlag != 0 {
		return x.exports[word&^peerFlag]
	}
	return looper.MessengerFor(x.importLocked(word))
}

// Send writes msg to the other side, addressed to handle. It is safe to
// call concurrently.
func (x *Conn) Send(handle uint64, msg looper.Message) error {
	select {
	case <-x.done:
		return ErrConnectionClosed
	default:
	}

	f := frame{
		target:  handle,
		replyTo: x.encodeMessenger(msg.ReplyTo),
		what:    msg.What,
		arg1:    msg.Arg1,
		arg2:    msg.Arg2,
		obj:     msg.Obj,
	}
	if b := msg.PeekData(); b.Len() != 0 {
		data, err := bundle.Marshal(b)
		if err != nil {
			return err
		}
		f.data = data
	}

	x.writeMu.Lock()
	defer x.writeMu.Unlock()
	var err error
	if x.buf, err = appendFrame(x.buf[:0], &f, x.limits); err != nil {
		return err
	}
	if _, err = x.rwc.Write(x.buf); err != nil {
		// a partial write leaves the stream unusable
		go x.Close()
		return fmt.Errorf(`%w: %w`, ErrConnectionClosed, err)
	}
	return nil
}

// Serve reads and delivers messages until the transport fails, the Conn is
// closed, or ctx is done. The Conn is always closed on return. A clean
// shutdown returns nil, or the context error.
func (x *Conn) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = x.Close() })
	defer stop()

	for {
		f, err := readFrame(x.rwc, x.limits)
		if err != nil {
			closed := false
			select {
			case <-x.done:
				closed = true
			default:
			}
			_ = x.Close()
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case closed, errors.Is(err, io.EOF):
				return nil
			}
			x.logger.Err().
				Err(err).
				Log(`process: transport read failed`)
			return err
		}
		x.deliver(f)
	}
}

func (x *Conn) deliver(f *frame) {
	x.mu.Lock()
	target, ok := x.exports[f.target]
	x.mu.Unlock()
	if !ok {
		if x.limited.Allow(`unknown-target`) {
			x.logger.Warning().
				Uint64(`handle`, f.target).
				Int64(`what`, int64(f.what)).
				Log(`process: message for unknown handle dropped`)
		}
		return
	}

	msg := looper.Message{
		ReplyTo: x.decodeMessenger(f.replyTo),
		Obj:     f.obj,
		What:    f.what,
		Arg1:    f.arg1,
		Arg2:    f.arg2,
	}
	if len(f.data) != 0 {
		b, err := bundle.Unmarshal(f.data)
		if err != nil {
			if x.limited.Allow(`bad-bundle`) {
				x.logger.Warning().
					Err(err).
					Int64(`what`, int64(f.what)).
					Log(`process: message with malformed bundle dropped`)
			}
			return
		}
		msg.SetData(b)
	}

	if !target.Send(msg) && x.limited.Allow(target.Target()) {
		x.logger.Notice().
			Str(`target`, target.String()).
			Int64(`what`, int64(f.what)).
			Log(`process: local target refused message`)
	}
}

func (x *remoteTarget) Deliver(msg looper.Message) bool {
	if err := x.conn.Send(x.handle, msg); err != nil {
		if x.conn.limited.Allow(x) {
			x.conn.logger.Warning().
				Err(err).
				Uint64(`handle`, x.handle).
				Int64(`what`, int64(msg.What)).
				Log(`process: send failed`)
		}
		return false
	}
	return true
}

func (x *remoteTarget) String() string {
	return fmt.Sprintf(`remote#%d`, x.handle)
}
