package process

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-osbridge/internal/logging"
	"github.com/joeycumines/go-osbridge/looper"
)

// Launcher spawns child processes, and routes their messages.
//
// Every child transport exports the launcher's Messenger as RootHandle.
// Messages arriving there are demultiplexed by sender: messages from a
// launched child are offered to its Connection's filter first, everything
// else goes to the owning Process.
//
// The running, connections and open tables each have their own lock.
type Launcher struct {
	// Prevent copying
	_ [0]func()

	process   *Process
	spawner   Spawner
	connOpts  []Option
	logger    *logging.Logger
	limited   *logging.Limited
	handler   *looper.Handler
	messenger looper.Messenger
	ctx       context.Context
	cancel    context.CancelFunc
	nextID    atomic.Int32

	runningMu sync.Mutex
	running   map[*Connection]struct{}

	connectionsMu sync.Mutex
	connections   map[int32]*Connection

	openMu sync.Mutex
	open   map[looper.MessageTarget]*Connection
}

// Connection is the launcher side of one child process.
type Connection struct {
	launcher *Launcher
	child    Child
	conn     *Conn
	filter   looper.MessageFilter
	id       int32

	mu     sync.Mutex
	sender looper.Messenger

	launched   chan struct{}
	launchOnce sync.Once
	exited     chan struct{}
	exitOnce   sync.Once
	exitErr    error
	unbound    atomic.Bool
}

// NewLauncher returns a Launcher for p, receiving on p's looper.
func NewLauncher(p *Process, opts ...Option) *Launcher {
	cfg := resolveOptions(opts)
	x := &Launcher{
		process:     p,
		spawner:     cfg.spawner,
		connOpts:    opts,
		logger:      cfg.logger,
		limited:     logging.NewLimited(time.Minute, 5),
		running:     make(map[*Connection]struct{}),
		connections: make(map[int32]*Connection),
		open:        make(map[looper.MessageTarget]*Connection),
	}
	if x.spawner == nil {
		x.spawner = &ExecSpawner{}
	}
	x.ctx, x.cancel = context.WithCancel(context.Background())
	x.handler = looper.NewHandlerForLooper(p.Looper(), looper.WithHandlerFunc(x.handleMessage))
	x.messenger = looper.NewMessenger(x.handler)
	return x
}

// Messenger returns the Messenger children reach the launcher through.
func (x *Launcher) Messenger() looper.Messenger { return x.messenger }

// Connect spawns a child running entry from module, with args passed
// verbatim, and fds inherited. The callback, if any, is called with the
// new connection id before Connect returns. The returned Connection is not
// ready until the child reports its launch, see Connection.Launched.
func (x *Launcher) Connect(ctx context.Context, module, entry, args string, fds map[int]uint64, cb func(id int32)) (*Connection, error) {
	desc := LaunchDescriptor{
		ModulePath:   module,
		ModuleEntry:  entry,
		Arguments:    args,
		Fds:          fds,
		ConnectionID: x.nextID.Add(1),
		TargetHandle: RootHandle,
	}

	child, err := x.spawner.Spawn(ctx, desc)
	if err != nil {
		x.logger.Err().
			Err(err).
			Int64(`connection`, int64(desc.ConnectionID)).
			Str(`entry`, entry).
			Log(`process: launch failed`)
		return nil, fmt.Errorf(`%w: %w`, ErrLaunchFailed, err)
	}

	c := &Connection{
		launcher: x,
		child:    child,
		id:       desc.ConnectionID,
		launched: make(chan struct{}),
		exited:   make(chan struct{}),
	}
	c.conn = NewConn(child.Transport(), x.messenger, x.connOpts...)

	x.runningMu.Lock()
	x.running[c] = struct{}{}
	x.runningMu.Unlock()

	x.connectionsMu.Lock()
	x.connections[c.id] = c
	x.connectionsMu.Unlock()

	c.conn.OnClose(func() { x.transportClosed(c) })
	go func() { _ = c.conn.Serve(x.ctx) }()

	x.logger.Info().
		Int64(`connection`, int64(c.id)).
		Int(`pid`, child.Pid()).
		Str(`module`, module).
		Str(`entry`, entry).
		Log(`process: launched`)

	if cb != nil {
		cb(c.id)
	}
	return c, nil
}

// Connection returns the tracked connection with the given id, or nil.
func (x *Launcher) Connection(id int32) *Connection {
	x.connectionsMu.Lock()
	defer x.connectionsMu.Unlock()
	return x.connections[id]
}

// Running returns the number of tracked children.
func (x *Launcher) Running() int {
	x.runningMu.Lock()
	defer x.runningMu.Unlock()
	return len(x.running)
}

// Unbind stops tracking the connection, and forcibly terminates the child.
func (x *Launcher) Unbind(id int32) error {
	c := x.Connection(id)
	if c == nil {
		return fmt.Errorf(`%w: %d`, ErrUnknownConnection, id)
	}
	return c.Unbind()
}

// Close unbinds every tracked child.
func (x *Launcher) Close() error {
	x.runningMu.Lock()
	conns := make([]*Connection, 0, len(x.running))
	for c := range x.running {
		conns = append(conns, c)
	}
	x.runningMu.Unlock()

	var firstErr error
	for _, c := range conns {
		if err := c.Unbind(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	x.cancel()
	return firstErr
}

func (x *Launcher) handleMessage(msg looper.Message) {
	sender := msg.ReplyTo

	if msg.What == looper.OpProcessLaunched {
		// the sender must arrive over the connection's own transport
		if c := x.Connection(msg.Arg1); c != nil && c.conn.Owns(sender) {
			x.bind(c, sender)
			return
		}
	}

	var c *Connection
	if sender.IsValid() {
		x.openMu.Lock()
		c = x.open[sender.Target()]
		x.openMu.Unlock()
	}
	if c != nil && c.filter.Dispatch(sender, msg) {
		return
	}
	x.process.Receive(sender, msg)
}

func (x *Launcher) bind(c *Connection, sender looper.Messenger) {
	c.mu.Lock()
	c.sender = sender
	c.mu.Unlock()

	x.openMu.Lock()
	x.open[sender.Target()] = c
	x.openMu.Unlock()

	c.launchOnce.Do(func() { close(c.launched) })
	x.logger.Info().
		Int64(`connection`, int64(c.id)).
		Str(`sender`, sender.String()).
		Log(`process: child reported launch`)
}

// forget removes c from every table.
func (x *Launcher) forget(c *Connection) {
	x.runningMu.Lock()
	delete(x.running, c)
	x.runningMu.Unlock()

	x.connectionsMu.Lock()
	if x.connections[c.id] == c {
		delete(x.connections, c.id)
	}
	x.connectionsMu.Unlock()

	sender := c.Messenger()
	if sender.IsValid() {
		x.openMu.Lock()
		if x.open[sender.Target()] == c {
			delete(x.open, sender.Target())
		}
		x.openMu.Unlock()
	}
}

func (x *Launcher) transportClosed(c *Connection) {
	x.forget(c)
	x.process.Channels().DropPeer(c.conn.Owns)
	go c.reap()
	if !c.unbound.Load() {
		x.logger.Info().
			Int64(`connection`, int64(c.id)).
			Log(`process: child transport closed`)
	}
}

// ID returns the connection id.
func (x *Connection) ID() int32 { return x.id }

// Pid returns the child's OS process id.
func (x *Connection) Pid() int { return x.child.Pid() }

// Filter returns the filter offered messages from this child first.
func (x *Connection) Filter() *looper.MessageFilter { return &x.filter }

// Messenger returns the child's Messenger, or an empty Messenger until the
// child reports its launch.
func (x *Connection) Messenger() looper.Messenger {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.sender
}

// Ready reports whether the child has reported its launch.
func (x *Connection) Ready() bool { return x.Messenger().IsValid() }

// Launched is closed once the child reports its launch.
func (x *Connection) Launched() <-chan struct{} { return x.launched }

// Exited is closed once the child has exited and been reaped.
func (x *Connection) Exited() <-chan struct{} { return x.exited }

// ExitErr returns the child's exit error, valid once Exited is closed.
func (x *Connection) ExitErr() error {
	<-x.exited
	return x.exitErr
}

// Send delivers msg to the child, with ReplyTo defaulting to the launcher.
// Until the child reports its launch it is a silent no-op, returning false.
func (x *Connection) Send(msg looper.Message) bool {
	sender := x.Messenger()
	if !sender.IsValid() {
		if x.launcher.limited.Allow(x) {
			x.launcher.logger.Debug().
				Int64(`connection`, int64(x.id)).
				Int64(`what`, int64(msg.What)).
				Log(`process: send to unlaunched child dropped`)
		}
		return false
	}
	if !msg.ReplyTo.IsValid() {
		msg.ReplyTo = x.launcher.messenger
	}
	return sender.Send(msg)
}

// Unbind stops tracking the connection, closes its transport, and forcibly
// terminates the child. No shutdown is negotiated. Calling it again is a
// no-op.
func (x *Connection) Unbind() error {
	if x.unbound.Swap(true) {
		return nil
	}
	x.launcher.forget(x)
	closeErr := x.conn.Close()
	killErr := x.child.Kill()
	err := errors.Join(killErr, closeErr)
	if closeErr != nil {
		x.launcher.logger.Warning().
			Int64(`connection`, int64(x.id)).
			Err(closeErr).
			Log(`process: closing transport failed`)
	}
	x.launcher.logger.Info().
		Int64(`connection`, int64(x.id)).
		Err(killErr).
		Log(`process: unbound`)
	return err
}

func (x *Connection) reap() {
	x.exitOnce.Do(func() {
		x.exitErr = x.child.Wait()
		close(x.exited)
		x.launcher.logger.Debug().
			Int64(`connection`, int64(x.id)).
			Err(x.exitErr).
			Log(`process: child exited`)
	})
}

