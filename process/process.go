package process

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-osbridge/channel"
	"github.com/joeycumines/go-osbridge/internal/logging"
	"github.com/joeycumines/go-osbridge/looper"
)

var current atomic.Pointer[Process]

// Process represents this OS process: it owns the main Handler, routes
// inbound messages through its MessageFilter, and, for a launched child,
// talks to the parent.
type Process struct {
	// Prevent copying
	_ [0]func()

	looper   *looper.Looper
	handler  *looper.Handler
	inbound  looper.Messenger
	filter   looper.MessageFilter
	channels *channel.Registry
	loader   LibraryLoader
	logger   *logging.Logger
	limited  *logging.Limited
	id       int32

	mu         sync.Mutex
	parent     looper.Messenger
	conn       *Conn
	descriptor LaunchDescriptor
	launched   bool
}

// New returns a Process bound to the calling goroutine's Looper, which is
// prepared if necessary, or the Looper given by WithLooper. A channel
// Registry is installed on its filter.
func New(opts ...Option) *Process {
	cfg := resolveOptions(opts)
	l := cfg.looper
	if l == nil {
		l = looper.Prepare()
	}
	x := &Process{
		looper:  l,
		loader:  cfg.loader,
		logger:  cfg.logger,
		limited: logging.NewLimited(time.Minute, 5),
		id:      cfg.connectionID,
	}
	x.handler = looper.NewHandlerForLooper(l, looper.WithHandlerFunc(func(msg looper.Message) {
		x.Receive(msg.ReplyTo, msg)
	}))
	x.inbound = looper.NewMessenger(x.handler)
	x.channels = channel.NewRegistry(l, append([]channel.Option{channel.WithLogger(cfg.logger)}, cfg.channelOpts...)...)
	x.channels.Install(&x.filter)
	return x
}

// Initialize installs p as the Current process. Passing nil uninstalls it.
func Initialize(p *Process) {
	current.Store(p)
}

// Current returns the Process installed by Initialize. It panics if there
// is none.
func Current() *Process {
	p := current.Load()
	if p == nil {
		panic(`process: Current called before Initialize`)
	}
	return p
}

// ConnectionID returns the id the launcher assigned this process, or 0 for
// a root process.
func (x *Process) ConnectionID() int32 { return x.id }

// IsRoot reports whether the process was not launched by a Launcher.
func (x *Process) IsRoot() bool { return x.id == 0 }

// Looper returns the process main looper.
func (x *Process) Looper() *looper.Looper { return x.looper }

// Handler returns the process main Handler. Messages sent to it are passed
// to Receive.
func (x *Process) Handler() *looper.Handler { return x.handler }

// Filter returns the filter Receive dispatches to.
func (x *Process) Filter() *looper.MessageFilter { return &x.filter }

// Channels returns the channel registry accepting OpConnect requests sent
// to this process.
func (x *Process) Channels() *channel.Registry { return x.channels }

// Messenger returns the Messenger for the main Handler.
func (x *Process) Messenger() looper.Messenger { return x.inbound }

// Parent returns the Messenger of the launcher, or an empty Messenger for a
// root process.
func (x *Process) Parent() looper.Messenger {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.parent
}

// Descriptor returns the launch descriptor of a child, see Attach.
func (x *Process) Descriptor() LaunchDescriptor {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.descriptor
}

// Attach connects a child process to its launcher, via conn. Messages sent
// to peers imported from conn are dropped from the channel registry when
// conn closes.
func (x *Process) Attach(conn *Conn, desc LaunchDescriptor) {
	x.mu.Lock()
	x.conn = conn
	x.descriptor = desc
	x.parent = conn.Import(desc.TargetHandle)
	x.mu.Unlock()
	conn.OnClose(func() {
		x.channels.DropPeer(conn.Owns)
	})
}

// ReportLaunched sends OpProcessLaunched to the launcher, after which Send
// delivers. It returns false if there is no launcher, or it could not be
// reached.
func (x *Process) ReportLaunched() bool {
	x.mu.Lock()
	parent := x.parent
	x.launched = parent.IsValid()
	x.mu.Unlock()
	if !parent.IsValid() {
		return false
	}
	ok := parent.Send(looper.Message{What: looper.OpProcessLaunched, Arg1: x.id, ReplyTo: x.inbound})
	x.logger.Info().
		Int64(`connection`, int64(x.id)).
		Bool(`ok`, ok).
		Log(`process: reported launch`)
	return ok
}

// Send relays msg to the launcher, with ReplyTo defaulting to Messenger.
// Until ReportLaunched is called, and for a root process, it is a silent
// no-op, returning false.
func (x *Process) Send(msg looper.Message) bool {
	x.mu.Lock()
	parent, launched := x.parent, x.launched
	x.mu.Unlock()
	if !launched {
		if x.limited.Allow(`send-before-launch`) {
			x.logger.Debug().
				Int64(`connection`, int64(x.id)).
				Int64(`what`, int64(msg.What)).
				Log(`process: send before launch report dropped`)
		}
		return false
	}
	if !msg.ReplyTo.IsValid() {
		msg.ReplyTo = x.inbound
	}
	return parent.Send(msg)
}

// Receive handles an inbound message from sender, returning true if it was
// consumed. OpLoadLibrary is handled by the LibraryLoader, everything else
// is dispatched to the filter.
func (x *Process) Receive(sender looper.Messenger, msg looper.Message) bool {
	if msg.What == looper.OpLoadLibrary {
		name := msg.PeekData().GetString(looper.KeyLibraryName, ``)
		if err := x.LoadLibrary(name); err != nil {
			x.logger.Err().
				Err(err).
				Str(`library`, name).
				Str(`sender`, sender.String()).
				Log(`process: load library failed`)
		}
		return true
	}
	if x.filter.Dispatch(sender, msg) {
		return true
	}
	if x.limited.Allow(msg.What) {
		x.logger.Notice().
			Int64(`what`, int64(msg.What)).
			Str(`sender`, sender.String()).
			Log(`process: unhandled message`)
	}
	return false
}

// LoadLibrary loads a library with the configured LibraryLoader.
func (x *Process) LoadLibrary(name string) error {
	if x.loader == nil {
		return ErrLibraryLoadingDisabled
	}
	if err := x.loader.LoadLibrary(name); err != nil {
		return err
	}
	x.logger.Info().
		Str(`library`, name).
		Log(`process: library loaded`)
	return nil
}

// Start runs main on a new goroutine, the process main thread, and runs
// the main looper on the calling goroutine, which must own it. The looper
// quits, safely, once main returns. If the looper quits first, the context
// passed to main is canceled, and Start waits for main to return.
func (x *Process) Start(main func(ctx context.Context) error) error {
	if !x.looper.IsCurrentThread() {
		return looper.ErrNotLooperThread
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mainErr error
	mainDone := make(chan struct{})
	go func() {
		defer close(mainDone)
		defer x.looper.QuitSafely()
		mainErr = main(ctx)
	}()

	loopErr := x.looper.Loop()
	cancel()
	<-mainDone
	return errors.Join(loopErr, mainErr)
}

// Post runs c on the main looper.
func (x *Process) Post(c *looper.Callback) bool { return x.handler.Post(c) }

// PostDelayed runs c on the main looper after d.
func (x *Process) PostDelayed(c *looper.Callback, d time.Duration) bool {
	return x.handler.PostDelayed(c, d)
}

// PostAtTime runs c on the main looper at t.
func (x *Process) PostAtTime(c *looper.Callback, t time.Time) bool {
	return x.handler.PostAtTime(c, t)
}

// PostAtFrontOfQueue runs c on the main looper, ahead of due work.
func (x *Process) PostAtFrontOfQueue(c *looper.Callback) bool {
	return x.handler.PostAtFrontOfQueue(c)
}

// RemoveCallbacks removes pending instances of c.
func (x *Process) RemoveCallbacks(c *looper.Callback) { x.handler.RemoveCallbacks(c) }
