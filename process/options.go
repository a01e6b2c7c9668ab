package process

import (
	"github.com/joeycumines/go-osbridge/channel"
	"github.com/joeycumines/go-osbridge/internal/logging"
	"github.com/joeycumines/go-osbridge/looper"
)

// options holds configuration for every constructor in this package. Each
// constructor reads only the fields relevant to it.
type options struct {
	logger            *logging.Logger
	loader            LibraryLoader
	entries           map[string]EntryFunc
	channelOpts       []channel.Option
	spawner           Spawner
	looper            *looper.Looper
	limits            frameLimits
	connectionID      int32
	loggerSet         bool
	deferLaunchReport bool
	skipInitialize    bool
}

// Option configures a Process, Conn, Launcher, or child (RunChild).
type Option interface {
	apply(*options)
}

// optionImpl implements Option.
type optionImpl struct {
	applyFunc func(*options)
}

func (o *optionImpl) apply(opts *options) {
	o.applyFunc(opts)
}

// WithLogger sets the logger. A nil logger disables logging. Defaults to
// logging.Default.
func WithLogger(logger *logging.Logger) Option {
	return &optionImpl{func(opts *options) {
		opts.logger = logger
		opts.loggerSet = true
	}}
}

// WithLibraryLoader enables OpLoadLibrary, and plugin entry points, using
// loader. Without it, library loading is disabled.
func WithLibraryLoader(loader LibraryLoader) Option {
	return &optionImpl{func(opts *options) {
		opts.loader = loader
	}}
}

// WithEntries registers entry points built into the executable, by name,
// for RunChild.
func WithEntries(entries map[string]EntryFunc) Option {
	return &optionImpl{func(opts *options) {
		if opts.entries == nil {
			opts.entries = make(map[string]EntryFunc, len(entries))
		}
		for k, v := range entries {
			opts.entries[k] = v
		}
	}}
}

// WithSpawner sets how a Launcher creates children. Defaults to an
// ExecSpawner for the running executable.
func WithSpawner(spawner Spawner) Option {
	return &optionImpl{func(opts *options) {
		opts.spawner = spawner
	}}
}

// WithLooper binds a Process to l, instead of the calling goroutine's
// Looper.
func WithLooper(l *looper.Looper) Option {
	return &optionImpl{func(opts *options) {
		opts.looper = l
	}}
}

// WithConnectionID sets the connection id of a Process, nonzero for a
// launched child.
func WithConnectionID(id int32) Option {
	return &optionImpl{func(opts *options) {
		opts.connectionID = id
	}}
}

// WithMaxFrameSize limits the payload of transport frames, in bytes.
// Defaults to DefaultMaxFrameSize. Zero disables the limit.
func WithMaxFrameSize(n int) Option {
	return &optionImpl{func(opts *options) {
		opts.limits.maxSize = n
	}}
}

// WithLegacyFrameLimit additionally enforces the historical limit of
// LegacyFrameWords words per frame.
func WithLegacyFrameLimit() Option {
	return &optionImpl{func(opts *options) {
		opts.limits.legacy = true
	}}
}

// WithDeferredLaunchReport makes RunChild leave the call to
// Process.ReportLaunched to the entry point. Until it is called, the
// child's Process.Send is a no-op.
func WithDeferredLaunchReport() Option {
	return &optionImpl{func(opts *options) {
		opts.deferLaunchReport = true
	}}
}

// WithChannelOptions configures the Process's channel Registry, e.g. with
// channel.WithAcceptFunc. The Process's logger is applied first.
func WithChannelOptions(opts ...channel.Option) Option {
	return &optionImpl{func(o *options) {
		o.channelOpts = append(o.channelOpts, opts...)
	}}
}

// withoutInitialize stops RunChild from installing the child as Current,
// for children running inside the parent's own process.
func withoutInitialize() Option {
	return &optionImpl{func(opts *options) {
		opts.skipInitialize = true
	}}
}

// resolveOptions applies Option instances to options.
func resolveOptions(opts []Option) *options {
	cfg := &options{
		limits: frameLimits{maxSize: DefaultMaxFrameSize},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.apply(cfg)
	}
	if !cfg.loggerSet {
		cfg.logger = logging.Default()
	}
	return cfg
}
