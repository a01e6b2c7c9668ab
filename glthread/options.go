package glthread

import (
	"github.com/joeycumines/go-osbridge/internal/logging"
)

// options holds configuration shared by Thread and View.
type options struct {
	renderer        Renderer
	egl             EGL
	logger          *logging.Logger
	renderMode      RenderMode
	preserveContext bool
	forceRelease    bool
	loggerSet       bool
}

// Option configures a Thread or a View.
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

// WithRenderer sets the Renderer. It is required by NewThread. A View
// given one starts its Thread immediately.
func WithRenderer(r Renderer) Option {
	return &optionImpl{func(opts *options) {
		opts.renderer = r
	}}
}

// WithEGL sets the display abstraction. Defaults to NullEGL.
func WithEGL(egl EGL) Option {
	return &optionImpl{func(opts *options) {
		opts.egl = egl
	}}
}

// WithLogger sets the logger. A nil logger disables logging. Defaults to
// logging.Default.
func WithLogger(logger *logging.Logger) Option {
	return &optionImpl{func(opts *options) {
		opts.logger = logger
		opts.loggerSet = true
	}}
}

// WithRenderMode sets the initial RenderMode. Defaults to
// RenderContinuously.
func WithRenderMode(mode RenderMode) Option {
	return &optionImpl{func(opts *options) {
		opts.renderMode = mode
	}}
}

// WithPreserveEGLContextOnPause keeps the context, but not the surface,
// while paused, unless WithForceContextRelease is in effect.
func WithPreserveEGLContextOnPause(preserve bool) Option {
	return &optionImpl{func(opts *options) {
		opts.preserveContext = preserve
	}}
}

// WithForceContextRelease releases the context on every pause, overriding
// WithPreserveEGLContextOnPause. Defaults to true in builds tagged
// osbridge_debug, so context loss handling runs routinely, and false
// otherwise.
func WithForceContextRelease(force bool) Option {
	return &optionImpl{func(opts *options) {
		opts.forceRelease = force
	}}
}

// resolveOptions applies Option instances to options.
func resolveOptions(opts []Option) *options {
	cfg := &options{
		forceRelease: defaultForceContextRelease,
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
	if cfg.egl == nil {
		cfg.egl = NullEGL{}
	}
	return cfg
}
