package channel

import (
	"time"

	"github.com/joeycumines/go-osbridge/internal/logging"
	"github.com/joeycumines/go-osbridge/looper"
)

// options holds configuration shared by Registry and Channel.
type options struct {
	logger       *logging.Logger
	receiver     func(msg looper.Message)
	accept       func(h *Host)
	replyTimeout time.Duration
	confirm      int32
	loggerSet    bool
}

// Option configures a Registry or a Channel.
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

// WithReceiver sets the function called, on the looper thread, for every
// inbound message that is not part of the connect or disconnect handshake.
// For a Registry, it is the initial receiver of every accepted Host.
func WithReceiver(fn func(msg looper.Message)) Option {
	return &optionImpl{func(opts *options) {
		opts.receiver = fn
	}}
}

// WithAcceptFunc sets a function the Registry calls, from Accept,
// for every accepted Host, before CONNECTED is sent. It is the place to
// call Host.Protect or Host.SetReceiver.
func WithAcceptFunc(fn func(h *Host)) Option {
	return &optionImpl{func(opts *options) {
		opts.accept = fn
	}}
}

// WithReplyTimeout bounds every blocking wait on a Channel, in addition to
// the context passed to it. Zero, the default, means no bound.
func WithReplyTimeout(d time.Duration) Option {
	return &optionImpl{func(opts *options) {
		opts.replyTimeout = d
	}}
}

// WithConfirmOpcode sets the opcode a Channel asks the host to use for its
// connect confirmation. Defaults to looper.OpConnected.
func WithConfirmOpcode(what int32) Option {
	return &optionImpl{func(opts *options) {
		opts.confirm = what
	}}
}

// resolveOptions applies Option instances to options.
func resolveOptions(opts []Option) *options {
	cfg := &options{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.apply(cfg)
	}
	if !cfg.loggerSet {
		cfg.logger = logging.Default()
	}
	if cfg.confirm == 0 {
		cfg.confirm = looper.OpConnected
	}
	return cfg
}
