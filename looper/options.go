package looper

// handlerOptions holds configuration options for Handler creation.
type handlerOptions struct {
	clock   Clock
	handler MessageHandler
}

// HandlerOption configures a Handler instance.
type HandlerOption interface {
	applyHandler(*handlerOptions)
}

// handlerOptionImpl implements HandlerOption.
type handlerOptionImpl struct {
	applyHandlerFunc func(*handlerOptions)
}

func (h *handlerOptionImpl) applyHandler(opts *handlerOptions) {
	h.applyHandlerFunc(opts)
}

// WithClock sets the clock used to compute fire times and arm timers.
// Defaults to SystemClock.
func WithClock(clock Clock) HandlerOption {
	return &handlerOptionImpl{func(opts *handlerOptions) {
		opts.clock = clock
	}}
}

// WithMessageHandler sets the receiver for messages sent to the Handler.
// Without one, dispatching a message panics.
func WithMessageHandler(handler MessageHandler) HandlerOption {
	return &handlerOptionImpl{func(opts *handlerOptions) {
		opts.handler = handler
	}}
}

// WithHandlerFunc is WithMessageHandler for a function.
func WithHandlerFunc(fn func(msg Message)) HandlerOption {
	if fn == nil {
		return WithMessageHandler(nil)
	}
	return WithMessageHandler(MessageHandlerFunc(fn))
}

// resolveHandlerOptions applies HandlerOption instances to handlerOptions.
func resolveHandlerOptions(opts []HandlerOption) *handlerOptions {
	cfg := &handlerOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyHandler(cfg)
	}
	if cfg.clock == nil {
		cfg.clock = SystemClock
	}
	return cfg
}
