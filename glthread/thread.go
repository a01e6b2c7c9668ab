package glthread

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-osbridge/internal/logging"
)

// Thread owns a rendering context and surface, and serializes every
// renderer callback and EGL call onto one goroutine, locked to its OS
// thread.
//
// Control methods may be called from any goroutine. Most of them block
// until the render loop acknowledges the change, except when called from
// the render thread itself, e.g. from a queued event, in which case they
// only record the request.
//
// Each Thread has its own lock, so independent Threads never contend.
type Thread struct {
	// Prevent copying
	_ [0]func()

	renderer        Renderer
	egl             EGL
	logger          *logging.Logger
	preserveContext bool
	forceRelease    bool

	goid atomic.Uint64
	done chan struct{}

	// held is set while the render loop holds mu, render goroutine only
	held bool

	mu    sync.Mutex
	cond  *sync.Cond
	state State

	// requests, written by control methods
	started      bool
	shouldExit   bool
	requestPause bool
	hasSurface   bool
	surfaceIsBad bool
	sizeChanged  bool
	width        int
	height       int
	renderMode   RenderMode
	events       []func()

	// acknowledgements, written by the render loop
	exitErr                 error
	exited                  bool
	paused                  bool
	waitingForSurface       bool
	finishedCreatingSurface bool
	hasEglContext           bool
	hasEglSurface           bool
	requestRender           bool
	renderComplete          bool
}

// NewThread returns a Thread, which must be started with Start. The
// renderer, see WithRenderer, is required.
func NewThread(opts ...Option) *Thread {
	cfg := resolveOptions(opts)
	if cfg.renderer == nil {
		panic(`glthread: renderer is required`)
	}
	x := &Thread{
		renderer:        cfg.renderer,
		egl:             cfg.egl,
		logger:          cfg.logger,
		preserveContext: cfg.preserveContext,
		forceRelease:    cfg.forceRelease,
		done:            make(chan struct{}),
		renderMode:      cfg.renderMode,
		requestRender:   true,
	}
	x.cond = sync.NewCond(&x.mu)
	return x
}

// Start starts the render loop.
func (x *Thread) Start() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.started {
		return ErrAlreadyStarted
	}
	if x.shouldExit {
		return ErrExited
	}
	x.started = true
	go x.run()
	return nil
}

// State returns the current state of the render loop.
func (x *Thread) State() State {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

// Exited reports whether the render loop has released its resources and
// stopped.
func (x *Thread) Exited() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.exited
}

// Err returns the panic that stopped the render loop, as a
// CallbackPanicError, or nil.
func (x *Thread) Err() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.exitErr
}

// Done is closed once the render goroutine has returned.
func (x *Thread) Done() <-chan struct{} { return x.done }

// SurfaceCreated tells the Thread a window surface exists. It blocks until
// the render loop stops waiting for a surface.
func (x *Thread) SurfaceCreated() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.hasSurface = true
	x.finishedCreatingSurface = false
	x.cond.Broadcast()
	x.waitLocked(func() bool { return !x.waitingForSurface || x.finishedCreatingSurface })
}

// SurfaceDestroyed tells the Thread the window surface is gone. It blocks
// until the render loop has released its surface.
func (x *Thread) SurfaceDestroyed() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.hasSurface = false
	x.cond.Broadcast()
	x.waitLocked(func() bool { return x.waitingForSurface })
}

// OnPause blocks until the render loop has paused, which releases the
// surface, and the context unless it is preserved.
func (x *Thread) OnPause() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.requestPause = true
	x.cond.Broadcast()
	x.waitLocked(func() bool { return x.paused })
}

// OnResume blocks until the render loop has resumed.
func (x *Thread) OnResume() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.requestPause = false
	x.requestRender = true
	x.renderComplete = false
	x.cond.Broadcast()
	x.waitLocked(func() bool { return !x.paused || x.renderComplete })
}

// OnWindowResize records the new size, which recreates the surface. If
// the Thread is able to draw, it blocks until a frame was drawn at the new
// size.
func (x *Thread) OnWindowResize(width, height int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.width = width
	x.height = height
	x.sizeChanged = true
	x.requestRender = true
	x.renderComplete = false
	x.cond.Broadcast()
	x.waitLocked(func() bool { return x.paused || x.renderComplete || !x.ableToDrawLocked() })
}

// RequestRender asks for a frame, and does not block.
func (x *Thread) RequestRender() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.requestRender = true
	x.cond.Broadcast()
}

// SetRenderMode changes when frames are drawn.
func (x *Thread) SetRenderMode(mode RenderMode) {
	if mode != RenderContinuously && mode != RenderWhenDirty {
		panic(fmt.Sprintf(`glthread: invalid render mode %d`, mode))
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.renderMode = mode
	x.cond.Broadcast()
}

// RenderMode returns the current RenderMode.
func (x *Thread) RenderMode() RenderMode {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.renderMode
}

// QueueEvent runs fn on the render thread, with the context current if one
// is held. Queued events run one per loop iteration, in order, ahead of
// drawing.
func (x *Thread) QueueEvent(fn func()) error {
	if fn == nil {
		panic(`glthread: nil event`)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.shouldExit || x.exited {
		return ErrExited
	}
	x.events = append(x.events, fn)
	x.cond.Broadcast()
	return nil
}

// SuspendPaint stops drawing, e.g. while the host window is moved, without
// releasing anything. It blocks until the render loop is between frames.
func (x *Thread) SuspendPaint() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.surfaceIsBad = true
	x.renderComplete = false
	x.cond.Broadcast()
	x.waitLocked(func() bool { return x.renderComplete })
}

// RestartPaint resumes drawing after SuspendPaint, or after a bad swap, and
// requests a frame. It blocks until the render loop acknowledges.
func (x *Thread) RestartPaint() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.surfaceIsBad = false
	x.requestRender = true
	x.renderComplete = false
	x.cond.Broadcast()
	x.waitLocked(func() bool { return x.renderComplete })
}

// RequestExitAndWait asks the render loop to exit, and blocks until it has
// released the surface and context. An in-flight frame is not interrupted.
func (x *Thread) RequestExitAndWait() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.shouldExit {
		x.waitLocked(func() bool { return x.exited })
		return
	}
	x.shouldExit = true
	if !x.started {
		x.exited = true
		x.transitionLocked(StateExited)
		close(x.done)
		return
	}
	x.transitionLocked(StateExiting)
	x.cond.Broadcast()
	x.waitLocked(func() bool { return x.exited })
}

// RequestExit is RequestExitAndWait, which also waits for the render
// goroutine to return.
func (x *Thread) RequestExit() {
	x.RequestExitAndWait()
	if !x.onRenderThread() {
		<-x.done
	}
}

// waitLocked waits until done, the loop exits, or there is nothing that
// could acknowledge.
func (x *Thread) waitLocked(done func() bool) {
	if !x.started || x.onRenderThread() {
		return
	}
	for !x.exited && !done() {
		x.cond.Wait()
	}
}

func (x *Thread) onRenderThread() bool {
	return x.goid.Load() == getGoroutineID()
}

func (x *Thread) readyToDrawLocked() bool {
	return !x.paused &&
		x.hasSurface &&
		!x.surfaceIsBad &&
		x.width > 0 &&
		x.height > 0 &&
		(x.requestRender || x.renderMode == RenderContinuously)
}

func (x *Thread) ableToDrawLocked() bool {
	return x.hasEglContext && x.hasEglSurface && x.readyToDrawLocked()
}

// transitionLocked records a state change.
func (x *Thread) transitionLocked(to State) {
	if x.state == to {
		return
	}
	from := x.state
	x.state = to
	x.logger.Debug().
		Stringer(`from`, from).
		Stringer(`to`, to).
		Log(`glthread: state changed`)
}

// settleLocked transitions to the state of a loop that is not drawing.
func (x *Thread) settleLocked() {
	switch {
	case x.paused:
		x.transitionLocked(StatePaused)
	case !x.hasSurface:
		x.transitionLocked(StateWaitingForSurface)
	case x.surfaceIsBad:
		x.transitionLocked(StateSuspended)
	default:
		x.transitionLocked(StateIdle)
	}
}

func (x *Thread) stopSurfaceLocked() {
	if x.hasEglSurface {
		x.hasEglSurface = false
		x.egl.DestroySurface()
	}
}

func (x *Thread) stopContextLocked() {
	x.stopSurfaceLocked()
	if x.hasEglContext {
		x.hasEglContext = false
		x.egl.DestroyContext()
	}
}

func (x *Thread) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(x.done)
	x.goid.Store(getGoroutineID())
	defer func() {
		var err error
		if r := recover(); r != nil {
			err = CallbackPanicError{Value: r, Callback: `render loop`}
		}
		x.exit(err)
	}()
	x.loop()
}

// lockLoop and unlockLoop guard the render loop's own critical sections,
// tracking ownership so exit can tell if a panic left the lock held.
func (x *Thread) lockLoop() {
	x.mu.Lock()
	x.held = true
}

func (x *Thread) unlockLoop() {
	x.held = false
	x.mu.Unlock()
}

// exit releases everything and marks the loop exited, err being a panic
// recovered from the loop, if any.
func (x *Thread) exit(err error) {
	if !x.held {
		x.mu.Lock()
	}
	x.held = false
	defer x.mu.Unlock()

	x.shouldExit = true
	x.exited = true
	x.events = nil
	x.exitErr = err
	x.state = StateExited
	x.cond.Broadcast()

	if err != nil {
		x.safeExecute(`log`, func() {
			x.logger.Err().
				Err(err).
				Log(`glthread: render loop stopped`)
		})
	}
	x.safeExecute(`release`, x.stopContextLocked)
	x.safeExecute(`log`, func() {
		x.logger.Debug().
			Stringer(`to`, StateExited).
			Log(`glthread: state changed`)
	})
}

func (x *Thread) loop() {
	var (
		event         func()
		createContext bool
		createSurface bool
		recreate      bool
		sizeChanged   bool
		lostContext   bool
		width, height int
	)

	for {
		x.lockLoop()
		for {
			if x.shouldExit {
				x.unlockLoop()
				return
			}

			if !lostContext && x.hasEglContext && x.egl.ContextLost() {
				lostContext = true
			}

			if len(x.events) != 0 {
				event = x.events[0]
				x.events[0] = nil
				x.events = x.events[1:]
				break
			}

			pausing := false
			if x.paused != x.requestPause {
				pausing = x.requestPause
				x.paused = x.requestPause
				x.cond.Broadcast()
			}

			if lostContext {
				x.transitionLocked(StateContextLost)
				x.logger.Info().Log(`glthread: context lost`)
				x.stopContextLocked()
				lostContext = false
			}

			if pausing {
				x.stopSurfaceLocked()
				if !x.preserveContext || x.forceRelease {
					x.stopContextLocked()
				}
			}

			if !x.hasSurface && !x.waitingForSurface {
				x.stopSurfaceLocked()
				x.waitingForSurface = true
				x.surfaceIsBad = false
				x.cond.Broadcast()
			}
			if x.hasSurface && x.waitingForSurface {
				x.waitingForSurface = false
				x.cond.Broadcast()
			}

			if x.readyToDrawLocked() {
				if !x.hasEglContext {
					if err := x.egl.CreateContext(); err != nil {
						x.logger.Warning().
							Err(err).
							Log(`glthread: create context failed`)
						x.surfaceIsBad = true
						x.finishedCreatingSurface = true
						x.cond.Broadcast()
						continue
					}
					x.hasEglContext = true
					createContext = true
				}
				if !x.hasEglSurface {
					x.hasEglSurface = true
					createSurface = true
					recreate = false
					sizeChanged = true
					width, height = x.width, x.height
					x.sizeChanged = false
				} else if x.sizeChanged {
					createSurface = true
					recreate = true
					sizeChanged = true
					width, height = x.width, x.height
					x.sizeChanged = false
				}
				x.requestRender = false
				x.transitionLocked(StateDrawing)
				x.cond.Broadcast()
				break
			}

			x.settleLocked()
			x.renderComplete = true
			x.cond.Broadcast()
			x.cond.Wait()
		}
		x.unlockLoop()

		if event != nil {
			x.safeExecute(`event`, event)
			event = nil
			continue
		}

		if createSurface {
			if recreate {
				x.egl.DestroySurface()
			}
			err := x.egl.CreateSurface(width, height)
			if err == nil {
				err = x.egl.MakeCurrent()
			}
			x.lockLoop()
			x.finishedCreatingSurface = true
			if err != nil {
				x.hasEglSurface = false
				x.surfaceIsBad = true
			}
			x.cond.Broadcast()
			x.unlockLoop()
			createSurface = false
			if err != nil {
				x.logger.Warning().
					Err(err).
					Int(`width`, width).
					Int(`height`, height).
					Log(`glthread: create surface failed`)
				continue
			}
		}

		if createContext {
			x.safeExecute(`OnSurfaceCreated`, x.renderer.OnSurfaceCreated)
			createContext = false
		}
		if sizeChanged {
			w, h := width, height
			x.safeExecute(`OnSurfaceChanged`, func() { x.renderer.OnSurfaceChanged(w, h) })
			sizeChanged = false
		}
		x.safeExecute(`OnDrawFrame`, x.renderer.OnDrawFrame)

		switch result := x.egl.Swap(); result {
		case SwapSuccess:
		case SwapContextLost:
			lostContext = true
		default:
			x.logger.Warning().
				Stringer(`result`, result).
				Log(`glthread: swap failed, surface marked bad`)
			x.lockLoop()
			x.surfaceIsBad = true
			x.unlockLoop()
		}

		x.lockLoop()
		x.renderComplete = true
		x.cond.Broadcast()
		x.unlockLoop()
	}
}

// safeExecute runs a callback with panic recovery. The render loop never
// stops on a callback failure.
func (x *Thread) safeExecute(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			x.logger.Err().
				Err(CallbackPanicError{Value: r, Callback: name}).
				Log(`glthread: callback panicked`)
		}
	}()
	fn()
}
