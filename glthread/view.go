package glthread

import (
	"sync"
)

// View is the host-facing side of a render surface: window callbacks are
// forwarded to its Thread, which is created and started once a renderer is
// set.
//
// Callbacks received before a renderer is set are dropped.
type View struct {
	// Prevent copying
	_ [0]func()

	opts []Option

	mu     sync.Mutex
	thread *Thread
	closed bool
}

// NewView returns a View. If WithRenderer is given, its Thread is started
// immediately, otherwise see SetRenderer.
func NewView(opts ...Option) *View {
	x := &View{opts: opts}
	if resolveOptions(opts).renderer != nil {
		x.thread = NewThread(opts...)
		if err := x.thread.Start(); err != nil {
			panic(err)
		}
	}
	return x
}

// SetRenderer creates and starts the Thread for r. It panics if a renderer
// was already set.
func (x *View) SetRenderer(r Renderer) error {
	if r == nil {
		panic(`glthread: nil renderer`)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.thread != nil {
		panic(`glthread: renderer already set`)
	}
	if x.closed {
		return ErrExited
	}
	x.thread = NewThread(append(append([]Option(nil), x.opts...), WithRenderer(r))...)
	return x.thread.Start()
}

// Thread returns the render Thread, or nil before a renderer is set.
func (x *View) Thread() *Thread {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.thread
}

func (x *View) with(fn func(t *Thread)) {
	if t := x.Thread(); t != nil {
		fn(t)
	}
}

func (x *View) SurfaceCreated()   { x.with((*Thread).SurfaceCreated) }
func (x *View) SurfaceDestroyed() { x.with((*Thread).SurfaceDestroyed) }
func (x *View) OnPause()          { x.with((*Thread).OnPause) }
func (x *View) OnResume()         { x.with((*Thread).OnResume) }
func (x *View) RequestRender()    { x.with((*Thread).RequestRender) }
func (x *View) SuspendPaint()     { x.with((*Thread).SuspendPaint) }
func (x *View) RestartPaint()     { x.with((*Thread).RestartPaint) }

// SurfaceChanged forwards a size change, see Thread.OnWindowResize.
func (x *View) SurfaceChanged(width, height int) {
	x.with(func(t *Thread) { t.OnWindowResize(width, height) })
}

// SetRenderMode forwards to Thread.SetRenderMode.
func (x *View) SetRenderMode(mode RenderMode) {
	x.with(func(t *Thread) { t.SetRenderMode(mode) })
}

// QueueEvent forwards to Thread.QueueEvent, returning ErrNoRenderer before
// a renderer is set.
func (x *View) QueueEvent(fn func()) error {
	t := x.Thread()
	if t == nil {
		return ErrNoRenderer
	}
	return t.QueueEvent(fn)
}

// Close stops the Thread, waiting for it to release its resources. It is
// safe to call more than once.
func (x *View) Close() error {
	x.mu.Lock()
	x.closed = true
	t := x.thread
	x.mu.Unlock()
	if t != nil {
		t.RequestExit()
	}
	return nil
}
