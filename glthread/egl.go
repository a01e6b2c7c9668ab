package glthread

type (
	// Renderer draws frames. Every method is called on the render thread,
	// with a current context, and without the Thread's lock held.
	Renderer interface {
		// OnSurfaceCreated is called after a context is created, which
		// includes after a context loss.
		OnSurfaceCreated()
		// OnSurfaceChanged is called after a surface is created, and when
		// the window size changes.
		OnSurfaceChanged(width, height int)
		// OnDrawFrame draws one frame.
		OnDrawFrame()
	}

	// EGL abstracts the display connection. Methods are only called from
	// the render thread. CreateSurface is only called without a surface,
	// and CreateContext without a context.
	EGL interface {
		CreateContext() error
		DestroyContext()
		CreateSurface(width, height int) error
		DestroySurface()
		MakeCurrent() error
		// Swap presents the frame just drawn.
		Swap() SwapResult
		// ContextLost reports a graphics reset, polled once per iteration
		// of the render loop while a context is held.
		ContextLost() bool
	}

	// NullEGL is a headless EGL, on which every operation succeeds.
	NullEGL struct{}
)

// SwapResult is the outcome of EGL.Swap.
type SwapResult int

const (
	// SwapSuccess means the frame was presented.
	SwapSuccess SwapResult = iota
	// SwapContextLost means the context was lost, it is torn down and
	// recreated like after a pause.
	SwapContextLost
	// SwapBadSurface is any other failure, the surface is assumed bad, and
	// drawing stops until the surface is replaced or painting restarts.
	SwapBadSurface
)

func (r SwapResult) String() string {
	switch r {
	case SwapSuccess:
		return "Success"
	case SwapContextLost:
		return "ContextLost"
	case SwapBadSurface:
		return "BadSurface"
	default:
		return "Unknown"
	}
}

func (NullEGL) CreateContext() error                  { return nil }
func (NullEGL) DestroyContext()                       {}
func (NullEGL) CreateSurface(width, height int) error { return nil }
func (NullEGL) DestroySurface()                       {}
func (NullEGL) MakeCurrent() error                    { return nil }
func (NullEGL) Swap() SwapResult                      { return SwapSuccess }
func (NullEGL) ContextLost() bool                     { return false }
