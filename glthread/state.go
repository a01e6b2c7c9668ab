package glthread

// State is the observable state of a Thread's render loop.
//
//	StateIdle              → StateDrawing           [ready to draw]
//	StateIdle              → StateWaitingForSurface [SurfaceDestroyed()]
//	StateIdle              → StatePaused            [OnPause()]
//	StateIdle              → StateSuspended         [SuspendPaint(), bad surface]
//	StateDrawing           → StateContextLost       [context lost]
//	StateContextLost       → StateDrawing, ...      [context recreated]
//	any                    → StateExiting           [RequestExitAndWait()]
//	StateExiting           → StateExited            [teardown complete]
//	StateExited            → (terminal)
//
// StateIdle is also the state before the loop first runs.
type State uint32

const (
	// StateIdle indicates nothing is ready to draw, e.g. no render was
	// requested.
	StateIdle State = iota
	// StateWaitingForSurface indicates there is no window surface.
	StateWaitingForSurface
	// StatePaused indicates the render loop acknowledged OnPause.
	StatePaused
	// StateContextLost indicates the context was lost and is being torn
	// down.
	StateContextLost
	// StateSuspended indicates the surface is bad, see SuspendPaint.
	StateSuspended
	// StateDrawing indicates renderer callbacks may be running.
	StateDrawing
	// StateExiting indicates exit was requested.
	StateExiting
	// StateExited indicates the context and surface are released, and the
	// render loop has returned.
	StateExited
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateWaitingForSurface:
		return "WaitingForSurface"
	case StatePaused:
		return "Paused"
	case StateContextLost:
		return "ContextLost"
	case StateSuspended:
		return "Suspended"
	case StateDrawing:
		return "Drawing"
	case StateExiting:
		return "Exiting"
	case StateExited:
		return "Exited"
	default:
		return "Unknown"
	}
}

// RenderMode selects when frames are drawn.
type RenderMode int

const (
	// RenderContinuously draws frames back to back while ready.
	RenderContinuously RenderMode = iota
	// RenderWhenDirty draws only after RequestRender, or a surface or size
	// change.
	RenderWhenDirty
)

func (m RenderMode) String() string {
	switch m {
	case RenderContinuously:
		return "Continuously"
	case RenderWhenDirty:
		return "WhenDirty"
	default:
		return "Unknown"
	}
}
