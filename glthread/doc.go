// Package glthread implements the render thread behind a GL surface view.
//
// A [Thread] runs a render loop on a dedicated goroutine, locked to its OS
// thread, which owns the [EGL] context and surface, and calls the
// [Renderer]. The loop is an explicit state machine (see [State]), driven
// by requests from window callbacks: surface creation and destruction,
// resizes, pause and resume, and paint suspension while a window moves.
// Those callbacks block until the loop has acknowledged them, so for
// example no frame is drawn once [Thread.OnPause] returns, until
// [Thread.OnResume].
//
// Context loss, detected by polling [EGL.ContextLost] or reported by
// [EGL.Swap], shares the recovery path of a pause: the surface and context
// are released, and recreated when the loop is next ready to draw, which
// calls [Renderer.OnSurfaceCreated] again. Any other swap failure marks the
// surface bad. The loop only ever stops when asked to, see
// [Thread.RequestExitAndWait].
//
// Work queued with [Thread.QueueEvent] runs on the render thread, ahead of
// drawing, one event per loop iteration.
package glthread
