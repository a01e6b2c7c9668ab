package looper

import (
	"runtime"
	"sync"
	"sync/atomic"
)

var (
	// goroutine id → *Looper
	loopers sync.Map

	mainLooper atomic.Pointer[Looper]

	looperIDCounter atomic.Uint64
)

// Looper runs tasks on the goroutine that prepared it.
//
// Instances are created by Prepare, PrepareMainLooper or StartLooperThread.
type Looper struct {
	// Prevent copying
	_ [0]func()

	state fastState

	// goroutine that owns (prepared) this looper
	goid uint64

	id   uint64
	name string

	mu       sync.Mutex
	tasks    []func()
	spare    []func()
	safely   bool
	wake     chan struct{}
	loopDone chan struct{}
}

func newLooper(goid uint64, name string) *Looper {
	return &Looper{
		goid:     goid,
		id:       looperIDCounter.Add(1),
		name:     name,
		wake:     make(chan struct{}, 1),
		loopDone: make(chan struct{}),
	}
}

// Prepare installs a Looper for the calling goroutine, if it does not already
// have one, and returns the goroutine's Looper.
func Prepare() *Looper {
	return prepare(``)
}

func prepare(name string) *Looper {
	goid := getGoroutineID()
	if v, ok := loopers.Load(goid); ok {
		return v.(*Looper)
	}
	l := newLooper(goid, name)
	v, _ := loopers.LoadOrStore(goid, l)
	return v.(*Looper)
}

// PrepareMainLooper is Prepare, but also records the calling goroutine's
// Looper as the main looper. Calling it again is a no-op, until the main
// looper has quit.
func PrepareMainLooper() *Looper {
	if l := mainLooper.Load(); l != nil {
		return l
	}
	l := prepare(`main`)
	if mainLooper.CompareAndSwap(nil, l) {
		return l
	}
	return mainLooper.Load()
}

// MainLooper returns the main looper. It panics if PrepareMainLooper has not
// been called, or the main looper has quit.
func MainLooper() *Looper {
	l := mainLooper.Load()
	if l == nil {
		panic(`looper: main looper not prepared`)
	}
	return l
}

// MyLooper returns the calling goroutine's Looper, or nil.
func MyLooper() *Looper {
	if v, ok := loopers.Load(getGoroutineID()); ok {
		return v.(*Looper)
	}
	return nil
}

// Loop runs the calling goroutine's Looper, see Looper.Loop. It panics if
// the goroutine has no Looper.
func Loop() {
	l := MyLooper()
	if l == nil {
		panic(`looper: no looper prepared on this goroutine`)
	}
	if err := l.Loop(); err != nil {
		panic(err)
	}
}

// StartLooperThread starts a new goroutine, prepares a Looper on it, and
// runs it until quit. The returned Looper is ready to accept work.
func StartLooperThread(name string) *Looper {
	ready := make(chan *Looper, 1)
	go func() {
		l := prepare(name)
		ready <- l
		_ = l.Loop()
	}()
	return <-ready
}

// ID returns a process-unique identifier for the looper.
func (x *Looper) ID() uint64 { return x.id }

// Name returns the name given to the looper, if any.
func (x *Looper) Name() string { return x.name }

// State returns the current looper state.
func (x *Looper) State() LooperState { return x.state.Load() }

// IsCurrentThread reports whether the caller is running on the looper's goroutine.
func (x *Looper) IsCurrentThread() bool {
	return getGoroutineID() == x.goid
}

// Done is closed once Loop has returned.
func (x *Looper) Done() <-chan struct{} { return x.loopDone }

// Loop blocks, running posted tasks in order, until Quit or QuitSafely is
// called. It must be called on the goroutine that prepared the looper. On
// return, the goroutine no longer has a Looper.
func (x *Looper) Loop() error {
	if !x.IsCurrentThread() {
		return ErrNotLooperThread
	}

	if !x.state.TryTransition(StatePrepared, StateLooping) {
		switch x.state.Load() {
		case StateLooping:
			return ErrAlreadyLooping
		case StateQuit:
			return ErrLooperQuit
		}
		// quit before loop, still drain if it was QuitSafely
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer x.finish()

	for {
		x.mu.Lock()
		tasks := x.tasks
		quitting := x.state.Load() == StateQuitting
		safely := x.safely
		if len(tasks) == 0 && !quitting {
			x.mu.Unlock()
			<-x.wake
			continue
		}
		x.tasks = x.spare[:0]
		x.spare = nil
		x.mu.Unlock()

		if quitting && !safely {
			return nil
		}

		for i, fn := range tasks {
			x.safeExecute(fn)
			tasks[i] = nil
		}

		x.mu.Lock()
		if x.spare == nil {
			x.spare = tasks[:0]
		}
		x.mu.Unlock()

		if quitting {
			// quitSafely runs only the work queued before the quit request
			return nil
		}
	}
}

func (x *Looper) finish() {
	x.state.Store(StateQuit)
	x.mu.Lock()
	x.tasks = nil
	x.spare = nil
	x.mu.Unlock()
	loopers.CompareAndDelete(x.goid, x)
	mainLooper.CompareAndSwap(x, nil)
	select {
	case <-x.loopDone:
	default:
		close(x.loopDone)
	}
	getLogger().Debug().
		Uint64(`looper`, x.id).
		Str(`name`, x.name).
		Log(`looper: quit`)
}

// Post submits fn to run on the looper thread. It never blocks.
func (x *Looper) Post(fn func()) error {
	if fn == nil {
		return nil
	}
	x.mu.Lock()
	if !x.state.CanAcceptWork() {
		x.mu.Unlock()
		return ErrLooperQuit
	}
	x.tasks = append(x.tasks, fn)
	x.mu.Unlock()
	x.signal()
	return nil
}

func (x *Looper) signal() {
	select {
	case x.wake <- struct{}{}:
	default:
	}
}

// Quit stops the looper, discarding pending work.
func (x *Looper) Quit() {
	x.quit(false)
}

// QuitSafely stops the looper once the work already posted has run.
func (x *Looper) QuitSafely() {
	x.quit(true)
}

func (x *Looper) quit(safely bool) {
	x.mu.Lock()
	switch {
	case x.state.TryTransition(StateLooping, StateQuitting), x.state.TryTransition(StatePrepared, StateQuitting):
		x.safely = safely
	}
	x.mu.Unlock()
	x.signal()
}

// safeExecute executes a task with panic recovery. UnhandledMessageError
// panics are re-raised.
func (x *Looper) safeExecute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(*UnhandledMessageError); ok {
				panic(r)
			}
			getLogger().Err().
				Err(PanicError{Value: r}).
				Uint64(`looper`, x.id).
				Str(`name`, x.name).
				Log(`looper: task panicked`)
		}
	}()
	fn()
}
