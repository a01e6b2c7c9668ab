package looper

import (
	"sort"
	"sync"
	"time"
)

// frontOfQueueOffset places front-of-queue items before anything due "now".
const frontOfQueueOffset = time.Millisecond

type (
	// MessageHandler receives messages dispatched by a Handler.
	MessageHandler interface {
		HandleMessage(msg Message)
	}

	// MessageHandlerFunc implements MessageHandler.
	MessageHandlerFunc func(msg Message)

	// Callback is a comparable handle for a closure, which allows posted
	// work to be removed via Handler.RemoveCallbacks.
	Callback struct {
		fn func()
	}

	// Handler is a time-ordered work queue, bound to a Looper.
	//
	// Instances must be initialized using NewHandler or NewHandlerForLooper.
	Handler struct {
		// Prevent copying
		_ [0]func()

		looper  *Looper
		clock   Clock
		handler MessageHandler

		targetOnce sync.Once
		target     *handlerTarget

		mu    sync.Mutex
		queue []workItem
		timer Timer
		armed time.Time // zero if no timer is armed
	}

	workItem struct {
		when     time.Time
		callback *Callback
		msg      Message
	}
)

// HandleMessage implements MessageHandler.
func (f MessageHandlerFunc) HandleMessage(msg Message) { f(msg) }

// NewCallback wraps fn.
func NewCallback(fn func()) *Callback {
	return &Callback{fn: fn}
}

// Run calls the wrapped closure.
func (x *Callback) Run() {
	if x != nil && x.fn != nil {
		x.fn()
	}
}

// NewHandler returns a Handler bound to the calling goroutine's Looper. It
// panics if the goroutine has no Looper.
func NewHandler(opts ...HandlerOption) *Handler {
	l := MyLooper()
	if l == nil {
		panic(`looper: can't create handler on a goroutine that has not called Prepare`)
	}
	return NewHandlerForLooper(l, opts...)
}

// NewHandlerForLooper returns a Handler bound to l.
func NewHandlerForLooper(l *Looper, opts ...HandlerOption) *Handler {
	if l == nil {
		panic(`looper: nil looper`)
	}
	cfg := resolveHandlerOptions(opts)
	return &Handler{
		looper:  l,
		clock:   cfg.clock,
		handler: cfg.handler,
	}
}

// Looper returns the looper the handler is bound to.
func (x *Handler) Looper() *Looper { return x.looper }

// Now returns the current time, per the handler's clock.
func (x *Handler) Now() time.Time { return x.clock.Now() }

// Post schedules c to run as soon as possible. It returns false if the
// looper has quit.
func (x *Handler) Post(c *Callback) bool {
	return x.enqueue(workItem{when: x.clock.Now(), callback: c})
}

// PostFunc wraps fn in a new Callback and posts it, returning the Callback
// (for removal), or nil if the looper has quit.
func (x *Handler) PostFunc(fn func()) *Callback {
	c := NewCallback(fn)
	if !x.Post(c) {
		return nil
	}
	return c
}

// PostAtFrontOfQueue schedules c ahead of any work that is currently due.
func (x *Handler) PostAtFrontOfQueue(c *Callback) bool {
	return x.enqueue(workItem{when: x.clock.Now().Add(-frontOfQueueOffset), callback: c})
}

// PostAtTime schedules c to run at t.
func (x *Handler) PostAtTime(c *Callback, t time.Time) bool {
	return x.enqueue(workItem{when: t, callback: c})
}

// PostDelayed schedules c to run after d.
func (x *Handler) PostDelayed(c *Callback, d time.Duration) bool {
	if d < 0 {
		d = 0
	}
	return x.enqueue(workItem{when: x.clock.Now().Add(d), callback: c})
}

// SendMessage schedules msg to be dispatched as soon as possible.
func (x *Handler) SendMessage(msg Message) bool {
	return x.SendMessageAtTime(msg, x.clock.Now())
}

// SendEmptyMessage sends a message with only What set.
func (x *Handler) SendEmptyMessage(what int32) bool {
	return x.SendMessage(Message{What: what})
}

// SendEmptyMessageDelayed sends a message with only What set, after d.
func (x *Handler) SendEmptyMessageDelayed(what int32, d time.Duration) bool {
	return x.SendMessageDelayed(Message{What: what}, d)
}

// SendMessageDelayed schedules msg to be dispatched after d.
func (x *Handler) SendMessageDelayed(msg Message, d time.Duration) bool {
	if d < 0 {
		d = 0
	}
	return x.SendMessageAtTime(msg, x.clock.Now().Add(d))
}

// SendMessageAtTime schedules a copy of msg to be dispatched at t, so the
// caller may reuse msg, and its data, once it returns.
func (x *Handler) SendMessageAtTime(msg Message, t time.Time) bool {
	msg = msg.Copy()
	msg.Target = x
	return x.enqueue(workItem{when: t, msg: msg})
}

// SendMessageAtFrontOfQueue schedules msg ahead of any work that is
// currently due.
func (x *Handler) SendMessageAtFrontOfQueue(msg Message) bool {
	return x.SendMessageAtTime(msg, x.clock.Now().Add(-frontOfQueueOffset))
}

// RemoveCallbacks removes every pending item posted with c.
func (x *Handler) RemoveCallbacks(c *Callback) {
	if c == nil {
		return
	}
	x.remove(func(it *workItem) bool { return it.callback == c })
}

// RemoveMessages removes every pending message with the given opcode.
func (x *Handler) RemoveMessages(what int32) {
	x.remove(func(it *workItem) bool { return it.callback == nil && it.msg.What == what })
}

// RemoveAll removes every pending item.
func (x *Handler) RemoveAll() {
	x.remove(func(*workItem) bool { return true })
}

// HasMessages reports whether a message with the given opcode is pending.
func (x *Handler) HasMessages(what int32) bool {
	return x.has(func(it *workItem) bool { return it.callback == nil && it.msg.What == what })
}

// HasCallbacks reports whether c is pending.
func (x *Handler) HasCallbacks(c *Callback) bool {
	return x.has(func(it *workItem) bool { return it.callback == c })
}

// Pending returns the number of items waiting to fire.
func (x *Handler) Pending() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.queue)
}

// DispatchMessage delivers msg to the handler's MessageHandler, on the
// calling goroutine. It panics with *UnhandledMessageError if there is none.
func (x *Handler) DispatchMessage(msg Message) {
	if x.handler == nil {
		panic(&UnhandledMessageError{Message: msg})
	}
	x.handler.HandleMessage(msg)
}

func (x *Handler) enqueue(it workItem) bool {
	if !x.looper.state.CanAcceptWork() {
		return false
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	// upper bound, so equal fire times keep insertion order
	i := sort.Search(len(x.queue), func(i int) bool { return x.queue[i].when.After(it.when) })
	x.queue = append(x.queue, workItem{})
	copy(x.queue[i+1:], x.queue[i:])
	x.queue[i] = it

	x.stop()
	x.rearm()
	return true
}

func (x *Handler) remove(match func(it *workItem) bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	n := 0
	for i := range x.queue {
		if !match(&x.queue[i]) {
			x.queue[n] = x.queue[i]
			n++
		}
	}
	clear(x.queue[n:])
	x.queue = x.queue[:n]

	x.stop()
	x.rearm()
}

func (x *Handler) has(match func(it *workItem) bool) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	for i := range x.queue {
		if match(&x.queue[i]) {
			return true
		}
	}
	return false
}

// rearm arms the timer for the queue head, must be called with mu held
func (x *Handler) rearm() {
	if len(x.queue) == 0 {
		return
	}
	x.startAtTime(x.queue[0].when)
}

// startAtTime arms the timer for t, unless one is armed for an earlier
// time, must be called with mu held. A t in the past fires immediately.
func (x *Handler) startAtTime(t time.Time) {
	if !x.armed.IsZero() && !t.Before(x.armed) {
		return
	}
	if x.timer != nil {
		x.timer.Stop()
	}
	d := t.Sub(x.clock.Now())
	if d < 0 {
		d = 0
	}
	x.armed = t
	x.timer = x.clock.AfterFunc(d, x.onTimer)
}

// stop disarms the timer, must be called with mu held
func (x *Handler) stop() {
	if x.timer != nil {
		x.timer.Stop()
		x.timer = nil
	}
	x.armed = time.Time{}
}

func (x *Handler) onTimer() {
	if err := x.looper.Post(x.performMessages); err != nil {
		getLogger().Debug().
			Err(err).
			Uint64(`looper`, x.looper.id).
			Log(`looper: handler timer fired after quit`)
	}
}

// performMessages runs every due item, on the looper thread.
func (x *Handler) performMessages() {
	x.mu.Lock()
	now := x.clock.Now()
	n := 0
	for n < len(x.queue) && !x.queue[n].when.After(now) {
		n++
	}
	var due []workItem
	if n != 0 {
		due = make([]workItem, n)
		copy(due, x.queue[:n])
		m := copy(x.queue, x.queue[n:])
		clear(x.queue[m:])
		x.queue = x.queue[:m]
	}
	x.stop()
	x.rearm()
	x.mu.Unlock()

	for _, it := range due {
		x.looper.safeExecute(func() {
			if it.callback != nil {
				it.callback.Run()
			} else {
				x.DispatchMessage(it.msg)
			}
		})
	}
}

// armedDeadline returns the armed timer's deadline, for tests.
func (x *Handler) armedDeadline() (time.Time, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.armed, !x.armed.IsZero()
}

// headFireTime returns the fire time of the queue head, for tests.
func (x *Handler) headFireTime() (time.Time, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.queue) == 0 {
		return time.Time{}, false
	}
	return x.queue[0].when, true
}
