// Package looper provides thread-affine message queues: a [Looper] pumps
// work on the goroutine that prepared it, and a [Handler] schedules
// [Message] values and [Callback] closures onto a Looper, ordered by fire
// time.
//
// # Architecture
//
// A [Looper] is bound to one goroutine (the "looper thread"), which is
// locked to its OS thread while [Looper.Loop] runs. At most one Looper
// exists per goroutine, see [Prepare] and [MyLooper]. One Looper may be
// distinguished as the main looper, see [PrepareMainLooper].
//
// A [Handler] owns a queue of pending work, kept sorted by fire time, with
// ties broken by insertion order. At most one timer is armed per Handler, for
// the fire time of the queue head. When it fires, every due item is removed
// from the queue, the timer is re-armed for the new head, and the removed
// items are executed on the looper thread, outside the Handler's lock.
//
// A [Messenger] is a copyable handle that delivers messages to a
// [MessageTarget], which is either a local Handler (see [NewMessenger]), or
// an implementation provided by a transport, e.g. for another process.
//
// # Thread Safety
//
//   - Handler scheduling and removal methods are safe to call from any goroutine
//   - Delivery always happens on the Handler's looper thread
//   - [MessageFilter] is safe for concurrent use
//
// # Opcodes
//
// Message opcodes used across process boundaries are reserved constants
// (see [OpConnect] etc.), while [UniqueMessageIdentifier] and [NewMessages]
// allocate opcodes that are only unique within one running process.
//
// # Failure Model
//
// Usage errors panic: [MainLooper] before [PrepareMainLooper], [NewHandler]
// on a goroutine without a Looper, and a message dispatched to a Handler
// without a [MessageHandler] (see [UnhandledMessageError]).
package looper
