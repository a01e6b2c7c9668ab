package looper

import (
	"fmt"
	"sync/atomic"
)

type (
	// MessageTarget delivers messages on behalf of a Messenger.
	//
	// Implementations must be comparable, typically pointers, as Messenger
	// equality is target equality.
	MessageTarget interface {
		// Deliver schedules msg for delivery, returning false if it was
		// dropped.
		Deliver(msg Message) bool
	}

	// Messenger is a copyable handle that delivers messages to a Handler,
	// possibly in another process. The zero value is an empty Messenger, on
	// which Send is a no-op.
	Messenger struct {
		target MessageTarget
	}

	handlerTarget struct {
		handler *Handler
		handle  uint64
	}
)

var handleCounter atomic.Uint64

// NewMessenger returns a Messenger delivering to h. Every Messenger for the
// same Handler is equal.
func NewMessenger(h *Handler) Messenger {
	if h == nil {
		return Messenger{}
	}
	return Messenger{target: h.messageTarget()}
}

// MessengerFor returns a Messenger delivering via target.
func MessengerFor(target MessageTarget) Messenger {
	return Messenger{target: target}
}

func (x *Handler) messageTarget() *handlerTarget {
	x.targetOnce.Do(func() {
		x.target = &handlerTarget{handler: x, handle: handleCounter.Add(1)}
	})
	return x.target
}

func (x *handlerTarget) Deliver(msg Message) bool {
	return x.handler.SendMessage(msg)
}

func (x *handlerTarget) String() string {
	return fmt.Sprintf(`local#%d`, x.handle)
}

// Send delivers msg, returning false if the Messenger is empty or delivery
// was refused.
func (x Messenger) Send(msg Message) bool {
	if x.target == nil {
		return false
	}
	return x.target.Deliver(msg)
}

// IsValid reports whether the Messenger has a target.
func (x Messenger) IsValid() bool { return x.target != nil }

// Target returns the underlying target, or nil.
func (x Messenger) Target() MessageTarget { return x.target }

// Handler returns the local Handler behind the Messenger, or nil if it is
// empty or remote.
func (x Messenger) Handler() *Handler {
	if t, ok := x.target.(*handlerTarget); ok {
		return t.handler
	}
	return nil
}

// Equal reports whether both Messengers deliver to the same target.
func (x Messenger) Equal(other Messenger) bool {
	return x.target == other.target
}

// String implements fmt.Stringer, for logging.
func (x Messenger) String() string {
	switch t := x.target.(type) {
	case nil:
		return `messenger(nil)`
	case fmt.Stringer:
		return `messenger(` + t.String() + `)`
	default:
		return fmt.Sprintf(`messenger(%T)`, t)
	}
}
