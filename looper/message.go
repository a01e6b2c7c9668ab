package looper

import (
	"fmt"

	"github.com/joeycumines/go-osbridge/bundle"
)

// Message is an opcode-tagged envelope delivered to a Handler.
//
// Message has value semantics for its data bundle: use Copy to duplicate a
// message, as plain assignment shares the bundle. The Handler send methods
// enqueue a copy. Target and ReplyTo are always shallow references.
type Message struct {
	// Target is the Handler that will receive the message, set by the
	// Handler send methods.
	Target *Handler

	// ReplyTo optionally identifies where responses should be sent, which
	// may be in another process.
	ReplyTo Messenger

	data *bundle.Bundle

	// Obj is an opaque word-sized payload.
	Obj int64

	// What is the opcode.
	What int32

	Arg1 int32
	Arg2 int32
}

// Obtain returns a new message for h, with the given opcode.
//
// Messages are not pooled, every call allocates a fresh value.
func Obtain(h *Handler, what int32) Message {
	return Message{Target: h, What: what}
}

// ObtainArgs is Obtain, also setting Arg1 and Arg2.
func ObtainArgs(h *Handler, what, arg1, arg2 int32) Message {
	return Message{Target: h, What: what, Arg1: arg1, Arg2: arg2}
}

// ObtainObj is Obtain, also setting Obj.
func ObtainObj(h *Handler, what int32, obj int64) Message {
	return Message{Target: h, What: what, Obj: obj}
}

// ObtainArgsObj is Obtain, also setting Arg1, Arg2 and Obj.
func ObtainArgsObj(h *Handler, what, arg1, arg2 int32, obj int64) Message {
	return Message{Target: h, What: what, Arg1: arg1, Arg2: arg2, Obj: obj}
}

// Data returns the data bundle, allocating it if necessary.
func (x *Message) Data() *bundle.Bundle {
	if x.data == nil {
		x.data = bundle.New()
	}
	return x.data
}

// PeekData returns the data bundle, or nil, without allocating.
func (x Message) PeekData() *bundle.Bundle {
	return x.data
}

// SetData replaces the data bundle. The bundle is not copied.
func (x *Message) SetData(b *bundle.Bundle) {
	x.data = b
}

// Copy returns a copy of the message with its own data bundle.
func (x Message) Copy() Message {
	x.data = x.data.Clone()
	return x
}

// Take moves the data bundle out of the message.
func (x *Message) Take() *bundle.Bundle {
	b := x.data
	x.data = nil
	return b
}

// SendToTarget sends the message to its Target, returning false if there is
// no target or it could not be scheduled.
func (x Message) SendToTarget() bool {
	if x.Target == nil {
		return false
	}
	return x.Target.SendMessage(x)
}

// String implements fmt.Stringer, for logging.
func (x Message) String() string {
	s := fmt.Sprintf(`{what=%d arg1=%d arg2=%d obj=%d`, x.What, x.Arg1, x.Arg2, x.Obj)
	if x.data != nil {
		s += ` data=` + x.data.String()
	}
	if x.ReplyTo.IsValid() {
		s += ` replyTo=` + x.ReplyTo.String()
	}
	return s + `}`
}
