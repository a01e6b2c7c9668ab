package looper

import (
	"fmt"
	"sync/atomic"
)

// Reserved opcodes, with stable values, as they cross process boundaries.
const (
	// OpConnect requests a new channel, Arg1 carries the awaited reply opcode
	// and ReplyTo the client's receiving Messenger.
	OpConnect int32 = 1 + iota
	// OpConnected answers OpConnect, Arg1 is the channel id and ReplyTo the
	// host's receiving Messenger.
	OpConnected
	// OpDisconnect closes a channel, Arg1 is the channel id.
	OpDisconnect
	// OpDisconnected confirms OpDisconnect, Arg1 is the channel id.
	OpDisconnected
	// OpProcessLaunched is sent by a child process once it is running, Arg1
	// is the connection id and ReplyTo the child's receiving Messenger.
	OpProcessLaunched
	// OpLoadLibrary asks a process to load a library, named by the
	// KeyLibraryName data key.
	OpLoadLibrary
)

// FirstApplicationOpcode starts the range, below FirstDynamicOpcode, left
// for application protocols that need opcodes stable across processes.
const FirstApplicationOpcode int32 = 0x40

// FirstDynamicOpcode is the first value allocated by UniqueMessageIdentifier.
const FirstDynamicOpcode int32 = 0x100

// KeyLibraryName is the data key carrying the library for OpLoadLibrary.
const KeyLibraryName = `library`

var nextOpcode atomic.Int32

func init() {
	nextOpcode.Store(FirstDynamicOpcode)
}

// UniqueMessageIdentifier allocates an opcode that is unique within this
// running process. Values are not stable across builds or processes.
func UniqueMessageIdentifier() int32 {
	return nextOpcode.Add(1) - 1
}

// Messages is a named group of consecutively allocated opcodes.
type Messages struct {
	name  string
	first int32
	n     int32
}

// NewMessages allocates n consecutive opcodes.
func NewMessages(name string, n int) *Messages {
	if n <= 0 {
		panic(fmt.Errorf(`looper: invalid opcode count %d for %q`, n, name))
	}
	last := nextOpcode.Add(int32(n))
	return &Messages{name: name, first: last - int32(n), n: int32(n)}
}

// Name returns the group name.
func (x *Messages) Name() string { return x.name }

// Len returns the number of opcodes in the group.
func (x *Messages) Len() int { return int(x.n) }

// Opcode returns the i-th opcode of the group. It panics if i is out of range.
func (x *Messages) Opcode(i int) int32 {
	if i < 0 || i >= int(x.n) {
		panic(fmt.Errorf(`looper: opcode index %d out of range for %q`, i, x.name))
	}
	return x.first + int32(i)
}

// Contains reports whether what belongs to the group.
func (x *Messages) Contains(what int32) bool {
	return what >= x.first && what < x.first+x.n
}
