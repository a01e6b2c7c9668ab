package looper

import (
	"sync"
)

type (
	// Receiver handles a message from sender, returning true if it was
	// consumed.
	Receiver func(sender Messenger, msg Message) bool

	// MessageFilter routes messages to receivers. Dedicated receivers, keyed
	// by opcode, are tried first, then every registered receiver, in
	// registration order, until one returns true.
	//
	// The zero value is ready to use.
	MessageFilter struct {
		mu        sync.RWMutex
		receivers []filterEntry
		dedicated map[int32]Receiver
	}

	filterEntry struct {
		key      any
		receiver Receiver
	}
)

// AddReceiver registers r under key, typically a *Messages group. An
// existing receiver for key is replaced, keeping its position.
func (x *MessageFilter) AddReceiver(key any, r Receiver) {
	if r == nil {
		panic(`looper: nil receiver`)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for i := range x.receivers {
		if x.receivers[i].key == key {
			x.receivers[i].receiver = r
			return
		}
	}
	x.receivers = append(x.receivers, filterEntry{key: key, receiver: r})
}

// RemoveReceiver unregisters the receiver for key.
func (x *MessageFilter) RemoveReceiver(key any) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for i := range x.receivers {
		if x.receivers[i].key == key {
			x.receivers = append(x.receivers[:i:i], x.receivers[i+1:]...)
			return
		}
	}
}

// SetDedicated registers r for the opcode what, replacing any existing one.
func (x *MessageFilter) SetDedicated(what int32, r Receiver) {
	if r == nil {
		panic(`looper: nil receiver`)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.dedicated == nil {
		x.dedicated = make(map[int32]Receiver)
	}
	x.dedicated[what] = r
}

// RemoveDedicated unregisters the dedicated receiver for what.
func (x *MessageFilter) RemoveDedicated(what int32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.dedicated, what)
}

// Dispatch offers msg to the receivers, returning true once one consumes it.
// Receivers are called without the filter's lock held.
func (x *MessageFilter) Dispatch(sender Messenger, msg Message) bool {
	if x == nil {
		return false
	}

	x.mu.RLock()
	dedicated := x.dedicated[msg.What]
	receivers := make([]Receiver, len(x.receivers))
	for i := range x.receivers {
		receivers[i] = x.receivers[i].receiver
	}
	x.mu.RUnlock()

	if dedicated != nil && dedicated(sender, msg) {
		return true
	}
	for _, r := range receivers {
		if r(sender, msg) {
			return true
		}
	}
	return false
}
