// Package channel implements numbered, revocable channels between two
// Messengers, typically in different processes.
//
// A [Channel] (the client) sends [looper.OpConnect] to a remote Messenger.
// The remote process routes it, usually through a [looper.MessageFilter]
// with a [Registry] installed, to [Registry.Accept], which creates a [Host],
// registers it under a fresh id, and replies with the confirm opcode
// carrying the id and the host's Messenger. From then on, both sides send
// to each other directly.
//
// Disconnecting is a second handshake: [looper.OpDisconnect] from the
// client, answered by [looper.OpDisconnected], after which the host leaves
// the registry. A host that called [Host.Protect], and was never re-acquired
// by [Registry.Get] while open, is kept in a separate table instead, and may
// be recovered by exactly one later Get.
//
// Blocking waits on a Channel are bounded by their context, and optionally
// by [WithReplyTimeout]. An expired wait returns a [*TimeoutError].
package channel
