// Package process launches child processes, and bridges looper messages
// between them.
//
// A [Launcher], owned by a [Process], spawns children via a [Spawner]. Each
// child is started with an encoded [LaunchDescriptor] (see [ChildFlag]) and
// a transport, over which a [Conn] carries framed messages. Messengers
// crossing a Conn are exported and imported as numbered handles, so replies
// route back to the originating Handler.
//
// A child runs [RunChild], which builds its Process, resolves the entry
// point, and reports [looper.OpProcessLaunched] to the launcher. Until
// then, [Process.Send] in the child and [Connection.Send] in the parent are
// silent no-ops.
//
// Library loading is a capability: [looper.OpLoadLibrary] is only honored
// by a Process configured with a [LibraryLoader].
package process
