package process

import (
	"context"
	"fmt"
	"io"
)

// RunChild is the bootstrap of a launched child. It must be called on the
// goroutine that will own the child's main looper, e.g. main.
//
// RunChild builds the child's Process, attaches it to the launcher over
// transport, resolves desc's entry point, then runs it via Process.Start,
// reporting OpProcessLaunched first unless WithDeferredLaunchReport is
// given. Entry points built into the executable are registered by
// WithEntries. Otherwise, when desc.ModulePath is set, the entry is looked
// up with the LibraryLoader.
//
// The looper quits if the transport closes, and the transport is closed
// once the entry point returns.
func RunChild(ctx context.Context, desc LaunchDescriptor, transport io.ReadWriteCloser, opts ...Option) error {
	cfg := resolveOptions(opts)

	entry, err := resolveEntry(cfg, desc)
	if err != nil {
		_ = transport.Close()
		return err
	}

	p := New(append(append([]Option(nil), opts...), WithConnectionID(desc.ConnectionID))...)
	conn := NewConn(transport, p.Messenger(), opts...)
	p.Attach(conn, desc)
	if !cfg.skipInitialize {
		Initialize(p)
		defer current.CompareAndSwap(p, nil)
	}
	conn.OnClose(p.Looper().Quit)

	serveDone := make(chan error, 1)
	go func() { serveDone <- conn.Serve(ctx) }()

	p.logger.Debug().
		Int64(`connection`, int64(desc.ConnectionID)).
		Str(`entry`, desc.ModuleEntry).
		Log(`process: child starting`)

	err = p.Start(func(ctx context.Context) error {
		if !cfg.deferLaunchReport {
			p.ReportLaunched()
		}
		return entry(ctx, p, desc.Arguments)
	})

	_ = conn.Close()
	if serveErr := <-serveDone; err == nil && serveErr != nil && serveErr != ctx.Err() {
		err = serveErr
	}
	return err
}

func resolveEntry(cfg *options, desc LaunchDescriptor) (EntryFunc, error) {
	if entry, ok := cfg.entries[desc.ModuleEntry]; ok && desc.ModulePath == `` {
		return entry, nil
	}
	if desc.ModulePath != `` {
		if cfg.loader == nil {
			return nil, fmt.Errorf(`%w: %s in %s`, ErrLibraryLoadingDisabled, desc.ModuleEntry, desc.ModulePath)
		}
		return cfg.loader.LookupEntry(desc.ModulePath, desc.ModuleEntry)
	}
	return nil, fmt.Errorf(`%w: %q`, ErrUnknownEntry, desc.ModuleEntry)
}
