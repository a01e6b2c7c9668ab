package process

import (
	"context"
	"fmt"
	"path/filepath"
	"plugin"
	"sync"
)

type (
	// LibraryLoader loads libraries by name, on request of OpLoadLibrary
	// messages, and resolves entry points from modules.
	LibraryLoader interface {
		LoadLibrary(name string) error
		// LookupEntry resolves an entry point exported by a module.
		LookupEntry(module, entry string) (EntryFunc, error)
	}

	// EntryFunc is the entry point of a child process, run on the process
	// main goroutine. When it returns, the process's main looper quits.
	EntryFunc func(ctx context.Context, p *Process, args string) error

	// PluginLoader is a LibraryLoader backed by the standard plugin
	// package. Loading the same path twice is a no-op.
	PluginLoader struct {
		// Dir, if set, resolves relative library names.
		Dir string

		mu      sync.Mutex
		plugins map[string]*plugin.Plugin
	}
)

// LoadLibrary opens the plugin at name, running its init functions.
func (x *PluginLoader) LoadLibrary(name string) error {
	_, err := x.open(name)
	return err
}

// LookupEntry opens the plugin at module, and looks up entry, which must be
// an EntryFunc, or a func with the same signature.
func (x *PluginLoader) LookupEntry(module, entry string) (EntryFunc, error) {
	p, err := x.open(module)
	if err != nil {
		return nil, err
	}
	sym, err := p.Lookup(entry)
	if err != nil {
		return nil, fmt.Errorf(`%w: %w`, ErrUnknownEntry, err)
	}
	switch fn := sym.(type) {
	case EntryFunc:
		return fn, nil
	case func(ctx context.Context, p *Process, args string) error:
		return fn, nil
	case *EntryFunc:
		return *fn, nil
	}
	return nil, fmt.Errorf(`%w: %s in %s has type %T`, ErrUnknownEntry, entry, module, sym)
}

func (x *PluginLoader) open(name string) (*plugin.Plugin, error) {
	path := name
	if x.Dir != `` && !filepath.IsAbs(path) {
		path = filepath.Join(x.Dir, path)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if p, ok := x.plugins[path]; ok {
		return p, nil
	}
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf(`process: load library %q: %w`, path, err)
	}
	if x.plugins == nil {
		x.plugins = make(map[string]*plugin.Plugin)
	}
	x.plugins[path] = p
	return p, nil
}
