package hwcodec

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Options carry backend-independent settings into a Loader.
type Options struct {
	Logger *slog.Logger
	// Params holds backend-specific settings keyed by name.
	Params map[string]string
}

// Param returns a backend parameter or def when unset.
func (o Options) Param(key, def string) string {
	if v, ok := o.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// Loader acquires a component handle.
type Loader func(cb Callbacks, opts Options) (Component, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Loader)
)

// Register makes a component available under name.
func Register(name string, loader Loader) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("hwcodec: Register called twice for " + name)
	}
	registry[name] = loader
}

// Open acquires the named component.
func Open(name string, cb Callbacks, opts Options) (Component, error) {
	registryMu.RLock()
	loader, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, &StatusError{Op: "get_handle", Status: StatusComponentNotFound, Err: fmt.Errorf("unknown component %q", name)}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return loader(cb, opts)
}

// Registered lists registered component names.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
