// Copyright (C) 2024-2026, Execlink, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package epc

import (
	"fmt"
	"plugin"
	"sync"
)

// RawWrapperFn is the exported shape library code uses for its wrapper
// functions. It deliberately avoids any epc types so that plugins do not
// need this package on their import path for type identity.
type RawWrapperFn = func(arg []byte) ([]byte, error)

// LibraryResolver loads a library and returns its symbol table: wrapper
// names mapped to freshly issued tag addresses. The mode flag is opaque to
// this layer and passed through from the controller.
type LibraryResolver interface {
	LoadLibrary(path string, mode uint64) (map[string]uint64, error)
}

// loadedLibrary is one entry in the server-owned, append-only handle list.
// Handles are 1-based indexes into that list; handle 0 means the whole
// process in lookups. No unload operation is exposed at this layer.
type loadedLibrary struct {
	path    string
	symbols map[string]uint64
}

func rawToWrapper(fn RawWrapperFn) WrapperFn {
	return func(arg []byte) WrapperResult {
		b, err := fn(arg)
		if err != nil {
			return WrapperError(err)
		}
		return WrapperBytes(b)
	}
}

// PluginResolver loads Go plugins. A loadable plugin exports
//
//	var Wrappers = map[string]func(arg []byte) ([]byte, error){...}
//
// and every entry is registered with the wrapper registry; the addresses
// handed back to the controller are directly callable tags.
type PluginResolver struct {
	reg *WrapperRegistry
}

func NewPluginResolver(reg *WrapperRegistry) *PluginResolver {
	return &PluginResolver{reg: reg}
}

func (r *PluginResolver) LoadLibrary(path string, mode uint64) (map[string]uint64, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("epc: open plugin %q: %w", path, err)
	}
	sym, err := p.Lookup("Wrappers")
	if err != nil {
		return nil, fmt.Errorf("epc: plugin %q has no Wrappers table: %w", path, err)
	}
	table, ok := sym.(*map[string]RawWrapperFn)
	if !ok {
		return nil, fmt.Errorf("epc: plugin %q: Wrappers has type %T", path, sym)
	}
	out := make(map[string]uint64, len(*table))
	for name, fn := range *table {
		out[name] = r.reg.Register(rawToWrapper(fn))
	}
	return out, nil
}

// StaticResolver serves libraries registered in-process, for embedded
// deployments and tests.
type StaticResolver struct {
	reg  *WrapperRegistry
	mu   sync.Mutex
	libs map[string]map[string]RawWrapperFn
}

func NewStaticResolver(reg *WrapperRegistry) *StaticResolver {
	return &StaticResolver{reg: reg, libs: make(map[string]map[string]RawWrapperFn)}
}

// AddLibrary makes a symbol table loadable under path.
func (r *StaticResolver) AddLibrary(path string, fns map[string]RawWrapperFn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.libs[path] = fns
}

func (r *StaticResolver) LoadLibrary(path string, mode uint64) (map[string]uint64, error) {
	r.mu.Lock()
	fns, ok := r.libs[path]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("epc: no such library %q", path)
	}
	out := make(map[string]uint64, len(fns))
	for name, fn := range fns {
		out[name] = r.reg.Register(rawToWrapper(fn))
	}
	return out, nil
}
