// Copyright (C) 2024-2026, Execlink, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package epc

import (
	"fmt"
)

// Built-in remote operations. Both are plain wrapper functions reachable
// through the same tag-dispatch path as user payloads; their tags are
// advertised in the bootstrap symbol map. Failures here are operation
// errors carried back to the caller as data, never server-fatal.

// LoadDylibRequest asks the executor to load a library.
type LoadDylibRequest struct {
	Path string `json:"path"`
	Mode uint64 `json:"mode"`
}

// LoadDylibReply returns the opaque handle of the loaded library.
type LoadDylibReply struct {
	Handle uint64 `json:"handle"`
}

// SymbolLookup names one symbol to resolve. A required symbol that cannot
// be resolved fails the whole request; a weak one resolves to address 0.
type SymbolLookup struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
}

// LookupRequest resolves a batch of symbols against one library (by handle)
// or the whole process (handle 0, search in load order).
type LookupRequest struct {
	Handle  uint64         `json:"handle"`
	Symbols []SymbolLookup `json:"symbols"`
}

// LookupSymbolsRequest is a batch of lookup requests.
type LookupSymbolsRequest struct {
	Requests []LookupRequest `json:"requests"`
}

// LookupSymbolsReply mirrors the request shape: one ordered address list
// per request.
type LookupSymbolsReply struct {
	Addrs [][]uint64 `json:"addrs"`
}

func (s *Server) loadDylibWrapper(arg []byte) WrapperResult {
	var req LoadDylibRequest
	if err := defaultCodec.Decode(arg, &req); err != nil {
		return WrapperErrorf("epc: decode load request: %v", err)
	}
	handle, err := s.loadDylib(req.Path, req.Mode)
	if err != nil {
		return WrapperError(err)
	}
	payload, err := defaultCodec.Encode(LoadDylibReply{Handle: handle})
	if err != nil {
		return WrapperErrorf("epc: encode load reply: %v", err)
	}
	return WrapperBytes(payload)
}

func (s *Server) lookupSymbolsWrapper(arg []byte) WrapperResult {
	var req LookupSymbolsRequest
	if err := defaultCodec.Decode(arg, &req); err != nil {
		return WrapperErrorf("epc: decode lookup request: %v", err)
	}
	addrs, err := s.lookupSymbols(req.Requests)
	if err != nil {
		return WrapperError(err)
	}
	payload, err := defaultCodec.Encode(LookupSymbolsReply{Addrs: addrs})
	if err != nil {
		return WrapperErrorf("epc: encode lookup reply: %v", err)
	}
	return WrapperBytes(payload)
}

func (s *Server) loadDylib(path string, mode uint64) (uint64, error) {
	symbols, err := s.resolver.LoadLibrary(path, mode)
	if err != nil {
		return 0, err
	}
	s.dylibMu.Lock()
	defer s.dylibMu.Unlock()
	s.dylibs = append(s.dylibs, &loadedLibrary{path: path, symbols: symbols})
	return uint64(len(s.dylibs)), nil
}

func (s *Server) lookupSymbols(reqs []LookupRequest) ([][]uint64, error) {
	out := make([][]uint64, 0, len(reqs))
	for _, req := range reqs {
		addrs := make([]uint64, 0, len(req.Symbols))
		for _, sym := range req.Symbols {
			addr, found, err := s.resolveSymbol(req.Handle, sym.Name)
			if err != nil {
				return nil, err
			}
			if !found {
				if sym.Required {
					return nil, fmt.Errorf("epc: symbol not found: %q", sym.Name)
				}
				addr = 0
			}
			addrs = append(addrs, addr)
		}
		out = append(out, addrs)
	}
	return out, nil
}

func (s *Server) resolveSymbol(handle uint64, name string) (uint64, bool, error) {
	s.dylibMu.Lock()
	defer s.dylibMu.Unlock()

	if handle == 0 {
		for _, lib := range s.dylibs {
			if addr, ok := lib.symbols[name]; ok {
				return addr, true, nil
			}
		}
		return 0, false, nil
	}
	if handle > uint64(len(s.dylibs)) {
		return 0, false, fmt.Errorf("epc: bad library handle %d", handle)
	}
	addr, ok := s.dylibs[handle-1].symbols[name]
	return addr, ok, nil
}
