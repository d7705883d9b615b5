// Copyright (C) 2024-2026, Execlink, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package epc

import (
	"github.com/sirupsen/logrus"
)

// Bootstrap symbol names advertised for the built-in operations.
const (
	SymbolLoadDylib     = "__epc_load_dylib"
	SymbolLookupSymbols = "__epc_lookup_symbols"
)

// BootstrapSymbols is the name-to-address map advertised to the controller
// in the one-time setup message.
type BootstrapSymbols map[string]uint64

// Set records a symbol. A name registered twice keeps the last value; the
// replacement is logged rather than silently dropped.
func (b BootstrapSymbols) Set(name string, addr uint64) {
	if prev, ok := b[name]; ok && prev != addr {
		logrus.Warnf("epc: bootstrap symbol %q redefined (%#x -> %#x)", name, prev, addr)
	}
	b[name] = addr
}

// BootstrapService contributes bootstrap symbols during server construction.
// Services are attached via Setup.AddService and are not added or removed
// after construction completes.
type BootstrapService interface {
	AddBootstrapSymbols(symbols BootstrapSymbols)
}

// ErrorReporter is the sink for every error that reaches the top of the
// disconnect/shutdown path.
type ErrorReporter func(error)

// Setup is the construction-time builder passed to the configuration
// callback of NewServer. It is consumed by construction and must not be
// retained afterwards.
type Setup struct {
	server   *Server
	symbols  BootstrapSymbols
	services []BootstrapService
}

func newSetup(s *Server) *Setup {
	return &Setup{server: s, symbols: make(BootstrapSymbols)}
}

// BootstrapSymbols returns the mutable symbol map sent to the peer at setup
// time. Built-in operation symbols are seeded before services run, so a
// service may deliberately shadow them.
func (s *Setup) BootstrapSymbols() BootstrapSymbols { return s.symbols }

// AddService attaches a bootstrap service to the server under construction.
func (s *Setup) AddService(svc BootstrapService) {
	s.services = append(s.services, svc)
}

// SetDispatcher overrides the default GoroutineDispatcher.
func (s *Setup) SetDispatcher(d Dispatcher) { s.server.dispatcher = d }

// SetErrorReporter overrides the default logrus-backed reporter.
func (s *Setup) SetErrorReporter(report ErrorReporter) { s.server.reportError = report }

// SetLibraryResolver overrides the default plugin-backed resolver used by
// the load-library built-in.
func (s *Setup) SetLibraryResolver(r LibraryResolver) { s.server.resolver = r }

// RegisterWrapper registers fn with the server's wrapper registry and
// returns its tag address, suitable for advertising as a bootstrap symbol.
func (s *Setup) RegisterWrapper(fn WrapperFn) uint64 {
	return s.server.wrappers.Register(fn)
}

// Wrappers returns the server's wrapper registry, for wiring resolvers that
// issue callable tags.
func (s *Setup) Wrappers() *WrapperRegistry { return s.server.wrappers }
