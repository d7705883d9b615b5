// Copyright (C) 2024-2026, Execlink, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package epc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var (
	// ErrServerShutDown is returned by calls that raced server shutdown.
	ErrServerShutDown = errors.New("epc: server shut down")
	// ErrUnexpectedSeqNo signals a result message whose sequence number
	// was never issued. Fatal while the server is running.
	ErrUnexpectedSeqNo = errors.New("epc: result for unknown sequence number")
)

type runState uint8

const (
	stateRunning runState = iota
	stateShuttingDown
	stateShutDown
)

func (s runState) String() string {
	switch s {
	case stateRunning:
		return "running"
	case stateShuttingDown:
		return "shutting-down"
	default:
		return "shut-down"
	}
}

// Server is the executor-side protocol endpoint, bound to exactly one
// controller connection. It owns the transport, the dispatcher, the pending
// call table, the sequence-number counter and the loaded-library list.
type Server struct {
	// stateMu guards state and shutdownErr. It is acquired before
	// pendingMu where both are needed and is never held across a
	// blocking wait.
	stateMu      sync.Mutex
	shutdownCond *sync.Cond
	state        runState
	shutdownErr  error

	transport   Transport
	dispatcher  Dispatcher
	services    []BootstrapService
	reportError ErrorReporter

	wrappers *WrapperRegistry
	resolver LibraryResolver

	nextSeqNo atomic.Uint64

	// pending maps an in-flight sequence number to its completion slot.
	// A nil slot is a tombstone for a cancelled call: its late result is
	// dropped instead of being treated as a protocol error.
	pendingMu sync.Mutex
	pending   map[uint64]chan WrapperResult

	dylibMu sync.Mutex
	dylibs  []*loadedLibrary

	loadDylibTag     uint64
	lookupSymbolsTag uint64
}

// TransportFactory constructs the transport bound to c. It is invoked once
// during NewServer, after the configuration callback has run.
type TransportFactory func(c TransportClient) (Transport, error)

// NewServer builds a server: it runs the configuration callback, installs
// defaults, constructs the transport, lets each registered service
// contribute bootstrap symbols, sends the one-time setup message and starts
// the transport. Construction fails atomically; no partially usable server
// is ever returned.
func NewServer(setupFn func(*Setup) error, newTransport TransportFactory) (*Server, error) {
	s := &Server{
		state:   stateRunning,
		pending: make(map[uint64]chan WrapperResult),
	}
	s.shutdownCond = sync.NewCond(&s.stateMu)
	s.wrappers = NewWrapperRegistry()

	setup := newSetup(s)
	if setupFn != nil {
		if err := setupFn(setup); err != nil {
			return nil, fmt.Errorf("epc: setup: %w", err)
		}
	}

	// Defaults are installed up front so the error reporter is usable for
	// failures later in construction.
	if s.reportError == nil {
		s.reportError = func(err error) {
			logrus.WithError(err).Error("epc: unhandled server error")
		}
	}
	if s.dispatcher == nil {
		s.dispatcher = NewGoroutineDispatcher()
	}
	if s.resolver == nil {
		s.resolver = NewPluginResolver(s.wrappers)
	}

	// The built-ins are plain wrapper functions; advertising their tags in
	// the bootstrap map is what makes them reachable. Seeded before the
	// services run so that later registrations win on name collisions.
	s.loadDylibTag = s.wrappers.Register(s.loadDylibWrapper)
	s.lookupSymbolsTag = s.wrappers.Register(s.lookupSymbolsWrapper)
	setup.symbols.Set(SymbolLoadDylib, s.loadDylibTag)
	setup.symbols.Set(SymbolLookupSymbols, s.lookupSymbolsTag)

	t, err := newTransport(s)
	if err != nil {
		return nil, fmt.Errorf("epc: transport: %w", err)
	}
	s.transport = t

	s.services = setup.services
	for _, svc := range s.services {
		svc.AddBootstrapSymbols(setup.symbols)
	}

	if err := s.sendSetupMessage(setup.symbols); err != nil {
		t.Disconnect()
		return nil, err
	}
	if err := t.Start(); err != nil {
		t.Disconnect()
		return nil, fmt.Errorf("epc: transport start: %w", err)
	}
	return s, nil
}

type setupPayload struct {
	Symbols BootstrapSymbols `json:"symbols"`
}

func (s *Server) sendSetupMessage(symbols BootstrapSymbols) error {
	payload, err := defaultCodec.Encode(setupPayload{Symbols: symbols})
	if err != nil {
		return fmt.Errorf("epc: encode setup: %w", err)
	}
	if err := s.transport.Send(Message{Op: OpcodeSetup, Arg: payload}); err != nil {
		return fmt.Errorf("epc: send setup: %w", err)
	}
	return nil
}

// HandleMessage routes one incoming message. It returns ActionDisconnect for
// a detach from the peer, ActionContinue otherwise. A non-nil error means
// the server has moved to an error state; the caller must treat it as a
// disconnect (the terminal error has already been recorded and reported).
func (s *Server) HandleMessage(m Message) (Action, error) {
	switch m.Op {
	case OpcodeResult:
		if err := s.handleResult(m); err != nil {
			s.beginShutdown(err)
			return ActionDisconnect, err
		}
		return ActionContinue, nil
	case OpcodeCallWrapper:
		s.handleCallWrapper(m)
		return ActionContinue, nil
	case OpcodeDetach:
		s.beginShutdown(nil)
		return ActionDisconnect, nil
	case OpcodeSetup:
		err := errors.New("epc: unexpected setup message from peer")
		s.beginShutdown(err)
		return ActionDisconnect, err
	default:
		err := fmt.Errorf("epc: unknown opcode %#02x", uint8(m.Op))
		s.beginShutdown(err)
		return ActionDisconnect, err
	}
}

func (s *Server) handleResult(m Message) error {
	s.pendingMu.Lock()
	slot, ok := s.pending[m.SeqNo]
	if ok {
		delete(s.pending, m.SeqNo)
	}
	s.pendingMu.Unlock()

	if ok {
		if slot == nil {
			// Cancelled call; drop the late result.
			return nil
		}
		res, err := decodeWrapperResult(m.Arg)
		if err != nil {
			res = WrapperError(err)
		}
		slot <- res
		return nil
	}

	s.stateMu.Lock()
	running := s.state == stateRunning
	s.stateMu.Unlock()
	if running {
		return fmt.Errorf("%w: %d", ErrUnexpectedSeqNo, m.SeqNo)
	}
	// Late result racing shutdown; benign.
	return nil
}

func (s *Server) handleCallWrapper(m Message) {
	tag, seqNo := m.Tag, m.SeqNo
	arg := append([]byte(nil), m.Arg...)
	s.dispatcher.Dispatch(func() {
		var res WrapperResult
		if fn, ok := s.wrappers.Lookup(tag); ok {
			res = fn(arg)
		} else {
			res = WrapperErrorf("epc: no wrapper function registered for tag %#x", tag)
		}
		reply := Message{Op: OpcodeResult, SeqNo: seqNo, Tag: tag, Arg: res.encode()}
		if err := s.transport.Send(reply); err != nil {
			s.beginShutdown(fmt.Errorf("epc: send result: %w", err))
			s.transport.Disconnect()
		}
	})
}

// Call is the executor-to-controller callback ("JIT dispatch"): it sends a
// call-wrapper message for tag and blocks the calling goroutine until the
// matching result message arrives or the server shuts down. It is reentrant
// and safe for concurrent use from multiple dispatcher goroutines; every
// call is keyed by its own sequence number.
func (s *Server) Call(ctx context.Context, tag uint64, arg []byte) ([]byte, error) {
	seqNo := s.nextSeqNo.Add(1)
	slot := make(chan WrapperResult, 1)

	// Registration happens-before the send and is atomic with the state
	// check, so a result cannot arrive for an unregistered entry and a
	// concurrent shutdown cannot strand the slot.
	s.stateMu.Lock()
	if s.state != stateRunning {
		s.stateMu.Unlock()
		return nil, ErrServerShutDown
	}
	s.pendingMu.Lock()
	s.pending[seqNo] = slot
	s.pendingMu.Unlock()
	s.stateMu.Unlock()

	if err := s.transport.Send(Message{Op: OpcodeCallWrapper, SeqNo: seqNo, Tag: tag, Arg: arg}); err != nil {
		s.dropPending(seqNo)
		return nil, fmt.Errorf("epc: send call: %w", err)
	}

	select {
	case res := <-slot:
		return res.Bytes()
	case <-ctx.Done():
		s.tombstonePending(seqNo)
		return nil, ctx.Err()
	}
}

// CallCodec is Call with marshalling: args are encoded and the reply decoded
// through c. Use JSONCodec for structured payloads and Binary to pass
// pre-encoded bytes through unchanged.
func (s *Server) CallCodec(ctx context.Context, c Codec, tag uint64, args, reply interface{}) error {
	payload, err := c.Encode(args)
	if err != nil {
		return fmt.Errorf("epc: encode call args: %w", err)
	}
	out, err := s.Call(ctx, tag, payload)
	if err != nil {
		return err
	}
	return c.Decode(out, reply)
}

func (s *Server) dropPending(seqNo uint64) {
	s.pendingMu.Lock()
	delete(s.pending, seqNo)
	s.pendingMu.Unlock()
}

// tombstonePending marks a cancelled call so that its result, should it
// still arrive, is dropped rather than flagged as a protocol error.
func (s *Server) tombstonePending(seqNo uint64) {
	s.pendingMu.Lock()
	if _, ok := s.pending[seqNo]; ok {
		s.pending[seqNo] = nil
	}
	s.pendingMu.Unlock()
}

// beginShutdown performs the Running -> ShuttingDown transition. The first
// caller records err as the terminal reason, reports it, and force-resolves
// every pending call so no dispatcher goroutine stays blocked. Later calls
// are no-ops; the state machine never regresses.
func (s *Server) beginShutdown(err error) {
	s.stateMu.Lock()
	if s.state != stateRunning {
		s.stateMu.Unlock()
		return
	}
	s.state = stateShuttingDown
	s.shutdownErr = err

	s.pendingMu.Lock()
	orphaned := s.pending
	s.pending = make(map[uint64]chan WrapperResult)
	s.pendingMu.Unlock()
	s.stateMu.Unlock()

	if err != nil {
		s.reportError(err)
	}
	for _, slot := range orphaned {
		if slot != nil {
			slot <- WrapperError(ErrServerShutDown)
		}
	}
}

// HandleDisconnect is the transport's notification that the channel is gone.
// It unifies the disconnect and fatal-error paths: record the reason (first
// writer wins), drain the dispatcher, then complete the transition to
// ShutDown and wake WaitForDisconnect.
func (s *Server) HandleDisconnect(err error) {
	s.beginShutdown(err)
	s.dispatcher.Shutdown()

	s.stateMu.Lock()
	if s.state != stateShutDown {
		s.state = stateShutDown
		s.shutdownCond.Broadcast()
	}
	s.stateMu.Unlock()
}

// WaitForDisconnect blocks until the server reaches ShutDown and returns the
// recorded terminal error: nil for a clean detach, the fatal cause
// otherwise.
func (s *Server) WaitForDisconnect() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	for s.state != stateShutDown {
		s.shutdownCond.Wait()
	}
	return s.shutdownErr
}

// ServerStats is a point-in-time snapshot for the status surface.
type ServerStats struct {
	State           string
	PendingCalls    int
	LoadedLibraries int
}

func (s *Server) Stats() ServerStats {
	s.stateMu.Lock()
	state := s.state.String()
	s.stateMu.Unlock()

	s.pendingMu.Lock()
	pending := len(s.pending)
	s.pendingMu.Unlock()

	s.dylibMu.Lock()
	libs := len(s.dylibs)
	s.dylibMu.Unlock()

	return ServerStats{State: state, PendingCalls: pending, LoadedLibraries: libs}
}
