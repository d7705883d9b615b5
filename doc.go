// Copyright (C) 2024-2026, Execlink, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package epc implements the executor-side endpoint of a duplex
// executor-process-control protocol. A controller process drives code
// execution inside the executor: it loads libraries, resolves symbols, and
// invokes opaque wrapper functions by tag address. Native code running inside
// the executor can in turn make synchronous callbacks into the controller and
// block until the reply arrives.
//
// # Server
//
// The core type is the Server. It is bound to a single controller connection
// and is built in one shot: a setup callback configures services, the
// dispatcher and the error reporter, then the transport is constructed and a
// one-time setup message advertising the bootstrap symbol map is sent to the
// peer:
//
//	srv, err := epc.NewServer(func(s *epc.Setup) error {
//	    s.AddService(myService)
//	    return nil
//	}, func(c epc.TransportClient) (epc.Transport, error) {
//	    return epc.NewStreamTransport(conn, c), nil
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.WaitForDisconnect(); err != nil {
//	    log.Fatal(err)
//	}
//
// WaitForDisconnect blocks until the peer detaches or the connection fails,
// and returns nil on a clean detach.
//
// # Wrapper functions
//
// A wrapper function takes a byte-buffer argument and produces a byte-buffer
// result. Wrappers are registered under opaque uint64 tags and invoked by the
// controller through call-wrapper messages; the built-in load-library and
// lookup-symbols operations are ordinary wrappers reachable the same way.
// A wrapper may call back into the controller with Server.Call, which blocks
// the dispatching goroutine until the matching result message arrives.
//
// # Transports
//
// The Server only depends on the Transport interface. This package ships a
// length-prefixed stream transport (TCP, pipes), a WebSocket transport, and
// a gRPC bidirectional-stream transport behind the grpc build tag:
//
//	go build              # stream + websocket transports
//	go build -tags grpc   # enable the gRPC transport
//
// # Architecture
//
// The package separates concerns:
//
//   - server.go: lifecycle state machine, pending-call table, JIT dispatch
//   - dispatcher.go: deferred execution of call-wrapper work
//   - setup.go: construction-time builder and bootstrap services
//   - wrapper.go: wrapper registry and result envelope
//   - builtin.go: load-library and lookup-symbols built-ins
//   - dylib.go: library resolvers (plugin-backed and static)
//   - stream.go, ws.go, transport_grpc.go: concrete transports
//   - status.go: JSON-RPC introspection surface for the daemon
//
// Application code should only depend on the Transport and Dispatcher
// interfaces, making transport selection a deployment decision rather than a
// code change.
package epc
