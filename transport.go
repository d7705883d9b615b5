// Copyright (C) 2024-2026, Execlink, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package epc

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Action is the verdict HandleMessage hands back to the transport.
type Action uint8

const (
	// ActionContinue keeps the session alive.
	ActionContinue Action = iota
	// ActionDisconnect ends the session; the transport should close the
	// channel and deliver HandleDisconnect.
	ActionDisconnect
)

// Transport is the abstract duplex channel the server speaks through. A
// transport delivers discrete messages to its TransportClient and accepts
// outgoing messages from the server. Send must be safe for concurrent use.
type Transport interface {
	// Start begins delivering incoming messages to the client. The server
	// calls it once, after the setup message has been sent.
	Start() error

	// Send writes one message to the peer.
	Send(m Message) error

	// Disconnect closes the channel. It is idempotent and causes the
	// transport to deliver HandleDisconnect if it has not already.
	Disconnect()
}

// TransportClient is the server-side callback surface a transport drives.
type TransportClient interface {
	// HandleMessage processes one incoming message. On error the caller
	// must treat the session as disconnected; the error has already been
	// recorded and reported by the server.
	HandleMessage(m Message) (Action, error)

	// HandleDisconnect notifies the client that the channel is gone.
	// A nil error is a clean close following a detach.
	HandleDisconnect(err error)
}

// Listener accepts a single controller session.
type Listener interface {
	// Accept blocks until a controller connects and returns the transport
	// bound to client.
	Accept(client TransportClient) (Transport, error)

	// Close stops the listener.
	Close() error

	// Addr returns the listen address.
	Addr() string
}

// ListenFunc opens a Listener on addr.
type ListenFunc func(addr string) (Listener, error)

// DialFunc connects out to a controller at addr, for executors deployed in
// connect mode, and returns the transport bound to client.
type DialFunc func(ctx context.Context, addr string, client TransportClient) (Transport, error)

// Transport names. GRPC is only registered when built with the grpc tag.
const (
	TransportStream = "tcp" // length-prefixed frames over TCP
	TransportWS     = "ws"  // one binary WebSocket message per frame
	TransportGRPC   = "grpc"
)

var (
	transportsMu sync.RWMutex
	transports   = map[string]struct {
		dial   DialFunc
		listen ListenFunc
	}{
		TransportStream: {dialStream, listenStream},
		TransportWS:     {dialWS, listenWS},
	}
)

// registerTransport registers a new transport (used by build tags)
func registerTransport(name string, dial DialFunc, listen ListenFunc) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = struct {
		dial   DialFunc
		listen ListenFunc
	}{dial, listen}
}

// Listen opens a listener for the named transport.
func Listen(name, addr string) (Listener, error) {
	transportsMu.RLock()
	t, ok := transports[name]
	transportsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("epc: unknown transport %q (available: %v)", name, AvailableTransports())
	}
	return t.listen(addr)
}

// Dial connects to a controller over the named transport.
func Dial(ctx context.Context, name, addr string, client TransportClient) (Transport, error) {
	transportsMu.RLock()
	t, ok := transports[name]
	transportsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("epc: unknown transport %q (available: %v)", name, AvailableTransports())
	}
	return t.dial(ctx, addr, client)
}

// AvailableTransports returns the registered transport names, sorted.
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasTransport checks if a transport is available
func HasTransport(name string) bool {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	_, ok := transports[name]
	return ok
}
