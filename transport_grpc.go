//go:build grpc

// Copyright (C) 2024-2026, Execlink, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package epc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func init() {
	// Register gRPC transport when build tag is enabled
	registerTransport(TransportGRPC, dialGRPC, listenGRPC)
}

func dialGRPC(ctx context.Context, addr string, client TransportClient) (Transport, error) {
	return DialGRPC(ctx, addr, client)
}

// rawMessage is an encoded protocol frame carried verbatim in a gRPC stream
// message. The hand-written codec below avoids generated protobuf stubs;
// frames already have their own header encoding.
type rawMessage []byte

type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(*rawMessage)
	if !ok {
		return nil, fmt.Errorf("epc: raw codec cannot marshal %T", v)
	}
	return *m, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(*rawMessage)
	if !ok {
		return fmt.Errorf("epc: raw codec cannot unmarshal into %T", v)
	}
	*m = append((*m)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return "epc-raw" }

type sessionServer interface {
	attach(stream grpc.ServerStream) error
}

func sessionAttachHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(sessionServer).attach(stream)
}

var sessionStreamDesc = grpc.StreamDesc{
	StreamName:    "Attach",
	Handler:       sessionAttachHandler,
	ServerStreams: true,
	ClientStreams: true,
}

var sessionServiceDesc = grpc.ServiceDesc{
	ServiceName: "epc.Session",
	HandlerType: (*sessionServer)(nil),
	Streams:     []grpc.StreamDesc{sessionStreamDesc},
	Metadata:    "epc",
}

// grpcStream is the intersection of grpc.ClientStream and grpc.ServerStream
// the transport needs.
type grpcStream interface {
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
}

// GRPCTransport carries one protocol frame per message on a bidirectional
// gRPC stream.
type GRPCTransport struct {
	stream      grpcStream
	client      TransportClient
	writeMu     sync.Mutex
	closed      atomic.Bool
	started     atomic.Bool
	done        chan struct{}
	releaseOnce sync.Once
	onRelease   func()
}

func newGRPCTransport(stream grpcStream) *GRPCTransport {
	return &GRPCTransport{stream: stream, done: make(chan struct{})}
}

// DialGRPC connects to a controller's gRPC endpoint, for executors deployed
// in connect mode.
func DialGRPC(ctx context.Context, addr string, client TransportClient) (*GRPCTransport, error) {
	conn, err := grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("epc: grpc dial: %w", err)
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := conn.NewStream(streamCtx, &sessionStreamDesc, "/epc.Session/Attach",
		grpc.ForceCodec(rawCodec{}),
	)
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("epc: grpc attach: %w", err)
	}
	t := newGRPCTransport(stream)
	t.client = client
	t.onRelease = func() {
		cancel()
		conn.Close()
	}
	return t, nil
}

func (t *GRPCTransport) Start() error {
	if t.started.Swap(true) {
		return errors.New("epc: transport already started")
	}
	go t.readLoop()
	return nil
}

func (t *GRPCTransport) Send(m Message) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	frame := rawMessage(appendMessage(nil, m))
	t.writeMu.Lock()
	err := t.stream.SendMsg(&frame)
	t.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("epc: grpc send: %w", err)
	}
	return nil
}

func (t *GRPCTransport) Disconnect() {
	if !t.closed.Swap(true) {
		t.release()
	}
}

// release tears the stream down: on the server side it unblocks the attach
// handler, on the client side it also cancels the stream context and closes
// the connection.
func (t *GRPCTransport) release() {
	t.releaseOnce.Do(func() {
		close(t.done)
		if t.onRelease != nil {
			t.onRelease()
		}
	})
}

func (t *GRPCTransport) fail(err error) {
	t.closed.Store(true)
	t.release()
	t.client.HandleDisconnect(err)
}

func (t *GRPCTransport) readLoop() {
	for {
		var frame rawMessage
		if err := t.stream.RecvMsg(&frame); err != nil {
			if t.closed.Load() {
				t.client.HandleDisconnect(nil)
				return
			}
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			t.fail(fmt.Errorf("epc: grpc recv: %w", err))
			return
		}
		if len(frame) > maxMessageLen {
			t.fail(fmt.Errorf("epc: bad frame length %d", len(frame)))
			return
		}

		m, err := parseMessage(frame)
		if err != nil {
			t.fail(err)
			return
		}

		action, err := t.client.HandleMessage(m)
		if err != nil {
			t.fail(err)
			return
		}
		if action == ActionDisconnect {
			t.fail(nil)
			return
		}
	}
}

// grpcListener accepts one controller session over a gRPC server.
type grpcListener struct {
	srv      *grpc.Server
	ln       net.Listener
	sessions chan *GRPCTransport
	serveErr chan error
}

func listenGRPC(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &grpcListener{
		srv:      grpc.NewServer(grpc.ForceServerCodec(rawCodec{})),
		ln:       ln,
		sessions: make(chan *GRPCTransport, 1),
		serveErr: make(chan error, 1),
	}
	l.srv.RegisterService(&sessionServiceDesc, l)
	go func() {
		l.serveErr <- l.srv.Serve(ln)
	}()
	return l, nil
}

// attach keeps the stream's handler alive until the transport releases it.
func (l *grpcListener) attach(stream grpc.ServerStream) error {
	t := newGRPCTransport(stream)
	select {
	case l.sessions <- t:
	default:
		return errors.New("epc: session already attached")
	}
	<-t.done
	return nil
}

func (l *grpcListener) Accept(client TransportClient) (Transport, error) {
	select {
	case t := <-l.sessions:
		t.client = client
		return t, nil
	case err := <-l.serveErr:
		return nil, fmt.Errorf("epc: grpc listener: %w", err)
	}
}

func (l *grpcListener) Close() error {
	l.srv.Stop()
	return nil
}

func (l *grpcListener) Addr() string { return l.ln.Addr().String() }
