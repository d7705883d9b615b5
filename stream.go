// Copyright (C) 2024-2026, Execlink, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package epc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

var (
	ErrTransportClosed = errors.New("epc: transport closed")
)

// StreamTransport frames protocol messages over any reliable byte stream
// (TCP connections, pipes): [4-byte big-endian length][header][arg bytes].
type StreamTransport struct {
	rw      io.ReadWriteCloser
	client  TransportClient
	writeMu sync.Mutex
	closed  atomic.Bool
	started atomic.Bool
}

// NewStreamTransport wraps rw. The transport does not read from rw until
// Start is called, so the server can send its setup message first.
func NewStreamTransport(rw io.ReadWriteCloser, client TransportClient) *StreamTransport {
	return &StreamTransport{rw: rw, client: client}
}

// DialStream connects to a controller listening on a TCP address, for
// executors deployed in connect mode.
func DialStream(ctx context.Context, addr string, client TransportClient) (*StreamTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("epc: dial: %w", err)
	}
	return NewStreamTransport(conn, client), nil
}

func dialStream(ctx context.Context, addr string, client TransportClient) (Transport, error) {
	return DialStream(ctx, addr, client)
}

func (t *StreamTransport) Start() error {
	if t.started.Swap(true) {
		return errors.New("epc: transport already started")
	}
	go t.readLoop()
	return nil
}

func (t *StreamTransport) Send(m Message) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	msgLen := messageHeaderLen + len(m.Arg)
	if msgLen > maxMessageLen {
		return fmt.Errorf("epc: message length %d exceeds limit %d", msgLen, maxMessageLen)
	}
	buf := make([]byte, 4, 4+msgLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(msgLen))
	buf = appendMessage(buf, m)

	t.writeMu.Lock()
	_, err := t.rw.Write(buf)
	t.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("epc: write: %w", err)
	}
	return nil
}

func (t *StreamTransport) Disconnect() {
	if !t.closed.Swap(true) {
		t.rw.Close()
	}
}

// fail tears the channel down and reports err to the client. A nil err is a
// close we initiated ourselves (detach or Disconnect).
func (t *StreamTransport) fail(err error) {
	t.closed.Store(true)
	t.rw.Close()
	t.client.HandleDisconnect(err)
}

func (t *StreamTransport) readLoop() {
	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(t.rw, header); err != nil {
			if t.closed.Load() {
				// Close initiated on our side; the reason is
				// already recorded.
				t.client.HandleDisconnect(nil)
				return
			}
			// The peer vanished without a detach.
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			t.fail(fmt.Errorf("epc: read: %w", err))
			return
		}

		msgLen := binary.BigEndian.Uint32(header)
		if msgLen < messageHeaderLen || msgLen > maxMessageLen {
			t.fail(fmt.Errorf("epc: bad frame length %d", msgLen))
			return
		}

		buf := make([]byte, msgLen)
		if _, err := io.ReadFull(t.rw, buf); err != nil {
			t.fail(fmt.Errorf("epc: read: %w", err))
			return
		}

		m, err := parseMessage(buf)
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

// streamListener accepts one TCP controller session.
type streamListener struct {
	ln net.Listener
}

func listenStream(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &streamListener{ln: ln}, nil
}

func (l *streamListener) Accept(client TransportClient) (Transport, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("epc: accept: %w", err)
	}
	return NewStreamTransport(conn, client), nil
}

func (l *streamListener) Close() error { return l.ln.Close() }

func (l *streamListener) Addr() string { return l.ln.Addr().String() }
