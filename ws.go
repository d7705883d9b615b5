// Copyright (C) 2024-2026, Execlink, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package epc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// WebSocketTransport carries one protocol message per binary WebSocket
// message, using the shared header encoding with no extra length prefix
// (the WebSocket frame already delimits messages).
type WebSocketTransport struct {
	conn    *websocket.Conn
	client  TransportClient
	writeMu sync.Mutex
	closed  atomic.Bool
	started atomic.Bool
}

func NewWebSocketTransport(conn *websocket.Conn, client TransportClient) *WebSocketTransport {
	return &WebSocketTransport{conn: conn, client: client}
}

// DialWebSocket connects to a controller at a ws:// or wss:// URL, for
// executors deployed in connect mode.
func DialWebSocket(ctx context.Context, url string, client TransportClient) (*WebSocketTransport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("epc: websocket dial: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return NewWebSocketTransport(conn, client), nil
}

func dialWS(ctx context.Context, addr string, client TransportClient) (Transport, error) {
	return DialWebSocket(ctx, addr, client)
}

func (t *WebSocketTransport) Start() error {
	if t.started.Swap(true) {
		return errors.New("epc: transport already started")
	}
	go t.readLoop()
	return nil
}

func (t *WebSocketTransport) Send(m Message) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	if msgLen := messageHeaderLen + len(m.Arg); msgLen > maxMessageLen {
		return fmt.Errorf("epc: message length %d exceeds limit %d", msgLen, maxMessageLen)
	}
	t.writeMu.Lock()
	err := t.conn.WriteMessage(websocket.BinaryMessage, appendMessage(nil, m))
	t.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("epc: websocket write: %w", err)
	}
	return nil
}

func (t *WebSocketTransport) Disconnect() {
	if !t.closed.Swap(true) {
		t.conn.Close()
	}
}

func (t *WebSocketTransport) fail(err error) {
	t.closed.Store(true)
	t.conn.Close()
	t.client.HandleDisconnect(err)
}

func (t *WebSocketTransport) readLoop() {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			if t.closed.Load() {
				t.client.HandleDisconnect(nil)
				return
			}
			// Any close without a prior detach message is abnormal,
			// including a polite WebSocket close handshake.
			t.fail(fmt.Errorf("epc: websocket read: %w", err))
			return
		}
		if msgType != websocket.BinaryMessage {
			t.fail(fmt.Errorf("epc: unexpected websocket message type %d", msgType))
			return
		}
		if len(data) > maxMessageLen {
			t.fail(fmt.Errorf("epc: bad frame length %d", len(data)))
			return
		}

		m, err := parseMessage(data)
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

// wsListener runs an HTTP upgrade endpoint and hands out the first
// controller session that connects.
type wsListener struct {
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
	connCh   chan *websocket.Conn
	serveErr chan error
}

func listenWS(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &wsListener{
		ln:       ln,
		connCh:   make(chan *websocket.Conn, 1),
		serveErr: make(chan error, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handleUpgrade)
	l.srv = &http.Server{Handler: mux}
	go func() {
		l.serveErr <- l.srv.Serve(ln)
	}()
	return l, nil
}

func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	select {
	case l.connCh <- conn:
	default:
		// Already have a session; one controller per server.
		conn.Close()
	}
}

func (l *wsListener) Accept(client TransportClient) (Transport, error) {
	select {
	case conn := <-l.connCh:
		return NewWebSocketTransport(conn, client), nil
	case err := <-l.serveErr:
		return nil, fmt.Errorf("epc: websocket listener: %w", err)
	}
}

func (l *wsListener) Close() error { return l.srv.Close() }

func (l *wsListener) Addr() string { return l.ln.Addr().String() }
