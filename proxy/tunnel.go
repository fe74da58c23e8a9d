// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"crypto/tls"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// isWebSocketUpgrade reports whether r is a WebSocket upgrade request: the
// Connection header must contain the token "upgrade" (case-insensitive,
// possibly among other tokens) and the Upgrade header must equal "websocket"
// (case-insensitive). Both must hold.
func isWebSocketUpgrade(r *http.Request) bool {
	return headerContainsToken(r.Header, "Connection", "upgrade") &&
		headerEqualsFold(r.Header, "Upgrade", "websocket")
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

func headerEqualsFold(h http.Header, name, want string) bool {
	for _, v := range h.Values(name) {
		if strings.EqualFold(strings.TrimSpace(v), want) {
			return true
		}
	}
	return false
}

// wsEventKind enumerates the tunnel's owner-loop event classes — the Go
// stand-in for the source contract's init/on_text/on_binary/on_ping/
// on_pong/on_close/on_info/terminate callbacks.
type wsEventKind int

const (
	evText wsEventKind = iota
	evBinary
	evPing
	evPong
	evClose
	evPeerDone // the read-loop's ReadMessage returned a terminal error
)

type wsEvent struct {
	kind wsEventKind
	data []byte
	err  error
}

// dialResult is the outcome of the asynchronous backend dial.
type dialResult struct {
	conn *websocket.Conn
	err  error
}

// serveWebSocket runs the dispatcher's upgrade path (C7 handoff into C6):
// it accepts the client-side upgrade immediately, then launches the tunnel
// event loop which opportunistically dials the backend in the background.
func (c *ProxyConfig) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	upgradeHeaders := c.prepareUpgradeHeaders(r.Header, r.RemoteAddr, r.Host, r.TLS != nil)

	upgrader := websocket.Upgrader{
		CheckOrigin:     func(*http.Request) bool { return true },
		Subprotocols:    websocket.Subprotocols(r),
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("reverseproxy: %s for %s: %v", kindUpgradeRejected, r.URL.Path, err)
		writeTextError(w, http.StatusBadGateway, "Bad Gateway: WebSocket upgrade failed")
		return
	}

	t := &tunnel{
		cfg:            c,
		client:         clientConn,
		upgradeHeaders: upgradeHeaders,
		backendURL:     c.backendWSURL(c.rewriteURL(r.URL.Path, r.URL.RawQuery)),
	}
	t.run()
}

// tunnel holds the lifetime state of one WebSocket connection. Every field
// below this point is owned exclusively by the goroutine running t.run; the
// client and backend read-loop goroutines only ever write to channels, never
// touch these fields directly.
type tunnel struct {
	cfg            *ProxyConfig
	client         *websocket.Conn
	upgradeHeaders http.Header
	backendURL     string

	backend *websocket.Conn // nil until activation
	pending []wsEvent       // queued client frames awaiting activation
	closed  bool
}

// backendWSURL composes the backend's WebSocket scheme (ws/wss) with the
// already-rewritten path+query.
func (c *ProxyConfig) backendWSURL(pathAndQuery string) string {
	scheme := "ws"
	if c.backendHTTPScheme() == "https" {
		scheme = "wss"
	}
	host := c.host
	if c.port != defaultPortFor(scheme) {
		host = c.hostHeaderValue()
	}
	return scheme + "://" + host + pathAndQuery
}

// run drives the tunnel's state machine to completion: INIT -> CONNECTING ->
// AWAITING_101 -> OPEN -> CLOSING -> CLOSED (or -> FAILED on dial/handshake
// failure). It returns only once both sockets have been released and the
// client-read and backend-dial goroutines have exited.
func (t *tunnel) run() {
	clientEvents := make(chan wsEvent, 8)
	dialDone := make(chan dialResult, 1)

	group, ctx := errgroup.WithContext(context.Background())
	group.Go(func() error {
		clientReadLoop(t.client, clientEvents)
		return nil
	})
	group.Go(func() error {
		conn, err := t.dialBackend(ctx)
		dialDone <- dialResult{conn: conn, err: err}
		return nil
	})

	t.loop(clientEvents, dialDone)
	t.terminate()
	t.client.Close()
	group.Wait()
}

// loop runs the AWAITING_101 and OPEN states. It returns once the tunnel
// should terminate, leaving t.backend set if a backend connection needs
// closing.
func (t *tunnel) loop(clientEvents chan wsEvent, dialDone chan dialResult) {
	awaitTimer := time.NewTimer(t.cfg.timeout)
	defer awaitTimer.Stop()

	backendEvents := make(chan wsEvent, 8)

	for {
		select {
		case ev := <-clientEvents:
			if t.handleClientEventPreActivation(ev) {
				// Client closed or its connection died before the backend
				// dial resolved. The dial goroutine is still in flight (or
				// about to send its result); wait for it and close
				// whatever connection it produced so it isn't leaked.
				t.drainDial(dialDone)
				return
			}

		case res := <-dialDone:
			if res.err != nil {
				log.Printf("reverseproxy: %s: %v", kindUpgradeRejected, res.err)
				return
			}
			t.backend = res.conn
			t.activate(backendEvents)
			if t.closed {
				return
			}
			t.openLoop(clientEvents, backendEvents)
			return

		case <-awaitTimer.C:
			log.Printf("reverseproxy: %s waiting for backend 101", kindTimeout)
			t.drainDial(dialDone)
			return
		}
	}
}

// drainDial waits for the backend dial goroutine's result and closes the
// connection it produced, if any. It's the cleanup path for every
// AWAITING_101 exit that doesn't already have t.backend set to release:
// the client closing/erroring first, or the 101 wait timing out.
func (t *tunnel) drainDial(dialDone chan dialResult) {
	res := <-dialDone
	if res.conn != nil {
		res.conn.Close()
	}
}

// handleClientEventPreActivation applies the AWAITING_101 rules: ping/pong
// are silently dropped, close terminates immediately, everything else is
// queued in FIFO order. It returns true when the tunnel should stop waiting
// (close seen or the client connection died).
func (t *tunnel) handleClientEventPreActivation(ev wsEvent) bool {
	switch ev.kind {
	case evPing, evPong:
		return false
	case evClose:
		t.closed = true
		return true
	case evPeerDone:
		t.closed = true
		return true
	default:
		t.pending = append(t.pending, ev)
		return false
	}
}

// activate instantiates the backend codec, drains pending in FIFO order,
// and starts the backend read-loop goroutine.
func (t *tunnel) activate(backendEvents chan wsEvent) {
	for _, ev := range t.pending {
		if err := writeFrame(t.backend, ev); err != nil {
			log.Printf("reverseproxy: %s flushing pending frames: %v", kindTunnelIO, err)
			t.closed = true
			return
		}
	}
	t.pending = nil
	go backendReadLoop(t.backend, backendEvents)
}

// openLoop is the OPEN-state broker: it multiplexes client and backend
// frame events one at a time until either side closes or errors.
func (t *tunnel) openLoop(clientEvents, backendEvents chan wsEvent) {
	for {
		select {
		case ev := <-clientEvents:
			if t.forwardToBackend(ev) {
				return
			}

		case ev := <-backendEvents:
			if t.forwardToClient(ev) {
				return
			}
		}
	}
}

// forwardToBackend encodes and writes a client-originated frame to the
// backend socket. It returns true when the tunnel should stop (close seen
// or a write/IO error occurred).
func (t *tunnel) forwardToBackend(ev wsEvent) bool {
	if ev.kind == evPeerDone {
		return true
	}
	if err := writeFrame(t.backend, ev); err != nil {
		log.Printf("reverseproxy: %s client->backend: %v", kindTunnelIO, err)
		return true
	}
	return ev.kind == evClose
}

// forwardToClient pushes a backend-originated frame to the client in the
// order received. It returns true when the tunnel should stop.
func (t *tunnel) forwardToClient(ev wsEvent) bool {
	if ev.kind == evPeerDone {
		return true
	}
	if err := writeFrame(t.client, ev); err != nil {
		log.Printf("reverseproxy: %s backend->client: %v", kindTunnelIO, err)
		return true
	}
	return ev.kind == evClose
}

// writeFrame re-encodes ev onto conn using the matching gorilla/websocket
// message type.
func writeFrame(conn *websocket.Conn, ev wsEvent) error {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	switch ev.kind {
	case evText:
		return conn.WriteMessage(websocket.TextMessage, ev.data)
	case evBinary:
		return conn.WriteMessage(websocket.BinaryMessage, ev.data)
	case evPing:
		return conn.WriteMessage(websocket.PingMessage, ev.data)
	case evPong:
		return conn.WriteMessage(websocket.PongMessage, ev.data)
	case evClose:
		return conn.WriteMessage(websocket.CloseMessage, ev.data)
	default:
		return nil
	}
}

// terminate unconditionally closes the backend connection, releasing it on
// every termination path: normal close, error, client disconnect, timeout.
func (t *tunnel) terminate() {
	t.closed = true
	if t.backend != nil {
		t.backend.Close()
	}
}

// dialBackend performs the opportunistic backend upgrade (INIT ->
// CONNECTING -> AWAITING_101, collapsed into one blocking call by
// gorilla/websocket's Dialer, which generates its own Sec-WebSocket-Key and
// validates Sec-WebSocket-Accept). It honors ConnectTimeout for the
// transport and Timeout for the whole handshake.
func (t *tunnel) dialBackend(ctx context.Context) (*websocket.Conn, error) {
	cfg := t.cfg
	netDialer := &net.Dialer{Timeout: cfg.connectTimeout}

	dialer := &websocket.Dialer{
		NetDialContext:   netDialer.DialContext,
		HandshakeTimeout: cfg.timeout,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: !cfg.verifyTLS},
	}

	conn, _, err := dialer.DialContext(ctx, t.backendURL, t.upgradeHeaders)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// clientReadLoop decodes frames from the client connection and pushes them
// onto out in arrival order, including re-routed ping/pong/close control
// frames delivered through the handlers installed below. It returns once
// ReadMessage yields a terminal error (client disconnect, protocol error,
// or a close frame, which is handed to the owner loop rather than echoed).
func clientReadLoop(conn *websocket.Conn, out chan<- wsEvent) {
	conn.SetPingHandler(func(data string) error {
		out <- wsEvent{kind: evPing, data: []byte(data)}
		return nil
	})
	conn.SetPongHandler(func(data string) error {
		out <- wsEvent{kind: evPong, data: []byte(data)}
		return nil
	})
	conn.SetCloseHandler(func(code int, text string) error {
		out <- wsEvent{kind: evClose, data: websocket.FormatCloseMessage(code, text)}
		return nil
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			out <- wsEvent{kind: evPeerDone, err: err}
			return
		}
		switch mt {
		case websocket.TextMessage:
			out <- wsEvent{kind: evText, data: data}
		case websocket.BinaryMessage:
			out <- wsEvent{kind: evBinary, data: data}
		}
	}
}

// backendReadLoop mirrors clientReadLoop for the backend side, started only
// once the tunnel has activated.
func backendReadLoop(conn *websocket.Conn, out chan<- wsEvent) {
	conn.SetPingHandler(func(data string) error {
		out <- wsEvent{kind: evPing, data: []byte(data)}
		return nil
	})
	conn.SetPongHandler(func(data string) error {
		out <- wsEvent{kind: evPong, data: []byte(data)}
		return nil
	})
	conn.SetCloseHandler(func(code int, text string) error {
		out <- wsEvent{kind: evClose, data: websocket.FormatCloseMessage(code, text)}
		return nil
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			out <- wsEvent{kind: evPeerDone, err: err}
			return
		}
		switch mt {
		case websocket.TextMessage:
			out <- wsEvent{kind: evText, data: data}
		case websocket.BinaryMessage:
			out <- wsEvent{kind: evBinary, data: data}
		}
	}
}

