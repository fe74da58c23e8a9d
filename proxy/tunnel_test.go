// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newEchoWSBackend runs a WebSocket server that echoes every text/binary
// frame it receives back verbatim, used as the tunnel's backend in tests.
func newEchoWSBackend(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func wsURLFor(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func dialProxy(t *testing.T, proxyURL, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURLFor(proxyURL)+path, nil)
	require.NoError(t, err)
	return conn
}

func TestTunnel_TextMessageRoundTrip(t *testing.T) {
	backend := newEchoWSBackend(t)
	defer backend.Close()

	h, err := NewHandler(Options{
		PoolRef: NewPool(PoolOptions{}),
		Backend: wsURLFor(backend.URL),
	})
	require.NoError(t, err)
	proxy := httptest.NewServer(h)
	defer proxy.Close()

	conn := dialProxy(t, proxy.URL, "/chat")
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, "hello", string(data))
}

func TestTunnel_BinaryMessageRoundTrip(t *testing.T) {
	backend := newEchoWSBackend(t)
	defer backend.Close()

	h, err := NewHandler(Options{
		PoolRef: NewPool(PoolOptions{}),
		Backend: wsURLFor(backend.URL),
	})
	require.NoError(t, err)
	proxy := httptest.NewServer(h)
	defer proxy.Close()

	conn := dialProxy(t, proxy.URL, "/chat")
	defer conn.Close()

	payload := []byte{0x00, 0x01, 0x02, 0xff}
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, payload))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, payload, data)
}

func TestTunnel_LargeMessageRoundTrip(t *testing.T) {
	backend := newEchoWSBackend(t)
	defer backend.Close()

	h, err := NewHandler(Options{
		PoolRef: NewPool(PoolOptions{}),
		Backend: wsURLFor(backend.URL),
	})
	require.NoError(t, err)
	proxy := httptest.NewServer(h)
	defer proxy.Close()

	conn := dialProxy(t, proxy.URL, "/chat")
	defer conn.Close()

	payload := strings.Repeat("x", 256*1024)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
}

func TestTunnel_PingIsForwardedToBackend(t *testing.T) {
	pingSeen := make(chan string, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		conn.SetPingHandler(func(data string) error {
			pingSeen <- data
			return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer backend.Close()

	h, err := NewHandler(Options{
		PoolRef: NewPool(PoolOptions{}),
		Backend: wsURLFor(backend.URL),
	})
	require.NoError(t, err)
	proxy := httptest.NewServer(h)
	defer proxy.Close()

	conn := dialProxy(t, proxy.URL, "/chat")
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.PingMessage, []byte("ping-data")))

	select {
	case got := <-pingSeen:
		assert.Equal(t, "ping-data", got)
	case <-time.After(2 * time.Second):
		t.Fatal("backend never observed the forwarded ping")
	}
}

func TestTunnel_ConcurrentTunnelsAreIndependent(t *testing.T) {
	backend := newEchoWSBackend(t)
	defer backend.Close()

	h, err := NewHandler(Options{
		PoolRef: NewPool(PoolOptions{}),
		Backend: wsURLFor(backend.URL),
	})
	require.NoError(t, err)
	proxy := httptest.NewServer(h)
	defer proxy.Close()

	const n = 5
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			conn := dialProxy(t, proxy.URL, "/chat")
			defer conn.Close()
			msg := strings.Repeat("a", i+1)
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
			_, data, err := conn.ReadMessage()
			require.NoError(t, err)
			assert.Equal(t, msg, string(data))
		}(i)
	}
	wg.Wait()
}

func TestTunnel_ClientCloseIsForwardedToBackend(t *testing.T) {
	backendClosed := make(chan struct{})
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		conn.SetCloseHandler(func(code int, text string) error {
			close(backendClosed)
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer backend.Close()

	h, err := NewHandler(Options{
		PoolRef: NewPool(PoolOptions{}),
		Backend: wsURLFor(backend.URL),
	})
	require.NoError(t, err)
	proxy := httptest.NewServer(h)
	defer proxy.Close()

	conn := dialProxy(t, proxy.URL, "/chat")
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	conn.Close()

	select {
	case <-backendClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("backend never observed the forwarded close frame")
	}
}

func TestTunnel_ClientGoneDuringAwaitingBackend101ClosesBackendDial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	backendConnClosed := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// Read the upgrade request but delay the 101 response long enough
		// for the client to disconnect first, keeping the tunnel in
		// AWAITING_101 when the client-gone event arrives.
		buf := make([]byte, 4096)
		conn.Read(buf)
		time.Sleep(300 * time.Millisecond)

		// If the dial connection leaked, this read blocks until its own
		// deadline; if the proxy released it on the client-close path, the
		// read observes the close before that deadline.
		one := make([]byte, 1)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := conn.Read(one); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return
			}
			close(backendConnClosed)
		}
	}()

	h, err := NewHandler(Options{
		PoolRef: NewPool(PoolOptions{}),
		Backend: "ws://" + ln.Addr().String(),
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)
	proxy := httptest.NewServer(h)
	defer proxy.Close()

	conn := dialProxy(t, proxy.URL, "/chat")
	// A raw TCP close, not a WS close handshake: the client read-loop sees
	// this as evPeerDone, the other AWAITING_101 exit the leak could hide
	// behind.
	conn.Close()

	select {
	case <-backendConnClosed:
	case <-time.After(3 * time.Second):
		t.Fatal("backend dial connection was never closed after the client disconnected during AWAITING_101")
	}
}

func TestIsWebSocketUpgrade(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/chat", nil)
	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Upgrade", "websocket")
	assert.True(t, isWebSocketUpgrade(r))

	r2 := httptest.NewRequest(http.MethodGet, "/chat", nil)
	r2.Header.Set("Connection", "keep-alive, Upgrade")
	r2.Header.Set("Upgrade", "WebSocket")
	assert.True(t, isWebSocketUpgrade(r2))

	r3 := httptest.NewRequest(http.MethodGet, "/chat", nil)
	assert.False(t, isWebSocketUpgrade(r3))
}
