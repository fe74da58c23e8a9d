// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripHopByHop(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Upgrade", "websocket")
	h.Set("X-Custom", "keep")
	stripHopByHop(h, false)
	assert.Empty(t, h.Get("Connection"))
	assert.Empty(t, h.Get("Keep-Alive"))
	assert.Empty(t, h.Get("Upgrade"))
	assert.Equal(t, "keep", h.Get("X-Custom"))
}

func TestStripHopByHop_WebSocketHandshakeHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Sec-WebSocket-Key", "abc")
	h.Set("Sec-WebSocket-Version", "13")
	stripHopByHop(h, true)
	assert.Empty(t, h.Get("Sec-WebSocket-Key"))
	assert.Empty(t, h.Get("Sec-WebSocket-Version"))

	h2 := http.Header{}
	h2.Set("Sec-WebSocket-Key", "abc")
	stripHopByHop(h2, false)
	assert.Equal(t, "abc", h2.Get("Sec-WebSocket-Key"))
}

func TestLowercaseHeaderNames(t *testing.T) {
	in := http.Header{}
	in.Add("X-Forwarded-For", "1.2.3.4")
	in.Add("X-Forwarded-For", "5.6.7.8")
	out := lowercaseHeaderNames(in)
	assert.Equal(t, []string{"1.2.3.4", "5.6.7.8"}, out["x-forwarded-for"])
}

func TestPrepareOutboundHeaders(t *testing.T) {
	cfg, err := BuildConfig(Options{
		PoolRef:       NewPool(PoolOptions{}),
		Backend:       "http://backend.internal:9000",
		RemoveHeaders: []string{"X-Secret"},
		AddHeaders:    []Header{{Name: "X-Proxy", Value: "reverseproxy"}},
	})
	require.NoError(t, err)

	in := http.Header{}
	in.Set("Connection", "keep-alive")
	in.Set("X-Secret", "dont-forward")
	in.Set("Accept", "application/json")
	in.Set("X-Forwarded-For", "9.9.9.9")

	out := cfg.prepareOutboundHeaders(in, "10.0.0.1:54321", "client.example", false)

	assert.Empty(t, out.Get("connection"))
	assert.Empty(t, out.Get("x-secret"))
	assert.Equal(t, "application/json", out.Get("accept"))
	assert.Equal(t, "9.9.9.9, 10.0.0.1", out.Get("x-forwarded-for"))
	assert.Equal(t, "http", out.Get("x-forwarded-proto"))
	assert.Equal(t, "client.example", out.Get("x-forwarded-host"))
	assert.Equal(t, "backend.internal:9000", out.Get("host"))
	assert.Equal(t, "reverseproxy", out.Get("x-proxy"))
}

func TestPrepareOutboundHeaders_TLSInbound(t *testing.T) {
	cfg, err := BuildConfig(Options{
		PoolRef: NewPool(PoolOptions{}),
		Backend: "http://backend.internal",
	})
	require.NoError(t, err)

	out := cfg.prepareOutboundHeaders(http.Header{}, "10.0.0.1:1", "client.example", true)
	assert.Equal(t, "https", out.Get("x-forwarded-proto"))
}

func TestStripPort(t *testing.T) {
	assert.Equal(t, "10.0.0.1", stripPort("10.0.0.1:54321"))
	assert.Equal(t, "10.0.0.1", stripPort("10.0.0.1"))
	assert.Equal(t, "", stripPort(""))
}

func TestPrepareResponseHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "close")
	h.Set("Content-Type", "application/json")
	out := prepareResponseHeaders(h)
	assert.Empty(t, out.Get("Connection"))
	assert.Equal(t, "application/json", out.Get("Content-Type"))
}
