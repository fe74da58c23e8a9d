// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"net"
	"net/http"
	"sort"
	"strings"
)

// hopByHop is stripped from headers crossing either direction of the proxy,
// per RFC 7230 §6.1.
var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// wsHandshakeHeaders is stripped in addition to hopByHop from the upgrade
// request handed to the backend: the tunnel's own WebSocket client
// (gorilla/websocket's Dialer) generates these itself.
var wsHandshakeHeaders = map[string]bool{
	"sec-websocket-accept":     true,
	"sec-websocket-extensions": true,
	"sec-websocket-key":        true,
	"sec-websocket-protocol":   true,
	"sec-websocket-version":    true,
}

// stripHopByHop removes hop-by-hop headers (and, when ws is true, the
// WebSocket handshake headers) from h in place.
func stripHopByHop(h http.Header, ws bool) {
	for name := range h {
		lower := strings.ToLower(name)
		if hopByHop[lower] || (ws && wsHandshakeHeaders[lower]) {
			delete(h, name)
		}
	}
}

// lowercaseHeaderNames rebuilds h with every header name lowercased,
// preserving value order within each name. Names that differ only in case
// are merged under one key.
func lowercaseHeaderNames(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		lower := strings.ToLower(name)
		out[lower] = append(out[lower], values...)
	}
	return out
}

// prepareOutboundHeaders builds the header set sent to the backend for an
// HTTP call: strip hop-by-hop, inject forwarded headers, rewrite Host, then
// apply RemoveHeaders/AddHeaders from cfg. remoteAddr is the client's
// network address (host:port or just host); inboundHost is the Host header
// value the client sent; inboundIsTLS reports whether the inbound
// connection used TLS.
func (c *ProxyConfig) prepareOutboundHeaders(in http.Header, remoteAddr, inboundHost string, inboundIsTLS bool) http.Header {
	out := lowercaseHeaderNames(in.Clone())
	stripHopByHop(out, false)
	delete(out, "host")

	injectForwardedHeaders(out, remoteAddr, inboundHost, inboundIsTLS)

	out.Set("host", c.hostHeaderValue())

	for _, name := range c.sortedRemoveHeaders() {
		delete(out, name)
		out.Del(name)
	}
	for _, h := range c.addHeaders {
		out.Add(strings.ToLower(h.Name), h.Value)
	}

	return out
}

// sortedRemoveHeaders is a thin helper kept separate so header removal order
// is deterministic and easy to unit test independent of map iteration.
func (c *ProxyConfig) sortedRemoveHeaders() []string {
	names := make([]string, 0, len(c.removeHeaders))
	for name := range c.removeHeaders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// injectForwardedHeaders applies the x-forwarded-for/proto/host rules. It
// operates on an already-lowercased header set.
func injectForwardedHeaders(h http.Header, remoteAddr, inboundHost string, inboundIsTLS bool) {
	ip := stripPort(remoteAddr)
	existing := strings.Join(h["x-forwarded-for"], ", ")
	delete(h, "x-forwarded-for")
	delete(h, "x-forwarded-proto")
	if existing != "" {
		h.Set("x-forwarded-for", existing+", "+ip)
	} else if ip != "" {
		h.Set("x-forwarded-for", ip)
	}

	if inboundIsTLS {
		h.Set("x-forwarded-proto", "https")
	} else {
		h.Set("x-forwarded-proto", "http")
	}

	if inboundHost != "" {
		delete(h, "x-forwarded-host")
		h.Set("x-forwarded-host", inboundHost)
	}
}

// stripPort removes a trailing ":port" from a host:port address. If addr
// has no colon (or is an IPv6 literal without a port), it is returned
// unchanged.
func stripPort(addr string) string {
	if addr == "" {
		return addr
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// prepareResponseHeaders filters backend response headers before they're
// written to the client: hop-by-hop only, no forwarded-header or host logic
// applies to the response direction.
func prepareResponseHeaders(backend http.Header) http.Header {
	out := backend.Clone()
	stripHopByHop(out, false)
	return out
}

// prepareUpgradeHeaders builds the header set sent to the backend for the
// WebSocket upgrade request: hop-by-hop, the WS handshake set, and Host are
// all stripped/rewritten the same way as an HTTP call.
func (c *ProxyConfig) prepareUpgradeHeaders(in http.Header, remoteAddr, inboundHost string, inboundIsTLS bool) http.Header {
	out := lowercaseHeaderNames(in.Clone())
	stripHopByHop(out, true)
	delete(out, "host")
	injectForwardedHeaders(out, remoteAddr, inboundHost, inboundIsTLS)
	out.Set("host", c.hostHeaderValue())
	for _, name := range c.sortedRemoveHeaders() {
		delete(out, name)
		out.Del(name)
	}
	for _, h := range c.addHeaders {
		out.Add(strings.ToLower(h.Name), h.Value)
	}
	return out
}
