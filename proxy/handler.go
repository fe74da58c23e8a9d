// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package proxy

import "net/http"

// NewHandler builds a ProxyConfig from opts (C1) and returns an http.Handler
// that runs the protocol dispatcher (C7) for every request it serves. The
// returned handler is meant to be mounted under a path prefix inside a
// larger router, e.g.:
//
//	h, err := proxy.NewHandler(opts)
//	router.PathPrefix("/api/").Handler(h)
func NewHandler(opts Options) (http.Handler, error) {
	cfg, err := BuildConfig(opts)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ServeHTTP implements the dispatcher (C7): it classifies the inbound
// request and routes it to exactly one of the WebSocket tunnel or the HTTP
// engine. Whichever path runs seals the response lifecycle — neither path
// returns without having written a terminal response (HTTP) or having
// handed the socket off to the tunnel (WebSocket).
func (c *ProxyConfig) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isWebSocketUpgrade(r) {
		c.serveWebSocket(w, r)
		return
	}
	c.serveHTTP(w, r)
}
