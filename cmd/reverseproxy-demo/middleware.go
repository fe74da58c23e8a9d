// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"log"
	"net"
	"net/http"
	"runtime/debug"
	"time"
)

// loggingResponseWriter wraps http.ResponseWriter to capture the status code
// and body size written, while still passing Hijack through so WebSocket
// upgrades handled downstream keep working.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (rw *loggingResponseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *loggingResponseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

func (rw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// loggingMiddleware logs one line per inbound request: method, path, final
// status, bytes written, and latency. A successful WebSocket upgrade writes
// its 101 on the hijacked connection, not through WriteHeader, so it is
// logged with the default status 200; the tunnel's own lifetime isn't
// tracked here.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		log.Printf("%s %s %d %d %s", r.Method, r.URL.Path, wrapped.status, wrapped.size, time.Since(start))
	})
}

// recoveryMiddleware turns a panic anywhere downstream into a 502 text
// response instead of tearing down the listener — the same text/plain
// convention the proxy package's own error paths use, so a panicking mount
// still looks like an ordinary backend failure to the client.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("reverseproxy-demo: panic recovered: %v\n%s", err, debug.Stack())
				w.Header().Set("Content-Type", "text/plain")
				w.WriteHeader(http.StatusBadGateway)
				w.Write([]byte("Bad Gateway"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
