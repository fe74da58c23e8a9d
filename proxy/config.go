// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package proxy implements an embeddable reverse-proxy request handler: a
// protocol dispatcher that re-originates HTTP/1.1 and HTTP/2 requests against
// a configured backend and tunnels WebSocket upgrades to it frame by frame.
//
// The handler returned by NewHandler implements http.Handler and is meant to
// be mounted under a path prefix inside a larger router (gorilla/mux,
// net/http's ServeMux, or similar) rather than run as its own listener.
package proxy

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Protocol is one of the wire protocols the connection pool may negotiate
// against the backend.
type Protocol string

const (
	ProtocolHTTP1 Protocol = "http1"
	ProtocolHTTP2 Protocol = "http2"
)

// Unlimited marks MaxBodySize as having no upper bound. Kept distinct from 0
// (which selects the 10 MiB default) and from math.MaxInt64 (which callers
// might accidentally produce via arithmetic).
const Unlimited int64 = -1

// Header is an ordered (name, value) pair injected into the outbound request.
type Header struct {
	Name  string
	Value string
}

// ErrorResponse is the status/body pair emitted for a generic backend-origin
// failure (connect error, request error, or timeout). It is never used for
// status codes the backend itself returned — those always pass through.
type ErrorResponse struct {
	Status int
	Reason string
}

var defaultErrorResponse = ErrorResponse{Status: 502, Reason: "Bad Gateway"}

// Options is the mount-time configuration surface for a single backend
// mount. Build it once per mount and pass it to NewHandler; nothing here is
// read again once the handler starts serving.
type Options struct {
	// PoolRef is the connection pool buffered HTTP calls are issued against.
	// Required. Share one Pool across every mount that targets the same
	// backend host so keep-alive connections are reused.
	PoolRef Pool

	// Backend is the backend origin URL, e.g. "http://localhost:9000/api".
	// Scheme must be one of http, https, ws, wss. Required.
	Backend string

	// StripPath, if set, is removed from the front of the inbound request
	// path before PathPrefix (taken from Backend's path) is applied.
	StripPath string

	// Timeout bounds the end-to-end buffered HTTP call, the whole streaming
	// phase, and the wait for the backend's 101 in the WebSocket tunnel.
	// Defaults to 30s.
	Timeout time.Duration

	// ConnectTimeout bounds transport establishment (dial + TLS handshake).
	// Defaults to 5s.
	ConnectTimeout time.Duration

	// Protocols restricts which wire protocols the pool may use against the
	// backend. Defaults to both http1 and http2.
	Protocols []Protocol

	// VerifyTLS controls backend certificate verification for https/wss
	// backends. Defaults to true.
	VerifyTLS *bool

	// AddHeaders are appended, in order, to every outbound request after
	// RemoveHeaders has run.
	AddHeaders []Header

	// RemoveHeaders names inbound headers (case-insensitive) to drop before
	// forwarding.
	RemoveHeaders []string

	// MaxBodySize bounds the buffered fast path. Larger bodies fall back to
	// the streaming path. Use Unlimited to disable the limit. Defaults to
	// 10485760 (10 MiB).
	MaxBodySize int64

	// ErrorResponse is emitted for any backend-origin failure the proxy
	// itself synthesizes. Defaults to 502 "Bad Gateway".
	ErrorResponse *ErrorResponse
}

// ProxyConfig is the immutable, resolved form of Options. It is built once by
// BuildConfig at mount time and never mutated afterward; every behavior of
// the handler is a pure function of a ProxyConfig plus the inbound request.
type ProxyConfig struct {
	pool Pool

	scheme     string
	host       string
	port       int
	pathPrefix string // normalized: leading "/", no trailing "/", or ""
	stripPath  string // normalized the same way

	timeout        time.Duration
	connectTimeout time.Duration
	protocols      map[Protocol]bool
	verifyTLS      bool

	addHeaders    []Header
	removeHeaders map[string]bool // lowercased

	maxBodySize   int64
	errorResponse ErrorResponse
}

func defaultPortFor(scheme string) int {
	switch scheme {
	case "http", "ws":
		return 80
	case "https", "wss":
		return 443
	default:
		return 0
	}
}

// normalizePathComponent trims whitespace and a single trailing slash,
// returning "" if the result is empty.
func normalizePathComponent(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if strings.HasSuffix(p, "/") {
		p = p[:len(p)-1]
	}
	return p
}

// BuildConfig validates opts and returns the resolved, immutable
// configuration for a mount. It fails fast on the first violation found,
// checked in a fixed order: scheme, host, port, numeric fields, error
// response.
func BuildConfig(opts Options) (*ProxyConfig, error) {
	if opts.PoolRef == nil {
		return nil, configErr("pool_ref", "is required")
	}
	if opts.Backend == "" {
		return nil, configErr("backend", "is required")
	}

	u, err := url.Parse(opts.Backend)
	if err != nil {
		return nil, configErr("backend", "is not a valid URL: "+err.Error())
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "http", "https", "ws", "wss":
	case "":
		return nil, configErr("backend", "missing scheme")
	default:
		return nil, configErr("backend", "unknown scheme "+scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, configErr("backend", "missing host")
	}

	port := defaultPortFor(scheme)
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return nil, configErr("backend", "invalid port "+p)
		}
		port = n
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}

	protocols := map[Protocol]bool{}
	if len(opts.Protocols) == 0 {
		protocols[ProtocolHTTP1] = true
		protocols[ProtocolHTTP2] = true
	} else {
		for _, p := range opts.Protocols {
			switch p {
			case ProtocolHTTP1, ProtocolHTTP2:
				protocols[p] = true
			default:
				return nil, configErr("protocols", "unknown protocol "+string(p))
			}
		}
	}

	verifyTLS := true
	if opts.VerifyTLS != nil {
		verifyTLS = *opts.VerifyTLS
	}

	maxBodySize := opts.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 10 * 1024 * 1024
	} else if maxBodySize < 0 && maxBodySize != Unlimited {
		return nil, configErr("max_body_size", "must be non-negative or Unlimited")
	}

	errResp := defaultErrorResponse
	if opts.ErrorResponse != nil {
		if opts.ErrorResponse.Status < 500 || opts.ErrorResponse.Status > 599 {
			return nil, configErr("error_response.status", "must be a 5xx status")
		}
		errResp = *opts.ErrorResponse
	}

	removeHeaders := make(map[string]bool, len(opts.RemoveHeaders))
	for _, h := range opts.RemoveHeaders {
		removeHeaders[strings.ToLower(h)] = true
	}

	cfg := &ProxyConfig{
		pool:           opts.PoolRef,
		scheme:         scheme,
		host:           host,
		port:           port,
		pathPrefix:     normalizePathComponent(u.Path),
		stripPath:      normalizePathComponent(opts.StripPath),
		timeout:        timeout,
		connectTimeout: connectTimeout,
		protocols:      protocols,
		verifyTLS:      verifyTLS,
		addHeaders:     append([]Header(nil), opts.AddHeaders...),
		removeHeaders:  removeHeaders,
		maxBodySize:    maxBodySize,
		errorResponse:  errResp,
	}
	return cfg, nil
}

// hostHeaderValue returns the value for the outbound Host header: the
// configured host, with ":port" appended only when port is not the scheme
// default.
func (c *ProxyConfig) hostHeaderValue() string {
	if c.port == defaultPortFor(c.scheme) {
		return c.host
	}
	return c.host + ":" + strconv.Itoa(c.port)
}

// backendHTTPScheme returns "http" or "https" for the backend's HTTP
// transport, mapping ws->http and wss->https.
func (c *ProxyConfig) backendHTTPScheme() string {
	if c.scheme == "wss" || c.scheme == "https" {
		return "https"
	}
	return "http"
}

func (c *ProxyConfig) allowsHTTP2() bool {
	return c.protocols[ProtocolHTTP2]
}
