// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// PoolRequest is what the HTTP engine submits to a Pool for the buffered
// fast path. Body is always fully buffered before Issue is called: the pool
// never sees a streaming request (that's what the engine's streaming path
// dials directly for).
type PoolRequest struct {
	Method  string
	URL     string
	Header  http.Header
	Body    []byte
	Timeout time.Duration // receive timeout for this call
}

// PoolResponse is what a Pool returns on success. Body must be closed by the
// caller exactly once; the engine always does so after writing it to the
// client.
type PoolResponse struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// Pool is the connection-pool collaborator, external to the core: keep-alive
// and HTTP/2 multiplexing live here, issuing and streaming one request at a
// time per logical call. The core never dials sockets for buffered calls
// itself.
type Pool interface {
	Issue(ctx context.Context, req *PoolRequest) (*PoolResponse, error)
}

// httpPool is the default Pool: a tuned *http.Transport, with an additional
// golang.org/x/net/http2.Transport used when the caller allows http2 and the
// backend is TLS (h2) or explicitly requests h2c. One httpPool instance is
// meant to be shared across every mount targeting the same backend host,
// exactly as the host framework's connection-pool library is specified as a
// singleton collaborator external to the core.
type httpPool struct {
	h1     *http.Client
	h2     *http.Client // nil if http2 was never requested for this pool
	allow  map[Protocol]bool
	scheme string
}

// PoolOptions configures NewPool.
type PoolOptions struct {
	// ConnectTimeout bounds dial + TLS handshake.
	ConnectTimeout time.Duration
	// MaxIdleConnsPerHost bounds keep-alive connection reuse. Defaults to 64.
	MaxIdleConnsPerHost int
	// IdleConnTimeout closes idle pooled connections after this long.
	// Defaults to 90s.
	IdleConnTimeout time.Duration
	// ResponseHeaderTimeout bounds the wait for response headers once a
	// request has been sent. Defaults to 30s.
	ResponseHeaderTimeout time.Duration
	// VerifyTLS controls backend certificate verification. The zero value
	// (false) disables verification; it is enabled only when set to true.
	VerifyTLS bool
	// Protocols restricts which wire protocols this pool negotiates.
	// Defaults to both.
	Protocols []Protocol
}

// NewPool builds the default Pool implementation. Transport tuning (dial
// timeout, MaxIdleConnsPerHost, IdleConnTimeout, ResponseHeaderTimeout) is
// parameterized instead of hardcoded, and an http2.Transport is layered in
// when http2 is allowed.
func NewPool(opts PoolOptions) Pool {
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	maxIdle := opts.MaxIdleConnsPerHost
	if maxIdle <= 0 {
		maxIdle = 64
	}
	idleTimeout := opts.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = 90 * time.Second
	}
	respTimeout := opts.ResponseHeaderTimeout
	if respTimeout <= 0 {
		respTimeout = 30 * time.Second
	}

	allow := map[Protocol]bool{}
	if len(opts.Protocols) == 0 {
		allow[ProtocolHTTP1] = true
		allow[ProtocolHTTP2] = true
	} else {
		for _, p := range opts.Protocols {
			allow[p] = true
		}
	}

	tlsConfig := &tls.Config{InsecureSkipVerify: !opts.VerifyTLS}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost:   maxIdle,
		IdleConnTimeout:       idleTimeout,
		ResponseHeaderTimeout: respTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       tlsConfig,
	}

	p := &httpPool{
		h1:    &http.Client{Transport: transport},
		allow: allow,
	}

	if allow[ProtocolHTTP2] {
		// http2.ConfigureTransport upgrades the *http.Transport in place to
		// negotiate h2 over TLS via ALPN; h2c (cleartext http2) additionally
		// needs its own client when the backend isn't TLS.
		_ = http2.ConfigureTransport(transport)
		h2cTransport := &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return (&net.Dialer{Timeout: connectTimeout}).DialContext(ctx, network, addr)
			},
		}
		p.h2 = &http.Client{Transport: h2cTransport}
	}

	return p
}

func (p *httpPool) Issue(ctx context.Context, req *PoolRequest) (*PoolResponse, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, newByteReader(req.Body))
	if err != nil {
		return nil, err
	}
	httpReq.Header = req.Header
	if host := req.Header.Get("host"); host != "" {
		httpReq.Host = host
	}

	client := p.h1
	if p.h2 != nil && httpReq.URL.Scheme == "http" && !p.allow[ProtocolHTTP1] {
		// Cleartext backend with http1 disabled: only h2c can serve this.
		client = p.h2
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}

	return &PoolResponse{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   resp.Body,
	}, nil
}

// newByteReader wraps a buffered body so http.NewRequestWithContext can
// compute Content-Length and GetBody for redirects/retries. A nil or empty
// slice yields a nil body (matching net/http's convention for bodyless
// requests).
func newByteReader(b []byte) io.Reader {
	if len(b) == 0 {
		return nil
	}
	return bytes.NewReader(b)
}
