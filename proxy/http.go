// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/valyala/bytebufferpool"
)

const streamChunkSize = 64 * 1024

// serveHTTP runs the HTTP re-origination engine (C5) for a non-upgrade
// inbound request. It always finalizes the response exactly once.
func (c *ProxyConfig) serveHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), c.timeout)
	defer cancel()

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	limit := c.maxBodySize
	overflow := false
	if limit == Unlimited {
		if _, err := io.Copy(buf, r.Body); err != nil {
			c.writeClientBodyReadError(w, r, err)
			return
		}
	} else {
		// Read exactly limit+1 bytes to detect overflow without reading an
		// unbounded body into memory.
		n, err := io.CopyN(buf, r.Body, limit+1)
		if err != nil && !errors.Is(err, io.EOF) {
			c.writeClientBodyReadError(w, r, err)
			return
		}
		overflow = n > limit
	}

	if overflow {
		c.serveStreaming(ctx, w, r, buf.Bytes())
		return
	}

	c.serveBuffered(ctx, w, r, buf.Bytes())
}

func (c *ProxyConfig) writeClientBodyReadError(w http.ResponseWriter, r *http.Request, err error) {
	if !isClientGone(err) {
		log.Printf("reverseproxy: %s for %s %s: %v", kindClientBodyRead, r.Method, r.URL.Path, err)
	}
	writeTextError(w, http.StatusBadRequest, "Bad Request")
}

// serveBuffered implements Phase B: the buffered fast path.
func (c *ProxyConfig) serveBuffered(ctx context.Context, w http.ResponseWriter, r *http.Request, body []byte) {
	outboundURL := c.backendURL(c.rewriteURL(r.URL.Path, r.URL.RawQuery))
	headers := c.prepareOutboundHeaders(r.Header, r.RemoteAddr, r.Host, r.TLS != nil)

	resp, err := c.pool.Issue(ctx, &PoolRequest{
		Method:  r.Method,
		URL:     outboundURL,
		Header:  headers,
		Body:    body,
		Timeout: c.timeout,
	})
	if err != nil {
		c.writeBackendError(w, r, err)
		return
	}
	defer resp.Body.Close()

	respHeaders := prepareResponseHeaders(resp.Header)
	for name, values := range respHeaders {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.Status)
	if _, err := io.Copy(w, resp.Body); err != nil && !isClientGone(err) {
		log.Printf("reverseproxy: %s for %s %s: %v", kindBackendResponse, r.Method, r.URL.Path, err)
	}
}

// serveStreaming implements Phase C: the streaming path used when the
// inbound body exceeds MaxBodySize. firstChunk is the portion of the body
// already read into memory while probing for overflow; it is written first
// so no bytes are lost.
func (c *ProxyConfig) serveStreaming(ctx context.Context, w http.ResponseWriter, r *http.Request, firstChunk []byte) {
	conn, err := c.dialBackend(ctx)
	if err != nil {
		log.Printf("reverseproxy: %s for %s %s: %v", kindBackendConnect, r.Method, r.URL.Path, err)
		c.writeGenericError(w)
		return
	}
	defer conn.Close()

	outboundURL := c.backendURL(c.rewriteURL(r.URL.Path, r.URL.RawQuery))
	headers := c.prepareOutboundHeaders(r.Header, r.RemoteAddr, r.Host, r.TLS != nil)
	headers.Set("transfer-encoding", "chunked")

	pr, pw := io.Pipe()
	reqErrCh := make(chan error, 1)
	// headerStarted is closed by streamResponse the moment it commits to
	// writing response headers. It's the only signal the timeout branch
	// below is allowed to use to decide whether it may still write w
	// itself — the request goroutine remains w's sole writer throughout.
	headerStarted := make(chan struct{})
	go func() {
		req, err := http.NewRequestWithContext(ctx, r.Method, outboundURL, pr)
		if err != nil {
			reqErrCh <- err
			return
		}
		req.Header = headers
		if host := headers.Get("host"); host != "" {
			req.Host = host
		}
		req.ContentLength = -1

		client := &http.Client{
			Transport: &singleConnTransport{conn: conn},
		}
		resp, err := client.Do(req)
		if err != nil {
			reqErrCh <- err
			return
		}
		reqErrCh <- streamResponse(w, resp, headerStarted)
	}()

	if len(firstChunk) > 0 {
		if _, err := pw.Write(firstChunk); err != nil {
			pw.CloseWithError(err)
		}
	}

	copyErr := copyChunks(pw, r.Body)
	pw.CloseWithError(copyErr)

	select {
	case err := <-reqErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			if !isClientGone(err) {
				log.Printf("reverseproxy: %s for %s %s: %v", kindBackendRequest, r.Method, r.URL.Path, err)
			}
		}
		if err != nil {
			select {
			case <-headerStarted:
				// Headers already went out; the body stops where it failed.
			default:
				c.writeGenericError(w)
			}
		}
	case <-ctx.Done():
		log.Printf("reverseproxy: %s for %s %s", kindTimeout, r.Method, r.URL.Path)
		// Closing conn unblocks whatever blocking read/write the request
		// goroutine is doing on it (singleConnTransport has no deadline of
		// its own), so it finishes and stops touching w. Wait for it to
		// fully return before deciding whether the fallback error is still
		// ours to send — that keeps w single-writer for the whole phase.
		conn.Close()
		<-reqErrCh
		select {
		case <-headerStarted:
			// Response headers already went out; the body is however far
			// it got. Nothing left that's safe to write.
		default:
			c.writeGenericError(w)
		}
	}
}

// copyChunks forwards src to dst in streamChunkSize pieces: the proxy reads
// only after the previous write completes, which is the only backpressure
// the streaming path needs.
func copyChunks(dst io.Writer, src io.Reader) error {
	buf := make([]byte, streamChunkSize)
	_, err := io.CopyBuffer(dst, src, buf)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// streamResponse emits the backend's response headers with a chunked send
// and forwards its body to the client as it arrives. Closing headerStarted
// right before WriteHeader marks the point after which w has a single
// writer for the rest of the phase (see serveStreaming's timeout branch).
func streamResponse(w http.ResponseWriter, resp *http.Response, headerStarted chan<- struct{}) error {
	defer resp.Body.Close()
	respHeaders := prepareResponseHeaders(resp.Header)
	for name, values := range respHeaders {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	close(headerStarted)
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, streamChunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return rerr
		}
	}
}

func (c *ProxyConfig) writeBackendError(w http.ResponseWriter, r *http.Request, err error) {
	if !isClientGone(err) {
		log.Printf("reverseproxy: %s for %s %s: %v", kindBackendRequest, r.Method, r.URL.Path, err)
	}
	c.writeGenericError(w)
}

func (c *ProxyConfig) writeGenericError(w http.ResponseWriter) {
	writeTextError(w, c.errorResponse.Status, c.errorResponse.Reason)
}

func writeTextError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("content-type", "text/plain")
	w.WriteHeader(status)
	w.Write([]byte(reason))
}

func isClientGone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, io.ErrClosedPipe)
}

// backendURL composes the backend origin with an already-rewritten
// path+query.
func (c *ProxyConfig) backendURL(pathAndQuery string) string {
	host := c.host
	if c.port != defaultPortFor(c.backendHTTPScheme()) {
		host = c.hostHeaderValue()
	}
	return c.backendHTTPScheme() + "://" + host + pathAndQuery
}

// dialBackend opens a one-shot connection to the backend honoring
// ConnectTimeout, used only by the streaming path (Phase C never borrows
// from the pool).
func (c *ProxyConfig) dialBackend(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	addr := net.JoinHostPort(c.host, portString(c.port))
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if c.backendHTTPScheme() == "https" {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         c.host,
			InsecureSkipVerify: !c.verifyTLS,
		})
		tlsConn.SetDeadline(time.Now().Add(c.connectTimeout))
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, err
		}
		tlsConn.SetDeadline(time.Time{})
		return tlsConn, nil
	}
	return conn, nil
}

func portString(p int) string {
	return strconv.Itoa(p)
}

// singleConnTransport is an http.RoundTripper bound to exactly one
// already-dialed net.Conn. It exists because Phase C owns the streaming
// connection's full duplex lifetime itself and must not let it be returned
// to any pool.
type singleConnTransport struct {
	conn net.Conn
}

func (t *singleConnTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := req.Write(t.conn); err != nil {
		return nil, err
	}
	return http.ReadResponse(bufio.NewReader(t.conn), req)
}
