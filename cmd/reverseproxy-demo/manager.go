// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Command reverseproxy-demo is a minimal embedder of the proxy package: it
// reads a mount file describing one or more listeners, each fronting one or
// more backend mounts, and runs them until terminated. It exists to exercise
// the library end to end (multi-listener, multi-mount, TLS, hot reload) the
// way a real embedder would wire it, not to be a production gateway itself.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/wingedpig/reverseproxy/proxy"
)

// swappableHandler lets a running *http.Server's routes be replaced without
// restarting the listener: Reload builds a fresh *mux.Router and atomically
// swaps it in, so in-flight requests finish against the old router while
// new requests see the new one.
type swappableHandler struct {
	v atomic.Value
}

func (s *swappableHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.v.Load().(http.Handler).ServeHTTP(w, r)
}

func (s *swappableHandler) store(h http.Handler) {
	s.v.Store(h)
}

// Listener is one running HTTP(S) server fronting a set of mounts.
type Listener struct {
	addr    string
	server  *http.Server
	handler *swappableHandler
}

// Manager owns every configured Listener plus the Pools shared across mounts
// that target the same backend host: one Pool per logical backend, reused by
// every mount that dials it.
type Manager struct {
	mu        sync.Mutex
	listeners map[string]*Listener // keyed by listen address
	pools     map[string]proxy.Pool
}

// NewManager builds every listener and mount in cfg. It does not start
// accepting connections; call Start for that. A build failure in any mount
// (bad backend URL, unknown protocol, ...) fails the whole call — mirroring
// ConfigError's mount-time, fail-fast contract in the proxy package itself.
func NewManager(cfg *Config) (*Manager, error) {
	m := &Manager{
		listeners: make(map[string]*Listener),
		pools:     make(map[string]proxy.Pool),
	}

	for i, lc := range cfg.Listeners {
		router, err := m.buildRouter(lc)
		if err != nil {
			return nil, fmt.Errorf("listeners[%d] (%s): %w", i, lc.Listen, err)
		}

		tlsConfig, err := buildTLSConfig(lc)
		if err != nil {
			return nil, fmt.Errorf("listeners[%d] (%s): %w", i, lc.Listen, err)
		}

		handler := &swappableHandler{}
		handler.store(router)

		m.listeners[lc.Listen] = &Listener{
			addr:    lc.Listen,
			handler: handler,
			server: &http.Server{
				Addr:              lc.Listen,
				Handler:           handler,
				TLSConfig:         tlsConfig,
				ReadHeaderTimeout: 10 * time.Second,
				IdleTimeout:       120 * time.Second,
			},
		}
	}

	return m, nil
}

// buildRouter assembles one listener's mux.Router: global logging/recovery
// middleware, then one proxy.Handler mounted per configured mount.
func (m *Manager) buildRouter(lc ListenerConfig) (*mux.Router, error) {
	r := mux.NewRouter()
	r.Use(loggingMiddleware)
	r.Use(recoveryMiddleware)

	for j, mc := range lc.Mounts {
		pool, err := m.poolFor(mc)
		if err != nil {
			return nil, fmt.Errorf("mounts[%d] (%s): %w", j, mc.Name, err)
		}

		opts, err := buildMountOptions(mc, pool)
		if err != nil {
			return nil, fmt.Errorf("mounts[%d] (%s): %w", j, mc.Name, err)
		}

		h, err := proxy.NewHandler(opts)
		if err != nil {
			return nil, fmt.Errorf("mounts[%d] (%s): %w", j, mc.Name, err)
		}

		prefix := mc.PathPrefix
		if prefix == "" {
			prefix = "/"
		}
		r.PathPrefix(prefix).Handler(h)
	}

	return r, nil
}

// poolFor returns the shared Pool for mc's backend host, building one on
// first use. Every mount whose backend resolves to the same scheme+host
// reuses the same pool, so keep-alive connections and HTTP/2 streams are
// actually shared rather than re-established per mount.
func (m *Manager) poolFor(mc MountConfig) (proxy.Pool, error) {
	u, err := url.Parse(mc.Backend)
	if err != nil {
		return nil, fmt.Errorf("invalid backend %q: %w", mc.Backend, err)
	}
	key := u.Scheme + "://" + u.Host

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pools[key]; ok {
		return p, nil
	}

	verifyTLS := true
	if mc.VerifyTLS != nil {
		verifyTLS = *mc.VerifyTLS
	}
	protocols, err := parseProtocols(mc.Protocols)
	if err != nil {
		return nil, err
	}

	p := proxy.NewPool(proxy.PoolOptions{
		ConnectTimeout: mc.connectTimeout(),
		VerifyTLS:      verifyTLS,
		Protocols:      protocols,
	})
	m.pools[key] = p
	return p, nil
}

func parseProtocols(names []string) ([]proxy.Protocol, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]proxy.Protocol, 0, len(names))
	for _, name := range names {
		switch name {
		case "http1":
			out = append(out, proxy.ProtocolHTTP1)
		case "http2":
			out = append(out, proxy.ProtocolHTTP2)
		default:
			return nil, fmt.Errorf("unknown protocol %q", name)
		}
	}
	return out, nil
}

// buildMountOptions translates one MountConfig into proxy.Options.
func buildMountOptions(mc MountConfig, pool proxy.Pool) (proxy.Options, error) {
	protocols, err := parseProtocols(mc.Protocols)
	if err != nil {
		return proxy.Options{}, err
	}

	opts := proxy.Options{
		PoolRef:        pool,
		Backend:        mc.Backend,
		StripPath:      mc.StripPath,
		Timeout:        mc.timeout(),
		ConnectTimeout: mc.connectTimeout(),
		Protocols:      protocols,
		VerifyTLS:      mc.VerifyTLS,
		RemoveHeaders:  mc.RemoveHeaders,
	}
	for _, h := range mc.AddHeaders {
		opts.AddHeaders = append(opts.AddHeaders, proxy.Header{Name: h.Name, Value: h.Value})
	}
	if mc.MaxBodySize != nil {
		opts.MaxBodySize = *mc.MaxBodySize
	}
	if mc.ErrorStatus != 0 {
		reason := mc.ErrorReason
		if reason == "" {
			reason = "Bad Gateway"
		}
		opts.ErrorResponse = &proxy.ErrorResponse{Status: mc.ErrorStatus, Reason: reason}
	}
	return opts, nil
}

// Start begins serving on every configured listener. Each listener runs its
// Serve/ServeTLS loop on its own goroutine; a listener that fails to bind
// is reported back through errCh.
func (m *Manager) Start(errCh chan<- error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, l := range m.listeners {
		l := l
		go func() {
			var err error
			if l.server.TLSConfig != nil {
				log.Printf("reverseproxy-demo: listening (tls) on %s", l.addr)
				err = l.server.ListenAndServeTLS("", "")
			} else {
				log.Printf("reverseproxy-demo: listening on %s", l.addr)
				err = l.server.ListenAndServe()
			}
			if err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("listener %s: %w", l.addr, err)
			}
		}()
	}
}

// Reload rebuilds every listener's router from cfg and swaps it in live.
// Listener topology (new/removed Listen addresses) is not applied — only
// the mount set of listeners that already exist when the manager started.
// Changing which addresses are bound requires a restart.
func (m *Manager) Reload(cfg *Config) error {
	for i, lc := range cfg.Listeners {
		m.mu.Lock()
		l, ok := m.listeners[lc.Listen]
		m.mu.Unlock()
		if !ok {
			log.Printf("reverseproxy-demo: reload: listener %s not running, skipping (restart required to add listeners)", lc.Listen)
			continue
		}

		router, err := m.buildRouter(lc)
		if err != nil {
			return fmt.Errorf("listeners[%d] (%s): %w", i, lc.Listen, err)
		}
		l.handler.store(router)
		log.Printf("reverseproxy-demo: reloaded mounts for %s", lc.Listen)
	}
	return nil
}

// Shutdown gracefully stops every listener, honoring ctx's deadline.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, l := range m.listeners {
		if err := l.server.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
