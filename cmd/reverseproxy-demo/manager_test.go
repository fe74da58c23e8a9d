// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}))
}

func TestManager_RouterServesBufferedRequest(t *testing.T) {
	backend := newBackend(t, "hello from backend")
	defer backend.Close()

	cfg := &Config{Listeners: []ListenerConfig{
		{
			Listen: "127.0.0.1:0",
			Mounts: []MountConfig{{Name: "api", PathPrefix: "/", Backend: backend.URL}},
		},
	}}

	mgr, err := NewManager(cfg)
	require.NoError(t, err)

	// A direct handler invocation exercises the built router without binding
	// a real socket, which is all this harness needs to verify wiring.
	var router http.Handler
	for _, l := range mgr.listeners {
		router = l.handler
	}
	require.NotNil(t, router)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, "hello from backend", string(body))
}

func TestManager_SharesPoolAcrossMountsToSameBackend(t *testing.T) {
	backend := newBackend(t, "ok")
	defer backend.Close()

	cfg := &Config{Listeners: []ListenerConfig{
		{
			Listen: "127.0.0.1:0",
			Mounts: []MountConfig{
				{Name: "a", PathPrefix: "/a/", Backend: backend.URL},
				{Name: "b", PathPrefix: "/b/", Backend: backend.URL},
			},
		},
	}}

	mgr, err := NewManager(cfg)
	require.NoError(t, err)
	assert.Len(t, mgr.pools, 1)
}

func TestManager_RejectsBadMount(t *testing.T) {
	cfg := &Config{Listeners: []ListenerConfig{
		{
			Listen:  "127.0.0.1:0",
			Mounts:  []MountConfig{{Name: "bad", Backend: "ftp://nope"}},
		},
	}}

	_, err := NewManager(cfg)
	require.Error(t, err)
}

func TestManager_Reload(t *testing.T) {
	backendA := newBackend(t, "from-a")
	defer backendA.Close()
	backendB := newBackend(t, "from-b")
	defer backendB.Close()

	cfg := &Config{Listeners: []ListenerConfig{
		{
			Listen: "127.0.0.1:0",
			Mounts: []MountConfig{{Name: "api", PathPrefix: "/", Backend: backendA.URL}},
		},
	}}

	mgr, err := NewManager(cfg)
	require.NoError(t, err)

	var l *Listener
	for _, ln := range mgr.listeners {
		l = ln
	}
	require.NotNil(t, l)

	rec := httptest.NewRecorder()
	l.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, "from-a", string(body))

	cfg.Listeners[0].Mounts[0].Backend = backendB.URL
	require.NoError(t, mgr.Reload(cfg))

	rec = httptest.NewRecorder()
	l.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	body, _ = io.ReadAll(rec.Body)
	assert.Equal(t, "from-b", string(body))
}

func TestManager_ShutdownIsGraceful(t *testing.T) {
	cfg := &Config{Listeners: []ListenerConfig{
		{Listen: "127.0.0.1:0", Mounts: []MountConfig{{Name: "api", Backend: "http://localhost:1"}}},
	}}
	mgr, err := NewManager(cfg)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	mgr.Start(errCh)
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, mgr.Shutdown(ctx))
}
