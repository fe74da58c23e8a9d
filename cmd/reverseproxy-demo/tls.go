// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"crypto/tls"
	"fmt"
	"os"

	"github.com/tailscale/tscert"
)

// buildTLSConfig resolves a listener's TLS mode: Tailscale's daemon-issued
// certificates take priority when enabled, otherwise a static cert/key pair
// is loaded from disk. Returns nil, nil for a plain HTTP listener.
func buildTLSConfig(cfg ListenerConfig) (*tls.Config, error) {
	if cfg.TLSTailscale {
		return &tls.Config{GetCertificate: tscert.GetCertificate}, nil
	}

	if cfg.TLSCert == "" && cfg.TLSKey == "" {
		return nil, nil
	}
	if cfg.TLSCert == "" || cfg.TLSKey == "" {
		return nil, fmt.Errorf("both tls_cert and tls_key must be set (got cert=%q, key=%q)", cfg.TLSCert, cfg.TLSKey)
	}

	certPath := expandPath(cfg.TLSCert)
	keyPath := expandPath(cfg.TLSKey)
	if !fileExists(certPath) {
		return nil, fmt.Errorf("tls_cert file not found: %s", certPath)
	}
	if !fileExists(keyPath) {
		return nil, fmt.Errorf("tls_key file not found: %s", keyPath)
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load TLS cert/key: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
