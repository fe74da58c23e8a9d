// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hjson/hjson-go/v4"
)

// HeaderConfig is one (name, value) pair for AddHeaders. A struct rather
// than a map so insertion order survives HJSON/JSON decoding.
type HeaderConfig struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// MountConfig describes one backend mount: the path prefix it answers under
// within a Listener's router, and the proxy.Options that build its handler.
type MountConfig struct {
	Name             string         `json:"name"`
	PathPrefix       string         `json:"path_prefix"`
	Backend          string         `json:"backend"`
	StripPath        string         `json:"strip_path"`
	TimeoutMS        int64          `json:"timeout_ms"`
	ConnectTimeoutMS int64          `json:"connect_timeout_ms"`
	Protocols        []string       `json:"protocols"`
	VerifyTLS        *bool          `json:"verify_tls"`
	AddHeaders       []HeaderConfig `json:"add_headers"`
	RemoveHeaders    []string       `json:"remove_headers"`
	MaxBodySize      *int64         `json:"max_body_size"`
	ErrorStatus      int            `json:"error_status"`
	ErrorReason      string         `json:"error_reason"`
}

// ListenerConfig describes one HTTP(S) listener and the mounts it serves.
type ListenerConfig struct {
	Listen       string        `json:"listen"`
	TLSCert      string        `json:"tls_cert"`
	TLSKey       string        `json:"tls_key"`
	TLSTailscale bool          `json:"tls_tailscale"`
	Mounts       []MountConfig `json:"mounts"`
}

// Config is the top-level mount-file shape: zero or more listeners, each
// fronting one or more backend mounts.
type Config struct {
	Listeners []ListenerConfig `json:"listeners"`
}

// LoadConfig reads an HJSON (or plain JSON, HJSON is a superset) mount file
// from path. HJSON is decoded to a generic map first, then round-tripped
// through encoding/json to get typed struct decoding with the same
// unmarshal semantics the rest of the Go ecosystem expects.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var raw map[string]interface{}
	if err := hjson.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse hjson: %w", err)
	}

	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert to json: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Listeners) == 0 {
		return nil, fmt.Errorf("config has no listeners")
	}
	return &cfg, nil
}

func (m MountConfig) timeout() time.Duration {
	if m.TimeoutMS <= 0 {
		return 0
	}
	return time.Duration(m.TimeoutMS) * time.Millisecond
}

func (m MountConfig) connectTimeout() time.Duration {
	if m.ConnectTimeoutMS <= 0 {
		return 0
	}
	return time.Duration(m.ConnectTimeoutMS) * time.Millisecond
}
