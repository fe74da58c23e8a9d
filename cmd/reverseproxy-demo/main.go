// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wingedpig/reverseproxy/internal/watcher"
)

var version = "0.1"

func main() {
	var (
		configPath  string
		watch       bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "mounts.hjson", "Path to the mount file (HJSON or JSON)")
	flag.StringVar(&configPath, "c", "mounts.hjson", "Path to the mount file (short)")
	flag.BoolVar(&watch, "watch", false, "Hot-reload mounts when the config file changes")
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.Parse()

	if showVersion {
		fmt.Printf("reverseproxy-demo %s\n", version)
		return
	}

	if err := run(configPath, watch); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, watch bool) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	mgr, err := NewManager(cfg)
	if err != nil {
		return fmt.Errorf("build manager: %w", err)
	}

	errCh := make(chan error, 4)
	mgr.Start(errCh)

	var cw *watcher.ConfigWatcher
	if watch {
		cw, err = watcher.NewConfigWatcher(configPath, 200*time.Millisecond, func() {
			newCfg, err := LoadConfig(configPath)
			if err != nil {
				log.Printf("reverseproxy-demo: reload failed, keeping previous mounts: %v", err)
				return
			}
			if err := mgr.Reload(newCfg); err != nil {
				log.Printf("reverseproxy-demo: reload failed, keeping previous mounts: %v", err)
			}
		})
		if err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		defer cw.Close()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("reverseproxy-demo: received signal %v, shutting down...", sig)
	case err := <-errCh:
		log.Printf("reverseproxy-demo: listener error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return mgr.Shutdown(shutdownCtx)
}
