// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/usbexecd/usbexecd/internal/config"
	"github.com/usbexecd/usbexecd/internal/daemon"
	"github.com/usbexecd/usbexecd/internal/logging"
)

func main() {
	// A re-exec'd copy of this binary never reaches the daemon startup
	// path below: it is the child bootstrap (§4.7-GO) and this call never
	// returns.
	daemon.MaybeRunChildBootstrap()

	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <socket-path>\n", os.Args[0])
		os.Exit(1)
	}
	socketPath := os.Args[1]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.FilePath)
	defer closer.Close()

	selfPath, err := os.Executable()
	if err != nil {
		logger.Error("resolving self path", "err", err)
		os.Exit(1)
	}

	conn, err := daemon.Connect(socketPath)
	if err != nil {
		logger.Error("connecting to controller", "socket", socketPath, "err", err)
		os.Exit(1)
	}

	engine, err := daemon.NewEngine(conn, selfPath, logger)
	if err != nil {
		logger.Error("initializing engine", "err", err)
		os.Exit(1)
	}
	engine.SetDiagnostics(daemon.NewDiagnostics(engine.Table(), logger, cfg.Diagnostics.IntervalRaw))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	go engine.RunDiagnostics(ctx)

	if err := engine.Run(ctx); err != nil {
		logger.Error("engine error", "err", err)
		os.Exit(1)
	}
}
