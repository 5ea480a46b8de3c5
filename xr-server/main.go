// xr-server is the egress agent: it accepts obfuscated connections,
// authenticates them, resolves the requested target, and relays
// traffic (spec §2 C9, §6 "CLI (client and server)").
//
// Copyright (c) 2017-2020 Russell Magee
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"blitter.com/go/xrproxy/config"
	"blitter.com/go/xrproxy/dispatcher"
	"blitter.com/go/xrproxy/logger"
)

// Exit codes (spec §6).
const (
	exitOK          = 0
	exitConfigError = 1
	exitBindError   = 2
	exitUsageError  = 64
)

// shutdownGrace bounds cancellation per spec §5 "Cancellation is
// bounded -- a 2s grace, then hard abort."
const shutdownGrace = 2 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var cfgPath string
	var logLevel string
	flag.StringVar(&cfgPath, "c", "", "path to TOML config file")
	flag.StringVar(&logLevel, "l", "info", "log level: trace|debug|info|warn|error")
	flag.Parse()

	if cfgPath == "" {
		fmt.Fprintln(os.Stderr, "xr-server: -c <config-path> is required")
		return exitUsageError
	}

	prio, err := logger.ParsePriority(logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "xr-server:", err)
		return exitUsageError
	}
	if _, err := logger.New(prio, "xr-server"); err != nil {
		fmt.Fprintln(os.Stderr, "xr-server: starting logger:", err)
		return exitUsageError
	}
	defer logger.LogClose() // nolint: errcheck

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.LogCrit("config load: " + err.Error())
		return exitConfigError
	}
	if err := cfg.Validate(false); err != nil {
		logger.LogCrit("config validate: " + err.Error())
		return exitConfigError
	}

	d, err := dispatcher.New(cfg)
	if err != nil {
		logger.LogCrit("dispatcher init: " + err.Error())
		return exitConfigError
	}

	bindAddr := net.JoinHostPort(cfg.Server.Bind, strconv.Itoa(int(cfg.Server.Port)))
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		logger.LogCrit("listen on " + bindAddr + ": " + err.Error())
		return exitBindError
	}
	logger.LogInfo("xr-server: listening on " + bindAddr)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() { serveErr <- d.Serve(ctx, ln) }()

	select {
	case sig := <-sigCh:
		logger.LogInfo("xr-server: received " + sig.String() + ", shutting down")
		cancel()
		select {
		case <-serveErr:
		case <-time.After(shutdownGrace):
			logger.LogWarning("xr-server: shutdown grace period exceeded, aborting")
		}
		return exitOK
	case err := <-serveErr:
		if err != nil {
			logger.LogErr("xr-server: serve: " + err.Error())
			return exitBindError
		}
		return exitOK
	}
}
