// xr-client is the router-side agent: it transparently intercepts
// redirected LAN TCP connections, classifies each one, and either
// tunnels it through the obfuscated stream to xr-server or dials the
// original destination directly (spec §2 C8, §6 "CLI (client and
// server)").
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

	"github.com/pkg/errors"

	"blitter.com/go/xrproxy/bridge"
	"blitter.com/go/xrproxy/config"
	"blitter.com/go/xrproxy/firewall"
	"blitter.com/go/xrproxy/logger"
	"blitter.com/go/xrproxy/natlookup"
	"blitter.com/go/xrproxy/router"
)

// Exit codes (spec §6).
const (
	exitOK                  = 0
	exitConfigError         = 1
	exitBindError           = 2
	exitFirewallError       = 3
	exitUnsupportedPlatform = 4
	exitUsageError          = 64
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
		fmt.Fprintln(os.Stderr, "xr-client: -c <config-path> is required")
		return exitUsageError
	}

	prio, err := logger.ParsePriority(logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "xr-client:", err)
		return exitUsageError
	}
	if _, err := logger.New(prio, "xr-client"); err != nil {
		fmt.Fprintln(os.Stderr, "xr-client: starting logger:", err)
		return exitUsageError
	}
	defer logger.LogClose() // nolint: errcheck

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.LogCrit("config load: " + err.Error())
		return exitConfigError
	}
	if err := cfg.Validate(true); err != nil {
		logger.LogCrit("config validate: " + err.Error())
		return exitConfigError
	}

	if !natlookup.Supported() {
		logger.LogCrit("NAT origin lookup is not supported on this platform")
		return exitUnsupportedPlatform
	}

	engine, geoDB, err := router.BuildEngine(cfg)
	if err != nil {
		logger.LogCrit("routing config: " + err.Error())
		return exitConfigError
	}
	if geoDB != nil {
		defer geoDB.Close() // nolint: errcheck
	}

	listenAddr := net.JoinHostPort("", strconv.Itoa(int(cfg.Client.ListenPort)))
	tcpAddr, err := net.ResolveTCPAddr("tcp", listenAddr)
	if err != nil {
		logger.LogCrit("resolving listen address: " + err.Error())
		return exitBindError
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		logger.LogCrit("listen on " + listenAddr + ": " + err.Error())
		return exitBindError
	}
	logger.LogInfo(fmt.Sprintf("xr-client: listening on %s", ln.Addr()))

	var controller *firewall.Controller
	if cfg.Client.AutoRedirect {
		controller, err = installFirewall(cfg)
		if err != nil {
			logger.LogCrit("firewall setup: " + err.Error())
			_ = ln.Close()
			return exitFirewallError
		}
		defer func() {
			if err := controller.Teardown(); err != nil {
				logger.LogErr("firewall teardown: " + err.Error())
			}
		}()
	}

	b := bridge.New(cfg, engine)
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := ln.AcceptTCP()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					logger.LogErr("accept: " + err.Error())
					return
				}
			}
			go b.Handle(ctx, conn)
		}
	}()

	sig := <-sigCh
	logger.LogInfo("xr-client: received " + sig.String() + ", shutting down")
	cancel()
	_ = ln.Close()

	select {
	case <-acceptDone:
	case <-time.After(shutdownGrace):
		logger.LogWarning("xr-client: shutdown grace period exceeded, aborting")
	}
	return exitOK
}

// installFirewall builds a backend-agnostic RuleSpec from the
// configured listen port and upstream server address, then installs
// it (spec §4.6).
func installFirewall(cfg *config.Config) (*firewall.Controller, error) {
	upstreamIP, err := resolveUpstreamIP(cfg.Server.Address)
	if err != nil {
		return nil, err
	}
	spec, err := firewall.DefaultRuleSpec(cfg.Client.ListenPort, upstreamIP, nil)
	if err != nil {
		return nil, err
	}
	controller, err := firewall.NewController()
	if err != nil {
		return nil, err
	}
	if err := controller.Install(spec); err != nil {
		return nil, err
	}
	logger.LogInfo("firewall: installed via " + controller.BackendName() + " backend")
	return controller, nil
}

func resolveUpstreamIP(address string) (net.IP, error) {
	if ip := net.ParseIP(address); ip != nil {
		return ip, nil
	}
	addrs, err := net.LookupIP(address)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving upstream server address %q", address)
	}
	if len(addrs) == 0 {
		return nil, errors.Errorf("no addresses found for upstream server %q", address)
	}
	return addrs[0], nil
}
