package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-canopen-node/internal/console"
	"github.com/kstaniek/go-canopen-node/internal/metrics"
	"github.com/kstaniek/go-canopen-node/internal/node"
	"github.com/kstaniek/go-canopen-node/internal/stack"
	"github.com/kstaniek/go-canopen-node/internal/storage"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("canopend %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	backend, err := storage.NewFileBackend(cfg.storageDir)
	if err != nil {
		l.Error("storage_init_error", "error", err)
		os.Exit(1)
	}

	st := stack.New(cfg.canIf)
	n := node.New(
		node.Config{
			NodeID:    uint8(cfg.nodeID),
			Bitrate:   cfg.bitRate * 1000,
			PDOManual: cfg.pdoManual,
		},
		st, backend,
		node.WithHardware(boardHardware()),
		node.WithSystem(systemdReboot{}),
		node.WithSensors(newSysfsSensors()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Run(gctx) })

	var srv *console.Server
	if cfg.consoleAddr != "" {
		opts := []console.Option{console.WithListenAddr(cfg.consoleAddr)}
		if cfg.serialDev != "" {
			opts = append(opts, console.WithSerialPort(cfg.serialDev, cfg.serialBaud))
		}
		srv = console.New(n, opts...)
		g.Go(func() error { return srv.Serve(gctx) })
	}

	// Start mDNS advertisement once the console listener is bound.
	if srv != nil {
		go func() {
			if !cfg.mdnsEnable {
				return
			}
			select {
			case <-srv.Ready():
			case <-gctx.Done():
				return
			}
			var portNum int
			if _, p, err := net.SplitHostPort(srv.Addr()); err == nil {
				if pn, perr := strconv.Atoi(p); perr == nil {
					portNum = pn
				}
			}
			cleanupMDNS, err := startMDNS(gctx, cfg, portNum)
			if err != nil {
				l.Warn("mdns_start_failed", "error", err)
				return
			}
			l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
			go func() { <-gctx.Done(); cleanupMDNS() }()
		}()
	}

	// Ready once the node reached the running state and nothing shut us down.
	metrics.SetReadinessFunc(func() bool {
		return n.State() == node.StateRunning && gctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	errC := make(chan error, 1)
	go func() { errC <- g.Wait() }()
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
		cancel()
		if err := <-errC; err != nil && !errors.Is(err, context.Canceled) {
			l.Error("shutdown_error", "error", err)
		}
	case err := <-errC:
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			l.Error("runtime_error", "error", err)
			wg.Wait()
			os.Exit(1)
		}
	}
	wg.Wait()
}
