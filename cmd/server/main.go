package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/chatrelay/internal/call"
	"github.com/Tyrowin/chatrelay/internal/group"
	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/registry"
	"github.com/Tyrowin/chatrelay/internal/router"
	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := server.LoadConfig(".env")
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger error: %w", err)
	}
	defer func() { _ = log.Sync() }()

	m := metrics.New(prometheus.DefaultRegisterer)
	sessions := registry.NewRegistry()
	r := router.New(log.Named("router"), sessions, group.NewDirectory(sessions), call.NewManager(), m)
	hub := server.NewHub(log.Named("hub"), cfg, r, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", cfg.TCPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.TCPAddr, err)
	}
	httpServer := server.CreateServer(cfg.HTTPAddr, server.SetupRoutes(hub, prometheus.DefaultGatherer))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.ServeTCP(gctx, listener)
	})
	g.Go(func() error {
		return server.StartServer(log, httpServer)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down gracefully")
		return server.ShutdownServer(log, httpServer, cfg.ShutdownTimeout)
	})

	runErr := g.Wait()
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		log.Warn("hub shutdown incomplete", zap.Error(err))
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	log.Info("relay stopped cleanly")
	return nil
}
