package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/linhpt111/chatc/internal/broker"
	"github.com/linhpt111/chatc/internal/config"
	"github.com/linhpt111/chatc/internal/monitoring"
)

func main() {
	var debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootstrap := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Error().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	// A positional port argument overrides the configured listen address.
	if port := flag.Arg(0); port != "" {
		cfg.Addr = fmt.Sprintf(":%s", port)
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	b, err := broker.New(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize broker")
		os.Exit(1)
	}
	if err := b.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start broker")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	monitor := monitoring.NewSystemMonitor(logger)
	monitor.Start(ctx, cfg.MetricsInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := b.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Shutdown failed")
		os.Exit(1)
	}
	monitor.Wait()
}
