// Package main is the entry point for rpc-gateway.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cr0hn/rpc-gateway/internal/admin"
	"github.com/cr0hn/rpc-gateway/internal/config"
	"github.com/cr0hn/rpc-gateway/internal/health"
	"github.com/cr0hn/rpc-gateway/internal/limiter"
	"github.com/cr0hn/rpc-gateway/internal/logger"
	"github.com/cr0hn/rpc-gateway/internal/metrics"
	"github.com/cr0hn/rpc-gateway/internal/ports"
	"github.com/cr0hn/rpc-gateway/internal/proxy"
)

// Version information set via ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func newChecker(cfg *config.Config) health.Checker {
	switch cfg.HealthCheckType {
	case "tcp":
		logger.Info("health_check_configured", "type", "tcp")
		return health.NewTCPChecker(cfg.HealthCheckTimeout)
	default:
		logger.Info("health_check_configured", "type", "http", "method", cfg.HealthCheckMethod)
		return health.NewHTTPChecker(cfg.HealthCheckMethod, cfg.HealthCheckTimeout)
	}
}

func main() {
	// Parse configuration
	cfg, err := config.ParseFlags()
	if err != nil {
		logger.Error("failed to parse configuration", "error", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	logger.Info("rpc-gateway starting",
		"version", version,
		"commit", commit,
		"date", date,
		"listen_address", cfg.ListenAddress,
		"metrics_port", cfg.MetricsPort,
		"environments", cfg.EnvironmentNames(),
	)

	// Create components
	stats := metrics.NewStatsCollector()
	lim := limiter.New(cfg.MaxInFlightPerPort, cfg.RateLimitRPS, cfg.RateLimitBurst)
	registry := ports.NewRegistry()
	transport := proxy.NewTransport(cfg.ConnectTimeout)
	controller := admin.NewController(registry, lim, transport, stats)

	monitor := health.NewMonitor(health.MonitorConfig{
		Ports:            registry,
		Checker:          newChecker(cfg),
		Interval:         cfg.HealthCheckInterval,
		Timeout:          cfg.HealthCheckTimeout,
		FailureThreshold: cfg.HealthCheckFailureThreshold,
		SuccessThreshold: cfg.HealthCheckSuccessThreshold,
		SlowThreshold:    cfg.HealthCheckSlowThreshold,
	})

	metricsServer := metrics.NewServer(cfg.MetricsPort, stats, registry)
	metricsServer.SetProbeProvider(monitor)

	// Start metrics server
	go func() {
		logger.Info("starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	// Bind the environment ports
	if err := controller.Apply(cfg); err != nil {
		logger.Error("failed to start environments", "error", err)
		if len(controller.Served()) == 0 {
			os.Exit(1)
		}
	}
	monitor.Start()
	metricsServer.SetReady(true)

	// Set up config watcher if config file is specified
	var cfgWatcher *config.ConfigWatcher
	if cfg.ConfigFile != "" {
		var watcherErr error
		cfgWatcher, watcherErr = config.NewConfigWatcher(cfg.ConfigFile, cfg)
		if watcherErr != nil {
			logger.Error("failed to create config watcher", "error", watcherErr)
		} else {
			// Register callback for configuration changes
			cfgWatcher.RegisterCallback(func(newCfg *config.Config) {
				logger.Reconfigure(newCfg.LogLevel, newCfg.LogFormat)
				lim.UpdateLimits(newCfg.MaxInFlightPerPort, newCfg.RateLimitRPS, newCfg.RateLimitBurst)
				if err := controller.Apply(newCfg); err != nil {
					logger.Error("failed to apply environments", "error", err)
				}
			})

			if startErr := cfgWatcher.Start(); startErr != nil {
				logger.Error("failed to start config watcher", "error", startErr)
			}
		}
	}

	// Set up signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	// Wait for signals
	for {
		sig := <-sigCh

		// Handle SIGHUP for manual config reload
		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, reloading configuration")
			if cfgWatcher != nil {
				if reloadErr := cfgWatcher.Reload(); reloadErr != nil {
					logger.Error("config reload failed", "error", reloadErr)
				}
			} else {
				logger.Warn("config reload requested but no config file specified")
			}
			continue
		}

		// SIGINT or SIGTERM - shutdown
		logger.Info("received shutdown signal", "signal", sig)
		break
	}

	// Graceful shutdown
	if cfgWatcher != nil {
		cfgWatcher.Stop()
	}

	metricsServer.SetReady(false)

	// Deactivate every port and wait for in-flight calls
	logger.Info("waiting for active calls to complete")
	controller.Shutdown()
	transport.CloseIdleConnections()

	monitor.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Error("metrics server shutdown error", "error", err)
	}

	logger.Info("rpc-gateway stopped")
}
