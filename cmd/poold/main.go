// Package main is the entry point for the pool daemon. It loads
// configuration, builds one connection pool per backend kind, exposes the
// health/metrics/admin HTTP surface, and handles graceful shutdown on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dskow/pool-core/internal/admin"
	"github.com/dskow/pool-core/internal/backend"
	"github.com/dskow/pool-core/internal/config"
	"github.com/dskow/pool-core/internal/health"
	"github.com/dskow/pool-core/internal/logging"
	"github.com/dskow/pool-core/internal/manager"
	"github.com/dskow/pool-core/internal/metrics"
	"github.com/dskow/pool-core/internal/middleware"
	"github.com/dskow/pool-core/internal/pool"
	"github.com/dskow/pool-core/internal/tlsutil"
)

func main() {
	configPath := flag.String("config", "configs/poold.yaml", "path to configuration file")
	flag.Parse()

	// Bootstrap logger until the config tells us where logs go.
	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		bootLogger.Error("failed to initialize logging", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"pools", len(cfg.Pools),
		"admin_enabled", cfg.Admin.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"metrics_path", cfg.Metrics.Path,
		"tls_enabled", cfg.Server.TLS.Enabled,
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	// One factory per configured kind, chosen by driver.
	factories := make(map[string]pool.Factory, len(cfg.Pools))
	for kind, pc := range cfg.Pools {
		switch pc.Driver {
		case config.DriverDirect:
			factories[kind] = backend.NewDirectFactory(pc.Addr, logger)
		case config.DriverGateway:
			factories[kind] = backend.NewGatewayFactory(pc.URL, nil, logger)
		default:
			// validate() rejects unknown drivers; unreachable.
			logger.Error("unknown driver", "kind", kind, "driver", pc.Driver)
			os.Exit(1)
		}
	}

	sink := health.NewLogSink(logger, cfg.Alerting.MinInterval, cfg.Alerting.Burst)

	mgr, err := manager.New(cfg, factories, sink, logger)
	if err != nil {
		logger.Error("failed to build pool manager", "error", err)
		os.Exit(1)
	}
	mgr.Initialize(context.Background())

	// Config reloader: breaker thresholds apply hot, the rest logs a
	// restart-required warning.
	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()
	reloader.OnReload(func(newCfg *config.Config) {
		mgr.UpdateBreakerSettings(newCfg)
	})

	mux := http.NewServeMux()
	adminHandler := admin.New(mgr, reloader, cfg.Admin, logger)
	adminHandler.RegisterPublic(mux)
	adminHandler.RegisterAdmin(mux)

	if cfg.Metrics.IsEnabled() {
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", cfg.Metrics.Path)
	}

	// Middleware stack: Recovery → RequestID → Logging
	var handler http.Handler = mux
	handler = middleware.Logging(logger)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var certLoader *tlsutil.CertLoader
	if cfg.Server.TLS.Enabled {
		certLoader, err = tlsutil.New(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, logger)
		if err != nil {
			logger.Error("failed to load TLS certificate", "error", err)
			os.Exit(1)
		}
		defer certLoader.Stop()
		srv.TLSConfig = &tls.Config{
			GetCertificate: certLoader.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}
	}

	go func() {
		logger.Info("starting pool daemon", "addr", srv.Addr)
		var err error
		if cfg.Server.TLS.Enabled {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
	}

	// HTTP surface is down; now drain the pools themselves.
	mgr.Shutdown()

	logger.Info("pool daemon stopped gracefully")
}
