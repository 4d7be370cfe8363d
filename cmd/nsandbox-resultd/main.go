// Copyright (c) 2026 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Sandbox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nishisan-dev/n-sandbox/internal/config"
	"github.com/nishisan-dev/n-sandbox/internal/logging"
	"github.com/nishisan-dev/n-sandbox/internal/monitor"
	"github.com/nishisan-dev/n-sandbox/internal/observability"
	"github.com/nishisan-dev/n-sandbox/internal/realtime"
	"github.com/nishisan-dev/n-sandbox/internal/resultserver"
	"github.com/nishisan-dev/n-sandbox/internal/retention"
	"github.com/nishisan-dev/n-sandbox/internal/storage"
	"github.com/nishisan-dev/n-sandbox/internal/taskstore"
)

func main() {
	configPath := flag.String("config", "/etc/nsandbox/resultd.yaml", "path to result server config file")
	flag.Parse()

	cfg, err := config.LoadResultServerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	if err := os.MkdirAll(cfg.Storage.BaseDir, 0755); err != nil {
		logger.Error("creating storage base dir", "error", err)
		os.Exit(1)
	}

	store, err := taskstore.Open(cfg.Database.Path)
	if err != nil {
		logger.Error("opening task store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Context com cancelamento via signal
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	srv := resultserver.New(resultserver.Options{
		IP:               cfg.Server.IP,
		Port:             cfg.Server.Port,
		PoolSize:         cfg.Server.PoolSize,
		UploadMaxSize:    cfg.Server.UploadMaxSizeRaw,
		ReceiveRateLimit: cfg.Server.ReceiveRateLimitRaw,
		Paths: func(taskID int64) string {
			return storage.TaskDir(cfg.Storage.BaseDir, taskID)
		},
		Logger: logger,
	})
	if err := srv.Listen(); err != nil {
		logger.Error("result server bind failed", "error", err)
		os.Exit(1)
	}
	logger.Info("result server port", "port", srv.ActualPort())

	sysMon := monitor.NewSystemMonitor(logger, cfg.Storage.BaseDir)
	sysMon.Start()
	defer sysMon.Stop()

	if cfg.Retention.Enabled {
		sweeper := retention.NewSweeper(cfg, store, logger)
		if err := sweeper.Start(); err != nil {
			logger.Error("starting retention sweeper", "error", err)
			os.Exit(1)
		}
		defer sweeper.Stop()
	}

	if cfg.WebUI.Enabled {
		if err := startWebUI(ctx, cfg, srv, store, sysMon, logger); err != nil {
			logger.Error("starting control API", "error", err)
			os.Exit(1)
		}
	}

	go startStatsReporter(ctx, srv, sysMon, logger)

	if err := srv.Serve(ctx); err != nil {
		logger.Error("result server error", "error", err)
		os.Exit(1)
	}
}

// startWebUI inicia o listener HTTP da API de controle em background, com
// shutdown graceful amarrado ao context.
func startWebUI(ctx context.Context, cfg *config.ResultServerConfig, srv *resultserver.Server,
	store taskstore.Store, sysMon *monitor.SystemMonitor, logger *slog.Logger) error {

	acl, err := observability.NewACL(cfg.WebUI.AllowOrigins, logger)
	if err != nil {
		return err
	}
	router := observability.NewRouter(observability.Deps{
		Server:  srv,
		Store:   store,
		Monitor: sysMon,
		Cfg:     cfg,
		Logger:  logger,
		NewDispatcher: func(taskID int64) resultserver.Dispatcher {
			return realtime.NewCorrelator(logger.With("task", taskID))
		},
	}, acl)

	webSrv := &http.Server{
		Addr:              cfg.WebUI.Listen,
		Handler:           router,
		ReadTimeout:       cfg.WebUI.ReadTimeout,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      cfg.WebUI.WriteTimeout,
		IdleTimeout:       cfg.WebUI.IdleTimeout,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	go func() {
		logger.Info("control API listening", "address", cfg.WebUI.Listen)
		if err := webSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("control API server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := webSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("control API shutdown error", "error", err)
		}
		logger.Info("control API shutdown complete")
	}()
	return nil
}

// startStatsReporter imprime métricas do server a cada 15 segundos:
// conexões ativas, sessões, traffic in e disk write no intervalo, e uso do
// volume de resultados.
func startStatsReporter(ctx context.Context, srv *resultserver.Server, sysMon *monitor.SystemMonitor, logger *slog.Logger) {
	const interval = 15 * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			secs := interval.Seconds()

			// Swap-and-reset: lê o acumulado do intervalo e zera
			trafficIn := srv.TrafficIn.Swap(0)
			diskWrite := srv.DiskWrite.Swap(0)
			m := srv.MetricsSnapshot()
			sys := sysMon.Stats()

			logger.Info("result server stats",
				"conns", m.ActiveConns,
				"sessions", m.Sessions,
				"traffic_in_MBps", fmt.Sprintf("%.2f", float64(trafficIn)/secs/(1024*1024)),
				"disk_write_MBps", fmt.Sprintf("%.2f", float64(diskWrite)/secs/(1024*1024)),
				"storage_used_pct", fmt.Sprintf("%.1f", sys.Storage.UsedPercent),
				"storage_free_MB", sys.Storage.FreeBytes/(1024*1024),
				"low_disk", sysMon.LowDisk(),
			)
		}
	}
}
