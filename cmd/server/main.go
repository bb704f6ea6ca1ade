package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/Imperial-lord/dionysus/internal/downloader/api/grpc"
	"github.com/Imperial-lord/dionysus/internal/downloader/api/rest"
	"github.com/Imperial-lord/dionysus/internal/downloader/core"
	"github.com/Imperial-lord/dionysus/internal/downloader/process"
	"github.com/Imperial-lord/dionysus/internal/downloader/service"
	"github.com/Imperial-lord/dionysus/internal/downloader/storage"
	"github.com/Imperial-lord/dionysus/internal/shared/config"
	"github.com/Imperial-lord/dionysus/internal/shared/logging"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		slog.Error("Invalid log level", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(os.Stdout, level, cfg.Logging.Format)

	if err := os.MkdirAll(cfg.Downloader.DownloadDir, 0o755); err != nil {
		logger.Fatal("Failed to create download directory", "dir", cfg.Downloader.DownloadDir, "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Fatal("Failed to open job store", "driver", cfg.Storage.Driver, "error", err)
	}
	defer closeStore()

	hub := rest.NewUpdateHub(logger)
	orchestrator := service.NewOrchestrator(
		process.NewAria2Launcher(cfg.Downloader.Binary, cfg.Downloader.DownloadDir, logger),
		store,
		core.NewLockRegistry(),
		service.OrchestratorConfig{
			DownloadDir:        cfg.Downloader.DownloadDir,
			ProgressThresholds: cfg.Downloader.ProgressThresholds,
		},
		logger,
		service.WithObserver(hub),
	)
	downloads := service.NewDownloadService(store, orchestrator, logger)

	httpServer := rest.NewServer(rest.ServerConfig{
		Addr:         cfg.REST.Addr,
		ReadTimeout:  cfg.REST.ReadTimeout,
		WriteTimeout: cfg.REST.WriteTimeout,
		IdleTimeout:  cfg.REST.IdleTimeout,
	}, rest.NewAPI(downloads, hub, logger), logger)

	grpcServer := grpc.NewServer(cfg.GRPC, logger)
	healthChecker := service.NewStoreHealthChecker(
		cfg.Health.CheckInterval,
		cfg.Health.PingTimeout,
		store,
		grpcServer,
		logger,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		healthChecker.Start(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("REST server listening", "addr", cfg.REST.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return grpcServer.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down", "timeout", cfg.Shutdown.Timeout.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
		defer cancel()

		grpcServer.Stop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("REST server forced to shutdown", "error", err)
		}
		if err := orchestrator.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Downloads still running at shutdown were cancelled", "active", orchestrator.Active(), "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", "error", err)
		closeStore()
		os.Exit(1)
	}

	logger.Info("Server stopped")
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger logging.Logger) (core.JobStore, func(), error) {
	if cfg.Driver != "postgres" {
		logger.Info("Using in-memory job store")
		return storage.NewInMemoryJobStore(), func() {}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := storage.OpenPostgres(connectCtx, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewPostgresJobStore(pool)
	if err := store.EnsureSchema(connectCtx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	logger.Info("Using postgres job store")
	return store, pool.Close, nil
}
