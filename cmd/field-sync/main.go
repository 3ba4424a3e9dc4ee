package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/field-sync/field-sync/internal/config"
	"github.com/field-sync/field-sync/internal/connectivity"
	"github.com/field-sync/field-sync/internal/database"
	"github.com/field-sync/field-sync/internal/dedup"
	"github.com/field-sync/field-sync/internal/dispatch"
	"github.com/field-sync/field-sync/internal/engine"
	"github.com/field-sync/field-sync/internal/localapi"
	"github.com/field-sync/field-sync/internal/observability"
	"github.com/field-sync/field-sync/internal/remote"
	"github.com/field-sync/field-sync/internal/status"
	"github.com/field-sync/field-sync/internal/trigger"
	"github.com/google/uuid"
)

const (
	AppName    = "field-sync"
	AppVersion = "0.1.0"
)

func main() {
	var configPath = flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := observability.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting field sync agent", zap.String("version", AppVersion))

	// Initialize database
	db, err := database.NewDB(cfg.GetDBPath())
	if err != nil {
		logger.Fatal("Failed to initialize database",
			zap.Error(err),
			zap.String("path", cfg.GetDBPath()))
	}
	defer db.Close()

	logger.Info("Database initialized", zap.String("path", cfg.GetDBPath()))

	// Initialize metrics
	metrics := observability.NewNopMetrics()
	if cfg.Observability.MetricsEnabled && cfg.Observability.OTELendpoint != "" {
		ctx := context.Background()
		meterProvider, metricsShutdown, err := observability.InitMetricsProvider(ctx, cfg.Observability.OTELendpoint, AppName)
		if err != nil {
			logger.Fatal("Failed to initialize metrics provider", zap.Error(err))
		}
		defer func() {
			if err := metricsShutdown(); err != nil {
				logger.Error("Failed to shutdown metrics provider", zap.Error(err))
			}
		}()

		metrics, err = observability.NewMetrics(meterProvider, AppName)
		if err != nil {
			logger.Fatal("Failed to initialize metrics", zap.Error(err))
		}
		logger.Info("Metrics initialized")
	}

	// Device identity names the drain lease holder
	deviceID := cfg.Agent.DeviceID
	if deviceID == "" {
		deviceID = uuid.New().String()
		logger.Info("Generated device ID", zap.String("device_id", deviceID))
	}

	// Storage
	store := database.NewQueueStore(db)
	dedupIndex := database.NewDedupIndex(db)
	leases := database.NewLeaseStore(db)

	// Server client
	client := remote.NewClient(cfg.Server.BaseURL, cfg.Server.AuthToken,
		time.Duration(cfg.Server.RequestTimeout)*time.Second)

	// Connectivity
	monitor := connectivity.NewMonitor(client, connectivity.Options{
		ProbePath: cfg.Connectivity.ProbePath,
		Interval:  time.Duration(cfg.Connectivity.ProbeInterval) * time.Second,
		Timeout:   time.Duration(cfg.Connectivity.ProbeTimeout) * time.Second,
		Debounce:  time.Duration(cfg.Connectivity.DebounceMS) * time.Millisecond,
	}, logger, metrics)

	// Duplicate detection; nil disables screening entirely
	var dedupSvc *dedup.Service
	if cfg.Dedup.Enabled {
		dedupSvc = dedup.NewService(dedupIndex, client, monitor.IsOnline, logger, metrics)
	}

	publisher := status.NewPublisher()

	// A nil Rechecker disables deferred duplicate checks in the dispatcher
	var rechecker dispatch.Rechecker
	if dedupSvc != nil {
		rechecker = dedupSvc
	}

	dispatcher := dispatch.NewDispatcher(store, client, rechecker, monitor, leases, publisher,
		logger, metrics, dispatch.Options{
			MaxConcurrentScopes: cfg.Dispatch.MaxConcurrentScopes,
			MaxRetries:          cfg.Dispatch.MaxRetries,
			BackoffBase:         time.Duration(cfg.Dispatch.BackoffBaseMS) * time.Millisecond,
			BackoffMax:          time.Duration(cfg.Dispatch.BackoffMaxMS) * time.Millisecond,
			CallTimeout:         time.Duration(cfg.Server.RequestTimeout) * time.Second,
			LeaseTTL:            time.Duration(cfg.Dispatch.LeaseTTL) * time.Second,
			HolderID:            deviceID,
		})

	// Hourly maintenance prunes terminal operations and stale index rows
	maintain := func(ctx context.Context) {
		cutoff := time.Now().Add(-time.Duration(cfg.Storage.RetentionHours) * time.Hour)
		if n, err := store.Prune(ctx, cutoff); err != nil {
			logger.Error("Failed to prune operations", zap.Error(err))
		} else if n > 0 {
			metrics.OperationsPruned.Add(ctx, int64(n))
			logger.Info("Pruned terminal operations", zap.Int("count", n))
		}

		indexCutoff := time.Now().Add(-time.Duration(cfg.Dedup.IndexWindowHours) * time.Hour)
		if _, err := dedupIndex.Prune(ctx, indexCutoff); err != nil {
			logger.Error("Failed to prune dedup index", zap.Error(err))
		}
	}

	syncTrigger := trigger.NewTrigger(dispatcher,
		time.Duration(cfg.Dispatch.DrainInterval)*time.Second, maintain, logger)

	eng := engine.NewEngine(engine.Deps{
		Store:      store,
		Dedup:      dedupSvc,
		Monitor:    monitor,
		Dispatcher: dispatcher,
		Trigger:    syncTrigger,
		Publisher:  publisher,
		Logger:     logger,
		Metrics:    metrics,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		logger.Fatal("Failed to start sync engine", zap.Error(err))
	}

	var apiServer *localapi.Server
	if cfg.LocalAPI.Enabled {
		apiServer = localapi.NewServer(eng, logger)
		if err := apiServer.Start("127.0.0.1", cfg.LocalAPI.Port); err != nil {
			logger.Fatal("Failed to start local API", zap.Error(err))
		}
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if apiServer != nil {
		if err := apiServer.Stop(shutdownCtx); err != nil {
			logger.Error("Failed to stop local API", zap.Error(err))
		}
	}
	if err := eng.Stop(); err != nil {
		logger.Error("Failed to stop sync engine", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}
