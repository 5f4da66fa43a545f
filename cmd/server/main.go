// Package main provides the API server entry point for the portfolio briefing service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/portfolio-briefing/internal/adapter"
	"github.com/portfolio-briefing/internal/api"
	"github.com/portfolio-briefing/internal/config"
	"github.com/portfolio-briefing/internal/logging"
	"github.com/portfolio-briefing/internal/ratelimit"
	"github.com/portfolio-briefing/internal/report"
	"github.com/portfolio-briefing/internal/service"
	"github.com/portfolio-briefing/internal/storage"
)

func main() {
	fmt.Println("Portfolio Briefing API Server")
	log.Println("Server starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx := context.Background()

	// Initialize database connections
	logger.Info("Connecting to databases...")

	postgres, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	var cache *storage.RedisCache
	if cfg.NeedsRedis() {
		cache, err = storage.NewRedisCache(ctx, &cfg.Database.Redis)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer cache.Close()
	}

	// Change history lives in ClickHouse; without it the history endpoint
	// answers 503 and runs skip the append
	var (
		historyRecorder service.HistoryRecorder
		historyReader   service.HistoryReader
	)
	if cfg.Database.ClickHouse.Enabled {
		clickhouse, err := storage.NewClickHouseDB(ctx, &cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to ClickHouse")
		}
		defer clickhouse.Close()

		historyRepo := storage.NewChangeHistoryRepository(clickhouse)
		historyRecorder = historyRepo
		historyReader = historyRepo
	}

	logger.Info("Database connections established")

	store, err := storage.OpenSnapshotStore(ctx, cfg.Store, postgres, cache)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open snapshot store")
	}
	ownerRepo := storage.NewOwnerRepository(postgres.Pool())

	// Initialize services
	logger.Info("Initializing services...")

	reportOptions := report.Options{MaxModified: cfg.Report.MaxModified, TopHoldings: cfg.Report.TopHoldings}
	var consumers []service.ReportConsumer
	if cfg.Report.OutputDir != "" {
		consumers = append(consumers, report.NewDirConsumer(cfg.Report.OutputDir, reportOptions))
	}

	holdings := newHoldingsClient(cfg, cache)
	briefingService := service.NewBriefingService(
		holdings,
		store,
		ownerRepo,
		historyRecorder,
		consumers,
		service.BriefingConfig{
			Concurrency:   cfg.Briefing.Concurrency,
			RetentionDays: cfg.Store.RetentionDays,
		},
	)
	queryService := service.NewQueryService(store, historyReader)

	logger.Info("Services initialized")

	serverConfig := &api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		ReportOptions:     reportOptions,
	}

	server := api.NewServer(serverConfig, queryService, briefingService, ownerRepo)
	server.SetProviderStatus(holdings)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}

// newHoldingsClient builds the provider client, drawing from the shared
// Redis call budget when it is enabled
func newHoldingsClient(cfg *config.Config, cache *storage.RedisCache) *adapter.HoldingsClient {
	client := adapter.NewHoldingsClient(cfg.Source)
	if !cfg.Source.Budget.Enabled || cache == nil {
		return client
	}

	budget, err := ratelimit.NewProviderBudget(&ratelimit.BudgetConfig{
		Redis:          cache.Client(),
		TotalBudget:    cfg.Source.Budget.CallsPerSecond,
		ReservedBudget: cfg.Source.Budget.Reserved,
	})
	if err != nil {
		logging.GetGlobalLogger().WithError(err).Fatal("Invalid provider budget")
	}
	client.SetBudget(budget, ratelimit.PriorityInteractive)
	return client
}
