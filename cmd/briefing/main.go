// Package main provides the daily portfolio briefing worker.
// It snapshots every active owner's holdings at 00:00 UTC, compares them
// with the previous day and delivers the change report.
//
// Usage:
//
//	briefing                      run on the daily schedule
//	briefing run [-owner id] [-date YYYY-MM-DD] [-width n]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/portfolio-briefing/internal/adapter"
	"github.com/portfolio-briefing/internal/config"
	apperrors "github.com/portfolio-briefing/internal/errors"
	"github.com/portfolio-briefing/internal/logging"
	"github.com/portfolio-briefing/internal/models"
	"github.com/portfolio-briefing/internal/ratelimit"
	"github.com/portfolio-briefing/internal/report"
	"github.com/portfolio-briefing/internal/service"
	"github.com/portfolio-briefing/internal/storage"
)

func main() {
	fmt.Println("Portfolio Briefing Worker")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	store, err := storage.OpenSnapshotStore(ctx, cfg.Store, postgres, cache)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open snapshot store")
	}

	var history service.HistoryRecorder
	if cfg.Database.ClickHouse.Enabled {
		clickhouse, err := storage.NewClickHouseDB(ctx, &cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to ClickHouse")
		}
		defer clickhouse.Close()
		history = storage.NewChangeHistoryRepository(clickhouse)
	}

	logger.WithFields(map[string]interface{}{
		"store":   cfg.Store.Backend,
		"cache":   cache != nil,
		"history": history != nil,
	}).Info("Storage initialized")

	reportOptions := report.Options{MaxModified: cfg.Report.MaxModified, TopHoldings: cfg.Report.TopHoldings}
	var consumers []service.ReportConsumer
	if cfg.Report.OutputDir != "" {
		consumers = append(consumers, report.NewDirConsumer(cfg.Report.OutputDir, reportOptions))
	}

	owners := storage.NewOwnerRepository(postgres.Pool())
	briefingConfig := service.BriefingConfig{
		Concurrency:   cfg.Briefing.Concurrency,
		RetentionDays: cfg.Store.RetentionDays,
		RunOnStart:    cfg.Briefing.RunOnStart,
	}

	if len(os.Args) > 1 && os.Args[1] == "run" {
		briefing := service.NewBriefingService(newHoldingsClient(cfg, cache), store, owners, history, consumers, briefingConfig)
		if err := runOnce(ctx, briefing, owners, reportOptions, os.Args[2:]); err != nil {
			if apperrors.IsUserError(err) {
				fmt.Fprintf(os.Stderr, "briefing run: %v\n", err)
				os.Exit(2)
			}
			logger.WithError(err).Fatal("Briefing run failed")
		}
		return
	}

	if len(consumers) == 0 {
		consumers = append(consumers, report.NewWriterConsumer(os.Stdout, reportOptions))
	}
	briefing := service.NewBriefingService(newHoldingsClient(cfg, cache), store, owners, history, consumers, briefingConfig)

	logger.Info("Starting briefing scheduler...")
	if err := briefing.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start scheduler")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down briefing worker...")
	if briefing.IsRunning() {
		if err := briefing.Stop(); err != nil {
			logger.WithError(err).Error("Scheduler did not stop cleanly")
		}
	}
	logger.Info("Worker stopped")
}

// runOnce runs a single briefing, for one owner when -owner is given and for
// every active owner otherwise
func runOnce(ctx context.Context, briefing *service.BriefingService, owners *storage.OwnerRepository, opts report.Options, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	ownerID := fs.String("owner", "", "Brief a single owner and print the report")
	dateFlag := fs.String("date", "", "Snapshot date (YYYY-MM-DD); holdings are live, so only today UTC is accepted")
	width := fs.Int("width", 100, "Terminal word wrap width")
	if err := fs.Parse(args); err != nil {
		return err
	}

	date := briefing.Today()
	if *dateFlag != "" {
		parsed, err := models.ParseDateKey(*dateFlag)
		if err != nil {
			return apperrors.NewInvalidParameterError("date", "must be a date in YYYY-MM-DD format")
		}
		date = parsed
	}

	logger := logging.GetGlobalLogger().WithField("date", models.DateKey(date))

	if *ownerID == "" {
		logger.Info("Running briefing for all active owners...")
		result, err := briefing.ProcessAll(ctx, date)
		if err != nil {
			return err
		}
		logger.WithFields(map[string]interface{}{
			"owners":      result.OwnerCount,
			"successful":  result.Successful,
			"failed":      result.Failed,
			"duration_ms": result.Duration.Milliseconds(),
		}).Info("Briefing complete")
		return nil
	}

	owner, err := owners.GetByID(ctx, *ownerID)
	if err != nil {
		return err
	}
	if owner == nil {
		return apperrors.NewNotFoundError("owner", *ownerID)
	}

	start := time.Now()
	result, err := briefing.ProcessOwner(ctx, owner, date)
	if err != nil {
		return err
	}

	out, err := report.RenderTerminal(result.Snapshot, result.Report, opts, *width)
	if err != nil {
		return err
	}
	fmt.Print(out)

	logger.WithOwner(owner.ID).WithFields(map[string]interface{}{
		"status":      result.Status,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Briefing complete")
	return nil
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
	client.SetBudget(budget, ratelimit.PriorityScheduled)
	return client
}
