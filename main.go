package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"

	"game-download-coordinator/bot"
	"game-download-coordinator/control"
	"game-download-coordinator/monitoring"
	"game-download-coordinator/orchestrator"
	"game-download-coordinator/pipeline"
	"game-download-coordinator/storage"
	"game-download-coordinator/telemetry"
	"game-download-coordinator/utils"
	"game-download-coordinator/workers"
)

var headless = flag.Bool("headless", false, "Run without the interactive console and progress display")

const version = "1.0.0"

func main() {
	flag.Parse()

	config, err := utils.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := utils.NewLogger(config)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	if !*headless {
		figure.NewFigure("coordinator", "small", true).Print()
		fmt.Println()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    config.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   config.OTLPEndpoint,
	})
	if err != nil {
		logger.Fatalf("Failed to initialize tracing: %v", err)
	}

	db, err := storage.NewDatabase(config.DatabaseDriver, config.DatabaseTarget())
	if err != nil {
		logger.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	taskStore := storage.NewTaskStore(db)
	audit := storage.NewAuditLogger(db, logger)
	journal := storage.NewJournal(taskStore, audit, logger)
	journal.Start()

	backend := workers.NewLocalBackend(config, logger, nil, nil)

	engine := pipeline.NewEngine(pipeline.Options{
		Concurrency:    config.MaxConcurrentDownloads,
		SampleCapacity: config.SpeedSampleCapacity,
		SampleWindow:   config.SpeedSampleWindow,
		Backend:        backend,
		Observers:      []pipeline.Observer{journal},
		Logger:         logger,
		VerboseEvents:  config.VerboseEvents,
	})

	metrics := monitoring.NewTaskMetrics(logger)
	engine.AddObserver(metrics)

	var telegramBot *bot.TelegramBot
	if config.NotificationsEnabled() {
		telegramBot, err = bot.NewTelegramBot(config, logger, engine)
		if err != nil {
			logger.WithError(err).Error("Telegram bot unavailable, continuing without notifications")
		} else {
			engine.AddObserver(telegramBot)
		}
	}

	// Crash recovery runs after every observer is registered so restored
	// tasks reach the journal and metrics like any other transition.
	recoveryService := storage.NewRecoveryService(taskStore, audit, logger, config.HistoryRetention(), config.DownloadDir)
	if _, err := recoveryService.Recover(ctx, engine); err != nil {
		logger.WithError(err).Error("Crash recovery failed, continuing with startup")
	}

	go func() {
		if err := engine.Run(ctx, backend.Events()); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("Event loop stopped with error")
		}
	}()

	healthMonitor := monitoring.NewHealthMonitor(logger, time.Minute)
	healthMonitor.RegisterChecker(&monitoring.DatabaseHealthChecker{Store: taskStore})
	healthMonitor.RegisterChecker(&monitoring.StorageHealthChecker{
		Dirs:         []string{config.DownloadDir, config.InstallDir},
		MinFreeBytes: 1 << 30,
	})
	healthMonitor.RegisterChecker(&monitoring.MemoryHealthChecker{DegradedMB: 512, UnhealthyMB: 1024})
	healthMonitor.Start(ctx)

	maintenance := orchestrator.NewMaintenanceOrchestrator(logger, engine, audit, config.HistoryRetention())
	go func() {
		if err := maintenance.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("Maintenance stopped with error")
		}
	}()

	if telegramBot != nil {
		go func() {
			if err := telegramBot.Start(ctx); err != nil {
				logger.WithError(err).Error("Bot stopped with error")
			}
		}()
	}

	logger.WithField("concurrency", engine.Concurrency()).
		WithField("driver", db.Driver()).
		WithField("notifications", telegramBot != nil).
		Info("Game download coordinator started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	quit := make(chan struct{})
	if !*headless {
		reporter := monitoring.NewConsoleReporter(engine, os.Stdout, time.Second)
		go reporter.Run(ctx)

		console := control.NewConsole(engine, os.Stdout, logger)
		go func() {
			defer close(quit)
			if err := console.Run(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("Console stopped with error")
			}
		}()
	}

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, shutting down gracefully...")
	case <-quit:
		logger.Info("Console closed, shutting down...")
	}

	cancel()

	// Workers stop first so no event races the engine teardown. Tasks they
	// leave in flight are resumed by the next start.
	backend.Close()
	engine.Close()
	journal.Close()

	if telegramBot != nil {
		telegramBot.Stop()
	}

	snap := metrics.Snapshot()
	for _, k := range snap.Kinds {
		logger.WithField("kind", k.Kind).
			WithField("finished", k.Finished).
			WithField("failed", k.Failed).
			WithField("cancelled", k.Cancelled).
			Info("Session summary")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to flush traces")
	}

	logger.Info("Game download coordinator stopped")
}
