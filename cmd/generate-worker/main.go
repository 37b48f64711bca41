package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"ricorrente/internal/amqp"
	"ricorrente/internal/config"
	"ricorrente/internal/services"
	"ricorrente/internal/storage"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting generate-worker")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize SQLite repository", "error", err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	var events services.EventPublisher
	if cfg.AMQPURL != "" {
		amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.NotificationQueue, cfg.ExportQueue)
		if err != nil {
			logger.Warn("AMQP unavailable, continuing without event publishing", "error", err)
		} else {
			defer amqpClient.Close()
			events = amqpClient
		}
	}

	generator := services.NewGenerator(repo, events, cfg.MaxBackfill)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Catch up immediately on boot, then follow the schedule.
	logger.Info("Running initial generation pass")
	if err := generator.GenerateAll(ctx); err != nil {
		logger.Error("Initial generation pass failed", "error", err)
	}

	c := cron.New()
	_, err = c.AddFunc(cfg.GenerateCron, func() {
		if err := generator.GenerateAll(ctx); err != nil {
			logger.Error("Scheduled generation pass failed", "error", err)
		}
	})
	if err != nil {
		logger.Error("Invalid cron expression", "error", err, "cron", cfg.GenerateCron)
		os.Exit(1)
	}
	c.Start()
	logger.Info("Generation schedule active", "cron", cfg.GenerateCron)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down")
	cancel()
	<-c.Stop().Done()
}
