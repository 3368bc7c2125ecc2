package main

import (
	"context"
	"errors"
	"os"
	"time"

	"receiptflow/internal/cli"
	applog "receiptflow/internal/log"
	"receiptflow/internal/worker"
)

func main() {
	cli.LoadEnvFile()

	logger := cli.SetupLogger(os.Stdout, os.Getenv("LOG_LEVEL"), applog.ComponentWorker)
	applog.SetDefault(logger)
	logger.Info("Starting receipts-worker")

	cfg := cli.LoadAndValidateConfig(logger)

	repo := cli.InitSQLite(logger, cfg.SQLiteDBPath)
	defer repo.Close()

	writer, err := cli.InitSheets(context.Background(), logger, cfg)
	if err != nil {
		logger.Error("Failed to initialize sheet writer", "error", err)
		os.Exit(1)
	}

	exportWorker := worker.NewExportWorker(repo, writer, worker.Config{
		Interval:  cfg.ExportInterval,
		BatchSize: cfg.ExportBatchSize,
	}, logger)

	amqpClient := cli.InitAMQP(logger, cfg)

	ctx, done := cli.GracefulShutdown(logger, 10*time.Second, func(shutdownCtx context.Context) {
		if err := exportWorker.Stop(shutdownCtx); err != nil {
			logger.Error("Export worker stop failed", "error", err)
		}
		if amqpClient != nil {
			if err := amqpClient.Close(); err != nil {
				logger.Warn("AMQP close failed", "error", err)
			}
		}
	})

	if err := exportWorker.Start(ctx); err != nil {
		logger.Error("Failed to start export worker", "error", err)
		os.Exit(1)
	}

	if amqpClient != nil {
		go func() {
			err := amqpClient.ConsumeReceiptSettled(ctx, exportWorker.HandleSettled)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Message consumption stopped", "error", err)
			}
		}()
	} else {
		logger.Info("AMQP disabled, relying on periodic outbox drain")
	}

	logger.Info("receipts-worker running", "interval", cfg.ExportInterval, "batch_size", cfg.ExportBatchSize)
	cli.WaitForShutdown(ctx, done)
	logger.Info("receipts-worker stopped")
}
