/**
 * Generals Extraction Worker - Main Entry Point
 *
 * Turns screenshots of the general detail screen into versioned General
 * Records.
 *
 * Architecture:
 * - Redis list consumer and Asynq task consumer sharing one job handler
 * - Per-region pipeline: crop, enhance, recognize, parse, validate, assemble
 * - Tesseract recognition with an optional Gemini vision tier for low confidence reads
 * - PostgreSQL for record versions and batch runs, Qdrant for capture fingerprints
 * - S3 archive of captures that need review, optional Google Sheets sync
 * - HTTP API for review, corrections, health and metrics
 *
 * Signals:
 * - SIGINT/SIGTERM: graceful shutdown, in-flight jobs finish first
 * - SIGHUP: reload the reference data file
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adverant/nexus/generals-worker/internal/api"
	"github.com/adverant/nexus/generals-worker/internal/config"
	"github.com/adverant/nexus/generals-worker/internal/logging"
	"github.com/adverant/nexus/generals-worker/internal/pipeline"
	"github.com/adverant/nexus/generals-worker/internal/processor"
	"github.com/adverant/nexus/generals-worker/internal/queue"
	"github.com/adverant/nexus/generals-worker/internal/sheets"
	"github.com/adverant/nexus/generals-worker/internal/storage"
	"github.com/joho/godotenv"
)

const shutdownTimeout = 30 * time.Second

var errDatabaseURL = fmt.Errorf("DATABASE_URL is required")

func main() {
	logger := logging.NewLogger("Worker")
	defer logging.Sync()

	if err := godotenv.Load(); err != nil {
		logger.Warn(".env not found, using system environment variables")
	}

	if err := run(logger); err != nil {
		logger.Error("Worker failed", "error", err)
		logging.Sync()
		os.Exit(1)
	}
}

func run(logger *logging.Logger) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger.Info("Generals worker starting",
		"environment", cfg.Environment,
		"workers", cfg.WorkerConcurrency,
		"languages", cfg.Languages(),
		"qdrant", cfg.QdrantURL != "",
		"archive", cfg.S3Bucket != "",
		"sheets", cfg.SheetsSpreadsheetID != "",
	)

	ctx := context.Background()

	// Pipeline: catalog, reference data, recognition tiers, orchestrator
	pipe, err := pipeline.Build(ctx, cfg, logger.Named("pipeline"))
	if err != nil {
		return err
	}
	defer pipe.Close()

	// Storage
	stores, err := connectStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Warn("Error closing storage", "error", err)
		}
	}()

	sinks := []processor.ResultSink{stores}
	if cfg.SheetsSpreadsheetID != "" {
		sink, err := sheets.NewSink(ctx, sheets.Config{
			SpreadsheetID:   cfg.SheetsSpreadsheetID,
			Range:           cfg.SheetsRange,
			CredentialsFile: cfg.SheetsCredentialsFile,
			Logger:          logger.Named("sheets"),
		})
		if err != nil {
			return err
		}
		sinks = append(sinks, sink)
		logger.Info("Sheet sync enabled", "range", cfg.SheetsRange)
	}

	handler, err := queue.NewHandler(queue.HandlerConfig{
		Runner:  pipe.Orchestrator,
		Catalog: pipe.Catalog,
		Sinks:   sinks,
		Seen:    stores,
		Logger:  logger.Named("jobs"),
	})
	if err != nil {
		return err
	}

	// Queue consumers
	redisConsumer, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
		RedisURL:      cfg.RedisURL,
		QueueName:     cfg.CaptureQueue,
		ResultChannel: cfg.ResultChannel,
		Handler:       handler,
	})
	if err != nil {
		return err
	}
	if err := redisConsumer.Start(); err != nil {
		return err
	}

	taskConsumer, err := queue.NewConsumer(&queue.ConsumerConfig{
		RedisURL:    cfg.RedisURL,
		QueueName:   cfg.CaptureQueue,
		Concurrency: cfg.AsynqConcurrency,
		Handler:     handler,
	})
	if err != nil {
		return err
	}
	if err := taskConsumer.Start(ctx); err != nil {
		return err
	}

	// HTTP API
	server := api.NewServer(api.Config{
		Addr:           cfg.HTTPAddr,
		AllowedOrigins: cfg.AllowedOrigins(),
		Store:          stores,
		Corrector:      pipe.Extractor.Assembler(),
		Queue:          redisConsumer,
		Logger:         logger.Named("api"),
	})
	server.Start()

	logger.Info("Generals worker is ready",
		"queue", cfg.CaptureQueue,
		"results", cfg.ResultChannel,
		"http", cfg.HTTPAddr,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			if err := pipe.ReloadReferences(); err != nil {
				logger.Warn("Reference reload failed, keeping current data", "error", err)
			}
			continue
		}
		logger.Info("Received signal, initiating graceful shutdown", "signal", sig.String())
		break
	}
	signal.Stop(sigChan)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Error stopping HTTP API", "error", err)
	}
	if err := taskConsumer.Stop(shutdownCtx); err != nil {
		logger.Warn("Error stopping task consumer", "error", err)
	}
	if err := redisConsumer.Stop(); err != nil {
		logger.Warn("Error stopping Redis consumer", "error", err)
	}

	logger.Info("Shutdown complete")
	return nil
}

// connectStorage migrates the schema and connects the record store and the
// optional fingerprint index and review archive.
func connectStorage(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*storage.StorageManager, error) {
	if cfg.DatabaseURL == "" {
		return nil, errDatabaseURL
	}
	if err := storage.Migrate(cfg.DatabaseURL, logger.Named("migrate")); err != nil {
		return nil, err
	}

	records, err := storage.NewPostgresClient(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	mcfg := storage.ManagerConfig{
		Records:       records,
		SeenThreshold: cfg.DuplicateHashBits,
		Logger:        logger.Named("storage"),
	}

	if cfg.QdrantURL != "" {
		index, err := storage.NewQdrantClient(cfg.QdrantURL, cfg.QdrantCollection)
		if err != nil {
			records.Close()
			return nil, err
		}
		mcfg.Fingerprints = index
	}

	if cfg.S3Bucket != "" {
		archive, err := storage.NewCaptureArchive(ctx, storage.ArchiveConfig{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,

			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			records.Close()
			if mcfg.Fingerprints != nil {
				mcfg.Fingerprints.Close()
			}
			return nil, err
		}
		mcfg.Archive = archive
	}

	return storage.NewStorageManager(mcfg)
}
