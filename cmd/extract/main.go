/**
 * Generals Extraction CLI
 *
 * run:     extract a directory of screenshots locally and print the batch result
 * enqueue: submit a directory of screenshots to the worker's task queue
 */

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/adverant/nexus/generals-worker/internal/capture"
	"github.com/adverant/nexus/generals-worker/internal/catalog"
	"github.com/adverant/nexus/generals-worker/internal/config"
	"github.com/adverant/nexus/generals-worker/internal/logging"
	"github.com/adverant/nexus/generals-worker/internal/pipeline"
	"github.com/adverant/nexus/generals-worker/internal/queue"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	_ = godotenv.Load()
	defer logging.Sync()

	app := &cli.App{
		Name:  "extract",
		Usage: "read general detail screenshots into records",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "extract a directory of screenshots and print the batch result as JSON",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "dir", Aliases: []string{"d"}, Usage: "screenshot directory", Required: true},
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "write JSON here instead of stdout"},
					&cli.BoolFlag{Name: "keep-duplicates", Usage: "do not drop consecutive duplicate screenshots"},
				},
				Action: runLocal,
			},
			{
				Name:  "enqueue",
				Usage: "submit a directory of screenshots to the worker",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "dir", Aliases: []string{"d"}, Usage: "screenshot directory", Required: true},
					&cli.StringFlag{Name: "source", Usage: "source label stored with the batch (default: the directory)"},
					&cli.StringFlag{Name: "queue", Usage: "task queue (default: CAPTURE_QUEUE)"},
					&cli.DurationFlag{Name: "timeout", Value: 10 * time.Minute, Usage: "task deadline"},
				},
				Action: enqueue,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "extract:", err)
		logging.Sync()
		os.Exit(1)
	}
}

func runLocal(c *cli.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if c.Bool("keep-duplicates") {
		cfg.DuplicateHashBits = 0
	}
	logger := logging.NewLogger("Extract")

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipe, err := pipeline.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pipe.Close()

	captures, err := capture.LoadDir(c.String("dir"), pipe.Catalog)
	if err != nil {
		return err
	}
	if len(captures) == 0 {
		return fmt.Errorf("no screenshots found in %s", c.String("dir"))
	}

	batch, err := pipe.Orchestrator.Run(ctx, captures)
	if err != nil && batch == nil {
		return err
	}
	if err != nil {
		logger.Warn("Batch interrupted, printing partial result", "error", err)
	}

	var out io.Writer = os.Stdout
	if path := c.String("output"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(batch); err != nil {
		return fmt.Errorf("failed to write batch result: %w", err)
	}

	logger.Info("Batch complete",
		"batch", batch.BatchID,
		"assembled", batch.Stats.Assembled,
		"failed", batch.Stats.Failed,
		"review", batch.Stats.ReviewNeeded,
		"skipped", batch.Stats.Skipped,
	)
	return err
}

func enqueue(c *cli.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := logging.NewLogger("Enqueue")

	cat := catalog.Default()
	if cfg.RegionCatalogPath != "" {
		if cat, err = catalog.Load(cfg.RegionCatalogPath); err != nil {
			return err
		}
	}

	dir := c.String("dir")
	captures, err := capture.LoadDir(dir, cat)
	if err != nil {
		return err
	}
	if len(captures) == 0 {
		return fmt.Errorf("no screenshots found in %s", dir)
	}

	source := c.String("source")
	if source == "" {
		if abs, err := filepath.Abs(dir); err == nil {
			source = abs
		} else {
			source = dir
		}
	}
	job, err := queue.NewBatchJob(source, captures)
	if err != nil {
		return err
	}

	queueName := c.String("queue")
	if queueName == "" {
		queueName = cfg.CaptureQueue
	}
	task, err := queue.NewExtractBatchTask(job, queueName, c.Duration("timeout"))
	if err != nil {
		return err
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := asynq.NewClient(redisOpt)
	defer client.Close()

	info, err := client.EnqueueContext(c.Context, task)
	if err != nil {
		return fmt.Errorf("failed to enqueue batch: %w", err)
	}
	logger.Info("Batch enqueued", "job", job.JobID, "task", info.ID, "queue", info.Queue, "captures", len(job.Captures))
	fmt.Println(job.JobID)
	return nil
}
