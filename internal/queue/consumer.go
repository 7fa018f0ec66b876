/**
 * Task Queue Consumer for the generals extraction worker
 *
 * Consumes extract-batch tasks through Asynq and hands them to the shared
 * job Handler. Malformed payloads, batches without a single decodable
 * capture and failed result deliveries are not retried.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adverant/nexus/generals-worker/internal/logging"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// TaskExtractBatch is the Asynq task type for a batch of screenshots.
const TaskExtractBatch = "generals:extract-batch"

// NewExtractBatchTask builds a task for job.
func NewExtractBatchTask(job *BatchJob, queue string, timeout time.Duration) (*asynq.Task, error) {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	opts := []asynq.Option{asynq.MaxRetry(3), asynq.TaskID(job.JobID)}
	if queue != "" {
		opts = append(opts, asynq.Queue(queue))
	}
	if timeout > 0 {
		opts = append(opts, asynq.Timeout(timeout))
	}
	return asynq.NewTask(TaskExtractBatch, payload, opts...), nil
}

// Consumer handles task consumption through Asynq
type Consumer struct {
	client  *asynq.Client
	server  *asynq.Server
	mux     *asynq.ServeMux
	handler *Handler
	config  *ConsumerConfig
	logger  *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL    string
	QueueName   string
	Concurrency int
	Handler     *Handler
}

// NewConsumer creates a new task queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("Handler is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := logging.NewLogger("TaskConsumer")
	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			// Exponential backoff: 5s, 10s, 20s, capped at a minute
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				delay := time.Duration(5*(1<<uint(n))) * time.Second
				if delay > 60*time.Second {
					delay = 60 * time.Second
				}
				return delay
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task processing error", "type", task.Type(), "error", err)
			}),
		},
	)

	c := &Consumer{
		client:  asynq.NewClient(redisOpt),
		server:  server,
		mux:     asynq.NewServeMux(),
		handler: cfg.Handler,
		config:  cfg,
		logger:  logger,
	}
	c.mux.HandleFunc(TaskExtractBatch, c.handleExtractBatch)
	return c, nil
}

// Start runs the Asynq server in the background.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting task consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)
	go func() {
		if err := c.server.Run(c.mux); err != nil {
			c.logger.Error("Task consumer stopped with error", "error", err)
		}
	}()
	return nil
}

// Stop stops the consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping task consumer")
	c.server.Shutdown()
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}
	return nil
}

func (c *Consumer) handleExtractBatch(ctx context.Context, task *asynq.Task) error {
	return handleTask(ctx, c.handler, c.logger, task)
}

// handleTask decodes and runs one task. Split from the Consumer so it can be
// exercised without a Redis server.
func handleTask(ctx context.Context, h *Handler, logger *logging.Logger, task *asynq.Task) error {
	var job BatchJob
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return fmt.Errorf("failed to unmarshal job: %v: %w", err, asynq.SkipRetry)
	}

	batch, err := h.Handle(ctx, &job)
	if err != nil {
		if !retryable(err) {
			return fmt.Errorf("job %s cannot succeed: %v: %w", job.JobID, err, asynq.SkipRetry)
		}
		return fmt.Errorf("job %s failed: %w", job.JobID, err)
	}

	logger.Info("Task completed", "job", job.JobID, "batch", batch.BatchID, "assembled", batch.Stats.Assembled)
	return nil
}
