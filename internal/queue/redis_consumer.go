/**
 * Direct Redis Queue Consumer for the generals extraction worker
 *
 * Producers push a job id onto a Redis LIST and store the job under
 * <queue>:data. Workers BRPOP ids, run the batch through the shared Handler,
 * track status in <queue>:processing|completed|failed sets, and publish a
 * batch summary on the result channel.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/adverant/nexus/generals-worker/internal/errors"
	"github.com/adverant/nexus/generals-worker/internal/logging"
	"github.com/adverant/nexus/generals-worker/internal/processor"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultQueueName   = "generals:captures"
	defaultPollTimeout = 5 * time.Second
	defaultMaxRetries  = 3
	bookkeepingTimeout = 5 * time.Second
)

var errNoJobs = errors.New("no jobs available")

// RedisJobData is the envelope stored in <queue>:data.
type RedisJobData struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Payload    BatchJob  `json:"payload"`
	CreatedAt  time.Time `json:"createdAt"`
	Attempts   int       `json:"attempts"`
	MaxRetries int       `json:"maxRetries"`
}

// RecordSummary is the slice of a record published with a job summary.
type RecordSummary struct {
	Key          string  `json:"key"`
	CaptureID    string  `json:"captureId"`
	Confidence   float64 `json:"confidence"`
	ReviewNeeded bool    `json:"reviewNeeded"`
}

// JobSummary is published on the result channel when a job completes.
type JobSummary struct {
	JobID      string                `json:"jobId"`
	BatchID    string                `json:"batchId"`
	Stats      processor.Stats       `json:"stats"`
	Records    []RecordSummary       `json:"records"`
	Failures   []processor.Failure   `json:"failures,omitempty"`
	Collisions []processor.Collision `json:"collisions,omitempty"`
}

func summarize(jobID string, batch *processor.BatchResult) JobSummary {
	s := JobSummary{
		JobID:      jobID,
		BatchID:    batch.BatchID,
		Stats:      batch.Stats,
		Failures:   batch.Failures,
		Collisions: batch.Collisions,
	}
	for _, rec := range batch.Records() {
		s.Records = append(s.Records, RecordSummary{
			Key:          rec.Key,
			CaptureID:    rec.CaptureID,
			Confidence:   rec.Confidence,
			ReviewNeeded: rec.ReviewNeeded,
		})
	}
	return s
}

// RedisConsumer handles job consumption from a Redis list
type RedisConsumer struct {
	client *redis.Client
	config *RedisConsumerConfig
	logger *logging.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL      string
	QueueName     string
	ResultChannel string
	// Concurrency is the number of jobs handled at once. Each job already
	// fans out over the orchestrator's pool, so keep this small.
	Concurrency int
	PollTimeout time.Duration
	Handler     *Handler
}

// NewRedisConsumer connects to Redis and creates a consumer.
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("Handler is required")
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newRedisConsumer(client, cfg), nil
}

func newRedisConsumer(client *redis.Client, cfg *RedisConsumerConfig) *RedisConsumer {
	if cfg.QueueName == "" {
		cfg.QueueName = defaultQueueName
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisConsumer{
		client: client,
		config: cfg,
		logger: logging.NewLogger("RedisConsumer").With("queue", cfg.QueueName),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *RedisConsumer) key(suffix string) string {
	return fmt.Sprintf("%s:%s", c.config.QueueName, suffix)
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Info("Starting Redis queue consumer", "concurrency", c.config.Concurrency)
	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}
	return nil
}

// Stop waits for in-flight jobs and closes the client.
func (c *RedisConsumer) Stop() error {
	c.logger.Info("Stopping Redis queue consumer")
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	c.logger.Debug("Worker started", "worker", id)

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Debug("Worker stopping", "worker", id)
			return
		default:
		}

		if err := c.processNextJob(c.ctx); err != nil {
			if errors.Is(err, errNoJobs) || c.ctx.Err() != nil {
				continue
			}
			c.logger.Error("Worker error", "worker", id, "error", err)
			time.Sleep(time.Second)
		}
	}
}

// Submit stores job and pushes it onto the queue.
func (c *RedisConsumer) Submit(ctx context.Context, job BatchJob) (string, error) {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	envelope := RedisJobData{
		ID:         job.JobID,
		Type:       TaskExtractBatch,
		Payload:    job,
		CreatedAt:  now,
		MaxRetries: defaultMaxRetries,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := c.client.HSet(ctx, c.key("data"), envelope.ID, string(data)).Err(); err != nil {
		return "", fmt.Errorf("failed to store job: %w", err)
	}
	if err := c.client.LPush(ctx, c.config.QueueName, envelope.ID).Err(); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return envelope.ID, nil
}

// processNextJob fetches and processes the next job from the queue. Once an id
// is popped everything runs detached from shutdown, so Stop never strands a
// job between the list and the status sets.
func (c *RedisConsumer) processNextJob(ctx context.Context) error {
	result, err := c.client.BRPop(ctx, c.config.PollTimeout, c.config.QueueName).Result()
	if err != nil {
		if err == redis.Nil {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}
	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}
	jobID := result[1]
	ctx = context.WithoutCancel(ctx)

	bctx, cancel := bookkeeping(ctx)
	raw, err := c.client.HGet(bctx, c.key("data"), jobID).Result()
	cancel()
	if err != nil {
		return fmt.Errorf("failed to get job data: %w", err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		c.updateJobStatus(ctx, jobID, "failed", map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = jobID
	}

	log := c.logger.With("job", jobID)
	c.updateJobStatus(ctx, jobID, "processing", nil)

	// The handler's own timeout bounds the job.
	batch, err := c.config.Handler.Handle(ctx, &job.Payload)
	if err != nil {
		job.Attempts++
		if retryable(err) && job.Attempts < job.MaxRetries {
			if rqErr := c.requeue(ctx, job); rqErr != nil {
				log.Error("Failed to re-queue job", "attempt", job.Attempts, "error", rqErr)
				c.updateJobStatus(ctx, jobID, "failed", map[string]interface{}{
					"error":    fmt.Sprintf("%v; re-queue failed: %v", err, rqErr),
					"code":     errors.CodeOf(err),
					"attempts": job.Attempts,
				})
				return fmt.Errorf("failed to re-queue job %s: %w", jobID, rqErr)
			}
			log.Warn("Job re-queued for retry", "attempt", job.Attempts, "max_retries", job.MaxRetries, "error", err)
			return nil
		}
		log.Error("Job failed", "attempts", job.Attempts, "error", err)
		failure := map[string]interface{}{
			"error":    err.Error(),
			"code":     errors.CodeOf(err),
			"attempts": job.Attempts,
		}
		if batch != nil && IsDeliveryError(err) {
			failure["summary"] = summarize(jobID, batch)
		}
		c.updateJobStatus(ctx, jobID, "failed", failure)
		return nil
	}

	summary := summarize(jobID, batch)
	c.updateJobStatus(ctx, jobID, "completed", summary)
	if c.config.ResultChannel != "" {
		data, _ := json.Marshal(summary)
		pctx, cancel := bookkeeping(ctx)
		err := c.client.Publish(pctx, c.config.ResultChannel, string(data)).Err()
		cancel()
		if err != nil {
			log.Warn("Failed to publish job summary", "error", err)
		}
	}
	log.Info("Job completed", "assembled", batch.Stats.Assembled, "failed", batch.Stats.Failed)
	return nil
}

// requeue stores the bumped attempt count and pushes the id back.
func (c *RedisConsumer) requeue(ctx context.Context, job RedisJobData) error {
	updated, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	bctx, cancel := bookkeeping(ctx)
	defer cancel()
	if err := c.client.HSet(bctx, c.key("data"), job.ID, string(updated)).Err(); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	if err := c.client.LPush(bctx, c.config.QueueName, job.ID).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// bookkeeping bounds a status write independently of shutdown.
func bookkeeping(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}

// updateJobStatus moves jobID between the status sets and publishes an event.
func (c *RedisConsumer) updateJobStatus(ctx context.Context, jobID, status string, result interface{}) {
	ctx, cancel := bookkeeping(ctx)
	defer cancel()

	var errs []error
	switch status {
	case "processing":
		errs = append(errs, c.client.SAdd(ctx, c.key("processing"), jobID).Err())
	case "completed":
		errs = append(errs,
			c.client.SRem(ctx, c.key("processing"), jobID).Err(),
			c.client.SAdd(ctx, c.key("completed"), jobID).Err())
		if result != nil {
			data, _ := json.Marshal(result)
			errs = append(errs, c.client.HSet(ctx, c.key("results"), jobID, string(data)).Err())
		}
	case "failed":
		errs = append(errs,
			c.client.SRem(ctx, c.key("processing"), jobID).Err(),
			c.client.SAdd(ctx, c.key("failed"), jobID).Err())
		if result != nil {
			data, _ := json.Marshal(result)
			errs = append(errs, c.client.HSet(ctx, c.key("errors"), jobID, string(data)).Err())
		}
	}

	event, _ := json.Marshal(map[string]interface{}{
		"event":     "job:" + status,
		"jobId":     jobID,
		"timestamp": time.Now().Format(time.RFC3339),
	})
	errs = append(errs, c.client.Publish(ctx, c.key("events"), string(event)).Err())

	if err := errors.Join(errs...); err != nil {
		c.logger.Warn("Failed to record job status", "job", jobID, "status", status, "error", err)
	}
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	waiting, err := c.client.LLen(ctx, c.config.QueueName).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue length: %w", err)
	}
	stats := map[string]int64{"waiting": waiting}
	for _, set := range []string{"processing", "completed", "failed"} {
		n, err := c.client.SCard(ctx, c.key(set)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s set: %w", set, err)
		}
		stats[set] = n
	}
	return stats, nil
}
