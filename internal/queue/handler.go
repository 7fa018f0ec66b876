package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/adverant/nexus/generals-worker/internal/capture"
	"github.com/adverant/nexus/generals-worker/internal/catalog"
	"github.com/adverant/nexus/generals-worker/internal/errors"
	"github.com/adverant/nexus/generals-worker/internal/logging"
	"github.com/adverant/nexus/generals-worker/internal/processor"
)

// DefaultJobTimeout bounds a whole job when none is configured.
const DefaultJobTimeout = 5 * time.Minute

// SeenFilter drops captures that earlier batches already processed.
type SeenFilter interface {
	FilterSeen(ctx context.Context, captures []capture.Capture) (fresh []capture.Capture, seen []string, err error)
}

// DeliveryError reports sinks that failed after the batch was extracted. The
// other sinks already hold the results, so the job is not run again.
type DeliveryError struct {
	JobID string
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("job %s: result delivery failed: %v", e.JobID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsDeliveryError reports whether err came from result delivery.
func IsDeliveryError(err error) bool {
	var d *DeliveryError
	return errors.As(err, &d)
}

// retryable reports whether running the job again can succeed.
func retryable(err error) bool {
	return !errors.HasCode(err, errors.ErrorInvalidCapture) &&
		!errors.IsConfiguration(err) &&
		!IsDeliveryError(err)
}

// HandlerConfig wires a Handler.
type HandlerConfig struct {
	Runner  processor.BatchRunner
	Catalog *catalog.Catalog
	Sinks   []processor.ResultSink
	Seen    SeenFilter
	Timeout time.Duration
	Logger  *logging.Logger
}

// Handler runs one job end to end. Both queue consumers share it.
type Handler struct {
	runner  processor.BatchRunner
	catalog *catalog.Catalog
	sinks   []processor.ResultSink
	seen    SeenFilter
	timeout time.Duration
	logger  *logging.Logger
}

// NewHandler creates a handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("Runner is required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("Catalog is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultJobTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("Jobs")
	}
	return &Handler{
		runner:  cfg.Runner,
		catalog: cfg.Catalog,
		sinks:   cfg.Sinks,
		seen:    cfg.Seen,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}, nil
}

// Handle decodes, extracts and delivers a job. A job with no decodable
// capture fails with INVALID_CAPTURE. Sink failures are returned as one
// DeliveryError after every sink has had its turn.
func (h *Handler) Handle(ctx context.Context, job *BatchJob) (*processor.BatchResult, error) {
	log := h.logger.With("job", job.JobID)

	captures, rejected := job.Decode(h.catalog)
	if len(captures) == 0 {
		reason := "job carries no captures"
		if len(rejected) > 0 {
			reason = rejected[0].Reason
		}
		return nil, errors.NewInvalidCaptureError(job.JobID, reason, nil)
	}

	var seen []string
	if h.seen != nil {
		fresh, already, err := h.seen.FilterSeen(ctx, captures)
		if err != nil {
			log.Warn("Seen filter unavailable, processing every capture", "error", err)
		} else {
			captures, seen = fresh, already
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	log.Info("Processing job", "captures", len(captures), "rejected", len(rejected), "seen", len(seen))

	batch, err := h.runner.Run(runCtx, captures)
	if batch == nil {
		if err == nil {
			err = fmt.Errorf("runner returned no result")
		}
		return nil, err
	}
	for _, f := range rejected {
		batch.Reject(f)
	}
	batch.Skip(seen...)

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return batch, fmt.Errorf("job timed out after %v: %w", h.timeout, err)
		}
		return batch, err
	}

	var sinkErrs []error
	for _, sink := range h.sinks {
		if err := sink.Deliver(ctx, batch, captures); err != nil {
			log.Error("Result delivery failed", "error", err, "code", errors.CodeOf(err))
			sinkErrs = append(sinkErrs, err)
		}
	}

	log.Info("Job completed",
		"batch", batch.BatchID,
		"assembled", batch.Stats.Assembled,
		"failed", batch.Stats.Failed,
		"review_needed", batch.Stats.ReviewNeeded,
		"duration", time.Since(start))

	if len(sinkErrs) > 0 {
		return batch, &DeliveryError{JobID: job.JobID, Err: errors.Join(sinkErrs...)}
	}
	return batch, nil
}
