/**
 * Batch Orchestrator for the generals extraction worker
 *
 * Runs a capture sequence through the extractor on a bounded worker pool:
 * - each item gets its own deadline and runs independently
 * - a failing, hanging or panicking item becomes a Failure; the batch continues
 * - an unavailable recognition backend or missing reference data aborts the batch
 * - outcomes keep input order regardless of completion order
 */

package processor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/adverant/nexus/generals-worker/internal/capture"
	"github.com/adverant/nexus/generals-worker/internal/errors"
	"github.com/adverant/nexus/generals-worker/internal/logging"
	"github.com/adverant/nexus/generals-worker/internal/record"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultConcurrency is the worker pool size when none is configured.
	DefaultConcurrency = 4
	// MaxConcurrency caps the pool; recognition engines oversubscribe badly.
	MaxConcurrency = 16
	// DefaultItemTimeout bounds one capture end to end.
	DefaultItemTimeout = 30 * time.Second
)

// Options tunes an Orchestrator.
type Options struct {
	Concurrency int
	ItemTimeout time.Duration
	// DropDuplicates skips captures whose fingerprint is within
	// DuplicateThreshold bits of the capture before them.
	DropDuplicates     bool
	DuplicateThreshold int
	Logger             *logging.Logger
}

// Orchestrator runs batches. It is safe for concurrent use.
type Orchestrator struct {
	extractor *Extractor
	opts      Options
	logger    *logging.Logger
	metrics   *pipelineMetrics
	now       func() time.Time
}

// NewOrchestrator creates an orchestrator around x.
func NewOrchestrator(x *Extractor, opts Options) *Orchestrator {
	if opts.Concurrency < 1 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Concurrency > MaxConcurrency {
		opts.Concurrency = MaxConcurrency
	}
	if opts.ItemTimeout <= 0 {
		opts.ItemTimeout = DefaultItemTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger("Orchestrator")
	}
	return &Orchestrator{
		extractor: x,
		opts:      opts,
		logger:    opts.Logger,
		metrics:   newPipelineMetrics(),
		now:       time.Now,
	}
}

// Extractor exposes the underlying extractor.
func (o *Orchestrator) Extractor() *Extractor { return o.extractor }

// Run processes captures and returns one outcome per processed capture.
// A nil result with an error means the batch could not run at all. When ctx
// is cancelled the partial result is returned together with ctx.Err().
func (o *Orchestrator) Run(ctx context.Context, captures []capture.Capture) (*BatchResult, error) {
	if _, err := o.extractor.references.Snapshot(); err != nil {
		return nil, err
	}

	started := o.now()
	batch := &BatchResult{BatchID: uuid.NewString(), StartedAt: started.UTC()}

	items := captures
	if o.opts.DropDuplicates {
		items, batch.Skipped = capture.DropConsecutiveDuplicates(captures, o.opts.DuplicateThreshold)
	}
	batch.Outcomes = make([]Outcome, len(items))

	log := o.logger.With("batch", batch.BatchID)
	log.Info("Batch started", "captures", len(items), "skipped", len(batch.Skipped), "concurrency", o.opts.Concurrency)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)
	for i := range items {
		i := i
		if err := gctx.Err(); err != nil {
			batch.Outcomes[i] = failedOutcome(i, items[i].ID, Failure{
				CaptureID: items[i].ID,
				Stage:     StageCaptured,
				Reason:    "batch cancelled before item started",
				Code:      errors.ErrorItemCancelled,
			})
			continue
		}
		g.Go(func() error {
			out, fatal := o.runItem(gctx, i, items[i])
			batch.Outcomes[i] = out
			return fatal
		})
	}

	if err := g.Wait(); err != nil {
		log.Error("Batch aborted", "error", err, "code", errors.CodeOf(err))
		return nil, err
	}

	o.summarize(batch, started)
	o.metrics.batches.Inc()
	log.Info("Batch finished",
		"assembled", batch.Stats.Assembled,
		"failed", batch.Stats.Failed,
		"review_needed", batch.Stats.ReviewNeeded,
		"collisions", len(batch.Collisions),
		"elapsed", batch.Stats.Elapsed)

	if err := ctx.Err(); err != nil {
		return batch, err
	}
	return batch, nil
}

type extraction struct {
	rec record.GeneralRecord
	err error
}

// runItem extracts one capture under its own deadline. The returned error is
// non-nil only for conditions that must abort the batch.
func (o *Orchestrator) runItem(ctx context.Context, index int, cp capture.Capture) (Outcome, error) {
	start := time.Now()
	o.metrics.inFlight.Inc()
	defer o.metrics.inFlight.Dec()

	itemCtx, cancel := context.WithTimeout(ctx, o.opts.ItemTimeout)
	defer cancel()

	track := &progress{}
	done := make(chan extraction, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stage, region := track.get()
				done <- extraction{err: errors.NewStageFailedError(cp.ID, string(stage), region, fmt.Errorf("panic: %v", r))}
			}
		}()
		rec, err := o.extractor.extract(itemCtx, cp, track)
		done <- extraction{rec: rec, err: err}
	}()

	// A stage that ignores its context is abandoned here; whatever it
	// produces later is dropped with the channel.
	var res extraction
	select {
	case res = <-done:
	case <-itemCtx.Done():
		res.err = itemCtx.Err()
	}

	elapsed := time.Since(start)
	o.metrics.itemDuration.Observe(elapsed.Seconds())

	if res.err == nil {
		rec := res.rec
		o.metrics.items.WithLabelValues(string(StageAssembled)).Inc()
		return Outcome{Index: index, CaptureID: cp.ID, State: StageAssembled, Record: &rec, Duration: elapsed}, nil
	}

	if errors.IsRecognitionUnavailable(res.err) || errors.IsConfiguration(res.err) {
		return Outcome{Index: index, CaptureID: cp.ID, State: StageFailed, Duration: elapsed}, res.err
	}

	stage, region := track.get()
	failure := o.classify(ctx, itemCtx, cp.ID, stage, region, res.err)
	o.metrics.items.WithLabelValues(string(StageFailed)).Inc()
	o.logger.Warn("Item failed",
		"capture", cp.ID,
		"stage", failure.Stage,
		"region", failure.RegionID,
		"code", failure.Code,
		"reason", failure.Reason)

	out := failedOutcome(index, cp.ID, failure)
	out.Duration = elapsed
	return out, nil
}

// classify turns an item error into a Failure. Deadlines and cancellation
// are judged from the contexts, not from whatever the stage returned.
func (o *Orchestrator) classify(parent, item context.Context, captureID string, stage Stage, region string, err error) Failure {
	f := Failure{CaptureID: captureID, Stage: stage, RegionID: region}

	switch {
	case parent.Err() != nil:
		f.Code = errors.ErrorItemCancelled
		f.Reason = errors.NewItemCancelledError(captureID, string(stage), parent.Err()).Message
	case errors.Is(item.Err(), context.DeadlineExceeded):
		f.Code = errors.ErrorItemTimeout
		f.Reason = errors.NewItemTimeoutError(captureID, string(stage), o.opts.ItemTimeout, err).Message
	default:
		var xe *errors.ExtractionError
		if errors.As(err, &xe) {
			f.Code = xe.Code
			if xe.Stage != "" {
				f.Stage = Stage(xe.Stage)
			}
			if xe.RegionID != "" {
				f.RegionID = xe.RegionID
			}
		} else {
			f.Code = errors.ErrorStageFailed
		}
		f.Reason = err.Error()
	}
	return f
}

func failedOutcome(index int, captureID string, f Failure) Outcome {
	return Outcome{Index: index, CaptureID: captureID, State: StageFailed, Failure: &f}
}

// summarize fills in failures, collisions and statistics.
func (o *Orchestrator) summarize(batch *BatchResult, started time.Time) {
	composite := make(map[string][]string)
	var s Stats

	for _, out := range batch.Outcomes {
		if out.State == StageAssembled && out.Record != nil {
			s.Assembled++
			if out.Record.ReviewNeeded {
				s.ReviewNeeded++
			}
			if out.Record.KeySource == record.KeyComposite {
				composite[out.Record.Key] = append(composite[out.Record.Key], out.CaptureID)
			}
			continue
		}
		s.Failed++
		if out.Failure != nil {
			batch.Failures = append(batch.Failures, *out.Failure)
		}
	}

	for key, ids := range composite {
		if len(ids) > 1 {
			batch.Collisions = append(batch.Collisions, Collision{Key: key, CaptureIDs: ids})
		}
	}
	sort.Slice(batch.Collisions, func(i, j int) bool { return batch.Collisions[i].Key < batch.Collisions[j].Key })

	finished := o.now()
	s.Total = len(batch.Outcomes)
	s.Skipped = len(batch.Skipped)
	s.Elapsed = finished.Sub(started)
	if secs := s.Elapsed.Seconds(); secs > 0 {
		s.ItemsPerSecond = float64(s.Total) / secs
	}
	batch.FinishedAt = finished.UTC()
	batch.Stats = s
}
