package processor

import (
	"context"
	"image"
	"time"

	"github.com/adverant/nexus/generals-worker/internal/capture"
	"github.com/adverant/nexus/generals-worker/internal/errors"
	"github.com/adverant/nexus/generals-worker/internal/recognition"
	"github.com/adverant/nexus/generals-worker/internal/record"
)

// Stage is the lifecycle state of one capture within a batch.
type Stage string

const (
	StageCaptured      Stage = "CAPTURED"
	StagePreprocessing Stage = "PREPROCESSING"
	StageRecognizing   Stage = "RECOGNIZING"
	StageParsing       Stage = "PARSING"
	StageValidating    Stage = "VALIDATING"
	StageAssembled     Stage = "ASSEMBLED"
	StageFailed        Stage = "FAILED"
)

// Recognizer reads one preprocessed region. *recognition.Engine satisfies it.
type Recognizer interface {
	RecognizeRegion(ctx context.Context, img image.Image, req recognition.Request) ([]recognition.Candidate, error)
}

// BatchRunner runs a capture sequence through the pipeline.
type BatchRunner interface {
	Run(ctx context.Context, captures []capture.Capture) (*BatchResult, error)
}

// ResultSink receives finished batches. Captures are passed alongside so
// sinks can archive the screenshots behind records that need review.
type ResultSink interface {
	Deliver(ctx context.Context, batch *BatchResult, captures []capture.Capture) error
}

// Failure describes why an item did not produce a record.
type Failure struct {
	CaptureID string           `json:"captureId"`
	Stage     Stage            `json:"stage"`
	RegionID  string           `json:"regionId,omitempty"`
	Reason    string           `json:"reason"`
	Code      errors.ErrorCode `json:"code,omitempty"`
}

// Outcome is the result for one capture, in input order.
type Outcome struct {
	Index     int                   `json:"index"`
	CaptureID string                `json:"captureId"`
	State     Stage                 `json:"state"`
	Record    *record.GeneralRecord `json:"record,omitempty"`
	Failure   *Failure              `json:"failure,omitempty"`
	Duration  time.Duration         `json:"durationNs"`
}

// Collision lists captures whose records derived the same composite key.
type Collision struct {
	Key        string   `json:"key"`
	CaptureIDs []string `json:"captureIds"`
}

// Stats aggregates a batch.
type Stats struct {
	Total          int           `json:"total"`
	Assembled      int           `json:"assembled"`
	Failed         int           `json:"failed"`
	ReviewNeeded   int           `json:"reviewNeeded"`
	Skipped        int           `json:"skipped"`
	Elapsed        time.Duration `json:"elapsedNs"`
	ItemsPerSecond float64       `json:"itemsPerSecond"`
}

// BatchResult is everything a batch produced.
type BatchResult struct {
	BatchID    string      `json:"batchId"`
	StartedAt  time.Time   `json:"startedAt"`
	FinishedAt time.Time   `json:"finishedAt"`
	Outcomes   []Outcome   `json:"outcomes"`
	Failures   []Failure   `json:"failures"`
	Skipped    []string    `json:"skipped,omitempty"`
	Collisions []Collision `json:"collisions,omitempty"`
	Stats      Stats       `json:"stats"`
}

// Records returns the assembled records in input order.
func (b *BatchResult) Records() []record.GeneralRecord {
	var out []record.GeneralRecord
	for _, o := range b.Outcomes {
		if o.State == StageAssembled && o.Record != nil {
			out = append(out, *o.Record)
		}
	}
	return out
}

// Reject records a capture that never entered the pipeline, for example one
// whose payload could not be decoded.
func (b *BatchResult) Reject(f Failure) {
	f.Stage = StageCaptured
	b.Outcomes = append(b.Outcomes, Outcome{
		Index:     len(b.Outcomes),
		CaptureID: f.CaptureID,
		State:     StageFailed,
		Failure:   &f,
	})
	b.Failures = append(b.Failures, f)
	b.Stats.Total++
	b.Stats.Failed++
}

// Skip records captures left out of the batch, such as ones already seen.
func (b *BatchResult) Skip(ids ...string) {
	b.Skipped = append(b.Skipped, ids...)
	b.Stats.Skipped += len(ids)
}
