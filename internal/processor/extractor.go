/**
 * Capture Extractor
 *
 * Runs one capture through the stage machine:
 * CAPTURED -> PREPROCESSING -> RECOGNIZING -> PARSING -> VALIDATING -> ASSEMBLED.
 * Each stage covers every catalog region before the next begins, and the
 * context is checked between stages so an abandoned item stops early.
 */

package processor

import (
	"context"
	"image"
	"sync"

	"github.com/adverant/nexus/generals-worker/internal/capture"
	"github.com/adverant/nexus/generals-worker/internal/catalog"
	"github.com/adverant/nexus/generals-worker/internal/errors"
	"github.com/adverant/nexus/generals-worker/internal/fields"
	"github.com/adverant/nexus/generals-worker/internal/logging"
	"github.com/adverant/nexus/generals-worker/internal/preprocess"
	"github.com/adverant/nexus/generals-worker/internal/recognition"
	"github.com/adverant/nexus/generals-worker/internal/record"
	"github.com/adverant/nexus/generals-worker/internal/reference"
	"github.com/adverant/nexus/generals-worker/internal/validation"
)

// ExtractorConfig wires the pipeline stages together.
type ExtractorConfig struct {
	Catalog             *catalog.Catalog
	References          *reference.Holder
	Recognizer          Recognizer
	MinRegionDimension  int
	AcceptanceThreshold float64
	ReferenceMatchFloor float64
	Logger              *logging.Logger
}

// Extractor turns a capture into a General Record.
type Extractor struct {
	catalog      *catalog.Catalog
	references   *reference.Holder
	recognizer   Recognizer
	preprocessor *preprocess.Preprocessor
	parser       *fields.Parser
	assembler    *record.Assembler
	matchFloor   float64
	logger       *logging.Logger
	metrics      *pipelineMetrics
}

// NewExtractor validates cfg and builds an extractor.
func NewExtractor(cfg ExtractorConfig) (*Extractor, error) {
	if cfg.Catalog == nil {
		return nil, errors.NewCatalogInvalidError("catalog is required", nil)
	}
	if cfg.References == nil {
		return nil, errors.NewReferenceMissingError("no reference holder", nil)
	}
	if cfg.Recognizer == nil {
		return nil, errors.NewRecognitionUnavailableError("none", "", errors.New("recognizer is required"))
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("Extractor")
	}
	return &Extractor{
		catalog:      cfg.Catalog,
		references:   cfg.References,
		recognizer:   cfg.Recognizer,
		preprocessor: preprocess.New(cfg.MinRegionDimension),
		parser:       fields.New(),
		assembler:    record.NewAssembler(cfg.Catalog, cfg.AcceptanceThreshold),
		matchFloor:   cfg.ReferenceMatchFloor,
		logger:       cfg.Logger,
		metrics:      newPipelineMetrics(),
	}, nil
}

// Catalog returns the catalog the extractor reads.
func (x *Extractor) Catalog() *catalog.Catalog { return x.catalog }

// Assembler returns the assembler used for records, for corrections.
func (x *Extractor) Assembler() *record.Assembler { return x.assembler }

// progress tracks the current stage and region of an item so a timeout or
// panic can be attributed.
type progress struct {
	mu     sync.Mutex
	stage  Stage
	region string
}

func (p *progress) set(stage Stage, region string) {
	p.mu.Lock()
	p.stage, p.region = stage, region
	p.mu.Unlock()
}

func (p *progress) get() (Stage, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stage, p.region
}

// regionWork carries one region through the stages.
type regionWork struct {
	region catalog.Region
	image  image.Image
	cands  []recognition.Candidate
	field  record.FieldResult
	done   bool
}

// Extract runs cp through every stage. Soft failures (out-of-bounds regions,
// unreadable text, reference mismatches) become field data; only backend
// errors, cancellation and missing configuration return an error.
func (x *Extractor) Extract(ctx context.Context, cp capture.Capture) (record.GeneralRecord, error) {
	return x.extract(ctx, cp, &progress{})
}

func (x *Extractor) extract(ctx context.Context, cp capture.Capture, track *progress) (record.GeneralRecord, error) {
	track.set(StageCaptured, "")

	dataset, err := x.references.Snapshot()
	if err != nil {
		return record.GeneralRecord{}, err
	}

	regions := x.catalog.Regions()
	work := make([]regionWork, len(regions))
	for i, r := range regions {
		work[i].region = r
	}

	if err := x.preprocess(ctx, cp, work, track); err != nil {
		return record.GeneralRecord{}, err
	}
	if err := x.recognize(ctx, cp, work, track); err != nil {
		return record.GeneralRecord{}, err
	}
	if err := stageGate(ctx, cp.ID, StageParsing, track); err != nil {
		return record.GeneralRecord{}, err
	}
	for i := range work {
		w := &work[i]
		if w.done {
			continue
		}
		track.set(StageParsing, w.region.ID)
		w.field = x.parser.Parse(w.cands, w.region.Content, fields.Options{
			RegionID: w.region.ID,
			Chrome:   x.catalog.ChromeFor(w.region),
			Values:   dataset.Values(w.region.Category),
		})
	}

	if err := stageGate(ctx, cp.ID, StageValidating, track); err != nil {
		return record.GeneralRecord{}, err
	}
	validator := validation.New(dataset, x.matchFloor)
	results := make([]record.FieldResult, 0, len(work))
	for i := range work {
		track.set(StageValidating, work[i].region.ID)
		results = append(results, validator.Validate(work[i].field, work[i].region))
	}

	if err := ctx.Err(); err != nil {
		return record.GeneralRecord{}, errors.NewItemCancelledError(cp.ID, string(StageValidating), err)
	}
	rec := x.assembler.Assemble(cp.ID, dataset.Version(), results)
	track.set(StageAssembled, "")
	return rec, nil
}

func (x *Extractor) preprocess(ctx context.Context, cp capture.Capture, work []regionWork, track *progress) error {
	if err := stageGate(ctx, cp.ID, StagePreprocessing, track); err != nil {
		return err
	}
	for i := range work {
		w := &work[i]
		track.set(StagePreprocessing, w.region.ID)
		res, err := x.preprocessor.Preprocess(cp, w.region)
		if err != nil {
			if errors.IsRegionOutOfBounds(err) {
				x.logger.Warn("Region outside capture", "capture", cp.ID, "region", w.region.ID, "error", err)
				x.metrics.regionFailures.WithLabelValues(string(errors.ErrorRegionOutOfBounds)).Inc()
				w.field = record.UnparsedField(w.region.ID, "region outside capture bounds")
				w.done = true
				continue
			}
			return errors.NewStageFailedError(cp.ID, string(StagePreprocessing), w.region.ID, err)
		}
		w.image = res.Image
	}
	return nil
}

func (x *Extractor) recognize(ctx context.Context, cp capture.Capture, work []regionWork, track *progress) error {
	if err := stageGate(ctx, cp.ID, StageRecognizing, track); err != nil {
		return err
	}
	for i := range work {
		w := &work[i]
		if w.done {
			continue
		}
		track.set(StageRecognizing, w.region.ID)
		cands, err := x.recognizer.RecognizeRegion(ctx, w.image, recognition.Request{
			CaptureID: cp.ID,
			RegionID:  w.region.ID,
			Content:   w.region.Content,
			Language:  w.region.Language,
			Chrome:    w.region.Chrome,
		})
		if err != nil {
			if errors.IsRecognitionUnavailable(err) {
				return err
			}
			if ctx.Err() != nil {
				return errors.NewItemCancelledError(cp.ID, string(StageRecognizing), ctx.Err())
			}
			x.metrics.regionFailures.WithLabelValues(string(errors.ErrorStageFailed)).Inc()
			return errors.NewStageFailedError(cp.ID, string(StageRecognizing), w.region.ID, err)
		}
		if len(cands) == 0 {
			x.logger.Debug("No candidates", "capture", cp.ID, "region", w.region.ID)
		}
		w.cands = cands
	}
	return nil
}

// stageGate enters stage unless ctx is already done.
func stageGate(ctx context.Context, captureID string, stage Stage, track *progress) error {
	if err := ctx.Err(); err != nil {
		return errors.NewItemCancelledError(captureID, string(stage), err)
	}
	track.set(stage, "")
	return nil
}
