// Package pipeline assembles the extraction stages from configuration. The
// worker and the extract CLI both start from Build.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/adverant/nexus/generals-worker/internal/catalog"
	"github.com/adverant/nexus/generals-worker/internal/config"
	"github.com/adverant/nexus/generals-worker/internal/logging"
	"github.com/adverant/nexus/generals-worker/internal/processor"
	"github.com/adverant/nexus/generals-worker/internal/recognition"
	"github.com/adverant/nexus/generals-worker/internal/recognition/gemini"
	"github.com/adverant/nexus/generals-worker/internal/recognition/tesseract"
	"github.com/adverant/nexus/generals-worker/internal/reference"
)

const probeTimeout = 10 * time.Second

// Pipeline holds everything a batch run needs.
type Pipeline struct {
	Catalog      *catalog.Catalog
	References   *reference.Holder
	Extractor    *processor.Extractor
	Orchestrator *processor.Orchestrator

	referencePath string
	vision        *gemini.Backend
	logger        *logging.Logger
}

// Build loads the region catalog and reference data, sets up the recognition
// tiers and wires the extractor and orchestrator. Empty catalog or reference
// paths fall back to the built-in defaults.
func Build(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = logging.NewLogger("Pipeline")
	}

	cat := catalog.Default()
	if cfg.RegionCatalogPath != "" {
		loaded, err := catalog.Load(cfg.RegionCatalogPath)
		if err != nil {
			return nil, err
		}
		cat = loaded
	}
	logger.Info("Region catalog loaded", "regions", cat.Len(), "path", cfg.RegionCatalogPath)

	dataset := reference.Default()
	if cfg.ReferenceDataPath != "" {
		loaded, err := reference.Load(cfg.ReferenceDataPath)
		if err != nil {
			return nil, err
		}
		dataset = loaded
	}
	logger.Info("Reference data loaded", "version", dataset.Version(), "path", cfg.ReferenceDataPath)

	langs := cfg.Languages()
	primary, err := tesseract.New(langs)
	if err != nil {
		return nil, err
	}
	if cfg.TesseractProbe {
		probeCtx, cancel := context.WithTimeout(ctx, time.Duration(len(langs))*probeTimeout)
		err := primary.Probe(probeCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("tesseract startup check failed: %w", err)
		}
		logger.Info("Tesseract language packs verified", "languages", langs)
	}

	opts := []recognition.Option{
		recognition.WithAttemptTimeout(cfg.RecognitionTimeout()),
		recognition.WithDefaultLanguage(langs[0]),
		recognition.WithObserver(processor.ObserveRecognition),
		recognition.WithLogger(logger.Named("recognition")),
	}

	p := &Pipeline{referencePath: cfg.ReferenceDataPath, logger: logger}
	if cfg.GeminiAPIKey != "" {
		vision, err := gemini.New(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, err
		}
		p.vision = vision
		opts = append(opts, recognition.WithSecondary(vision, cfg.EscalationThreshold))
		logger.Info("Vision tier enabled", "model", cfg.GeminiModel, "escalate_below", cfg.EscalationThreshold)
	}

	p.Catalog = cat
	p.References = reference.NewHolder(dataset)
	p.Extractor, err = processor.NewExtractor(processor.ExtractorConfig{
		Catalog:             cat,
		References:          p.References,
		Recognizer:          recognition.NewEngine(primary, opts...),
		MinRegionDimension:  cfg.MinRegionDimension,
		AcceptanceThreshold: cfg.AcceptanceThreshold,
		ReferenceMatchFloor: cfg.ReferenceMatchFloor,
		Logger:              logger.Named("extractor"),
	})
	if err != nil {
		p.Close()
		return nil, err
	}

	p.Orchestrator = processor.NewOrchestrator(p.Extractor, processor.Options{
		Concurrency:        cfg.WorkerConcurrency,
		ItemTimeout:        cfg.ItemTimeout(),
		DropDuplicates:     cfg.DuplicateHashBits > 0,
		DuplicateThreshold: cfg.DuplicateHashBits,
		Logger:             logger.Named("orchestrator"),
	})
	return p, nil
}

// ReloadReferences re-reads the reference data file and swaps it in for the
// next extractions. Without a configured path there is nothing to reload.
func (p *Pipeline) ReloadReferences() error {
	if p.referencePath == "" {
		return fmt.Errorf("no reference data path configured")
	}
	d, err := p.References.Reload(p.referencePath)
	if err != nil {
		return err
	}
	p.logger.Info("Reference data reloaded", "version", d.Version())
	return nil
}

// Close releases the vision client, if any.
func (p *Pipeline) Close() error {
	if p.vision == nil {
		return nil
	}
	return p.vision.Close()
}
