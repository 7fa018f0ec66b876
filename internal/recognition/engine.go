/**
 * Recognition Engine - tiered OCR cascade
 *
 * Tier 1: Tesseract (local, free). Always runs.
 * Tier 2: Gemini vision (remote). Consulted only when the best Tier 1
 *         reading falls below the escalation threshold.
 *
 * Every attempt runs under its own deadline. An attempt that overruns
 * yields no candidates rather than an error; a backend that cannot serve the
 * requested language is reported as RECOGNITION_UNAVAILABLE.
 */

package recognition

import (
	"context"
	"image"
	"time"

	"github.com/adverant/nexus/generals-worker/internal/catalog"
	"github.com/adverant/nexus/generals-worker/internal/errors"
	"github.com/adverant/nexus/generals-worker/internal/logging"
)

const (
	DefaultAttemptTimeout      = 5 * time.Second
	DefaultEscalationThreshold = 0.60
	DefaultMaxCandidates       = 5
)

// Engine runs backends for a region and returns ranked candidates.
type Engine struct {
	primary         Backend
	secondary       Backend
	escalateBelow   float64
	timeout         time.Duration
	defaultLanguage string
	maxCandidates   int
	logger          *logging.Logger
	observe         func(tier string, d time.Duration)
}

// Option configures an Engine.
type Option func(*Engine)

// WithSecondary adds a tier consulted when the primary reading is weak.
func WithSecondary(b Backend, escalateBelow float64) Option {
	return func(e *Engine) {
		e.secondary = b
		e.escalateBelow = escalateBelow
	}
}

// WithAttemptTimeout sets the per-attempt deadline.
func WithAttemptTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithDefaultLanguage sets the language used for regions without a hint.
func WithDefaultLanguage(lang string) Option {
	return func(e *Engine) { e.defaultLanguage = lang }
}

// WithMaxCandidates caps the number of candidates returned.
func WithMaxCandidates(n int) Option {
	return func(e *Engine) { e.maxCandidates = n }
}

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithObserver registers a callback receiving each attempt's duration.
func WithObserver(fn func(tier string, d time.Duration)) Option {
	return func(e *Engine) { e.observe = fn }
}

// NewEngine creates an engine around primary.
func NewEngine(primary Backend, opts ...Option) *Engine {
	e := &Engine{
		primary:         primary,
		escalateBelow:   DefaultEscalationThreshold,
		timeout:         DefaultAttemptTimeout,
		defaultLanguage: "en",
		maxCandidates:   DefaultMaxCandidates,
		logger:          logging.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Recognize reads img as content in language. Candidates are ordered most
// confident first. Cancellation of ctx is returned as ctx.Err().
func (e *Engine) Recognize(ctx context.Context, img image.Image, content catalog.ContentType, language string) ([]Candidate, error) {
	return e.RecognizeRegion(ctx, img, Request{Content: content, Language: language})
}

// RecognizeRegion is Recognize with the region id carried for logging.
func (e *Engine) RecognizeRegion(ctx context.Context, img image.Image, req Request) ([]Candidate, error) {
	if e.primary == nil {
		return nil, errors.NewRecognitionUnavailableError("none", req.Language, nil)
	}
	if req.Language == "" {
		req.Language = e.defaultLanguage
	}
	if !e.primary.Supports(req.Language) {
		return nil, errors.NewRecognitionUnavailableError(e.primary.Name(), req.Language, nil)
	}

	cands, err := e.attempt(ctx, e.primary, img, req)
	if err != nil {
		return nil, err
	}

	if e.secondary != nil && Best(cands) < e.escalateBelow && e.secondary.Supports(req.Language) {
		e.logger.Debug("Escalating to secondary tier",
			"capture", req.CaptureID, "region", req.RegionID, "tier", e.secondary.Name(), "best", Best(cands))
		more, serr := e.attempt(ctx, e.secondary, img, req)
		switch {
		case serr == nil:
			cands = append(cands, more...)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			e.logger.Warn("Secondary tier failed, keeping primary reading",
				"capture", req.CaptureID, "region", req.RegionID, "tier", e.secondary.Name(), "error", serr)
		}
	}

	return normalize(cands, req.Content, e.maxCandidates), nil
}

type attemptResult struct {
	cands []Candidate
	err   error
}

// attempt runs one backend under the per-attempt deadline. Native OCR calls
// cannot be interrupted, so an overrunning call is left to finish in the
// background and its result discarded.
func (e *Engine) attempt(ctx context.Context, b Backend, img image.Image, req Request) ([]Candidate, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan attemptResult, 1)
	go func() {
		c, err := b.Recognize(attemptCtx, img, req)
		done <- attemptResult{cands: c, err: err}
	}()

	select {
	case r := <-done:
		e.record(b.Name(), start)
		if r.err != nil && ctx.Err() == nil && attemptCtx.Err() != nil {
			// The backend honoured the attempt deadline and returned its error.
			e.timedOut(b, req)
			return nil, nil
		}
		return r.cands, r.err
	case <-attemptCtx.Done():
		e.record(b.Name(), start)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.timedOut(b, req)
		return nil, nil
	}
}

func (e *Engine) timedOut(b Backend, req Request) {
	terr := errors.NewRecognitionTimeoutError(req.RegionID, e.timeout)
	e.logger.Warn("Recognition attempt timed out", "tier", b.Name(), "capture", req.CaptureID, "region", req.RegionID, "error", terr)
}

func (e *Engine) record(tier string, start time.Time) {
	if e.observe != nil {
		e.observe(tier, time.Since(start))
	}
}
