/**
 * Tesseract backend
 *
 * Local, offline OCR through gosseract. One client is created per call
 * because a gosseract client is not safe for concurrent use. Several page
 * segmentation modes are tried per region; each distinct reading becomes a
 * candidate.
 */

package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"

	"github.com/adverant/nexus/generals-worker/internal/catalog"
	"github.com/adverant/nexus/generals-worker/internal/errors"
	"github.com/adverant/nexus/generals-worker/internal/recognition"
	"github.com/otiai10/gosseract/v2"
)

// LanguagePacks maps short language hints to Tesseract traineddata names.
var LanguagePacks = map[string]string{
	"en": "eng",
	"de": "deu",
	"fr": "fra",
	"es": "spa",
	"pt": "por",
	"ru": "rus",
	"zh": "chi_sim",
	"ja": "jpn",
	"ko": "kor",
}

// segmentation modes tried per content type, most specific first.
var passes = map[catalog.ContentType][]gosseract.PageSegMode{
	catalog.ContentDigits: {gosseract.PSM_SINGLE_LINE, gosseract.PSM_SINGLE_WORD},
	catalog.ContentText:   {gosseract.PSM_SINGLE_LINE, gosseract.PSM_SPARSE_TEXT},
	catalog.ContentEnum:   {gosseract.PSM_SINGLE_LINE, gosseract.PSM_SINGLE_WORD, gosseract.PSM_RAW_LINE},
}

// Backend reads regions with a local Tesseract install.
type Backend struct {
	installed map[string]string // hint -> traineddata
}

// New creates a backend for the installed language hints.
// Unknown hints are a configuration error.
func New(hints []string) (*Backend, error) {
	installed := make(map[string]string, len(hints))
	for _, h := range hints {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		pack, ok := LanguagePacks[h]
		if !ok {
			return nil, errors.NewRecognitionUnavailableError("tesseract", h, fmt.Errorf("no traineddata mapping"))
		}
		installed[h] = pack
	}
	if len(installed) == 0 {
		return nil, errors.NewRecognitionUnavailableError("tesseract", "", fmt.Errorf("no languages configured"))
	}
	return &Backend{installed: installed}, nil
}

// Name returns "tesseract".
func (t *Backend) Name() string { return "tesseract" }

// Supports reports whether the hint's language pack is installed.
func (t *Backend) Supports(language string) bool {
	_, ok := t.installed[strings.ToLower(language)]
	return ok
}

// Probe runs a blank recognition per language so missing traineddata is
// detected at startup rather than mid-batch.
func (t *Backend) Probe(ctx context.Context) error {
	blank := image.NewGray(image.Rect(0, 0, 32, 32))
	for i := range blank.Pix {
		blank.Pix[i] = 255
	}
	for hint := range t.installed {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.Recognize(ctx, blank, recognition.Request{Content: catalog.ContentText, Language: hint}); err != nil {
			return err
		}
	}
	return nil
}

// Recognize reads img with every segmentation pass for the content type.
func (t *Backend) Recognize(ctx context.Context, img image.Image, req recognition.Request) ([]recognition.Candidate, error) {
	pack, ok := t.installed[strings.ToLower(req.Language)]
	if !ok {
		return nil, errors.NewRecognitionUnavailableError(t.Name(), req.Language, nil)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode region: %w", err)
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(pack); err != nil {
		return nil, errors.NewRecognitionUnavailableError(t.Name(), req.Language, err)
	}
	// Names and stats are not dictionary words.
	_ = client.SetVariable("load_system_dawg", "false")
	_ = client.SetVariable("load_freq_dawg", "false")

	if req.Content == catalog.ContentDigits {
		if err := client.SetWhitelist(recognition.DigitsWhitelistFor(req.Chrome)); err != nil {
			return nil, fmt.Errorf("failed to set whitelist: %w", err)
		}
	}

	modes := passes[req.Content]
	if len(modes) == 0 {
		modes = passes[catalog.ContentText]
	}

	var cands []recognition.Candidate
	for _, mode := range modes {
		if err := ctx.Err(); err != nil {
			return cands, err
		}
		if err := client.SetPageSegMode(mode); err != nil {
			return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
		}
		if err := client.SetImageFromBytes(buf.Bytes()); err != nil {
			return nil, fmt.Errorf("failed to set image: %w", err)
		}
		boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
		if err != nil {
			if isInitFailure(err) {
				return nil, errors.NewRecognitionUnavailableError(t.Name(), req.Language, err)
			}
			return nil, fmt.Errorf("tesseract OCR failed: %w", err)
		}
		if c, ok := candidateFromBoxes(boxes); ok {
			c.Tier = t.Name()
			cands = append(cands, c)
		}
	}
	return cands, nil
}

// candidateFromBoxes joins word boxes into one reading whose confidence is
// the mean word confidence.
func candidateFromBoxes(boxes []gosseract.BoundingBox) (recognition.Candidate, bool) {
	words := make([]string, 0, len(boxes))
	var sum float64
	for _, b := range boxes {
		w := strings.TrimSpace(b.Word)
		if w == "" {
			continue
		}
		words = append(words, w)
		sum += b.Confidence
	}
	if len(words) == 0 {
		return recognition.Candidate{}, false
	}
	return recognition.Candidate{
		Text:       strings.Join(words, " "),
		Confidence: sum / float64(len(words)) / 100,
	}, true
}

// isInitFailure matches the error gosseract returns when traineddata for
// the language cannot be loaded.
func isInitFailure(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "initialize") || strings.Contains(msg, "traineddata")
}
