/**
 * Gemini vision backend
 *
 * Remote tier consulted when local OCR is not confident. The model is asked
 * for a JSON list of readings with self-reported confidence; readings are
 * capped below 1.0 because the model's confidence is not calibrated.
 */

package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"strings"
	"time"

	"github.com/adverant/nexus/generals-worker/internal/catalog"
	"github.com/adverant/nexus/generals-worker/internal/recognition"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const (
	maxAttempts = 3
	// maxReportedConfidence caps self-reported model confidence.
	maxReportedConfidence = 0.95
)

const systemPrompt = `You read short labels cropped from a mobile strategy game's general detail screen.
Return ONLY JSON: {"readings":[{"text":"...","confidence":0.0}]}.
List up to three distinct readings, most likely first. Copy characters exactly as shown;
do not translate, expand abbreviations, or add words. Use an empty list when nothing is legible.`

// Backend calls a Gemini model with the region image.
type Backend struct {
	client *genai.Client
	model  *genai.GenerativeModel
	name   string
}

// New connects to Gemini with apiKey.
func New(ctx context.Context, apiKey, modelName string) (*Backend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	m := cl.GenerativeModel(modelName)
	m.GenerationConfig = genai.GenerationConfig{
		Temperature:      ptrFloat32(0),
		ResponseMIMEType: "application/json",
	}
	m.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemPrompt)},
	}

	return &Backend{client: cl, model: m, name: "gemini:" + modelName}, nil
}

// Close releases the client.
func (b *Backend) Close() error {
	return b.client.Close()
}

// Name returns the tier label.
func (b *Backend) Name() string { return b.name }

// Supports returns true: the model reads every script the game uses.
func (b *Backend) Supports(string) bool { return true }

// Recognize sends img to the model and parses its readings.
func (b *Backend) Recognize(ctx context.Context, img image.Image, req recognition.Request) ([]recognition.Candidate, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode region: %w", err)
	}

	parts := []genai.Part{
		genai.Text(userPrompt(req)),
		&genai.Blob{MIMEType: "image/png", Data: buf.Bytes()},
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := b.model.GenerateContent(ctx, parts...)
		if err == nil {
			cands, perr := parseReadings(firstText(resp))
			if perr == nil {
				for i := range cands {
					cands[i].Tier = b.name
				}
				return cands, nil
			}
			lastErr = perr
		} else {
			lastErr = err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("gemini recognition failed after %d attempts: %w", maxAttempts, lastErr)
}

func userPrompt(req recognition.Request) string {
	var hint string
	switch req.Content {
	case catalog.ContentDigits:
		hint = "The label is a number, possibly with a K or M suffix or a prefix such as Lv."
	case catalog.ContentEnum:
		hint = "The label is a single term from a fixed vocabulary (a specialty or skill name)."
	default:
		hint = "The label is a short name or item title."
	}
	lang := req.Language
	if lang == "" {
		lang = "en"
	}
	return fmt.Sprintf("%s Language hint: %s.", hint, lang)
}

type readingsPayload struct {
	Readings []struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	} `json:"readings"`
}

// parseReadings decodes the model's JSON answer, tolerating code fences.
func parseReadings(raw string) ([]recognition.Candidate, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty model response")
	}

	var p readingsPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("model response is not valid JSON: %w", err)
	}

	out := make([]recognition.Candidate, 0, len(p.Readings))
	for _, r := range p.Readings {
		conf := r.Confidence
		if conf > maxReportedConfidence {
			conf = maxReportedConfidence
		}
		out = append(out, recognition.Candidate{Text: r.Text, Confidence: conf})
	}
	return out, nil
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}

func ptrFloat32(v float32) *float32 { return &v }
