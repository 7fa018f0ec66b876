package recognition

import (
	"context"
	"image"
	"sort"
	"strings"
	"unicode"

	"github.com/adverant/nexus/generals-worker/internal/catalog"
	"github.com/adverant/nexus/generals-worker/internal/confidence"
)

// Candidate is one reading of a region.
type Candidate struct {
	Text       string              `json:"text"`
	Confidence float64             `json:"confidence"`
	Content    catalog.ContentType `json:"content"`
	// Tier names the backend that produced the reading.
	Tier string `json:"tier"`
}

// Request describes what a backend is asked to read.
type Request struct {
	CaptureID string
	RegionID  string
	Content   catalog.ContentType
	// Language is a short hint such as "en" or "zh".
	Language string
	// Chrome lists the UI labels that may share the region with the value.
	Chrome []string
}

// Backend is a concrete OCR implementation.
type Backend interface {
	Name() string
	// Supports reports whether the backend can read the language hint.
	Supports(language string) bool
	Recognize(ctx context.Context, img image.Image, req Request) ([]Candidate, error)
}

// DigitsWhitelist restricts numeric regions to numerals plus glyphs OCR
// commonly confuses with them; the field parser maps the latter back.
const DigitsWhitelist = "0123456789-.,:/|'OoIlSBZ KkMm"

// DigitsWhitelistFor extends DigitsWhitelist with the letters of the region's
// labels so "Lv.25" is read as itself instead of being forced into digit-like
// glyphs.
func DigitsWhitelistFor(chrome []string) string {
	var b strings.Builder
	b.WriteString(DigitsWhitelist)
	for _, label := range chrome {
		for _, r := range label {
			if r > unicode.MaxASCII || strings.ContainsRune(b.String(), r) {
				continue
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Best returns the highest confidence in cands, or 0.
func Best(cands []Candidate) float64 {
	var best float64
	for _, c := range cands {
		if c.Confidence > best {
			best = c.Confidence
		}
	}
	return best
}

// normalize clamps confidences, drops blank readings, keeps the most
// confident copy of duplicate texts, and orders by confidence descending.
// Ties keep backend order.
func normalize(cands []Candidate, content catalog.ContentType, limit int) []Candidate {
	seen := make(map[string]int, len(cands))
	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		c.Text = strings.TrimSpace(c.Text)
		if c.Text == "" {
			continue
		}
		c.Confidence = confidence.Clamp(c.Confidence)
		c.Content = content
		if i, dup := seen[c.Text]; dup {
			if c.Confidence > out[i].Confidence {
				out[i] = c
			}
			continue
		}
		seen[c.Text] = len(out)
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
