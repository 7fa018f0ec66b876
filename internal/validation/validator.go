/**
 * Reference Validator
 *
 * Cross-checks a parsed field against the reference dataset snapshot. An
 * exact match is the only event that may raise confidence; anything
 * contradicting the reference drops it to zero. The validator never replaces
 * a value with one of its own.
 */

package validation

import (
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/adverant/nexus/generals-worker/internal/catalog"
	"github.com/adverant/nexus/generals-worker/internal/confidence"
	"github.com/adverant/nexus/generals-worker/internal/record"
	"github.com/adverant/nexus/generals-worker/internal/reference"
)

const (
	// DefaultMatchFloor is the confidence a confirmed reference match is lifted to.
	DefaultMatchFloor = 0.90
	// Numbers without a configured range must fall in [0, sanityMax].
	sanityMax = 1_000_000_000
	// Longest plausible name or label.
	maxTextRunes = 64
)

// Validator checks fields against one dataset snapshot.
type Validator struct {
	dataset    *reference.Dataset
	matchFloor float64
}

// New creates a validator bound to a snapshot.
func New(dataset *reference.Dataset, matchFloor float64) *Validator {
	if matchFloor <= 0 {
		matchFloor = DefaultMatchFloor
	}
	return &Validator{dataset: dataset, matchFloor: matchFloor}
}

// Validate returns field with its status set and confidence adjusted.
func (v *Validator) Validate(field record.FieldResult, region catalog.Region) record.FieldResult {
	if !field.Value.Parsed() {
		field.Status = record.StatusUnknown
		field.Confidence = 0
		if field.Note == "" {
			field.Note = "no value could be read"
		}
		return field
	}

	if n, ok := field.Value.Int(); ok {
		return v.validateNumber(field, region, n)
	}
	s, _ := field.Value.Text()
	return v.validateText(field, region, s)
}

func (v *Validator) validateNumber(field record.FieldResult, region catalog.Region, n int64) record.FieldResult {
	if r, ok := v.dataset.Range(region.Category); ok {
		if int64(r.Min) <= n && n <= int64(r.Max) {
			return v.valid(field)
		}
		return reject(field, fmt.Sprintf("%d outside range [%d, %d]", n, r.Min, r.Max))
	}

	if n < 0 || n > sanityMax {
		return reject(field, fmt.Sprintf("%d is not a plausible value", n))
	}
	return unknown(field, "no reference range")
}

func (v *Validator) validateText(field record.FieldResult, region catalog.Region, s string) record.FieldResult {
	if !plausibleText(s) {
		return reject(field, "implausible text")
	}
	if _, ok := v.dataset.Match(region.Category, s); ok {
		return v.valid(field)
	}
	if v.dataset.HasCategory(region.Category) {
		return unknown(field, "not in reference set")
	}
	return unknown(field, "no reference set")
}

func (v *Validator) valid(field record.FieldResult) record.FieldResult {
	field.Status = record.StatusValid
	field.Confidence = confidence.RaiseToFloor(field.Confidence, v.matchFloor)
	return field
}

func unknown(field record.FieldResult, note string) record.FieldResult {
	field.Status = record.StatusUnknown
	field.Confidence = confidence.Clamp(field.Confidence)
	field.Note = appendNote(field.Note, note)
	return field
}

func reject(field record.FieldResult, note string) record.FieldResult {
	field.Status = record.StatusRejected
	field.Confidence = 0
	field.Note = appendNote(field.Note, note)
	return field
}

func appendNote(existing, note string) string {
	if existing == "" {
		return note
	}
	return existing + "; " + note
}

func plausibleText(s string) bool {
	if s == "" || !utf8.ValidString(s) || utf8.RuneCountInString(s) > maxTextRunes {
		return false
	}
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
