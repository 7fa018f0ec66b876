/**
 * Record Assembler
 *
 * Combines validated field results into a General Record: overall confidence
 * is the weakest required field, optional fields feed completeness, and the
 * record is flagged for review when any required field is not VALID or the
 * overall confidence misses the acceptance threshold.
 */

package record

import (
	"fmt"
	"strings"
	"time"

	"github.com/adverant/nexus/generals-worker/internal/catalog"
	"github.com/adverant/nexus/generals-worker/internal/confidence"
)

// DefaultAcceptanceThreshold is the overall confidence below which a record
// needs review.
const DefaultAcceptanceThreshold = 0.75

const (
	warnComposite  = "key derived from name and level; distinct generals sharing both would collide"
	warnUnresolved = "no identifying fields could be read"
	warnLowOverall = "overall confidence below acceptance threshold"
)

// Correction is a manual override of one field.
type Correction struct {
	RegionID string `json:"regionId"`
	Value    Value  `json:"value"`
	Note     string `json:"note,omitempty"`
}

// Assembler builds records against a catalog.
type Assembler struct {
	catalog    *catalog.Catalog
	acceptance float64
	now        func() time.Time
}

// NewAssembler creates an assembler. acceptance <= 0 selects the default.
func NewAssembler(c *catalog.Catalog, acceptance float64) *Assembler {
	if acceptance <= 0 {
		acceptance = DefaultAcceptanceThreshold
	}
	return &Assembler{catalog: c, acceptance: acceptance, now: time.Now}
}

// Assemble builds version 1 of a record from validated results. Regions with
// no result are filled in as unparsed; results for unknown regions are
// dropped with a warning.
func (a *Assembler) Assemble(captureID, referenceVersion string, results []FieldResult) GeneralRecord {
	rec := a.build(captureID, results)
	rec.Version = 1
	rec.ReferenceVersion = referenceVersion
	return rec
}

// Correct applies manual corrections and returns the next version. Corrected
// fields become VALID with full confidence.
func (a *Assembler) Correct(rec GeneralRecord, corrections []Correction) (GeneralRecord, error) {
	if len(corrections) == 0 {
		return GeneralRecord{}, fmt.Errorf("no corrections supplied")
	}

	fields := rec.Fields()
	index := make(map[string]int, len(fields))
	for i, f := range fields {
		index[f.RegionID] = i
	}

	for _, c := range corrections {
		region, ok := a.catalog.Lookup(c.RegionID)
		if !ok {
			return GeneralRecord{}, fmt.Errorf("unknown region %q", c.RegionID)
		}
		if err := checkKind(region, c.Value); err != nil {
			return GeneralRecord{}, err
		}
		note := "manual correction"
		if c.Note != "" {
			note += ": " + c.Note
		}
		f := FieldResult{
			RegionID:   c.RegionID,
			Value:      c.Value,
			Confidence: 1,
			Status:     StatusValid,
			Note:       note,
		}
		if i, ok := index[c.RegionID]; ok {
			f.Raw = fields[i].Raw
			fields[i] = f
		} else {
			index[c.RegionID] = len(fields)
			fields = append(fields, f)
		}
	}

	next := a.build(rec.CaptureID, fields)
	next.Version = rec.Version + 1
	next.ReferenceVersion = rec.ReferenceVersion
	return next, nil
}

func checkKind(region catalog.Region, v Value) error {
	switch region.Content {
	case catalog.ContentDigits:
		if _, ok := v.Int(); !ok {
			return fmt.Errorf("region %s expects an integer", region.ID)
		}
	default:
		if s, ok := v.Text(); !ok || strings.TrimSpace(s) == "" {
			return fmt.Errorf("region %s expects non-empty text", region.ID)
		}
	}
	return nil
}

func (a *Assembler) build(captureID string, results []FieldResult) GeneralRecord {
	byRegion := make(map[string]FieldResult, len(results))
	var warnings []string
	for _, f := range results {
		if _, ok := a.catalog.Lookup(f.RegionID); !ok {
			warnings = append(warnings, fmt.Sprintf("dropped result for unknown region %s", f.RegionID))
			continue
		}
		byRegion[f.RegionID] = f
	}

	regions := a.catalog.Regions()
	ordered := make([]FieldResult, 0, len(regions))
	var required, all []float64
	var reviewFields []string
	optional, complete := 0, 0

	for _, region := range regions {
		f, ok := byRegion[region.ID]
		if !ok {
			f = UnparsedField(region.ID, "region not processed")
			f.Status = StatusUnknown
		}
		f.Confidence = confidence.Clamp(f.Confidence)
		ordered = append(ordered, f)
		all = append(all, f.Confidence)

		if region.Required {
			required = append(required, f.Confidence)
			if f.Status != StatusValid {
				reviewFields = append(reviewFields, region.ID)
			}
			continue
		}
		optional++
		if f.Value.Parsed() && f.Status != StatusRejected {
			complete++
		}
	}

	overall := confidence.Min(all...)
	if len(required) > 0 {
		overall = confidence.Min(required...)
	}
	completeness := 1.0
	if optional > 0 {
		completeness = float64(complete) / float64(optional)
	}

	rec := GeneralRecord{
		CaptureID:    captureID,
		Confidence:   overall,
		Completeness: completeness,
		ExtractedAt:  a.now().UTC(),
	}
	rec.setFields(ordered)

	rec.Key, rec.KeySource = a.deriveKey(rec, captureID)
	switch rec.KeySource {
	case KeyComposite:
		warnings = append(warnings, warnComposite)
	case KeyUnresolved:
		warnings = append(warnings, warnUnresolved)
	}

	lowOverall := overall < a.acceptance
	if lowOverall {
		warnings = append(warnings, warnLowOverall)
	}
	rec.ReviewNeeded = len(reviewFields) > 0 || lowOverall || rec.KeySource == KeyUnresolved
	rec.reviewFields = reviewFields
	rec.warnings = warnings
	return rec
}

// deriveKey prefers an explicit id field, then name+level, then the capture.
func (a *Assembler) deriveKey(rec GeneralRecord, captureID string) (string, KeySource) {
	usable := func(role catalog.KeyRole) (string, bool) {
		region, ok := a.catalog.ByRole(role)
		if !ok {
			return "", false
		}
		f, ok := rec.Field(region.ID)
		if !ok || !f.Value.Parsed() || f.Status == StatusRejected {
			return "", false
		}
		s := strings.ToLower(strings.TrimSpace(f.Value.String()))
		return s, s != ""
	}

	if id, ok := usable(catalog.KeyID); ok {
		return "id:" + id, KeyFromID
	}
	name, okName := usable(catalog.KeyName)
	level, okLevel := usable(catalog.KeyLevel)
	if okName && okLevel {
		return name + "#" + level, KeyComposite
	}
	return "capture:" + captureID, KeyUnresolved
}
