package record

import (
	"encoding/json"
	"time"
)

// KeySource says how a record's key was derived.
type KeySource string

const (
	KeyFromID     KeySource = "ID"
	KeyComposite  KeySource = "COMPOSITE"
	KeyUnresolved KeySource = "UNRESOLVED"
)

// GeneralRecord is one assembled general. It is a value type: copies share
// nothing mutable, and corrections produce a new version instead of editing.
type GeneralRecord struct {
	Key              string
	KeySource        KeySource
	CaptureID        string
	Version          int
	Confidence       float64
	Completeness     float64
	ReviewNeeded     bool
	ExtractedAt      time.Time
	ReferenceVersion string

	order        []string
	fields       map[string]FieldResult
	reviewFields []string
	warnings     []string
}

// Field returns the result for a region.
func (r GeneralRecord) Field(regionID string) (FieldResult, bool) {
	f, ok := r.fields[regionID]
	return f, ok
}

// Fields returns every field in catalog order.
func (r GeneralRecord) Fields() []FieldResult {
	out := make([]FieldResult, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.fields[id])
	}
	return out
}

// ReviewFields lists the required regions that prevented acceptance.
func (r GeneralRecord) ReviewFields() []string {
	return append([]string(nil), r.reviewFields...)
}

// Warnings lists conditions a reviewer should know about.
func (r GeneralRecord) Warnings() []string {
	return append([]string(nil), r.warnings...)
}

// WithVersion returns a copy carrying version v.
func (r GeneralRecord) WithVersion(v int) GeneralRecord {
	r.Version = v
	return r
}

type recordJSON struct {
	Key              string        `json:"key"`
	KeySource        KeySource     `json:"keySource"`
	CaptureID        string        `json:"captureId"`
	Version          int           `json:"version"`
	Confidence       float64       `json:"confidence"`
	Completeness     float64       `json:"completeness"`
	ReviewNeeded     bool          `json:"reviewNeeded"`
	ReviewFields     []string      `json:"reviewFields"`
	Warnings         []string      `json:"warnings"`
	ExtractedAt      time.Time     `json:"extractedAt"`
	ReferenceVersion string        `json:"referenceVersion,omitempty"`
	Fields           []FieldResult `json:"fields"`
}

// MarshalJSON encodes the record with fields in catalog order.
func (r GeneralRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		Key:              r.Key,
		KeySource:        r.KeySource,
		CaptureID:        r.CaptureID,
		Version:          r.Version,
		Confidence:       r.Confidence,
		Completeness:     r.Completeness,
		ReviewNeeded:     r.ReviewNeeded,
		ReviewFields:     r.ReviewFields(),
		Warnings:         r.Warnings(),
		ExtractedAt:      r.ExtractedAt,
		ReferenceVersion: r.ReferenceVersion,
		Fields:           r.Fields(),
	})
}

// UnmarshalJSON decodes what MarshalJSON produces.
func (r *GeneralRecord) UnmarshalJSON(data []byte) error {
	var j recordJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*r = GeneralRecord{
		Key:              j.Key,
		KeySource:        j.KeySource,
		CaptureID:        j.CaptureID,
		Version:          j.Version,
		Confidence:       j.Confidence,
		Completeness:     j.Completeness,
		ReviewNeeded:     j.ReviewNeeded,
		ExtractedAt:      j.ExtractedAt,
		ReferenceVersion: j.ReferenceVersion,
		reviewFields:     j.ReviewFields,
		warnings:         j.Warnings,
	}
	r.setFields(j.Fields)
	return nil
}

func (r *GeneralRecord) setFields(fields []FieldResult) {
	r.order = make([]string, 0, len(fields))
	r.fields = make(map[string]FieldResult, len(fields))
	for _, f := range fields {
		if _, dup := r.fields[f.RegionID]; !dup {
			r.order = append(r.order, f.RegionID)
		}
		r.fields[f.RegionID] = f
	}
}
