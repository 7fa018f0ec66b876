package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/adverant/nexus/generals-worker/internal/capture"
	"github.com/adverant/nexus/generals-worker/internal/catalog"
	"github.com/adverant/nexus/generals-worker/internal/errors"
	"github.com/adverant/nexus/generals-worker/internal/processor"
)

// BatchJob is a batch of screenshots submitted for extraction.
type BatchJob struct {
	JobID     string        `json:"jobId"`
	Source    string        `json:"source,omitempty"`
	Captures  []CaptureData `json:"captures"`
	CreatedAt time.Time     `json:"createdAt"`
}

// CaptureData is one encoded screenshot inside a job.
type CaptureData struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename,omitempty"`
	CapturedAt time.Time `json:"capturedAt,omitempty"`
	Image      []byte    `json:"image"`
}

// UnmarshalJSON accepts the image either as a base64 string or as a Node.js
// Buffer object ({"type":"Buffer","data":[...]}) from older producers.
func (c *CaptureData) UnmarshalJSON(data []byte) error {
	type Alias CaptureData
	aux := &struct {
		Image interface{} `json:"image,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal capture: %w", err)
	}

	switch v := aux.Image.(type) {
	case nil:
		c.Image = nil
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 image: %w", err)
		}
		c.Image = decoded
	case map[string]interface{}:
		if kind, _ := v["type"].(string); kind != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		arr, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		c.Image = make([]byte, len(arr))
		for i, val := range arr {
			b, ok := val.(float64)
			if !ok || b < 0 || b > 255 {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			c.Image[i] = byte(b)
		}
	default:
		return fmt.Errorf("image must be either base64 string or Buffer object, got %T", v)
	}
	return nil
}

// NewBatchJob packages decoded captures for submission. Only captures that
// still carry their encoded bytes can be sent.
func NewBatchJob(source string, captures []capture.Capture) (*BatchJob, error) {
	job := &BatchJob{Source: source, Captures: make([]CaptureData, 0, len(captures))}
	for _, cp := range captures {
		if len(cp.Encoded) == 0 {
			return nil, fmt.Errorf("capture %s has no encoded image", cp.ID)
		}
		job.Captures = append(job.Captures, CaptureData{
			ID:         cp.ID,
			Filename:   filepath.Base(cp.Source),
			CapturedAt: cp.CapturedAt,
			Image:      cp.Encoded,
		})
	}
	return job, nil
}

// Decode turns the job payload into captures. Screenshots that cannot be
// decoded are returned as failures instead of aborting the whole job.
func (j *BatchJob) Decode(c *catalog.Catalog) ([]capture.Capture, []processor.Failure) {
	source := j.Source
	if source == "" {
		source = "job:" + j.JobID
	}

	captures := make([]capture.Capture, 0, len(j.Captures))
	var rejected []processor.Failure
	for i, cd := range j.Captures {
		id := cd.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d", j.JobID, i)
		}
		at := cd.CapturedAt
		if at.IsZero() {
			at = j.CreatedAt
		}
		cp, err := capture.Decode(id, source, cd.Image, at, c)
		if err != nil {
			rejected = append(rejected, processor.Failure{
				CaptureID: id,
				Stage:     processor.StageCaptured,
				Reason:    err.Error(),
				Code:      errors.CodeOf(err),
			})
			continue
		}
		captures = append(captures, cp)
	}
	return captures, rejected
}
