package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Custom error types for the generals extraction worker
 *
 * Design Pattern: Factory Pattern for error creation
 * Soft parse and validation outcomes are data on the field result, not errors.
 * Only conditions that stop a region, an item, or a batch are represented here.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Region-level errors (the field becomes unparsed, the item continues)
	ErrorRegionOutOfBounds ErrorCode = "REGION_OUT_OF_BOUNDS"

	// Recognition errors
	ErrorRecognitionUnavailable ErrorCode = "RECOGNITION_UNAVAILABLE"
	ErrorRecognitionTimeout     ErrorCode = "RECOGNITION_TIMEOUT"

	// Item-level errors (the item becomes FAILED, the batch continues)
	ErrorStageFailed    ErrorCode = "STAGE_FAILED"
	ErrorItemTimeout    ErrorCode = "ITEM_TIMEOUT"
	ErrorItemCancelled  ErrorCode = "ITEM_CANCELLED"
	ErrorInvalidCapture ErrorCode = "INVALID_CAPTURE"

	// Configuration errors (fatal)
	ErrorReferenceMissing ErrorCode = "REFERENCE_MISSING"
	ErrorCatalogInvalid   ErrorCode = "CATALOG_INVALID"

	// Collaborator errors
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"
	ErrorSyncFailed    ErrorCode = "SYNC_FAILED"
)

// ExtractionError represents a structured extraction error
type ExtractionError struct {
	Code      ErrorCode
	Message   string
	CaptureID string
	RegionID  string
	Stage     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ExtractionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ExtractionError) Unwrap() error {
	return e.Cause
}

// Factory functions for common errors

// Rect is the minimal rectangle description carried in error details.
type Rect struct {
	X, Y, Width, Height int
}

func NewRegionOutOfBoundsError(captureID, regionID string, scaled Rect, imgWidth, imgHeight int) *ExtractionError {
	return &ExtractionError{
		Code:      ErrorRegionOutOfBounds,
		Message:   fmt.Sprintf("Region %s scaled to (%d,%d %dx%d) lies outside %dx%d capture", regionID, scaled.X, scaled.Y, scaled.Width, scaled.Height, imgWidth, imgHeight),
		CaptureID: captureID,
		RegionID:  regionID,
		Stage:     "PREPROCESSING",
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"scaled_rect":    fmt.Sprintf("%d,%d,%d,%d", scaled.X, scaled.Y, scaled.Width, scaled.Height),
			"capture_width":  imgWidth,
			"capture_height": imgHeight,
		},
	}
}

func NewRecognitionUnavailableError(backend, language string, cause error) *ExtractionError {
	return &ExtractionError{
		Code:      ErrorRecognitionUnavailable,
		Message:   fmt.Sprintf("Recognition backend %s cannot serve language %q", backend, language),
		Stage:     "RECOGNIZING",
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"backend":  backend,
			"language": language,
		},
		Cause: cause,
	}
}

func NewRecognitionTimeoutError(regionID string, timeout time.Duration) *ExtractionError {
	return &ExtractionError{
		Code:      ErrorRecognitionTimeout,
		Message:   fmt.Sprintf("Recognition attempt exceeded %v", timeout),
		RegionID:  regionID,
		Stage:     "RECOGNIZING",
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": timeout.String(),
		},
	}
}

func NewStageFailedError(captureID, stage, regionID string, cause error) *ExtractionError {
	return &ExtractionError{
		Code:      ErrorStageFailed,
		Message:   fmt.Sprintf("Stage %s failed", stage),
		CaptureID: captureID,
		RegionID:  regionID,
		Stage:     stage,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewItemTimeoutError(captureID, stage string, timeout time.Duration, cause error) *ExtractionError {
	return &ExtractionError{
		Code:      ErrorItemTimeout,
		Message:   fmt.Sprintf("Item timed out after %v", timeout),
		CaptureID: captureID,
		Stage:     stage,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": timeout.String(),
		},
		Cause: cause,
	}
}

func NewItemCancelledError(captureID, stage string, cause error) *ExtractionError {
	return &ExtractionError{
		Code:      ErrorItemCancelled,
		Message:   "Item abandoned after cancellation",
		CaptureID: captureID,
		Stage:     stage,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewInvalidCaptureError(captureID, reason string, cause error) *ExtractionError {
	return &ExtractionError{
		Code:      ErrorInvalidCapture,
		Message:   fmt.Sprintf("Invalid capture: %s", reason),
		CaptureID: captureID,
		Stage:     "CAPTURED",
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewReferenceMissingError(source string, cause error) *ExtractionError {
	return &ExtractionError{
		Code:      ErrorReferenceMissing,
		Message:   fmt.Sprintf("Reference dataset unavailable: %s", source),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"source": source,
		},
		Cause: cause,
	}
}

func NewCatalogInvalidError(reason string, cause error) *ExtractionError {
	return &ExtractionError{
		Code:      ErrorCatalogInvalid,
		Message:   fmt.Sprintf("Region catalog invalid: %s", reason),
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewStorageFailedError(captureID string, cause error) *ExtractionError {
	return &ExtractionError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store extraction results",
		CaptureID: captureID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewSyncFailedError(target string, cause error) *ExtractionError {
	return &ExtractionError{
		Code:      ErrorSyncFailed,
		Message:   fmt.Sprintf("Failed to sync records to %s", target),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"target": target,
		},
		Cause: cause,
	}
}

// ToMap converts error to map for database storage
func (e *ExtractionError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}
	if e.CaptureID != "" {
		result["capture_id"] = e.CaptureID
	}
	if e.RegionID != "" {
		result["region_id"] = e.RegionID
	}
	if e.Stage != "" {
		result["stage"] = e.Stage
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}

// CodeOf returns the code of the first ExtractionError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var ee *ExtractionError
	if stderrors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// HasCode reports whether err's chain carries an ExtractionError with code.
// Joined errors are searched branch by branch.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if ee, ok := err.(*ExtractionError); ok && ee.Code == code {
			return true
		}
		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			for _, e := range u.Unwrap() {
				if HasCode(e, code) {
					return true
				}
			}
			return false
		case interface{ Unwrap() error }:
			err = u.Unwrap()
		default:
			return false
		}
	}
	return false
}

// IsRecognitionUnavailable reports whether err must abort the whole batch.
func IsRecognitionUnavailable(err error) bool {
	return HasCode(err, ErrorRecognitionUnavailable)
}

func IsRegionOutOfBounds(err error) bool {
	return HasCode(err, ErrorRegionOutOfBounds)
}

// IsConfiguration reports configuration failures that no retry can fix.
func IsConfiguration(err error) bool {
	return HasCode(err, ErrorReferenceMissing) || HasCode(err, ErrorCatalogInvalid)
}

// The helpers below forward to the standard library so callers importing
// this package as "errors" keep the usual functions.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target interface{}) bool { return stderrors.As(err, target) }

func New(text string) error { return stderrors.New(text) }

func Join(errs ...error) error { return stderrors.Join(errs...) }
