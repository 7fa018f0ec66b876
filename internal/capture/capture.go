/**
 * Raw captures
 *
 * A capture is one screenshot of the general detail screen together with the
 * factor that maps catalog reference coordinates onto it. Captures are
 * ephemeral: they live for a single extraction and are never persisted here.
 */

package capture

import (
	"bytes"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	// Decoders for the formats screenshots arrive in.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/adverant/nexus/generals-worker/internal/catalog"
	"github.com/adverant/nexus/generals-worker/internal/errors"
	"github.com/adverant/nexus/generals-worker/internal/fingerprint"
	"github.com/gabriel-vasile/mimetype"
)

// Capture is a single screenshot ready for extraction.
type Capture struct {
	ID         string
	Source     string
	Image      image.Image
	Width      int
	Height     int
	Scale      float64
	CapturedAt time.Time
	// Encoded holds the original bytes when the capture was decoded from a
	// file or payload, so archives can keep the untouched screenshot.
	Encoded  []byte
	MimeType string
}

// New wraps an already decoded image. The scale factor is derived from the
// catalog reference width.
func New(id, source string, img image.Image, capturedAt time.Time, c *catalog.Catalog) Capture {
	b := img.Bounds()
	return Capture{
		ID:         id,
		Source:     source,
		Image:      img,
		Width:      b.Dx(),
		Height:     b.Dy(),
		Scale:      c.ScaleFactor(b.Dx()),
		CapturedAt: capturedAt,
	}
}

// Decode sniffs and decodes encoded screenshot bytes.
func Decode(id, source string, data []byte, capturedAt time.Time, c *catalog.Catalog) (Capture, error) {
	if len(data) == 0 {
		return Capture{}, errors.NewInvalidCaptureError(id, "empty payload", nil)
	}

	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return Capture{}, errors.NewInvalidCaptureError(id, fmt.Sprintf("unsupported content type %s", mt.String()), nil)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Capture{}, errors.NewInvalidCaptureError(id, "cannot decode "+mt.String(), err)
	}

	cp := New(id, source, img, capturedAt, c)
	cp.Encoded = data
	cp.MimeType = mt.String()
	return cp, nil
}

// Fingerprint returns the capture's average hash.
func (c Capture) Fingerprint() fingerprint.Hash {
	return fingerprint.Average(c.Image)
}

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// LoadDir decodes every image file in dir, ordered by file name. The file
// modification time is used as the capture timestamp.
func LoadDir(dir string, c *catalog.Catalog) ([]Capture, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read capture directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	captures := make([]Capture, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		id := strings.TrimSuffix(name, filepath.Ext(name))
		cp, err := Decode(id, path, data, info.ModTime(), c)
		if err != nil {
			return nil, err
		}
		captures = append(captures, cp)
	}
	return captures, nil
}

// DropConsecutiveDuplicates removes captures whose fingerprint is within
// threshold bits of the previous kept capture. Scrolling through a list
// often produces several identical frames in a row.
func DropConsecutiveDuplicates(captures []Capture, threshold int) (kept []Capture, dropped []string) {
	kept = make([]Capture, 0, len(captures))
	var last fingerprint.Hash
	for i, cp := range captures {
		h := cp.Fingerprint()
		if i > 0 && fingerprint.Similar(h, last, threshold) {
			dropped = append(dropped, cp.ID)
			continue
		}
		kept = append(kept, cp)
		last = h
	}
	return kept, dropped
}
