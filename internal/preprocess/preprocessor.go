/**
 * Image Preprocessor
 *
 * Crops a catalog region out of a capture and cleans it up for recognition:
 * grayscale, strategy-driven contrast/denoise/sharpen, edge-preserving
 * upscale, and binarization. Output depends only on the inputs.
 */

package preprocess

import (
	"image"
	"math"

	"github.com/adverant/nexus/generals-worker/internal/capture"
	"github.com/adverant/nexus/generals-worker/internal/catalog"
	"github.com/adverant/nexus/generals-worker/internal/errors"
	"github.com/disintegration/imaging"
)

// DefaultMinDimension is the smallest side a region is upscaled to.
const DefaultMinDimension = 64

// Result is a cleaned region ready for recognition.
type Result struct {
	Image    *image.Gray
	Scaled   catalog.Rect
	Stats    Stats
	Strategy Strategy
}

// Preprocessor turns capture regions into recognition-ready images.
type Preprocessor struct {
	minDimension int
}

// New creates a preprocessor. minDimension <= 0 selects the default.
func New(minDimension int) *Preprocessor {
	if minDimension <= 0 {
		minDimension = DefaultMinDimension
	}
	return &Preprocessor{minDimension: minDimension}
}

// Preprocess extracts region from cp. A region that does not fit the capture
// after scaling yields a REGION_OUT_OF_BOUNDS error.
func (p *Preprocessor) Preprocess(cp capture.Capture, region catalog.Region) (*Result, error) {
	scaled := region.Rect.Scale(cp.Scale)
	bounds := cp.Image.Bounds()
	if !scaled.Within(bounds.Dx(), bounds.Dy()) {
		return nil, errors.NewRegionOutOfBoundsError(cp.ID, region.ID,
			errors.Rect{X: scaled.X, Y: scaled.Y, Width: scaled.Width, Height: scaled.Height},
			bounds.Dx(), bounds.Dy())
	}

	crop := imaging.Crop(cp.Image, image.Rect(
		bounds.Min.X+scaled.X,
		bounds.Min.Y+scaled.Y,
		bounds.Min.X+scaled.X+scaled.Width,
		bounds.Min.Y+scaled.Y+scaled.Height,
	))
	gray := imaging.Grayscale(crop)

	stats := ComputeStats(gray)
	strategy := SelectStrategy(stats)
	plan := strategy.Plan()

	if plan.Invert {
		gray = imaging.Invert(gray)
	}
	if plan.Denoise > 0 {
		gray = imaging.Blur(gray, plan.Denoise)
	}
	if plan.Contrast != 0 {
		gray = imaging.AdjustContrast(gray, plan.Contrast)
	}
	gray = p.upscale(gray)
	if plan.Sharpen > 0 {
		gray = imaging.Sharpen(gray, plan.Sharpen)
	}

	level := plan.Level
	if plan.Threshold == ThresholdOtsu {
		level = OtsuLevel(gray)
	}

	return &Result{
		Image:    binarize(gray, level),
		Scaled:   scaled,
		Stats:    stats,
		Strategy: strategy,
	}, nil
}

// upscale enlarges img so its shorter side reaches minDimension, using
// Catmull-Rom so glyph edges stay sharp.
func (p *Preprocessor) upscale(img *image.NRGBA) *image.NRGBA {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	shorter := w
	if h < shorter {
		shorter = h
	}
	if shorter == 0 || shorter >= p.minDimension {
		return img
	}
	factor := float64(p.minDimension) / float64(shorter)
	nw := int(math.Ceil(float64(w) * factor))
	nh := int(math.Ceil(float64(h) * factor))
	return imaging.Resize(img, nw, nh, imaging.CatmullRom)
}

// OtsuLevel returns the threshold that maximises between-class variance of
// img's luminance histogram.
func OtsuLevel(img *image.NRGBA) uint8 {
	var hist [256]int
	b := img.Bounds()
	total := 0
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()*4]
		for x := 0; x < len(row); x += 4 {
			hist[row[x]]++
			total++
		}
	}
	if total == 0 {
		return 128
	}

	var sumAll float64
	for i, n := range hist {
		sumAll += float64(i * n)
	}

	var sumBg, best float64
	var weightBg int
	level := 0
	for t := 0; t < 256; t++ {
		weightBg += hist[t]
		if weightBg == 0 {
			continue
		}
		weightFg := total - weightBg
		if weightFg == 0 {
			break
		}
		sumBg += float64(t * hist[t])
		meanBg := sumBg / float64(weightBg)
		meanFg := (sumAll - sumBg) / float64(weightFg)
		between := float64(weightBg) * float64(weightFg) * (meanBg - meanFg) * (meanBg - meanFg)
		if between > best {
			best = between
			level = t
		}
	}
	return uint8(level)
}

// binarize maps pixels above level to white and the rest to black.
func binarize(img *image.NRGBA, level uint8) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+b.Dx()*4]
		dst := out.Pix[y*out.Stride : y*out.Stride+b.Dx()]
		for x := range dst {
			if src[x*4] > level {
				dst[x] = 255
			}
		}
	}
	return out
}
