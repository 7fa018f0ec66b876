package preprocess

import (
	"image"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Stats summarises the luminance of a cropped region.
type Stats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	// Noise is the mean absolute Laplacian response scaled to [0, 1].
	Noise float64 `json:"noise"`
}

// ComputeStats measures a grayscale image. Non-gray images are read through
// the color model, so any image.Image is accepted.
func ComputeStats(img image.Image) Stats {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return Stats{}
	}

	lum := luminance(img)
	mean, std := stat.MeanStdDev(lum, nil)
	if math.IsNaN(std) {
		std = 0
	}

	lo, hi := lum[0], lum[0]
	for _, v := range lum {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}

	var noise float64
	if w > 2 && h > 2 {
		var sum float64
		for y := 1; y < h-1; y++ {
			for x := 1; x < w-1; x++ {
				i := y*w + x
				lap := 4*lum[i] - lum[i-1] - lum[i+1] - lum[i-w] - lum[i+w]
				sum += math.Abs(lap)
			}
		}
		noise = sum / float64((w-2)*(h-2)) / (4 * 255)
	}

	return Stats{Mean: mean, StdDev: std, Min: lo, Max: hi, Noise: noise}
}

func luminance(img image.Image) []float64 {
	b := img.Bounds()
	out := make([]float64, 0, b.Dx()*b.Dy())
	if g, ok := img.(*image.Gray); ok {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := g.Pix[(y-b.Min.Y)*g.Stride : (y-b.Min.Y)*g.Stride+b.Dx()]
			for _, p := range row {
				out = append(out, float64(p))
			}
		}
		return out
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, gg, bb, _ := img.At(x, y).RGBA()
			out = append(out, (0.299*float64(r)+0.587*float64(gg)+0.114*float64(bb))/257)
		}
	}
	return out
}

// Strategy is the cleanup recipe chosen for a region.
type Strategy int

const (
	StrategyStandard Strategy = iota
	StrategyLowContrast
	StrategyNoisy
	StrategyDarkBackground
	StrategyDarkLowContrast
	StrategyWashedOut
)

var strategyNames = map[Strategy]string{
	StrategyStandard:        "STANDARD",
	StrategyLowContrast:     "LOW_CONTRAST",
	StrategyNoisy:           "NOISY",
	StrategyDarkBackground:  "DARK_BACKGROUND",
	StrategyDarkLowContrast: "DARK_LOW_CONTRAST",
	StrategyWashedOut:       "WASHED_OUT",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ThresholdMode selects how the final binarization level is chosen.
type ThresholdMode int

const (
	ThresholdOtsu ThresholdMode = iota
	ThresholdFixed
)

// Plan is the concrete set of operations for a strategy.
type Plan struct {
	Invert    bool
	Denoise   float64 // gaussian sigma, 0 = off
	Contrast  float64 // percentage for imaging.AdjustContrast
	Sharpen   float64 // sigma, 0 = off
	Threshold ThresholdMode
	Level     uint8 // used with ThresholdFixed
}

// Selection thresholds on the 0-255 luminance scale.
const (
	darkMean        = 96.0
	washedOutMean   = 200.0
	lowContrastStd  = 24.0
	noisyLaplacian  = 0.12
	washedOutCutoff = 180
)

// SelectStrategy maps crop statistics to a strategy. It is a pure function.
func SelectStrategy(s Stats) Strategy {
	dark := s.Mean < darkMean
	flat := s.StdDev < lowContrastStd

	switch {
	case dark && flat:
		return StrategyDarkLowContrast
	case dark:
		return StrategyDarkBackground
	case flat:
		return StrategyLowContrast
	case s.Noise > noisyLaplacian:
		return StrategyNoisy
	case s.Mean > washedOutMean:
		return StrategyWashedOut
	default:
		return StrategyStandard
	}
}

var plans = map[Strategy]Plan{
	StrategyStandard:        {Sharpen: 0.6, Threshold: ThresholdOtsu},
	StrategyLowContrast:     {Contrast: 60, Sharpen: 0.8, Threshold: ThresholdOtsu},
	StrategyNoisy:           {Denoise: 0.8, Contrast: 20, Threshold: ThresholdOtsu},
	StrategyDarkBackground:  {Invert: true, Contrast: 20, Sharpen: 0.6, Threshold: ThresholdOtsu},
	StrategyDarkLowContrast: {Invert: true, Contrast: 60, Sharpen: 0.8, Threshold: ThresholdOtsu},
	StrategyWashedOut:       {Contrast: 30, Threshold: ThresholdFixed, Level: washedOutCutoff},
}

// Plan returns the operations for s.
func (s Strategy) Plan() Plan {
	if p, ok := plans[s]; ok {
		return p
	}
	return plans[StrategyStandard]
}
