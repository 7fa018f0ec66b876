// Package fingerprint computes 64-bit average hashes of screenshots so that
// repeated captures of the same screen can be recognised cheaply.
package fingerprint

import (
	"image"
	"math/bits"

	"github.com/disintegration/imaging"
)

// Hash is an average hash: one bit per cell of an 8x8 grayscale thumbnail,
// set when the cell is brighter than the thumbnail mean.
type Hash uint64

// DefaultThreshold is the Hamming distance at or below which two captures are
// treated as the same screen.
const DefaultThreshold = 5

// Size is the number of bits in a Hash.
const Size = 64

// Average computes the average hash of img.
func Average(img image.Image) Hash {
	thumb := imaging.Grayscale(imaging.Resize(img, 8, 8, imaging.Box))

	var lum [Size]uint32
	var total uint32
	for i := 0; i < Size; i++ {
		// Grayscale leaves R=G=B, so one channel is the luminance.
		v := uint32(thumb.Pix[i*4])
		lum[i] = v
		total += v
	}
	mean := total / Size

	var h Hash
	for i, v := range lum {
		if v > mean {
			h |= 1 << uint(Size-1-i)
		}
	}
	return h
}

// Distance returns the Hamming distance between two hashes.
func Distance(a, b Hash) int {
	return bits.OnesCount64(uint64(a ^ b))
}

// Similar reports whether a and b are within threshold bits of each other.
func Similar(a, b Hash, threshold int) bool {
	return Distance(a, b) <= threshold
}

// Vector expands h into a 0/1 vector. The squared Euclidean distance between
// two such vectors equals the Hamming distance of their hashes.
func (h Hash) Vector() []float32 {
	v := make([]float32, Size)
	for i := 0; i < Size; i++ {
		if h&(1<<uint(Size-1-i)) != 0 {
			v[i] = 1
		}
	}
	return v
}

// FromVector rebuilds a hash from a vector produced by Vector.
func FromVector(v []float32) Hash {
	var h Hash
	for i := 0; i < Size && i < len(v); i++ {
		if v[i] >= 0.5 {
			h |= 1 << uint(Size-1-i)
		}
	}
	return h
}
