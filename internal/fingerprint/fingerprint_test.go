package fingerprint

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
)

func halves(w, h int, leftDark bool) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dark := x < w/2
			if !leftDark {
				dark = !dark
			}
			if dark {
				img.SetGray(x, y, color.Gray{Y: 20})
			} else {
				img.SetGray(x, y, color.Gray{Y: 230})
			}
		}
	}
	return img
}

func TestAverageHashStableAcrossScale(t *testing.T) {
	small := Average(halves(64, 64, true))
	large := Average(halves(256, 256, true))

	assert.True(t, Similar(small, large, DefaultThreshold))
}

func TestAverageHashDistinguishesScreens(t *testing.T) {
	a := Average(halves(64, 64, true))
	b := Average(halves(64, 64, false))

	assert.Equal(t, Size, Distance(a, b))
	assert.False(t, Similar(a, b, DefaultThreshold))
}

func TestVectorRoundTrip(t *testing.T) {
	h := Average(halves(64, 64, true))
	v := h.Vector()

	assert.Len(t, v, Size)
	assert.Equal(t, h, FromVector(v))

	var ones int
	for _, x := range v {
		if x == 1 {
			ones++
		}
	}
	assert.Equal(t, 32, ones)
}
