package render

import (
	"bytes"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColor_FixedScale(t *testing.T) {
	assert.Equal(t, ramp[0], Color(ScaleMin))
	assert.Equal(t, ramp[0], Color(-5), "below range clamps")
	assert.Equal(t, ramp[len(ramp)-1], Color(ScaleMax))
	assert.Equal(t, ramp[len(ramp)-1], Color(0.7), "above range clamps")
	assert.Equal(t, ramp[5], Color(-0.15))
	assert.Equal(t, color.NRGBA{}, Color(math.NaN()))
}

func TestNDBI(t *testing.T) {
	index := []float64{-0.3, math.NaN(), 0, -0.15, -0.3, 0}
	data, err := NDBI(index, 3, 2)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 3, img.Bounds().Dx())
	assert.Equal(t, 2, img.Bounds().Dy())

	_, _, _, a := img.At(1, 0).RGBA()
	assert.Zero(t, a, "masked pixel is transparent")
	_, _, _, a = img.At(0, 0).RGBA()
	assert.NotZero(t, a)
}

func TestNDBI_SizeMismatch(t *testing.T) {
	_, err := NDBI([]float64{1, 2, 3}, 2, 2)
	require.Error(t, err)
	_, err = NDBI(nil, 0, 0)
	require.Error(t, err)
}
