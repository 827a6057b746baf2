// Package render draws a masked index raster as a PNG on a fixed colour scale,
// so artifacts from different scenes compare directly.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
)

// Fixed index range mapped onto the ramp. Values outside are clamped.
const (
	ScaleMin = -0.3
	ScaleMax = 0.0
)

// ramp is the reversed ColorBrewer PiYG diverging scheme: green at ScaleMin,
// pink at ScaleMax.
var ramp = []color.NRGBA{
	{0x27, 0x64, 0x19, 0xff},
	{0x4d, 0x92, 0x21, 0xff},
	{0x7f, 0xbc, 0x41, 0xff},
	{0xb8, 0xe1, 0x86, 0xff},
	{0xe6, 0xf5, 0xd0, 0xff},
	{0xf7, 0xf7, 0xf7, 0xff},
	{0xfd, 0xe0, 0xef, 0xff},
	{0xf1, 0xb6, 0xda, 0xff},
	{0xde, 0x77, 0xae, 0xff},
	{0xc5, 0x1b, 0x7d, 0xff},
	{0x8e, 0x01, 0x52, 0xff},
}

// Color maps an index value onto the ramp. NaN maps to transparent.
func Color(v float64) color.NRGBA {
	if math.IsNaN(v) {
		return color.NRGBA{}
	}
	t := (v - ScaleMin) / (ScaleMax - ScaleMin)
	t = math.Max(0, math.Min(1, t))

	pos := t * float64(len(ramp)-1)
	i := int(pos)
	if i >= len(ramp)-1 {
		return ramp[len(ramp)-1]
	}
	frac := pos - float64(i)
	a, b := ramp[i], ramp[i+1]
	lerp := func(x, y uint8) uint8 {
		return uint8(math.Round(float64(x) + (float64(y)-float64(x))*frac))
	}
	return color.NRGBA{lerp(a.R, b.R), lerp(a.G, b.G), lerp(a.B, b.B), 0xff}
}

// NDBI encodes a row-major width*height index raster as PNG. NaN pixels are
// treated as masked and drawn transparent.
func NDBI(index []float64, width, height int) ([]byte, error) {
	if width <= 0 || height <= 0 || len(index) != width*height {
		return nil, fmt.Errorf("render: %d samples for %dx%d raster", len(index), width, height)
	}

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, Color(index[y*width+x]))
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("render: encode png: %w", err)
	}
	return buf.Bytes(), nil
}
