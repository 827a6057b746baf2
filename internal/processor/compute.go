package processor

import (
	"fmt"
	"math"

	"github.com/yihaochen/urban-growth/internal/domain"
)

const (
	// MinCoverage is the share of geometry pixels that must survive cloud
	// masking for a scene to be scored.
	MinCoverage = 0.8

	// cloudConfidenceShift and cloudConfidenceMask locate the two-bit cloud
	// confidence field of the Collection-1 BQA band.
	cloudConfidenceShift = 5
	cloudConfidenceMask  = 0b11

	// CloudConfidenceMedium is the lowest confidence tier that masks a pixel.
	CloudConfidenceMedium = 2
)

// CloudConfidence extracts the cloud confidence tier (0-3) from a BQA sample.
func CloudConfidence(qa uint16) uint16 {
	return (qa >> cloudConfidenceShift) & cloudConfidenceMask
}

// Cloudy reports whether a BQA sample is masked as cloud.
func Cloudy(qa uint16) bool {
	return CloudConfidence(qa) >= CloudConfidenceMedium
}

// Measurement is the per-scene result of masking and index computation.
type Measurement struct {
	Width, Height  int
	GeometryPixels int
	UsablePixels   int
	// ValidPixels counts usable pixels with swir > 0.
	ValidPixels int
	Score       float64
	// Index holds the per-pixel index; masked pixels are NaN.
	Index []float64
}

// Sufficient reports whether enough of the geometry survived masking.
func (m Measurement) Sufficient() bool {
	if m.GeometryPixels == 0 {
		return false
	}
	return float64(m.UsablePixels) >= MinCoverage*float64(m.GeometryPixels)
}

func validateRaster(r domain.SceneRaster) error {
	n := r.Len()
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("raster has size %dx%d", r.Width, r.Height)
	}
	if len(r.SWIR) != n || len(r.NIR) != n || len(r.Quality) != n || len(r.InGeometry) != n {
		return fmt.Errorf("raster bands do not match %dx%d: swir=%d nir=%d qa=%d geometry=%d",
			r.Width, r.Height, len(r.SWIR), len(r.NIR), len(r.Quality), len(r.InGeometry))
	}
	return nil
}

// Measure masks the raster and computes the normalized difference index
// (swir - nir) / (swir + nir) over usable pixels, then the scene score
// sum(index over valid pixels) / valid + 1. Non-finite values become 0.
func Measure(r domain.SceneRaster) (Measurement, error) {
	if err := validateRaster(r); err != nil {
		return Measurement{}, err
	}

	m := Measurement{Width: r.Width, Height: r.Height, Index: make([]float64, r.Len())}
	var sum float64
	for i := range m.Index {
		if !r.InGeometry[i] {
			m.Index[i] = math.NaN()
			continue
		}
		m.GeometryPixels++
		if Cloudy(r.Quality[i]) {
			m.Index[i] = math.NaN()
			continue
		}
		m.UsablePixels++

		v := (r.SWIR[i] - r.NIR[i]) / (r.SWIR[i] + r.NIR[i])
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		m.Index[i] = v
		if r.SWIR[i] > 0 {
			m.ValidPixels++
			sum += v
		}
	}
	m.Score = Score(sum, m.ValidPixels)
	return m, nil
}

// Score returns sum/n + 1, or 0 when that is not finite.
func Score(sum float64, n int) float64 {
	s := sum/float64(n) + 1.0
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return 0
	}
	return s
}
