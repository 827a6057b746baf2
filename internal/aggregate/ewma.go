package aggregate

// EWMA is an adjusted exponentially weighted moving average:
//
//	y_t = sum_i (1-a)^i x_{t-i} / sum_i (1-a)^i,  a = 2 / (span + 1)
//
// No value is reported until minPeriods samples have been added.
type EWMA struct {
	decay      float64
	minPeriods int
	num, den   float64
	n          int
}

// NewEWMA creates an average with the given span and warm-up length.
func NewEWMA(span, minPeriods int) *EWMA {
	alpha := 2.0 / (float64(span) + 1.0)
	return &EWMA{decay: 1 - alpha, minPeriods: minPeriods}
}

// Add feeds one sample and returns the current average, with ok false while
// still warming up.
func (e *EWMA) Add(x float64) (value float64, ok bool) {
	e.num = x + e.decay*e.num
	e.den = 1 + e.decay*e.den
	e.n++
	if e.n < e.minPeriods {
		return 0, false
	}
	return e.num / e.den, true
}

// Count returns the number of samples added.
func (e *EWMA) Count() int { return e.n }
