// Package aggregate turns a query's done score records into a display series:
// outlier rejection, a seasonal marker, a rolling-mean band on a month-end
// grid and an EWMA trend line.
package aggregate

import (
	"math"
	"sort"
	"time"

	"github.com/yihaochen/urban-growth/internal/domain"
	"gonum.org/v1/gonum/stat"
)

const (
	OutlierSigmas  = 2.0
	SeasonalSigmas = 0.5
	RollingWindow  = 90 * 24 * time.Hour
	TrendSpan      = 48
	TrendMinPeriod = 9

	// relTolerance absorbs the rounding in the mean, which can sit a few ulps
	// off a set of identical scores while sigma is zero.
	relTolerance = 1e-9
)

// Point is one sample of an output series. ImageKey is empty for synthetic
// grid points.
type Point struct {
	Time     time.Time `json:"timestamp"`
	Value    float64   `json:"value"`
	ImageKey string    `json:"image_key,omitempty"`
}

// Series is the display-ready aggregation of one query.
type Series struct {
	UpperBand         []Point `json:"upper_band"`
	LowerBand         []Point `json:"lower_band"`
	TrendLine         []Point `json:"trend_line"`
	NonSeasonalPoints []Point `json:"non_seasonal_points"`
	SeasonalPoints    []Point `json:"seasonal_points"`
}

// Options tunes the aggregation.
type Options struct {
	// MaxPixels is the pixel count of a fully covered scene of the region.
	// Zero uses the largest n_pixels among the records.
	MaxPixels int
}

// Aggregate builds the series from a query's records. Pending records are ignored.
func Aggregate(records []domain.ScoreRecord, opts Options) Series {
	obs := dedupe(records)
	out := Series{
		UpperBand:         []Point{},
		LowerBand:         []Point{},
		TrendLine:         []Point{},
		NonSeasonalPoints: []Point{},
		SeasonalPoints:    []Point{},
	}
	if len(obs) == 0 {
		return out
	}

	mu, sigma := meanStd(scores(obs))
	kept := make([]domain.ScoreRecord, 0, len(obs))
	for _, r := range obs {
		if math.Abs(r.UrbanScore-mu) <= OutlierSigmas*sigma+tolerance(mu) {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		kept = obs
	}
	muF, sigmaF := meanStd(scores(kept))

	seasonal := make(map[string]bool, len(kept))
	for _, r := range kept {
		if isSummer(r.SceneDateTime) && r.UrbanScore < muF-SeasonalSigmas*sigmaF-tolerance(muF) {
			seasonal[r.SceneKey] = true
		}
	}
	for _, r := range obs {
		p := Point{Time: r.SceneDateTime, Value: r.UrbanScore, ImageKey: r.ImageKey}
		if seasonal[r.SceneKey] {
			out.SeasonalPoints = append(out.SeasonalPoints, p)
		} else {
			out.NonSeasonalPoints = append(out.NonSeasonalPoints, p)
		}
	}

	smooth := rollingMean(kept, RollingWindow)
	errs := errorSeries(kept, sigmaF, opts.MaxPixels)
	grid := monthEnds(kept[0].SceneDateTime, kept[len(kept)-1].SceneDateTime)
	times := make([]time.Time, len(kept))
	for i, r := range kept {
		times[i] = r.SceneDateTime
	}
	for _, g := range grid {
		m := interpolate(times, smooth, g)
		e := interpolate(times, errs, g)
		out.UpperBand = append(out.UpperBand, Point{Time: g, Value: m + e})
		out.LowerBand = append(out.LowerBand, Point{Time: g, Value: m - e})
	}

	trend := NewEWMA(TrendSpan, TrendMinPeriod)
	for _, r := range kept {
		if v, ok := trend.Add(r.UrbanScore); ok {
			out.TrendLine = append(out.TrendLine, Point{Time: r.SceneDateTime, Value: v, ImageKey: r.ImageKey})
		}
	}
	return out
}

// dedupe keeps done records, ordered by time, one per acquisition datetime.
// Ties keep the record with the lowest scene key.
func dedupe(records []domain.ScoreRecord) []domain.ScoreRecord {
	done := make([]domain.ScoreRecord, 0, len(records))
	for _, r := range records {
		if r.Done() {
			done = append(done, r)
		}
	}
	sort.SliceStable(done, func(i, j int) bool {
		if !done[i].SceneDateTime.Equal(done[j].SceneDateTime) {
			return done[i].SceneDateTime.Before(done[j].SceneDateTime)
		}
		return done[i].SceneKey < done[j].SceneKey
	})

	out := make([]domain.ScoreRecord, 0, len(done))
	for i, r := range done {
		if i > 0 && r.SceneDateTime.Equal(done[i-1].SceneDateTime) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func scores(records []domain.ScoreRecord) []float64 {
	out := make([]float64, len(records))
	for i, r := range records {
		out[i] = r.UrbanScore
	}
	return out
}

// meanStd returns the mean and sample standard deviation. Fewer than two
// values have zero deviation.
func meanStd(xs []float64) (mean, std float64) {
	switch len(xs) {
	case 0:
		return 0, 0
	case 1:
		return xs[0], 0
	}
	return stat.MeanStdDev(xs, nil)
}

func tolerance(mu float64) float64 {
	return relTolerance * math.Max(1, math.Abs(mu))
}

func isSummer(t time.Time) bool {
	m := t.Month()
	return m >= time.May && m <= time.August
}

// rollingMean is the trailing mean over [t-window, t] at each observation.
func rollingMean(records []domain.ScoreRecord, window time.Duration) []float64 {
	out := make([]float64, len(records))
	start := 0
	var sum float64
	for i, r := range records {
		sum += r.UrbanScore
		for records[start].SceneDateTime.Before(r.SceneDateTime.Add(-window)) {
			sum -= records[start].UrbanScore
			start++
		}
		out[i] = sum / float64(i-start+1)
	}
	return out
}

// errorSeries is sigma / sqrt(valid_percent) at each observation.
func errorSeries(records []domain.ScoreRecord, sigma float64, maxPixels int) []float64 {
	if maxPixels <= 0 {
		for _, r := range records {
			maxPixels = max(maxPixels, r.Pixels)
		}
	}
	out := make([]float64, len(records))
	for i, r := range records {
		out[i] = sigma / math.Sqrt(float64(r.Pixels)/float64(maxPixels))
	}
	return out
}

// monthEnds lists every month-end midnight in [from, to].
func monthEnds(from, to time.Time) []time.Time {
	from, to = from.UTC(), to.UTC()
	var out []time.Time
	for y, m := from.Year(), from.Month(); ; m++ {
		end := time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC)
		if end.After(to) {
			return out
		}
		if !end.Before(from) {
			out = append(out, end)
		}
	}
}

// interpolate linearly in time between the observations bracketing t.
// times must be ascending and t within their span.
func interpolate(times []time.Time, values []float64, t time.Time) float64 {
	i := sort.Search(len(times), func(i int) bool { return !times[i].Before(t) })
	if i == len(times) {
		return values[len(values)-1]
	}
	if times[i].Equal(t) || i == 0 {
		return values[i]
	}
	t0, t1 := times[i-1], times[i]
	frac := float64(t.Sub(t0)) / float64(t1.Sub(t0))
	return values[i-1] + (values[i]-values[i-1])*frac
}
