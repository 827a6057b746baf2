package aggregate

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yihaochen/urban-growth/internal/domain"
)

func rec(t time.Time, score float64, pixels int) domain.ScoreRecord {
	key := fmt.Sprintf("%s_047027", t.Format("20060102"))
	return domain.ScoreRecord{
		QueryID:       "q",
		SceneKey:      key,
		SceneDateTime: t,
		UrbanScore:    score,
		Pixels:        pixels,
		ImageKey:      "ndbi/q_" + key + ".png",
	}
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 18, 57, 0, 0, time.UTC)
}

func TestEWMA_WarmUp(t *testing.T) {
	e := NewEWMA(TrendSpan, TrendMinPeriod)
	for _, x := range []float64{0.9, 0.95, 1.0, 0.92} {
		_, ok := e.Add(x)
		assert.False(t, ok)
	}
	for i := 0; i < 4; i++ {
		_, ok := e.Add(1.0)
		assert.False(t, ok)
	}

	v, ok := e.Add(1.0)
	require.True(t, ok, "ninth sample emits")
	assert.Equal(t, 9, e.Count())

	// Adjusted weights (1-a)^i, newest first.
	xs := []float64{0.9, 0.95, 1.0, 0.92, 1, 1, 1, 1, 1}
	decay := 1 - 2.0/49.0
	var num, den float64
	for i := range xs {
		w := math.Pow(decay, float64(len(xs)-1-i))
		num += w * xs[i]
		den += w
	}
	assert.InDelta(t, num/den, v, 1e-12)
}

func TestEWMA_ConstantSeries(t *testing.T) {
	e := NewEWMA(4, 1)
	for i := 0; i < 20; i++ {
		v, ok := e.Add(0.7)
		require.True(t, ok)
		assert.InDelta(t, 0.7, v, 1e-12)
	}
}

func TestMeanStd(t *testing.T) {
	mean, std := meanStd([]float64{1, 2, 3, 4})
	assert.InDelta(t, 2.5, mean, 1e-12)
	assert.InDelta(t, math.Sqrt(5.0/3.0), std, 1e-12, "sample deviation")

	mean, std = meanStd([]float64{4})
	assert.InDelta(t, 4, mean, 0)
	assert.Zero(t, std)
}

func TestMonthEnds(t *testing.T) {
	got := monthEnds(day(2019, 1, 15), day(2019, 4, 2))
	want := []time.Time{
		time.Date(2019, 1, 31, 0, 0, 0, 0, time.UTC),
		time.Date(2019, 2, 28, 0, 0, 0, 0, time.UTC),
		time.Date(2019, 3, 31, 0, 0, 0, 0, time.UTC),
	}
	assert.Equal(t, want, got)

	got = monthEnds(day(2019, 12, 20), day(2020, 2, 29))
	assert.Equal(t, []time.Time{
		time.Date(2019, 12, 31, 0, 0, 0, 0, time.UTC),
		time.Date(2020, 1, 31, 0, 0, 0, 0, time.UTC),
		time.Date(2020, 2, 29, 0, 0, 0, 0, time.UTC),
	}, got)

	assert.Empty(t, monthEnds(day(2019, 1, 2), day(2019, 1, 20)))
}

func TestAggregate_BandOnMonthEndGrid(t *testing.T) {
	a := rec(day(2019, 1, 15), 1.0, 100)
	b := rec(day(2019, 3, 15), 1.2, 100)

	got := Aggregate([]domain.ScoreRecord{b, a}, Options{MaxPixels: 100})

	require.Len(t, got.UpperBand, 2)
	require.Len(t, got.LowerBand, 2)
	jan31 := time.Date(2019, 1, 31, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, jan31, got.UpperBand[0].Time)
	assert.Empty(t, got.UpperBand[0].ImageKey)

	// Rolling means are 1.0 then 1.1 (both inside 90 days); sigma of {1.0, 1.2}.
	frac := float64(jan31.Sub(a.SceneDateTime)) / float64(b.SceneDateTime.Sub(a.SceneDateTime))
	mid := 1.0 + 0.1*frac
	sigma := math.Sqrt(0.02)
	assert.InDelta(t, mid+sigma, got.UpperBand[0].Value, 1e-9)
	assert.InDelta(t, mid-sigma, got.LowerBand[0].Value, 1e-9)

	assert.Empty(t, got.TrendLine, "fewer than nine samples")
	assert.Len(t, got.NonSeasonalPoints, 2)
	assert.Equal(t, a.SceneDateTime, got.NonSeasonalPoints[0].Time, "time ordered")
}

func TestAggregate_RollingWindowIsTrailing90Days(t *testing.T) {
	recs := []domain.ScoreRecord{
		rec(day(2019, 1, 1), 1.0, 10),
		rec(day(2019, 4, 1), 2.0, 10), // exactly 90 days later: window includes both
		rec(day(2019, 7, 1), 3.0, 10), // 91 days after April 1
	}
	means := rollingMean(recs, RollingWindow)
	assert.InDeltaSlice(t, []float64{1.0, 1.5, 3.0}, means, 1e-12)
}

func TestAggregate_ErrorScalesWithCoverage(t *testing.T) {
	recs := []domain.ScoreRecord{
		rec(day(2019, 1, 1), 1.0, 100),
		rec(day(2019, 2, 1), 1.2, 25),
	}
	errs := errorSeries(recs, 0.1, 100)
	assert.InDeltaSlice(t, []float64{0.1, 0.2}, errs, 1e-12)

	errs = errorSeries(recs, 0.1, 0)
	assert.InDeltaSlice(t, []float64{0.1, 0.2}, errs, 1e-12, "max n_pixels used when unknown")
}

// monthly builds n records on the 10th of successive months with small noise.
func monthly(n int) []domain.ScoreRecord {
	out := make([]domain.ScoreRecord, 0, n)
	for i := 0; i < n; i++ {
		t := time.Date(2017, time.Month(1+i), 10, 18, 57, 0, 0, time.UTC)
		out = append(out, rec(t, 1.0+0.01*float64(i%3), 1000))
	}
	return out
}

func TestAggregate_OutlierExcludedFromBandAndTrend(t *testing.T) {
	clean := monthly(14)
	outlier := rec(time.Date(2017, 6, 25, 18, 57, 0, 0, time.UTC), 3.0, 1000)
	withOutlier := append(append([]domain.ScoreRecord{}, clean...), outlier)

	base := Aggregate(clean, Options{MaxPixels: 1000})
	got := Aggregate(withOutlier, Options{MaxPixels: 1000})

	approx := cmpopts.EquateApprox(0, 1e-12)
	if diff := cmp.Diff(base.UpperBand, got.UpperBand, approx); diff != "" {
		t.Errorf("upper band changed by outlier (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(base.LowerBand, got.LowerBand, approx); diff != "" {
		t.Errorf("lower band changed by outlier (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(base.TrendLine, got.TrendLine, approx); diff != "" {
		t.Errorf("trend changed by outlier (-want +got):\n%s", diff)
	}
	assert.NotEmpty(t, got.TrendLine)

	raw := append(got.NonSeasonalPoints, got.SeasonalPoints...)
	assert.Contains(t, raw, Point{Time: outlier.SceneDateTime, Value: 3.0, ImageKey: outlier.ImageKey}, "outlier still shown as a raw point")
}

func TestAggregate_TrendStartsAtNinthSample(t *testing.T) {
	recs := monthly(12)
	got := Aggregate(recs, Options{})
	require.Len(t, got.TrendLine, 4)
	assert.Equal(t, recs[8].SceneDateTime, got.TrendLine[0].Time)
	assert.Equal(t, recs[8].ImageKey, got.TrendLine[0].ImageKey)
}

func TestAggregate_SeasonalMask(t *testing.T) {
	recs := []domain.ScoreRecord{
		rec(day(2018, 1, 10), 1.10, 100),
		rec(day(2018, 3, 10), 1.12, 100),
		rec(day(2018, 6, 10), 1.00, 100),  // summer and low: flagged
		rec(day(2018, 7, 10), 1.11, 100),  // summer but not low
		rec(day(2018, 10, 10), 1.00, 100), // low but not summer
		rec(day(2018, 12, 10), 1.12, 100),
	}
	got := Aggregate(recs, Options{MaxPixels: 100})

	require.Len(t, got.SeasonalPoints, 1)
	assert.Equal(t, recs[2].SceneDateTime, got.SeasonalPoints[0].Time)
	assert.Len(t, got.NonSeasonalPoints, 5)
}

func TestAggregate_DedupesAndIgnoresPending(t *testing.T) {
	t0 := day(2019, 8, 28)
	a := rec(t0, 1.1, 100)
	a.SceneKey = "20190828_047027"
	b := rec(t0, 1.3, 100)
	b.SceneKey = "20190828_047026"
	pending := rec(day(2019, 9, 13), 0, 0)

	got := Aggregate([]domain.ScoreRecord{a, b, pending}, Options{})
	require.Len(t, got.NonSeasonalPoints, 1)
	assert.InDelta(t, 1.3, got.NonSeasonalPoints[0].Value, 0, "lowest scene key kept")
}

func TestAggregate_Empty(t *testing.T) {
	got := Aggregate(nil, Options{})
	assert.NotNil(t, got.UpperBand)
	assert.Empty(t, got.UpperBand)
	assert.Empty(t, got.TrendLine)
	assert.Empty(t, got.NonSeasonalPoints)
}

func TestAggregate_IdenticalScoresAreAllKept(t *testing.T) {
	for _, v := range []float64{0.1, 0.7, 0.93, 1.1, 1.0000001} {
		for n := 2; n < 40; n++ {
			t.Run(fmt.Sprintf("%g x%d", v, n), func(t *testing.T) {
				recs := make([]domain.ScoreRecord, n)
				for i := range recs {
					recs[i] = rec(day(2018, 1, 3).AddDate(0, 0, 14*i), v, 100)
				}

				var got Series
				require.NotPanics(t, func() { got = Aggregate(recs, Options{MaxPixels: 100}) })

				assert.Len(t, got.NonSeasonalPoints, n)
				assert.Empty(t, got.SeasonalPoints, "no summer scene is below the mean")
				assert.Len(t, got.TrendLine, max(0, n-TrendMinPeriod+1))
				for _, p := range got.TrendLine {
					assert.InDelta(t, v, p.Value, 1e-9)
				}
				for i := range got.UpperBand {
					assert.InDelta(t, v, got.UpperBand[i].Value, 1e-9)
					assert.InDelta(t, v, got.LowerBand[i].Value, 1e-9)
				}
			})
		}
	}
}
