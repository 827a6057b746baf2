package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yihaochen/urban-growth/internal/adapter/memory"
	"github.com/yihaochen/urban-growth/internal/domain"
	"github.com/yihaochen/urban-growth/internal/observability"
	"github.com/yihaochen/urban-growth/internal/region"
)

type mockResolver struct {
	region     region.Region
	scenes     []domain.SceneDescriptor
	resolveErr error
	findErr    error
	cloud      domain.CloudCoverRange
}

func (m *mockResolver) Resolve(context.Context, domain.Submission) (region.Region, error) {
	return m.region, m.resolveErr
}

func (m *mockResolver) FindScenes(_ context.Context, _ region.Region, cloud domain.CloudCoverRange) ([]domain.SceneDescriptor, error) {
	m.cloud = cloud
	return m.scenes, m.findErr
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, []domain.Job) error {
	return errors.New("broker down")
}

var testScenes = []domain.SceneDescriptor{
	{AcquiredAt: time.Date(2019, 7, 11, 18, 57, 0, 0, time.UTC), ProductID: "LC08_L1TP_046027_20190711_20190719_01_T1", CloudCoverPct: 1.2},
	{AcquiredAt: time.Date(2019, 8, 28, 18, 57, 0, 0, time.UTC), ProductID: "LC08_L1TP_047027_20190828_20190903_01_T1", CloudCoverPct: 4.5},
	{AcquiredAt: time.Date(2019, 8, 28, 18, 57, 24, 0, time.UTC), ProductID: "LC08_L1TP_047026_20190828_20190903_01_T1", CloudCoverPct: 9.9},
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freezeClock(t *testing.T) {
	t.Helper()
	domain.SetClock(clockwork.NewFakeClockAt(time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)))
	t.Cleanup(func() { domain.SetClock(nil) })
}

func TestSubmit_FansOut(t *testing.T) {
	freezeClock(t)
	ctx := context.Background()
	store := memory.NewStore()
	queue := memory.NewQueue()
	metrics := observability.NewMetricsForTesting()
	res := &mockResolver{region: region.Region{Ref: "geojson/abc.geojson", BBox: domain.BBox{-122.34, 47.60, -122.33, 47.61}}, scenes: testScenes}

	d := New(res, store, queue, discardLogger(), metrics)
	receipt, err := d.Submit(ctx, domain.SubmissionRequest{Submission: domain.ByBoundingBox{}, CloudCover: domain.DefaultCloudCover})
	require.NoError(t, err)

	assert.Equal(t, Receipt{QueryID: "20240309140507", RegionRef: "geojson/abc.geojson", CloudCover: domain.DefaultCloudCover, Scenes: 3}, receipt)
	assert.Equal(t, domain.DefaultCloudCover, res.cloud)

	recs, err := store.Scores(ctx, receipt.QueryID)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for _, r := range recs {
		assert.True(t, r.Pending())
		assert.Equal(t, domain.PlaceholderImageKey, r.ImageKey)
	}
	assert.Equal(t, "20190828_047026", recs[1].SceneKey, "same-date scenes keyed apart by path/row")

	entry, err := store.Ledger(ctx, receipt.QueryID)
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerEntry{RegionRef: "geojson/abc.geojson", QueryID: receipt.QueryID, ExpectedScenes: 3}, entry)

	assert.Equal(t, 3, queue.Pending())
	del, err := queue.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Job{QueryID: receipt.QueryID, ProductID: testScenes[0].ProductID, RegionRef: "geojson/abc.geojson"}, del.Job)

	assert.InDelta(t, 3, testutil.ToFloat64(metrics.ScenesDispatched), 0)
}

func TestSubmit_DropsUnkeyableAndDuplicateScenes(t *testing.T) {
	freezeClock(t)
	ctx := context.Background()
	store := memory.NewStore()
	queue := memory.NewQueue()
	scenes := append([]domain.SceneDescriptor{
		{ProductID: "not-a-landsat-id"},
		testScenes[1],
	}, testScenes[1])
	res := &mockResolver{region: region.Region{Ref: "r"}, scenes: scenes}

	receipt, err := New(res, store, queue, discardLogger(), observability.NewMetricsForTesting()).
		Submit(ctx, domain.SubmissionRequest{Submission: domain.ByBoundingBox{}, CloudCover: domain.CloudCoverRange{Lo: 0, Hi: 30}})
	require.NoError(t, err)
	assert.Equal(t, 1, receipt.Scenes)
	assert.Equal(t, domain.CloudCoverRange{Lo: 0, Hi: 30}, res.cloud)
	assert.Equal(t, 1, queue.Pending())
}

func TestSubmit_KeepsZeroCloudRange(t *testing.T) {
	freezeClock(t)
	req, err := domain.DecodeSubmission([]byte(`{"bbox":[-122.34,47.60,-122.33,47.61],"cloud_cover_range":[0,0]}`))
	require.NoError(t, err)
	res := &mockResolver{region: region.Region{Ref: "r"}, scenes: testScenes[:1]}

	receipt, err := New(res, memory.NewStore(), memory.NewQueue(), discardLogger(), observability.NewMetricsForTesting()).
		Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.CloudCoverRange{}, res.cloud)
	assert.Equal(t, domain.CloudCoverRange{}, receipt.CloudCover)
}

func TestSubmit_NoScenes(t *testing.T) {
	freezeClock(t)
	ctx := context.Background()
	store := memory.NewStore()
	queue := memory.NewQueue()
	res := &mockResolver{region: region.Region{Ref: "r", BBox: domain.EmptyBBox}}

	receipt, err := New(res, store, queue, discardLogger(), observability.NewMetricsForTesting()).
		Submit(ctx, domain.SubmissionRequest{Submission: domain.ByBoundary{}})
	require.NoError(t, err)
	assert.Equal(t, 0, receipt.Scenes)

	entry, err := store.Ledger(ctx, receipt.QueryID)
	require.NoError(t, err)
	assert.Equal(t, 0, entry.ExpectedScenes)
	assert.Equal(t, 0, queue.Pending())
}

func TestSubmit_Errors(t *testing.T) {
	freezeClock(t)
	ctx := context.Background()
	sub := domain.SubmissionRequest{Submission: domain.ByBoundingBox{}}

	t.Run("malformed input has no side effects", func(t *testing.T) {
		store := memory.NewStore()
		queue := memory.NewQueue()
		res := &mockResolver{resolveErr: domain.ErrMalformedInput}
		_, err := New(res, store, queue, discardLogger(), observability.NewMetricsForTesting()).Submit(ctx, sub)
		require.ErrorIs(t, err, domain.ErrMalformedInput)

		_, err = store.Ledger(ctx, "20240309140507")
		require.ErrorIs(t, err, domain.ErrNotFound)
		assert.Equal(t, 0, queue.Pending())
	})

	t.Run("catalog unavailable", func(t *testing.T) {
		res := &mockResolver{findErr: domain.ErrCatalogUnavailable}
		_, err := New(res, memory.NewStore(), memory.NewQueue(), discardLogger(), observability.NewMetricsForTesting()).Submit(ctx, sub)
		require.ErrorIs(t, err, domain.ErrCatalogUnavailable)
	})

	t.Run("publish failure", func(t *testing.T) {
		res := &mockResolver{region: region.Region{Ref: "r"}, scenes: testScenes}
		_, err := New(res, memory.NewStore(), failingPublisher{}, discardLogger(), observability.NewMetricsForTesting()).Submit(ctx, sub)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broker down")
	})
}
