package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yihaochen/urban-growth/internal/domain"
)

const (
	testRef   = "geojson/abc.geojson"
	testQuery = "20240309140507"
	testScene = "20190828_047027"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client), mr
}

func placeholder(t *testing.T, qid, pid string) domain.ScoreRecord {
	t.Helper()
	meta, err := domain.ParseProductID(pid)
	require.NoError(t, err)
	return domain.NewPlaceholder(qid, domain.SceneDescriptor{AcquiredAt: time.Date(2019, 8, 28, 18, 57, 3, 0, time.UTC), ProductID: pid}, meta)
}

func TestStore_PlaceholdersAndScores(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	p := placeholder(t, testQuery, "LC08_L1TP_047027_20190828_20190903_01_T1")
	require.NoError(t, s.PutPlaceholders(ctx, []domain.ScoreRecord{p}))
	assert.Equal(t, domain.PlaceholderImageKey, mr.HGet(scoreKey(testQuery, testScene), "image_key"))
	assert.Equal(t, "2019-08-28T18:57:03Z", mr.HGet(scoreKey(testQuery, testScene), "scene_datetime"))

	recs, err := s.Scores(ctx, testQuery)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Pending())
	assert.True(t, p.SceneDateTime.Equal(recs[0].SceneDateTime))

	done := p
	done.UrbanScore, done.Pixels, done.ImageKey = 1.25, 4096, domain.ImageKey(testQuery, testScene)
	done.SceneDateTime = time.Date(2019, 8, 28, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateScore(ctx, done))

	// A replayed placeholder must not clobber the score.
	require.NoError(t, s.PutPlaceholders(ctx, []domain.ScoreRecord{p}))

	recs, err = s.Scores(ctx, testQuery)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Done())
	assert.InDelta(t, 1.25, recs[0].UrbanScore, 0)
	assert.Equal(t, 4096, recs[0].Pixels)
	assert.True(t, p.SceneDateTime.Equal(recs[0].SceneDateTime), "placeholder time kept")
}

func TestStore_ScoresOrderedBySceneKey(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.PutPlaceholders(ctx, []domain.ScoreRecord{
		placeholder(t, testQuery, "LC08_L1TP_047027_20190913_20190917_01_T1"),
		placeholder(t, testQuery, "LC08_L1TP_046027_20190711_20190719_01_T1"),
	}))
	recs, err := s.Scores(ctx, testQuery)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "20190711_046027", recs[0].SceneKey)
	assert.Equal(t, "20190913_047027", recs[1].SceneKey)

	empty, err := s.Scores(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStore_LedgerSupersededByNewerQuery(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	require.NoError(t, s.PutLedger(ctx, domain.LedgerEntry{RegionRef: testRef, QueryID: "q1", ExpectedScenes: 3}))
	got, err := s.Ledger(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerEntry{RegionRef: testRef, QueryID: "q1", ExpectedScenes: 3}, got)

	require.NoError(t, s.PutLedger(ctx, domain.LedgerEntry{RegionRef: testRef, QueryID: "q2", ExpectedScenes: 5}))
	_, err = s.Ledger(ctx, "q1")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.Ledger(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.Error(t, s.PutLedger(ctx, domain.LedgerEntry{RegionRef: testRef, QueryID: "q3", ExpectedScenes: -1}))
}

func TestStore_RecordSkipIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.PutLedger(ctx, domain.LedgerEntry{RegionRef: testRef, QueryID: testQuery, ExpectedScenes: 2}))

	req := domain.SkipRequest{QueryID: testQuery, RegionRef: testRef, SceneKey: testScene, Reason: "insufficient_coverage"}
	res, err := s.RecordSkip(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.SkipResult{Applied: true, Remaining: 1}, res)

	res, err = s.RecordSkip(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.SkipResult{Remaining: 1}, res, "redelivered skip does not decrement")

	got, err := s.Ledger(ctx, testQuery)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ExpectedScenes)
}

func TestStore_RecordSkipUnderflow(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.PutLedger(ctx, domain.LedgerEntry{RegionRef: testRef, QueryID: testQuery, ExpectedScenes: 0}))

	res, err := s.RecordSkip(ctx, domain.SkipRequest{QueryID: testQuery, RegionRef: testRef, SceneKey: testScene})
	require.NoError(t, err)
	assert.Equal(t, domain.SkipResult{Applied: true, Underflow: true}, res)

	got, err := s.Ledger(ctx, testQuery)
	require.NoError(t, err)
	assert.Zero(t, got.ExpectedScenes, "clamped at zero")
}

func TestStore_RecordSkipForSupersededQuery(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.PutLedger(ctx, domain.LedgerEntry{RegionRef: testRef, QueryID: "q-new", ExpectedScenes: 4}))

	res, err := s.RecordSkip(ctx, domain.SkipRequest{QueryID: "q-old", RegionRef: testRef, SceneKey: testScene})
	require.NoError(t, err)
	assert.Equal(t, domain.SkipResult{}, res)

	got, err := s.Ledger(ctx, "q-new")
	require.NoError(t, err)
	assert.Equal(t, 4, got.ExpectedScenes)
}

func TestStore_ScoreAndSkipAreExclusive(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	require.NoError(t, s.PutLedger(ctx, domain.LedgerEntry{RegionRef: testRef, QueryID: testQuery, ExpectedScenes: 2}))

	scored := placeholder(t, testQuery, "LC08_L1TP_047027_20190828_20190903_01_T1")
	skipped := placeholder(t, testQuery, "LC08_L1TP_047027_20190913_20190917_01_T1")
	require.NoError(t, s.PutPlaceholders(ctx, []domain.ScoreRecord{scored, skipped}))

	scored.UrbanScore, scored.Pixels, scored.ImageKey = 1.1, 64, domain.ImageKey(testQuery, scored.SceneKey)
	require.NoError(t, s.UpdateScore(ctx, scored))
	res, err := s.RecordSkip(ctx, domain.SkipRequest{QueryID: testQuery, RegionRef: testRef, SceneKey: scored.SceneKey, Reason: "retries_exhausted"})
	require.NoError(t, err)
	assert.Equal(t, domain.SkipResult{Scored: true, Remaining: 2}, res)
	assert.False(t, mr.Exists(skippedKey(testQuery, scored.SceneKey)), "scored scene gets no marker")

	res, err = s.RecordSkip(ctx, domain.SkipRequest{QueryID: testQuery, RegionRef: testRef, SceneKey: skipped.SceneKey, Reason: "insufficient_coverage"})
	require.NoError(t, err)
	assert.Equal(t, domain.SkipResult{Applied: true, Remaining: 1}, res)

	skipped.UrbanScore, skipped.Pixels = 1.2, 64
	require.ErrorIs(t, s.UpdateScore(ctx, skipped), domain.ErrSceneSkipped)
	assert.Equal(t, "0", mr.HGet(scoreKey(testQuery, skipped.SceneKey), "n_pixels"))
}

func TestStore_TransportErrorsAreTransient(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	mr.Close()

	_, err := s.Scores(ctx, testQuery)
	require.ErrorIs(t, err, domain.ErrTransientProcessing)
	_, err = s.RecordSkip(ctx, domain.SkipRequest{QueryID: testQuery, RegionRef: testRef, SceneKey: testScene})
	require.ErrorIs(t, err, domain.ErrTransientProcessing)
}
