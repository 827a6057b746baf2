// Package redis implements the score and ledger store on Redis.
//
// Key layout:
//
//	regions:{ref}          hash  query_id, number_of_scenes
//	queries:{qid}          string region reference
//	scores:{qid}           set   scene keys
//	scores:{qid}:{scene}   hash  scene_datetime, product_id, urban_score, n_pixels, image_key
//	skipped:{qid}:{scene}  string skip reason
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/yihaochen/urban-growth/internal/config"
	"github.com/yihaochen/urban-growth/internal/domain"
)

// Placeholders are written only where no record exists yet.
var placeholderScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('HSET', KEYS[1],
    'scene_datetime', ARGV[1], 'product_id', ARGV[2],
    'urban_score', ARGV[3], 'n_pixels', ARGV[4], 'image_key', ARGV[5])
end
redis.call('SADD', KEYS[2], ARGV[6])
return 1
`)

// Marks the scene skipped and, the first time only, decrements the ledger of
// the query that currently owns the region. A scene that already holds a
// score is left unmarked. Returns {applied, remaining, underflow, scored}.
var skipScript = goredis.NewScript(`
local current = redis.call('HGET', KEYS[2], 'query_id') == ARGV[1]
local function remaining()
  if not current then return 0 end
  return tonumber(redis.call('HGET', KEYS[2], 'number_of_scenes')) or 0
end
if (tonumber(redis.call('HGET', KEYS[3], 'n_pixels')) or 0) > 0 then
  return {0, remaining(), 0, 1}
end
if redis.call('SETNX', KEYS[1], ARGV[2]) == 0 then
  return {0, remaining(), 0, 0}
end
if not current then return {0, 0, 0, 0} end
if remaining() <= 0 then return {1, 0, 1, 0} end
return {1, redis.call('HINCRBY', KEYS[2], 'number_of_scenes', -1), 0, 0}
`)

// Writes the score fields unless the scene is marked skipped. The acquisition
// time is only set when absent. Returns 0 when skipped.
var updateScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSETNX', KEYS[2], 'scene_datetime', ARGV[1])
redis.call('HSET', KEYS[2],
  'product_id', ARGV[2], 'urban_score', ARGV[3], 'n_pixels', ARGV[4], 'image_key', ARGV[5])
redis.call('SADD', KEYS[3], ARGV[6])
return 1
`)

// Store is a domain.Store backed by Redis.
type Store struct {
	client *goredis.Client
}

// NewStore wraps an existing client.
func NewStore(client *goredis.Client) *Store {
	return &Store{client: client}
}

// Connect dials Redis from config and pings it.
func Connect(ctx context.Context, cfg *config.Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Store{client: client}, nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func regionKey(ref string) string { return "regions:" + ref }
func queryKey(qid string) string { return "queries:" + qid }
func sceneSetKey(qid string) string { return "scores:" + qid }
func scoreKey(qid, scene string) string { return "scores:" + qid + ":" + scene }
func skippedKey(qid, scene string) string { return "skipped:" + qid + ":" + scene }
func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }
func formatScore(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func (s *Store) PutPlaceholders(ctx context.Context, records []domain.ScoreRecord) error {
	if len(records) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, r := range records {
		placeholderScript.Eval(ctx, pipe,
			[]string{scoreKey(r.QueryID, r.SceneKey), sceneSetKey(r.QueryID)},
			formatTime(r.SceneDateTime), r.ProductID, formatScore(r.UrbanScore), r.Pixels, r.ImageKey, r.SceneKey,
		)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return transportErr("write placeholders", err)
	}
	return nil
}

func (s *Store) PutLedger(ctx context.Context, entry domain.LedgerEntry) error {
	if entry.ExpectedScenes < 0 {
		return fmt.Errorf("ledger for %s: negative expected count %d", entry.QueryID, entry.ExpectedScenes)
	}
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, regionKey(entry.RegionRef), "query_id", entry.QueryID, "number_of_scenes", entry.ExpectedScenes)
		pipe.Set(ctx, queryKey(entry.QueryID), entry.RegionRef, 0)
		return nil
	})
	if err != nil {
		return transportErr("write ledger", err)
	}
	return nil
}

func (s *Store) Ledger(ctx context.Context, queryID string) (domain.LedgerEntry, error) {
	ref, err := s.client.Get(ctx, queryKey(queryID)).Result()
	if errors.Is(err, goredis.Nil) {
		return domain.LedgerEntry{}, fmt.Errorf("ledger for query %s: %w", queryID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.LedgerEntry{}, transportErr("read query", err)
	}

	h, err := s.client.HGetAll(ctx, regionKey(ref)).Result()
	if err != nil {
		return domain.LedgerEntry{}, transportErr("read ledger", err)
	}
	if h["query_id"] != queryID {
		return domain.LedgerEntry{}, fmt.Errorf("ledger for query %s: %w", queryID, domain.ErrNotFound)
	}
	n, err := strconv.Atoi(h["number_of_scenes"])
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("ledger for query %s: bad number_of_scenes %q", queryID, h["number_of_scenes"])
	}
	return domain.LedgerEntry{RegionRef: ref, QueryID: queryID, ExpectedScenes: n}, nil
}

// UpdateScore overwrites the result fields and keeps an existing acquisition time.
func (s *Store) UpdateScore(ctx context.Context, r domain.ScoreRecord) error {
	written, err := updateScript.Run(ctx, s.client,
		[]string{skippedKey(r.QueryID, r.SceneKey), scoreKey(r.QueryID, r.SceneKey), sceneSetKey(r.QueryID)},
		formatTime(r.SceneDateTime), r.ProductID, formatScore(r.UrbanScore), r.Pixels, r.ImageKey, r.SceneKey,
	).Int()
	if err != nil {
		return transportErr("update score", err)
	}
	if written == 0 {
		return fmt.Errorf("score %s/%s: %w", r.QueryID, r.SceneKey, domain.ErrSceneSkipped)
	}
	return nil
}

func (s *Store) RecordSkip(ctx context.Context, req domain.SkipRequest) (domain.SkipResult, error) {
	vals, err := skipScript.Run(ctx, s.client,
		[]string{skippedKey(req.QueryID, req.SceneKey), regionKey(req.RegionRef), scoreKey(req.QueryID, req.SceneKey)},
		req.QueryID, req.Reason,
	).Int64Slice()
	if err != nil {
		return domain.SkipResult{}, transportErr("record skip", err)
	}
	if len(vals) != 4 {
		return domain.SkipResult{}, fmt.Errorf("record skip: unexpected script reply %v", vals)
	}
	return domain.SkipResult{
		Applied:   vals[0] == 1,
		Remaining: int(vals[1]),
		Underflow: vals[2] == 1,
		Scored:    vals[3] == 1,
	}, nil
}

func (s *Store) Scores(ctx context.Context, queryID string) ([]domain.ScoreRecord, error) {
	scenes, err := s.client.SMembers(ctx, sceneSetKey(queryID)).Result()
	if err != nil {
		return nil, transportErr("list scenes", err)
	}
	sort.Strings(scenes)

	cmds := make([]*goredis.MapStringStringCmd, len(scenes))
	pipe := s.client.Pipeline()
	for i, scene := range scenes {
		cmds[i] = pipe.HGetAll(ctx, scoreKey(queryID, scene))
	}
	if len(scenes) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, transportErr("read scores", err)
		}
	}

	out := make([]domain.ScoreRecord, 0, len(scenes))
	for i, scene := range scenes {
		r, err := parseRecord(queryID, scene, cmds[i].Val())
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func parseRecord(queryID, scene string, h map[string]string) (domain.ScoreRecord, error) {
	r := domain.ScoreRecord{
		QueryID:   queryID,
		SceneKey:  scene,
		ProductID: h["product_id"],
		ImageKey:  h["image_key"],
	}
	var err error
	if r.SceneDateTime, err = time.Parse(time.RFC3339Nano, h["scene_datetime"]); err != nil {
		return r, fmt.Errorf("score %s/%s: scene_datetime: %w", queryID, scene, err)
	}
	if r.UrbanScore, err = strconv.ParseFloat(h["urban_score"], 64); err != nil {
		return r, fmt.Errorf("score %s/%s: urban_score: %w", queryID, scene, err)
	}
	if r.Pixels, err = strconv.Atoi(h["n_pixels"]); err != nil {
		return r, fmt.Errorf("score %s/%s: n_pixels: %w", queryID, scene, err)
	}
	return r, nil
}

func transportErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrTransientProcessing, err)
}
