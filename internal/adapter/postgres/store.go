// Package postgres implements the score and ledger store on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/yihaochen/urban-growth/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS regions (
	region_reference TEXT PRIMARY KEY,
	query_id         TEXT NOT NULL,
	number_of_scenes INTEGER NOT NULL CHECK (number_of_scenes >= 0)
);
CREATE INDEX IF NOT EXISTS regions_query_id_idx ON regions (query_id);

CREATE TABLE IF NOT EXISTS scores (
	query_id        TEXT NOT NULL,
	scene_date_wrs  TEXT NOT NULL,
	scene_datetime  TIMESTAMPTZ NOT NULL,
	product_id      TEXT NOT NULL,
	urban_score     DOUBLE PRECISION NOT NULL,
	n_pixels        INTEGER NOT NULL,
	image_key       TEXT NOT NULL,
	PRIMARY KEY (query_id, scene_date_wrs)
);

CREATE TABLE IF NOT EXISTS skipped_scenes (
	query_id       TEXT NOT NULL,
	scene_date_wrs TEXT NOT NULL,
	reason         TEXT NOT NULL,
	skipped_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (query_id, scene_date_wrs)
);`

// Store is a domain.Store backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewStore wraps an existing pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) PutPlaceholders(ctx context.Context, records []domain.ScoreRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(`
			INSERT INTO scores (query_id, scene_date_wrs, scene_datetime, product_id, urban_score, n_pixels, image_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (query_id, scene_date_wrs) DO NOTHING`,
			r.QueryID, r.SceneKey, r.SceneDateTime, r.ProductID, r.UrbanScore, r.Pixels, r.ImageKey)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return transportErr("write placeholders", err)
	}
	return nil
}

func (s *Store) PutLedger(ctx context.Context, entry domain.LedgerEntry) error {
	if entry.ExpectedScenes < 0 {
		return fmt.Errorf("ledger for %s: negative expected count %d", entry.QueryID, entry.ExpectedScenes)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO regions (region_reference, query_id, number_of_scenes)
		VALUES ($1, $2, $3)
		ON CONFLICT (region_reference) DO UPDATE
		SET query_id = EXCLUDED.query_id, number_of_scenes = EXCLUDED.number_of_scenes`,
		entry.RegionRef, entry.QueryID, entry.ExpectedScenes)
	if err != nil {
		return transportErr("write ledger", err)
	}
	return nil
}

// Ledger finds the region whose current query is queryID. A query replaced
// by a newer submission for the same region is not found.
func (s *Store) Ledger(ctx context.Context, queryID string) (domain.LedgerEntry, error) {
	e := domain.LedgerEntry{QueryID: queryID}
	err := s.pool.QueryRow(ctx,
		`SELECT region_reference, number_of_scenes FROM regions WHERE query_id = $1`,
		queryID).Scan(&e.RegionRef, &e.ExpectedScenes)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.LedgerEntry{}, fmt.Errorf("ledger for query %s: %w", queryID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.LedgerEntry{}, transportErr("read ledger", err)
	}
	return e, nil
}

// UpdateScore upserts the result fields; an existing acquisition time is kept.
// It locks the score row first, the same order RecordSkip uses, so a scene
// cannot be scored and skipped concurrently.
func (s *Store) UpdateScore(ctx context.Context, r domain.ScoreRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return transportErr("begin update", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`SELECT 1 FROM scores WHERE query_id = $1 AND scene_date_wrs = $2 FOR UPDATE`,
		r.QueryID, r.SceneKey); err != nil {
		return transportErr("lock score", err)
	}
	var skipped bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM skipped_scenes WHERE query_id = $1 AND scene_date_wrs = $2)`,
		r.QueryID, r.SceneKey).Scan(&skipped); err != nil {
		return transportErr("check skipped", err)
	}
	if skipped {
		return fmt.Errorf("score %s/%s: %w", r.QueryID, r.SceneKey, domain.ErrSceneSkipped)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO scores (query_id, scene_date_wrs, scene_datetime, product_id, urban_score, n_pixels, image_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (query_id, scene_date_wrs) DO UPDATE
		SET product_id = EXCLUDED.product_id,
		    urban_score = EXCLUDED.urban_score,
		    n_pixels = EXCLUDED.n_pixels,
		    image_key = EXCLUDED.image_key`,
		r.QueryID, r.SceneKey, r.SceneDateTime, r.ProductID, r.UrbanScore, r.Pixels, r.ImageKey)
	if err != nil {
		return transportErr("update score", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return transportErr("commit score", err)
	}
	return nil
}

// RecordSkip inserts the skip marker and decrements the region's count in one
// transaction, holding row locks on the region and the scene's score.
func (s *Store) RecordSkip(ctx context.Context, req domain.SkipRequest) (domain.SkipResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.SkipResult{}, transportErr("begin skip", err)
	}
	defer tx.Rollback(ctx)

	var owner string
	var remaining int
	err = tx.QueryRow(ctx,
		`SELECT query_id, number_of_scenes FROM regions WHERE region_reference = $1 FOR UPDATE`,
		req.RegionRef).Scan(&owner, &remaining)
	found := true
	if errors.Is(err, pgx.ErrNoRows) {
		found = false
	} else if err != nil {
		return domain.SkipResult{}, transportErr("lock region", err)
	}

	var pixels int
	err = tx.QueryRow(ctx,
		`SELECT n_pixels FROM scores WHERE query_id = $1 AND scene_date_wrs = $2 FOR UPDATE`,
		req.QueryID, req.SceneKey).Scan(&pixels)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return domain.SkipResult{}, transportErr("lock score", err)
	}
	current := found && owner == req.QueryID
	if pixels > 0 {
		res, _ := decideSkip(false, current, remaining)
		res.Scored = true
		return res, nil
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO skipped_scenes (query_id, scene_date_wrs, reason)
		VALUES ($1, $2, $3)
		ON CONFLICT (query_id, scene_date_wrs) DO NOTHING`,
		req.QueryID, req.SceneKey, req.Reason)
	if err != nil {
		return domain.SkipResult{}, transportErr("mark skipped", err)
	}

	res, decrement := decideSkip(tag.RowsAffected() == 1, current, remaining)
	if decrement {
		if err := tx.QueryRow(ctx, `
			UPDATE regions SET number_of_scenes = number_of_scenes - 1
			WHERE region_reference = $1 AND number_of_scenes > 0
			RETURNING number_of_scenes`,
			req.RegionRef).Scan(&res.Remaining); err != nil {
			return domain.SkipResult{}, transportErr("decrement", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.SkipResult{}, transportErr("commit skip", err)
	}
	return res, nil
}

// decideSkip maps the marker insert and ledger ownership onto a result, and
// reports whether the count must be decremented.
func decideSkip(inserted, current bool, remaining int) (domain.SkipResult, bool) {
	switch {
	case !inserted && current:
		return domain.SkipResult{Remaining: remaining}, false
	case !inserted, !current:
		return domain.SkipResult{}, false
	case remaining <= 0:
		return domain.SkipResult{Applied: true, Underflow: true}, false
	default:
		return domain.SkipResult{Applied: true, Remaining: remaining - 1}, true
	}
}

func (s *Store) Scores(ctx context.Context, queryID string) ([]domain.ScoreRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT scene_date_wrs, scene_datetime, product_id, urban_score, n_pixels, image_key
		FROM scores WHERE query_id = $1
		ORDER BY scene_date_wrs`, queryID)
	if err != nil {
		return nil, transportErr("read scores", err)
	}
	defer rows.Close()

	out := []domain.ScoreRecord{}
	for rows.Next() {
		r := domain.ScoreRecord{QueryID: queryID}
		if err := rows.Scan(&r.SceneKey, &r.SceneDateTime, &r.ProductID, &r.UrbanScore, &r.Pixels, &r.ImageKey); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		r.SceneDateTime = r.SceneDateTime.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, transportErr("read scores", err)
	}
	return out, nil
}

func transportErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrTransientProcessing, err)
}
