// Package processor scores one scene of one query: it masks clouds, applies
// the coverage rule, computes the index, renders the artifact and writes the
// score record, or shrinks the query's expected count when the scene can
// never be scored.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yihaochen/urban-growth/internal/domain"
	"github.com/yihaochen/urban-growth/internal/observability"
	"github.com/yihaochen/urban-growth/internal/render"
)

// Skip reasons.
const (
	ReasonInsufficientCoverage = "insufficient_coverage"
	ReasonNoValidPixels        = "no_valid_pixels"
	ReasonUnprocessable        = "unprocessable"
	ReasonRetriesExhausted     = "retries_exhausted"
	ReasonAlreadySkipped       = "already_skipped"
)

// Outcome is either Scored or Skipped.
type Outcome interface {
	outcome()
}

// Scored is a scene whose record now holds a score.
type Scored struct {
	Score    float64
	Pixels   int
	ImageKey string
}

// Skipped is a scene that will never be scored.
type Skipped struct {
	Reason string
	// Applied is false when this delivery found the scene already skipped
	// or already scored; the count was not touched.
	Applied bool
	// Remaining is the query's expected scene count after this delivery, or
	// zero when a newer query has replaced the ledger entry.
	Remaining int
}

func (Scored) outcome()  {}
func (Skipped) outcome() {}

// BoundaryLoader loads a region boundary by reference.
type BoundaryLoader interface {
	Load(ctx context.Context, ref string) (domain.Boundary, error)
}

// Processor handles scene jobs.
type Processor struct {
	bands      domain.BandSource
	boundaries BoundaryLoader
	objects    domain.ObjectStore
	store      domain.Store
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// New creates a Processor.
func New(bands domain.BandSource, boundaries BoundaryLoader, objects domain.ObjectStore, store domain.Store, logger *slog.Logger, metrics *observability.Metrics) *Processor {
	return &Processor{
		bands:      bands,
		boundaries: boundaries,
		objects:    objects,
		store:      store,
		logger:     logger,
		metrics:    metrics,
	}
}

// Process runs one job. Re-running a job is safe: a scored scene is
// overwritten with the same result and a skipped scene is not decremented
// twice. A scene whose boundary or bands can never be used is skipped as
// unprocessable. Errors wrap domain.ErrPoisonJob when the job cannot even be
// keyed and domain.ErrTransientProcessing otherwise.
func (p *Processor) Process(ctx context.Context, job domain.Job) (Outcome, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	meta, err := domain.ParseProductID(job.ProductID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPoisonJob, err)
	}
	sceneKey := meta.SceneKey()

	boundary, err := p.boundaries.Load(ctx, job.RegionRef)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrMalformedInput) {
			return p.unprocessable(ctx, job, sceneKey, err)
		}
		return nil, transient("load boundary", err)
	}

	raster, err := p.bands.Fetch(ctx, domain.BandRequest{ProductID: job.ProductID, Boundary: boundary})
	if err != nil {
		if errors.Is(err, domain.ErrMalformedInput) && !errors.Is(err, domain.ErrTransientProcessing) {
			return p.unprocessable(ctx, job, sceneKey, err)
		}
		return nil, transient("fetch bands", err)
	}
	m, err := Measure(raster)
	if err != nil {
		return p.unprocessable(ctx, job, sceneKey, err)
	}

	if !m.Sufficient() {
		return p.skip(ctx, job, sceneKey, ReasonInsufficientCoverage, m)
	}
	if m.ValidPixels == 0 {
		// A zero-pixel record would read as pending forever.
		return p.skip(ctx, job, sceneKey, ReasonNoValidPixels, m)
	}

	img, err := render.NDBI(m.Index, m.Width, m.Height)
	if err != nil {
		return nil, transient("render", err)
	}
	imageKey := domain.ImageKey(job.QueryID, sceneKey)
	if err := p.objects.Put(ctx, imageKey, img, "image/png"); err != nil {
		return nil, transient("store artifact", err)
	}

	record := domain.ScoreRecord{
		QueryID:       job.QueryID,
		SceneKey:      sceneKey,
		SceneDateTime: meta.AcquisitionDate,
		ProductID:     job.ProductID,
		UrbanScore:    m.Score,
		Pixels:        m.ValidPixels,
		ImageKey:      imageKey,
	}
	if err := p.store.UpdateScore(ctx, record); err != nil {
		if errors.Is(err, domain.ErrSceneSkipped) {
			// An earlier delivery gave up on this scene; it stays skipped.
			remaining, err := p.remaining(ctx, job.QueryID)
			if err != nil {
				return nil, transient("read ledger", err)
			}
			p.logger.Info("score discarded for skipped scene",
				"query_id", job.QueryID,
				"scene_date_wrs", sceneKey,
				"remaining", remaining,
			)
			return Skipped{Reason: ReasonAlreadySkipped, Remaining: remaining}, nil
		}
		return nil, transient("update score", err)
	}

	p.metrics.ScenesScored.Inc()
	p.logger.Debug("scene scored",
		"query_id", job.QueryID,
		"scene_date_wrs", sceneKey,
		"urban_score", m.Score,
		"n_pixels", m.ValidPixels,
	)
	return Scored{Score: m.Score, Pixels: m.ValidPixels, ImageKey: imageKey}, nil
}

// Abandon skips the job's scene after it has failed too often, so its query
// can still complete. Like Process, it decrements at most once per scene.
func (p *Processor) Abandon(ctx context.Context, job domain.Job) (Outcome, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	meta, err := domain.ParseProductID(job.ProductID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPoisonJob, err)
	}
	return p.skip(ctx, job, meta.SceneKey(), ReasonRetriesExhausted, Measurement{})
}

// remaining reads the query's expected count; a superseded query reads zero.
func (p *Processor) remaining(ctx context.Context, queryID string) (int, error) {
	entry, err := p.store.Ledger(ctx, queryID)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return entry.ExpectedScenes, nil
}

func (p *Processor) unprocessable(ctx context.Context, job domain.Job, sceneKey string, cause error) (Outcome, error) {
	p.logger.Warn("scene cannot be processed",
		"query_id", job.QueryID,
		"scene_date_wrs", sceneKey,
		"error", cause,
	)
	return p.skip(ctx, job, sceneKey, ReasonUnprocessable, Measurement{})
}

func (p *Processor) skip(ctx context.Context, job domain.Job, sceneKey, reason string, m Measurement) (Outcome, error) {
	res, err := p.store.RecordSkip(ctx, domain.SkipRequest{
		QueryID:   job.QueryID,
		RegionRef: job.RegionRef,
		SceneKey:  sceneKey,
		Reason:    reason,
	})
	if err != nil {
		return nil, transient("record skip", err)
	}

	if res.Scored {
		p.logger.Info("skip ignored for scored scene",
			"query_id", job.QueryID,
			"scene_date_wrs", sceneKey,
			"reason", reason,
			"remaining", res.Remaining,
		)
		return Skipped{Reason: reason, Remaining: res.Remaining}, nil
	}
	if res.Underflow {
		p.metrics.CounterUnderflows.Inc()
		p.logger.Error("expected scene count already zero",
			"fault", "counter_underflow",
			"error", domain.ErrCounterUnderflow,
			"query_id", job.QueryID,
			"scene_date_wrs", sceneKey,
		)
	}
	if res.Applied {
		p.metrics.ScenesSkipped.Inc()
	}
	p.logger.Info("scene skipped",
		"query_id", job.QueryID,
		"scene_date_wrs", sceneKey,
		"reason", reason,
		"geometry_pixels", m.GeometryPixels,
		"usable_pixels", m.UsablePixels,
		"applied", res.Applied,
		"remaining", res.Remaining,
	)
	return Skipped{Reason: reason, Applied: res.Applied, Remaining: res.Remaining}, nil
}

func transient(op string, err error) error {
	if errors.Is(err, domain.ErrTransientProcessing) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrTransientProcessing, err)
}
