// Package dispatch fans a region submission out into one queued job per scene.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/yihaochen/urban-growth/internal/domain"
	"github.com/yihaochen/urban-growth/internal/observability"
	"github.com/yihaochen/urban-growth/internal/region"
)

// Resolver resolves submissions and finds their scenes.
type Resolver interface {
	Resolve(ctx context.Context, sub domain.Submission) (region.Region, error)
	FindScenes(ctx context.Context, r region.Region, cloud domain.CloudCoverRange) ([]domain.SceneDescriptor, error)
}

// Receipt is returned to the submitter.
type Receipt struct {
	QueryID    string                 `json:"query_id"`
	RegionRef  string                 `json:"region_reference"`
	CloudCover domain.CloudCoverRange `json:"cloud_cover_range"`
	Scenes     int                    `json:"number_of_scenes"`
}

// Dispatcher allocates a query, writes its records and publishes its jobs.
type Dispatcher struct {
	resolver  Resolver
	store     domain.Store
	publisher domain.JobPublisher
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// New creates a Dispatcher.
func New(resolver Resolver, store domain.Store, publisher domain.JobPublisher, logger *slog.Logger, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		resolver:  resolver,
		store:     store,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
	}
}

// Submit resolves the region, searches for scenes and dispatches one job per
// scene. Placeholders and the ledger are written before any job is published,
// so a worker never sees a job whose records are missing. On error the
// receipt must be discarded; any records already written belong to a query id
// nobody holds.
func (d *Dispatcher) Submit(ctx context.Context, req domain.SubmissionRequest) (Receipt, error) {
	cloud := req.CloudCover

	reg, err := d.resolver.Resolve(ctx, req.Submission)
	if err != nil {
		return Receipt{}, fmt.Errorf("resolve region: %w", err)
	}
	scenes, err := d.resolver.FindScenes(ctx, reg, cloud)
	if err != nil {
		return Receipt{}, fmt.Errorf("find scenes: %w", err)
	}

	queryID := domain.NewQueryID()
	placeholders, jobs := d.plan(queryID, reg.Ref, scenes)

	if err := d.store.PutPlaceholders(ctx, placeholders); err != nil {
		return Receipt{}, fmt.Errorf("write placeholders for %s: %w", queryID, err)
	}
	entry := domain.LedgerEntry{RegionRef: reg.Ref, QueryID: queryID, ExpectedScenes: len(jobs)}
	if err := d.store.PutLedger(ctx, entry); err != nil {
		return Receipt{}, fmt.Errorf("write ledger for %s: %w", queryID, err)
	}
	if len(jobs) > 0 {
		if err := d.publisher.Publish(ctx, jobs); err != nil {
			return Receipt{}, fmt.Errorf("publish jobs for %s: %w", queryID, err)
		}
	}

	d.metrics.QueriesSubmitted.Inc()
	d.metrics.ScenesDispatched.Add(float64(len(jobs)))
	d.logger.Info("query dispatched",
		"query_id", queryID,
		"region_reference", reg.Ref,
		"bbox", reg.BBox,
		"scenes", len(jobs),
	)

	return Receipt{QueryID: queryID, RegionRef: reg.Ref, CloudCover: cloud, Scenes: len(jobs)}, nil
}

// plan builds one placeholder and one job per distinct scene key. Scenes
// whose product id cannot be keyed are dropped so they never enter the count.
func (d *Dispatcher) plan(queryID, ref string, scenes []domain.SceneDescriptor) ([]domain.ScoreRecord, []domain.Job) {
	placeholders := make([]domain.ScoreRecord, 0, len(scenes))
	jobs := make([]domain.Job, 0, len(scenes))
	seen := make(map[string]bool, len(scenes))

	for _, s := range scenes {
		meta, err := domain.ParseProductID(s.ProductID)
		if err != nil {
			d.logger.Warn("dropping scene with unparseable product id", "query_id", queryID, "product_id", s.ProductID, "error", err)
			continue
		}
		key := meta.SceneKey()
		if seen[key] {
			d.logger.Debug("dropping duplicate scene", "query_id", queryID, "product_id", s.ProductID, "scene_date_wrs", key)
			continue
		}
		seen[key] = true

		placeholders = append(placeholders, domain.NewPlaceholder(queryID, s, meta))
		jobs = append(jobs, domain.Job{QueryID: queryID, ProductID: s.ProductID, RegionRef: ref})
	}
	return placeholders, jobs
}
