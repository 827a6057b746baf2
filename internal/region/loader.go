package region

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/yihaochen/urban-growth/internal/domain"
	"github.com/yihaochen/urban-growth/internal/observability"
)

// BoundaryLoader fetches stored boundaries by reference through an in-memory
// LRU cache. Stored boundaries are content-addressed, so entries never go stale.
type BoundaryLoader struct {
	objects domain.ObjectStore
	cache   *lru.Cache[string, domain.Boundary]
	metrics *observability.Metrics
}

// NewBoundaryLoader creates a loader caching up to maxEntries boundaries.
// A size below one caches a single entry.
func NewBoundaryLoader(objects domain.ObjectStore, maxEntries int, metrics *observability.Metrics) *BoundaryLoader {
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New[string, domain.Boundary](max(maxEntries, 1))
	return &BoundaryLoader{
		objects: objects,
		cache:   cache,
		metrics: metrics,
	}
}

// Load returns the boundary stored under ref. A payload that does not parse
// fails with domain.ErrMalformedInput; store errors are returned wrapped.
func (l *BoundaryLoader) Load(ctx context.Context, ref string) (domain.Boundary, error) {
	if b, ok := l.cache.Get(ref); ok {
		l.metrics.BoundaryCache.WithLabelValues("hit").Inc()
		return b, nil
	}
	l.metrics.BoundaryCache.WithLabelValues("miss").Inc()

	data, err := l.objects.Get(ctx, ref)
	if err != nil {
		return domain.Boundary{}, fmt.Errorf("load boundary %s: %w", ref, err)
	}
	b, err := domain.ParseBoundary(data)
	if err != nil {
		return domain.Boundary{}, fmt.Errorf("load boundary %s: %w", ref, err)
	}
	l.cache.Add(ref, b)
	return b, nil
}

// remember caches a boundary the resolver has just stored, so the first
// jobs for it skip the object store.
func (l *BoundaryLoader) remember(ref string, b domain.Boundary) {
	l.cache.Add(ref, b)
}
