// Package region turns submissions into a stored boundary reference and a
// bounding box, and searches the scene catalog over that box.
package region

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/yihaochen/urban-growth/internal/domain"
)

// Region is a resolved submission.
type Region struct {
	Ref      string
	Boundary domain.Boundary
	BBox     domain.BBox
}

// Resolver resolves submissions and finds the scenes covering them.
type Resolver struct {
	catalog domain.SceneCatalog
	objects domain.ObjectStore
	loader  *BoundaryLoader
	logger  *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(catalog domain.SceneCatalog, objects domain.ObjectStore, loader *BoundaryLoader, logger *slog.Logger) *Resolver {
	return &Resolver{catalog: catalog, objects: objects, loader: loader, logger: logger}
}

// BoundaryRef is the content address of a boundary in the object store.
func BoundaryRef(b domain.Boundary) (string, []byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return "", nil, fmt.Errorf("encode boundary: %w", err)
	}
	sum := sha256.Sum256(data)
	return "geojson/" + hex.EncodeToString(sum[:8]) + ".geojson", data, nil
}

// Resolve maps a submission to a Region. Inline boundaries and boxes are
// written to the object store so workers can load them by reference.
func (r *Resolver) Resolve(ctx context.Context, sub domain.Submission) (Region, error) {
	switch s := sub.(type) {
	case domain.ByBoundingBox:
		if err := s.BBox.Validate(); err != nil {
			return Region{}, err
		}
		return r.store(ctx, domain.NewBoundary(s.BBox.Polygon()))
	case domain.ByBoundary:
		return r.store(ctx, s.Boundary)
	case domain.ByStoredBoundaryReference:
		if s.Ref == "" {
			return Region{}, fmt.Errorf("%w: empty boundary reference", domain.ErrMalformedInput)
		}
		b, err := r.loader.Load(ctx, s.Ref)
		if errors.Is(err, domain.ErrNotFound) {
			return Region{}, fmt.Errorf("%w: %v", domain.ErrMalformedInput, err)
		}
		if err != nil {
			return Region{}, err
		}
		return Region{Ref: s.Ref, Boundary: b, BBox: b.BBox()}, nil
	case nil:
		return Region{}, fmt.Errorf("%w: no submission", domain.ErrMalformedInput)
	default:
		return Region{}, fmt.Errorf("%w: unsupported submission %T", domain.ErrMalformedInput, sub)
	}
}

func (r *Resolver) store(ctx context.Context, b domain.Boundary) (Region, error) {
	ref, data, err := BoundaryRef(b)
	if err != nil {
		return Region{}, err
	}
	if err := r.objects.Put(ctx, ref, data, "application/geo+json"); err != nil {
		return Region{}, fmt.Errorf("store boundary %s: %w", ref, err)
	}
	r.loader.remember(ref, b)
	return Region{Ref: ref, Boundary: b, BBox: b.BBox()}, nil
}

// FindScenes searches the catalog over the region's box, ordered by
// acquisition time. An empty box matches nothing and skips the catalog.
func (r *Resolver) FindScenes(ctx context.Context, region Region, cloud domain.CloudCoverRange) ([]domain.SceneDescriptor, error) {
	if err := cloud.Validate(); err != nil {
		return nil, err
	}
	if region.BBox.IsEmpty() {
		r.logger.Info("empty region, skipping catalog search", "region_reference", region.Ref)
		return nil, nil
	}

	scenes, err := r.catalog.Search(ctx, domain.CatalogQuery{BBox: region.BBox, CloudCover: cloud})
	if err != nil {
		if errors.Is(err, domain.ErrCatalogUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrCatalogUnavailable, err)
	}

	sort.SliceStable(scenes, func(i, j int) bool {
		return scenes[i].AcquiredAt.Before(scenes[j].AcquiredAt)
	})
	return scenes, nil
}
