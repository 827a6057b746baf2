package domain

import "context"

// CatalogQuery is a scene search over a bounding box.
type CatalogQuery struct {
	BBox       BBox
	CloudCover CloudCoverRange
}

// SceneCatalog searches for Landsat scenes intersecting a box.
type SceneCatalog interface {
	Search(ctx context.Context, q CatalogQuery) ([]SceneDescriptor, error)
}

// BandRequest asks for the processor's bands of one scene cropped to a boundary.
type BandRequest struct {
	ProductID string
	Boundary  Boundary
}

// SceneRaster holds co-registered band samples for one scene, row-major,
// Width*Height samples each. InGeometry marks pixels inside the boundary.
type SceneRaster struct {
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	SWIR       []float64 `json:"swir"`
	NIR        []float64 `json:"nir"`
	Quality    []uint16  `json:"quality"`
	InGeometry []bool    `json:"in_geometry"`
}

// Len returns the number of pixels.
func (r SceneRaster) Len() int { return r.Width * r.Height }

// BandSource fetches cropped, geometry-masked bands. Raw image decoding lives
// behind this interface.
type BandSource interface {
	Fetch(ctx context.Context, req BandRequest) (SceneRaster, error)
}

// ObjectStore holds rendered artifacts and stored boundaries.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// JobPublisher enqueues scene jobs.
type JobPublisher interface {
	Publish(ctx context.Context, jobs []Job) error
}
