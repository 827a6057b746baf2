package domain

import (
	"context"
	"time"
)

// PlaceholderImageKey marks a score record whose artifact has not been rendered.
const PlaceholderImageKey = "na"

// LedgerEntry is the per-query record of how many scenes are still expected.
// It is keyed by region reference; a newer query for the same region replaces it.
type LedgerEntry struct {
	RegionRef      string `json:"region_reference"`
	QueryID        string `json:"query_id"`
	ExpectedScenes int    `json:"number_of_scenes"`
}

// ScoreRecord is the per-scene result keyed by (QueryID, SceneKey).
type ScoreRecord struct {
	QueryID       string    `json:"query_id"`
	SceneKey      string    `json:"scene_date_wrs"`
	SceneDateTime time.Time `json:"scene_datetime"`
	ProductID     string    `json:"product_id"`
	UrbanScore    float64   `json:"urban_score"`
	Pixels        int       `json:"n_pixels"`
	ImageKey      string    `json:"image_key"`
}

// NewPlaceholder builds the pending record the dispatcher writes at fan-out.
func NewPlaceholder(queryID string, scene SceneDescriptor, meta ProductMeta) ScoreRecord {
	return ScoreRecord{
		QueryID:       queryID,
		SceneKey:      meta.SceneKey(),
		SceneDateTime: scene.AcquiredAt.UTC(),
		ProductID:     scene.ProductID,
		ImageKey:      PlaceholderImageKey,
	}
}

// Pending reports whether the record still awaits a score.
func (r ScoreRecord) Pending() bool { return r.Pixels == 0 }

// Done reports whether the processor has written a score.
func (r ScoreRecord) Done() bool { return r.Pixels > 0 }

// ImageKey returns the object key of a rendered scene artifact.
func ImageKey(queryID, sceneKey string) string {
	return "ndbi/" + queryID + "_" + sceneKey + ".png"
}

// SkipRequest identifies a scene that can never be scored.
type SkipRequest struct {
	QueryID   string
	RegionRef string
	SceneKey  string
	Reason    string
}

// SkipResult reports what RecordSkip changed.
type SkipResult struct {
	// Applied is false when the scene was already marked, already scored,
	// or the ledger has moved on to a newer query.
	Applied bool
	// Scored is set when the scene already holds a score; no marker is written.
	Scored bool
	// Remaining is the expected scene count after the call.
	Remaining int
	// Underflow is set when a decrement was due but the count was already zero.
	Underflow bool
}

// Store persists ledger entries and score records. Implementations must make
// every method a keyed single-record atomic write; RecordSkip in particular
// must mark the scene and decrement the count in one atomic step.
type Store interface {
	// PutPlaceholders creates each record only if no record with its key exists.
	PutPlaceholders(ctx context.Context, records []ScoreRecord) error
	// PutLedger writes or replaces the ledger entry for entry.RegionRef.
	PutLedger(ctx context.Context, entry LedgerEntry) error
	// Ledger returns the ledger entry that currently belongs to queryID,
	// or ErrNotFound.
	Ledger(ctx context.Context, queryID string) (LedgerEntry, error)
	// UpdateScore writes the score fields of the record keyed by
	// (QueryID, SceneKey). SceneDateTime is kept from the placeholder and only
	// taken from record when no placeholder exists. A scene already marked
	// skipped is left alone and ErrSceneSkipped is returned.
	UpdateScore(ctx context.Context, record ScoreRecord) error
	// RecordSkip marks the scene terminal and decrements the expected count by
	// one, clamped at zero, unless the scene was already marked or already
	// holds a score. A scene is never counted both done and skipped.
	RecordSkip(ctx context.Context, req SkipRequest) (SkipResult, error)
	// Scores returns every record for queryID ordered by scene key.
	Scores(ctx context.Context, queryID string) ([]ScoreRecord, error)
}
