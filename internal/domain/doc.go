// Package domain models the urban development scoring pipeline: regions,
// Landsat scenes, per-scene score records and the region ledger that tracks
// how many scenes a query is still waiting on.
//
// # Regions
//
// A region boundary is a GeoJSON FeatureCollection of Polygon or MultiPolygon
// geometries in WGS-84 longitude/latitude. Only outer rings contribute to the
// derived bounding box; holes are ignored:
//
//	[min_lon, min_lat, max_lon, max_lat]
//
// An empty boundary yields the inverted box [180, 90, -180, -90], which no
// scene footprint can intersect. Callers treat it as "no region".
//
// # Scenes
//
// Scenes are Landsat 8 acquisitions identified by a product id. Two formats
// exist:
//
//	Collection 1:    LC08_L1TP_PPPRRR_YYYYMMDD_yyyymmdd_CC_TX
//	Pre-collection:  LC8PPPRRRYYYYDDDGGGVV
//
// PPP and RRR are the WRS-2 path and row, YYYYMMDD the acquisition date and
// DDD the day of year. Two scenes can share an acquisition date when a region
// straddles adjacent rows, so score records are keyed by date and path/row:
//
//	scene_date_wrs = YYYYMMDD_PPPRRR
//
// # Ledger
//
// Each query owns one ledger entry keyed by its region reference. The expected
// scene count starts at the number of dispatched scenes and only ever moves
// down, one step per scene that can never be scored. A query is complete when
// the number of done score records (n_pixels > 0) reaches the expected count.
//
// # Quality band
//
// Landsat Collection 1 BQA packs a two-bit cloud confidence at bits 5-6:
//
//	00 not determined | 01 low | 10 medium | 11 high
//
// Pixels at medium confidence or above are masked before scoring.
package domain
