package domain

import (
	"encoding/json"
	"fmt"
	"math"
)

// BBox is a geographic bounding box: [min_lon, min_lat, max_lon, max_lat].
type BBox [4]float64

// EmptyBBox is the inverted world box returned for a boundary with no vertices.
// No footprint can intersect it.
var EmptyBBox = BBox{180, 90, -180, -90}

func (b BBox) MinLon() float64 { return b[0] }
func (b BBox) MinLat() float64 { return b[1] }
func (b BBox) MaxLon() float64 { return b[2] }
func (b BBox) MaxLat() float64 { return b[3] }

// IsEmpty reports whether the box is inverted on either axis.
func (b BBox) IsEmpty() bool {
	return b[0] > b[2] || b[1] > b[3]
}

// Contains reports whether the point lies inside or on the edge of the box.
func (b BBox) Contains(lon, lat float64) bool {
	return lon >= b[0] && lon <= b[2] && lat >= b[1] && lat <= b[3]
}

// Validate checks that an explicitly supplied box is well-formed.
func (b BBox) Validate() error {
	for i, v := range b {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: bbox[%d] is not finite", ErrMalformedInput, i)
		}
	}
	if b[0] < -180 || b[2] > 180 || b[1] < -90 || b[3] > 90 {
		return fmt.Errorf("%w: bbox %v outside lon/lat range", ErrMalformedInput, b)
	}
	if b.IsEmpty() {
		return fmt.Errorf("%w: bbox %v has min greater than max", ErrMalformedInput, b)
	}
	return nil
}

// Polygon returns the box as a closed counter-clockwise ring.
func (b BBox) Polygon() Polygon {
	return Polygon{Ring{
		{b[0], b[1]},
		{b[2], b[1]},
		{b[2], b[3]},
		{b[0], b[3]},
		{b[0], b[1]},
	}}
}

// Position is a longitude/latitude pair. Extra ordinates in the source are dropped.
type Position [2]float64

// Ring is a sequence of positions; rings from GeoJSON are closed.
type Ring []Position

// Polygon is an outer ring followed by zero or more holes.
type Polygon []Ring

// Outer returns the polygon's outer ring.
func (p Polygon) Outer() Ring {
	if len(p) == 0 {
		return nil
	}
	return p[0]
}

// Boundary is an immutable set of polygons describing a region.
type Boundary struct {
	Polygons []Polygon
}

// NewBoundary builds a boundary from polygons.
func NewBoundary(polygons ...Polygon) Boundary {
	return Boundary{Polygons: polygons}
}

// BBox computes the covering box from every outer ring. Holes never extend
// the extrema. An empty boundary yields EmptyBBox.
func (b Boundary) BBox() BBox {
	minLon, maxLon := 180.0, -180.0
	minLat, maxLat := 90.0, -90.0
	for _, poly := range b.Polygons {
		for _, pos := range poly.Outer() {
			minLon = math.Min(minLon, pos[0])
			maxLon = math.Max(maxLon, pos[0])
			minLat = math.Min(minLat, pos[1])
			maxLat = math.Max(maxLat, pos[1])
		}
	}
	return BBox{minLon, minLat, maxLon, maxLat}
}

// IsEmpty reports whether the boundary has no vertices.
func (b Boundary) IsEmpty() bool {
	for _, poly := range b.Polygons {
		if len(poly.Outer()) > 0 {
			return false
		}
	}
	return true
}

// GeoJSON shapes. Coordinates stay raw until the geometry type is known.

type geoJSONObject struct {
	Type        string           `json:"type"`
	Features    []geoJSONFeature `json:"features,omitempty"`
	Geometry    *geoJSONGeometry `json:"geometry,omitempty"`
	Coordinates json.RawMessage  `json:"coordinates,omitempty"`
}

type geoJSONFeature struct {
	Type       string           `json:"type"`
	Geometry   *geoJSONGeometry `json:"geometry"`
	Properties map[string]any   `json:"properties"`
}

type geoJSONGeometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// ParseBoundary decodes a GeoJSON FeatureCollection, a single Feature, or a
// bare Polygon/MultiPolygon geometry. A FeatureCollection without an explicit
// "type" is accepted when it carries "features".
func ParseBoundary(data []byte) (Boundary, error) {
	var obj geoJSONObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return Boundary{}, fmt.Errorf("%w: decode boundary: %v", ErrMalformedInput, err)
	}

	var geometries []*geoJSONGeometry
	switch {
	case obj.Type == "FeatureCollection" || (obj.Type == "" && obj.Features != nil):
		for _, f := range obj.Features {
			geometries = append(geometries, f.Geometry)
		}
	case obj.Type == "Feature":
		geometries = append(geometries, obj.Geometry)
	case obj.Type == "Polygon" || obj.Type == "MultiPolygon":
		geometries = append(geometries, &geoJSONGeometry{Type: obj.Type, Coordinates: obj.Coordinates})
	default:
		return Boundary{}, fmt.Errorf("%w: unsupported boundary type %q", ErrMalformedInput, obj.Type)
	}

	var b Boundary
	for i, g := range geometries {
		polys, err := decodeGeometry(g)
		if err != nil {
			return Boundary{}, fmt.Errorf("feature %d: %w", i, err)
		}
		b.Polygons = append(b.Polygons, polys...)
	}
	return b, nil
}

func decodeGeometry(g *geoJSONGeometry) ([]Polygon, error) {
	if g == nil {
		return nil, fmt.Errorf("%w: missing geometry", ErrMalformedInput)
	}
	if len(g.Coordinates) == 0 || string(g.Coordinates) == "null" {
		return nil, fmt.Errorf("%w: %s geometry has no coordinates", ErrMalformedInput, g.Type)
	}

	switch g.Type {
	case "Polygon":
		var raw [][][]float64
		if err := json.Unmarshal(g.Coordinates, &raw); err != nil {
			return nil, fmt.Errorf("%w: polygon coordinates: %v", ErrMalformedInput, err)
		}
		poly, err := toPolygon(raw)
		if err != nil {
			return nil, err
		}
		return []Polygon{poly}, nil
	case "MultiPolygon":
		var raw [][][][]float64
		if err := json.Unmarshal(g.Coordinates, &raw); err != nil {
			return nil, fmt.Errorf("%w: multipolygon coordinates: %v", ErrMalformedInput, err)
		}
		polys := make([]Polygon, 0, len(raw))
		for _, r := range raw {
			poly, err := toPolygon(r)
			if err != nil {
				return nil, err
			}
			polys = append(polys, poly)
		}
		return polys, nil
	default:
		return nil, fmt.Errorf("%w: unsupported geometry type %q", ErrMalformedInput, g.Type)
	}
}

func toPolygon(raw [][][]float64) (Polygon, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: polygon has no rings", ErrMalformedInput)
	}
	poly := make(Polygon, 0, len(raw))
	for ri, ring := range raw {
		if len(ring) == 0 {
			return nil, fmt.Errorf("%w: ring %d is empty", ErrMalformedInput, ri)
		}
		r := make(Ring, 0, len(ring))
		for _, pos := range ring {
			if len(pos) < 2 {
				return nil, fmt.Errorf("%w: ring %d has a position with %d ordinates", ErrMalformedInput, ri, len(pos))
			}
			r = append(r, Position{pos[0], pos[1]})
		}
		poly = append(poly, r)
	}
	return poly, nil
}

// MarshalJSON encodes the boundary as a FeatureCollection with one
// MultiPolygon feature, the shape the band service and stored references use.
func (b Boundary) MarshalJSON() ([]byte, error) {
	coords, err := json.Marshal(b.multiPolygonCoords())
	if err != nil {
		return nil, err
	}
	fc := geoJSONObject{
		Type: "FeatureCollection",
		Features: []geoJSONFeature{{
			Type:     "Feature",
			Geometry: &geoJSONGeometry{Type: "MultiPolygon", Coordinates: coords},
		}},
	}
	if len(b.Polygons) == 0 {
		fc.Features = []geoJSONFeature{}
	}
	return json.Marshal(fc)
}

// UnmarshalJSON accepts any shape ParseBoundary does.
func (b *Boundary) UnmarshalJSON(data []byte) error {
	parsed, err := ParseBoundary(data)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

func (b Boundary) multiPolygonCoords() [][][][2]float64 {
	out := make([][][][2]float64, 0, len(b.Polygons))
	for _, poly := range b.Polygons {
		rings := make([][][2]float64, 0, len(poly))
		for _, ring := range poly {
			pts := make([][2]float64, 0, len(ring))
			for _, p := range ring {
				pts = append(pts, [2]float64(p))
			}
			rings = append(rings, pts)
		}
		out = append(out, rings)
	}
	return out
}
