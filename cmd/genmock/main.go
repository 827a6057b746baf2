// Command genmock generates a deterministic Landsat scene series for one WRS
// tile and either writes it as fixtures or serves it as a stand-in scene
// catalog and band service for local runs.
//
// Usage:
//
//	go run ./cmd/genmock -out data/mock
//	go run ./cmd/genmock -serve :8081
//
// With -serve, point both CATALOG_URL and BAND_SERVICE_URL at the address.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/yihaochen/urban-growth/internal/domain"
)

var baseDate = time.Date(2016, time.January, 14, 18, 57, 3, 0, time.UTC)

const (
	side        = 8
	cloudyEvery = 5
	seed        = 20160114
)

// scene is one generated acquisition and its bands.
type scene struct {
	Descriptor domain.SceneDescriptor
	Raster     domain.SceneRaster
}

func main() {
	out := flag.String("out", "", "directory to write catalog.json and bands/<product_id>.json")
	serve := flag.String("serve", "", "address to serve /search and /v1/bands on")
	count := flag.Int("scenes", 48, "number of 16-day acquisitions to generate")
	flag.Parse()

	if *out == "" && *serve == "" {
		flag.Usage()
		os.Exit(1)
	}
	if err := run(*out, *serve, *count); err != nil {
		log.Fatal(err)
	}
}

func run(out, addr string, count int) error {
	scenes, err := generate(count)
	if err != nil {
		return err
	}
	printStats(scenes)

	if out != "" {
		if err := writeFixtures(out, scenes); err != nil {
			return err
		}
		log.Printf("wrote %d scenes to %s", len(scenes), out)
	}
	if addr != "" {
		log.Printf("serving mock catalog and band service on %s", addr)
		srv := &http.Server{Addr: addr, Handler: newHandler(scenes), ReadHeaderTimeout: 5 * time.Second}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}
	return nil
}

// generate builds count acquisitions of path 047 row 027, 16 days apart. The
// built-up index rises slowly, dips in summer, and every fifth scene is
// mostly cloud.
func generate(count int) ([]scene, error) {
	rng := rand.New(rand.NewPCG(seed, seed))
	scenes := make([]scene, 0, count)
	for i := range count {
		acquired := baseDate.AddDate(0, 0, 16*i)
		processed := acquired.AddDate(0, 0, 6)
		pid := fmt.Sprintf("LC08_L1TP_047027_%s_%s_01_T1", acquired.Format("20060102"), processed.Format("20060102"))
		if _, err := domain.ParseProductID(pid); err != nil {
			return nil, err
		}

		years := acquired.Sub(baseDate).Hours() / (24 * 365.25)
		season := 0.0
		if m := acquired.Month(); m >= time.May && m <= time.August {
			season = -0.08
		}
		level := 0.10 + 0.03*years + season

		cloudy := i%cloudyEvery == cloudyEvery-1
		cover := 2 + 6*rng.Float64()
		if cloudy {
			cover = 9.5
		}

		scenes = append(scenes, scene{
			Descriptor: domain.SceneDescriptor{
				AcquiredAt:    acquired,
				ProductID:     pid,
				CloudCoverPct: math.Round(cover*100) / 100,
			},
			Raster: raster(rng, level, cloudy),
		})
	}
	return scenes, nil
}

// raster fills a side x side scene whose mean index is close to level. The
// corner pixels fall outside the region.
func raster(rng *rand.Rand, level float64, cloudy bool) domain.SceneRaster {
	r := domain.SceneRaster{Width: side, Height: side}
	for y := range side {
		for x := range side {
			ndbi := math.Max(-0.9, math.Min(0.9, level+0.02*rng.NormFloat64()))
			nir := 1000.0
			r.NIR = append(r.NIR, nir)
			r.SWIR = append(r.SWIR, math.Round(nir*(1+ndbi)/(1-ndbi)))

			var qa uint16 = 2720
			if cloudy && (x+y)%4 != 0 {
				qa |= 0b0110_0000
			}
			r.Quality = append(r.Quality, qa)

			corner := (x == 0 || x == side-1) && (y == 0 || y == side-1)
			r.InGeometry = append(r.InGeometry, !corner)
		}
	}
	return r
}

type feature struct {
	Type       string     `json:"type"`
	ID         string     `json:"id"`
	Properties properties `json:"properties"`
}

type properties struct {
	Datetime   time.Time `json:"datetime"`
	ProductID  string    `json:"landsat:product_id"`
	CloudCover float64   `json:"eo:cloud_cover"`
}

func catalog(scenes []scene) map[string]any {
	features := make([]feature, 0, len(scenes))
	for _, s := range scenes {
		features = append(features, feature{
			Type: "Feature",
			ID:   s.Descriptor.ProductID,
			Properties: properties{
				Datetime:   s.Descriptor.AcquiredAt,
				ProductID:  s.Descriptor.ProductID,
				CloudCover: s.Descriptor.CloudCoverPct,
			},
		})
	}
	return map[string]any{"type": "FeatureCollection", "features": features, "links": []any{}}
}

type searchBody struct {
	Query struct {
		CloudCover struct {
			Gte *float64 `json:"gte"`
			Lte *float64 `json:"lte"`
		} `json:"eo:cloud_cover"`
	} `json:"query"`
}

// newHandler serves the scenes as a single-page STAC search and a band
// service keyed by product id.
func newHandler(scenes []scene) http.Handler {
	byID := make(map[string]domain.SceneRaster, len(scenes))
	for _, s := range scenes {
		byID[s.Descriptor.ProductID] = s.Raster
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /search", func(w http.ResponseWriter, r *http.Request) {
		var body searchBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		lo, hi := 0.0, 100.0
		if body.Query.CloudCover.Gte != nil {
			lo = *body.Query.CloudCover.Gte
		}
		if body.Query.CloudCover.Lte != nil {
			hi = *body.Query.CloudCover.Lte
		}
		var hits []scene
		for _, s := range scenes {
			if c := s.Descriptor.CloudCoverPct; c >= lo && c <= hi {
				hits = append(hits, s)
			}
		}
		w.Header().Set("Content-Type", "application/geo+json")
		_ = json.NewEncoder(w).Encode(catalog(hits))
	})
	mux.HandleFunc("POST /v1/bands", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ProductID string `json:"product_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		raster, ok := byID[req.ProductID]
		if !ok {
			http.Error(w, "unknown product "+req.ProductID, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(raster)
	})
	return mux
}

func writeFixtures(dir string, scenes []scene) error {
	if err := writeJSON(filepath.Join(dir, "catalog.json"), catalog(scenes)); err != nil {
		return fmt.Errorf("writing catalog fixture: %w", err)
	}
	for _, s := range scenes {
		path := filepath.Join(dir, "bands", s.Descriptor.ProductID+".json")
		if err := writeJSON(path, s.Raster); err != nil {
			return fmt.Errorf("writing band fixture: %w", err)
		}
	}
	return nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o600)
}

func printStats(scenes []scene) {
	cloudy := 0
	for i := range scenes {
		if i%cloudyEvery == cloudyEvery-1 {
			cloudy++
		}
	}
	if len(scenes) == 0 {
		return
	}
	first, last := scenes[0].Descriptor.AcquiredAt, scenes[len(scenes)-1].Descriptor.AcquiredAt
	fmt.Printf("scenes: %d (%s to %s), mostly cloudy: %d\n",
		len(scenes), first.Format(time.DateOnly), last.Format(time.DateOnly), cloudy)
}
