// Command submit dispatches a region to the scene workers, then polls the
// query until every scene is done and prints the aggregated series.
//
// Usage:
//
//	go run ./cmd/submit -bbox -122.34,47.60,-122.33,47.61
//	go run ./cmd/submit -boundary seattle.geojson -cloud 0,20
//	go run ./cmd/submit -ref geojson/1f3a9c0e2b7d4a65.geojson -watch=false
//	go run ./cmd/submit -f submission.json
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/yihaochen/urban-growth/internal/adapter/stac"
	"github.com/yihaochen/urban-growth/internal/aggregate"
	"github.com/yihaochen/urban-growth/internal/app"
	"github.com/yihaochen/urban-growth/internal/config"
	"github.com/yihaochen/urban-growth/internal/dispatch"
	"github.com/yihaochen/urban-growth/internal/domain"
	"github.com/yihaochen/urban-growth/internal/observability"
	"github.com/yihaochen/urban-growth/internal/progress"
	"github.com/yihaochen/urban-growth/internal/region"
)

type options struct {
	file      string
	bbox      string
	boundary  string
	ref       string
	cloud     string
	watch     bool
	maxPixels int
}

func main() {
	var opts options
	flag.StringVar(&opts.file, "f", "", "submission JSON file, - for stdin")
	flag.StringVar(&opts.bbox, "bbox", "", "bounding box min_lon,min_lat,max_lon,max_lat")
	flag.StringVar(&opts.boundary, "boundary", "", "GeoJSON boundary file")
	flag.StringVar(&opts.ref, "ref", "", "stored boundary reference")
	flag.StringVar(&opts.cloud, "cloud", "", "cloud cover range lo,hi (default CLOUD_COVER_RANGE)")
	flag.BoolVar(&opts.watch, "watch", true, "poll until the query completes")
	flag.IntVar(&opts.maxPixels, "max-pixels", 0, "pixel count of a fully covered scene (0: largest seen)")
	flag.Parse()

	_ = godotenv.Load()
	os.Exit(run(opts))
}

func run(opts options) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	req, err := buildRequest(opts, cfg.CloudCoverRange, os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storage, err := app.OpenStorage(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open storage: %v\n", err)
		return 1
	}
	defer storage.Close()

	publisher, closer, err := app.OpenPublisher(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open job queue: %v\n", err)
		return 1
	}
	defer closer.Close()

	catalog := stac.New(stac.OptionsFromConfig(cfg), metrics, logger)
	loader := region.NewBoundaryLoader(storage.Objects, cfg.BoundaryCacheSize, metrics)
	resolver := region.NewResolver(catalog, storage.Objects, loader, logger)
	dispatcher := dispatch.New(resolver, storage.Store, publisher, logger, metrics)

	receipt, err := dispatcher.Submit(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		if errors.Is(err, domain.ErrMalformedInput) {
			return 2
		}
		return 1
	}
	printJSON(os.Stdout, receipt)
	if !opts.watch || receipt.Scenes == 0 {
		return 0
	}

	tracker := progress.NewTracker(storage.Store)
	poller := progress.NewPoller(tracker, nil, cfg.PollInterval, aggregate.Options{MaxPixels: opts.maxPixels}, logger)
	watcher := progress.NewWatcher(poller)
	defer watcher.Stop()

	result := <-watcher.Start(ctx, receipt.QueryID, func(u progress.Update) {
		printUpdate(os.Stderr, u)
	})
	if result.Err != nil {
		fmt.Fprintf(os.Stderr, "watch %s: %v\n", receipt.QueryID, result.Err)
		return 1
	}
	printJSON(os.Stdout, withURLs(result.Report, storage.URL))
	return 0
}

// buildRequest turns flags, or a submission document, into a request.
func buildRequest(opts options, defaultCloud domain.CloudCoverRange, stdin io.Reader) (domain.SubmissionRequest, error) {
	if opts.file != "" {
		var data []byte
		var err error
		if opts.file == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(opts.file)
		}
		if err != nil {
			return domain.SubmissionRequest{}, fmt.Errorf("read submission: %w", err)
		}
		return domain.DecodeSubmission(data)
	}

	payload := map[string]any{"cloud_cover_range": defaultCloud}
	if opts.cloud != "" {
		lo, hi, err := parsePair(opts.cloud)
		if err != nil {
			return domain.SubmissionRequest{}, fmt.Errorf("-cloud: %w", err)
		}
		payload["cloud_cover_range"] = [2]float64{lo, hi}
	}
	if opts.bbox != "" {
		box, err := parseFloats(opts.bbox, 4)
		if err != nil {
			return domain.SubmissionRequest{}, fmt.Errorf("-bbox: %w", err)
		}
		payload["bbox"] = box
	}
	if opts.boundary != "" {
		data, err := os.ReadFile(opts.boundary)
		if err != nil {
			return domain.SubmissionRequest{}, fmt.Errorf("read boundary: %w", err)
		}
		payload["boundary"] = json.RawMessage(data)
	}
	if opts.ref != "" {
		payload["boundary_reference"] = opts.ref
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return domain.SubmissionRequest{}, err
	}
	return domain.DecodeSubmission(data)
}

func parsePair(s string) (float64, float64, error) {
	v, err := parseFloats(s, 2)
	if err != nil {
		return 0, 0, err
	}
	return v[0], v[1], nil
}

func parseFloats(s string, n int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("want %d comma-separated numbers, got %q", n, s)
	}
	out := make([]float64, n)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", p)
		}
		out[i] = v
	}
	return out, nil
}

func printUpdate(w io.Writer, u progress.Update) {
	s := u.Report.Status
	switch {
	case s.IsComplete:
		fmt.Fprintf(w, "%s complete: %d scenes scored\n", u.Report.QueryID, s.DoneCount)
	case u.Changed || u.Poll == 1:
		fmt.Fprintf(w, "%s: %d/%d scenes done\n", u.Report.QueryID, s.DoneCount, s.ExpectedScenes)
	}
}

type finalReport struct {
	progress.Report
	ImageURLs []string `json:"image_urls,omitempty"`
}

// withURLs lists the public address of every observed scene's artifact.
func withURLs(r progress.Report, url func(string) string) finalReport {
	out := finalReport{Report: r}
	if r.Series == nil {
		return out
	}
	for _, pts := range [][]aggregate.Point{r.Series.NonSeasonalPoints, r.Series.SeasonalPoints} {
		for _, p := range pts {
			if p.ImageKey != "" {
				out.ImageURLs = append(out.ImageURLs, url(p.ImageKey))
			}
		}
	}
	return out
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
