// Command validate checks the stored state of one query for consistency: the
// ledger entry, every score record, the expected count against the records,
// and the rendered artifacts in the object store.
//
// Usage:
//
//	go run ./cmd/validate -query 20240309140507
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/joho/godotenv"
	"github.com/yihaochen/urban-growth/internal/app"
	"github.com/yihaochen/urban-growth/internal/config"
	"github.com/yihaochen/urban-growth/internal/domain"
	"github.com/yihaochen/urban-growth/internal/observability"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	queryID := flag.String("query", "", "query id to validate")
	flag.Parse()

	if *queryID == "" {
		flag.Usage()
		os.Exit(1)
	}
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load config: %v\n", err)
		os.Exit(1)
	}
	ctx := context.Background()
	storage, err := app.OpenStorage(ctx, cfg, observability.NewLogger(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: open storage: %v\n", err)
		os.Exit(1)
	}
	code := run(ctx, os.Stdout, storage.Store, storage.Objects, *queryID)
	_ = storage.Close()
	os.Exit(code)
}

func run(ctx context.Context, w io.Writer, store domain.Store, objects domain.ObjectStore, queryID string) int {
	fmt.Fprintf(w, "=== Query %s Integrity Validation ===\n\n", queryID)

	entry, err := store.Ledger(ctx, queryID)
	if err != nil {
		fmt.Fprintf(w, "FATAL: ledger: %v\n", err)
		return 1
	}
	records, err := store.Scores(ctx, queryID)
	if err != nil {
		fmt.Fprintf(w, "FATAL: scores: %v\n", err)
		return 1
	}

	phases := []*phase{
		validateRecords(queryID, records),
		validateCounts(entry, records),
		validateArtifacts(ctx, objects, records),
	}

	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Fprintf(w, "  %-42s %s\n", p.name, status)
	}

	done := 0
	for _, r := range records {
		if r.Done() {
			done++
		}
	}
	fmt.Fprintf(w, "\nRecords: %d total, %d done, %d expected (region %s)\n",
		len(records), done, entry.ExpectedScenes, entry.RegionRef)

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Fprintf(w, "\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Fprintf(w, "  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Fprintln(w, "\nAll validations passed.")
		return 0
	}
	fmt.Fprintln(w, "\nValidation FAILED.")
	return 1
}

// validateRecords checks each record's key, and that pending and done
// records carry the fields their state implies.
func validateRecords(queryID string, records []domain.ScoreRecord) *phase {
	p := &phase{name: "Phase 1: Score records"}
	for _, r := range records {
		key, err := domain.SceneDateWRS(r.ProductID)
		switch {
		case err != nil:
			p.errorf("%s: product id: %v", r.SceneKey, err)
		case key != r.SceneKey:
			p.errorf("%s: product %s maps to scene key %s", r.SceneKey, r.ProductID, key)
		}
		if r.SceneDateTime.IsZero() {
			p.errorf("%s: missing scene datetime", r.SceneKey)
		}

		if r.Pending() {
			if r.ImageKey != domain.PlaceholderImageKey {
				p.errorf("%s: pending record has image key %q", r.SceneKey, r.ImageKey)
			}
			continue
		}
		if r.Pixels < 0 {
			p.errorf("%s: negative pixel count %d", r.SceneKey, r.Pixels)
		}
		if math.IsNaN(r.UrbanScore) || math.IsInf(r.UrbanScore, 0) {
			p.errorf("%s: non-finite urban score", r.SceneKey)
		}
		if want := domain.ImageKey(queryID, r.SceneKey); r.ImageKey != want {
			p.errorf("%s: image key %q, want %q", r.SceneKey, r.ImageKey, want)
		}
	}
	return p
}

// validateCounts checks the ledger against the records: skipped scenes only
// ever lower the expected count, so done <= expected <= total.
func validateCounts(entry domain.LedgerEntry, records []domain.ScoreRecord) *phase {
	p := &phase{name: "Phase 2: Expected scene count"}
	done := 0
	for _, r := range records {
		if r.Done() {
			done++
		}
	}
	if entry.ExpectedScenes < 0 {
		p.errorf("expected count is negative: %d", entry.ExpectedScenes)
	}
	if entry.ExpectedScenes > len(records) {
		p.errorf("expected %d scenes but only %d records exist", entry.ExpectedScenes, len(records))
	}
	if done > entry.ExpectedScenes {
		p.errorf("%d scenes done exceeds expected %d", done, entry.ExpectedScenes)
	}
	return p
}

// validateArtifacts checks that every done record's image exists and is a PNG.
func validateArtifacts(ctx context.Context, objects domain.ObjectStore, records []domain.ScoreRecord) *phase {
	p := &phase{name: "Phase 3: Rendered artifacts"}
	for _, r := range records {
		if !r.Done() {
			continue
		}
		data, err := objects.Get(ctx, r.ImageKey)
		if err != nil {
			p.errorf("%s: %v", r.ImageKey, err)
			continue
		}
		if !bytes.HasPrefix(data, pngMagic) {
			p.errorf("%s: not a PNG", r.ImageKey)
		}
	}
	return p
}
