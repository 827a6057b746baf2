// Package progress reports how far a query has come and polls it to completion.
package progress

import (
	"context"
	"fmt"

	"github.com/yihaochen/urban-growth/internal/aggregate"
	"github.com/yihaochen/urban-growth/internal/domain"
)

// Status is the poll-friendly completion summary of a query.
type Status struct {
	DoneCount      int  `json:"done_count"`
	ExpectedScenes int  `json:"expected_scene_count"`
	IsComplete     bool `json:"is_complete"`
}

// Report is a status plus, once any scene is done, the aggregated series.
type Report struct {
	QueryID string `json:"query_id"`
	Status
	Series *aggregate.Series `json:"series,omitempty"`
}

// Tracker reads query progress from the store. It never writes.
type Tracker struct {
	store domain.Store
}

// NewTracker creates a Tracker.
func NewTracker(store domain.Store) *Tracker {
	return &Tracker{store: store}
}

// Status counts done records against the ledger's expected count.
func (t *Tracker) Status(ctx context.Context, queryID string) (Status, error) {
	entry, records, err := t.read(ctx, queryID)
	if err != nil {
		return Status{}, err
	}
	return statusOf(entry, records), nil
}

// Report returns the status and, when at least one scene is done, the series.
func (t *Tracker) Report(ctx context.Context, queryID string, opts aggregate.Options) (Report, error) {
	entry, records, err := t.read(ctx, queryID)
	if err != nil {
		return Report{}, err
	}
	r := Report{QueryID: queryID, Status: statusOf(entry, records)}
	if r.DoneCount > 0 {
		s := aggregate.Aggregate(records, opts)
		r.Series = &s
	}
	return r, nil
}

func (t *Tracker) read(ctx context.Context, queryID string) (domain.LedgerEntry, []domain.ScoreRecord, error) {
	entry, err := t.store.Ledger(ctx, queryID)
	if err != nil {
		return domain.LedgerEntry{}, nil, fmt.Errorf("read ledger: %w", err)
	}
	records, err := t.store.Scores(ctx, queryID)
	if err != nil {
		return domain.LedgerEntry{}, nil, fmt.Errorf("read scores: %w", err)
	}
	return entry, records, nil
}

func statusOf(entry domain.LedgerEntry, records []domain.ScoreRecord) Status {
	done := 0
	for _, r := range records {
		if r.Done() {
			done++
		}
	}
	return Status{
		DoneCount:      done,
		ExpectedScenes: entry.ExpectedScenes,
		IsComplete:     done >= entry.ExpectedScenes,
	}
}
