// Package memory provides in-process implementations of the store, queue and
// object store for tests and single-process runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/yihaochen/urban-growth/internal/domain"
)

// Store is a mutex-guarded domain.Store.
type Store struct {
	mu      sync.Mutex
	ledgers map[string]domain.LedgerEntry            // by region reference
	queries map[string]string                        // query id -> region reference
	scores  map[string]map[string]domain.ScoreRecord // query id -> scene key -> record
	skipped map[string]struct{}                      // query id/scene key
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		ledgers: make(map[string]domain.LedgerEntry),
		queries: make(map[string]string),
		scores:  make(map[string]map[string]domain.ScoreRecord),
		skipped: make(map[string]struct{}),
	}
}

func (s *Store) PutPlaceholders(_ context.Context, records []domain.ScoreRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		byScene, ok := s.scores[r.QueryID]
		if !ok {
			byScene = make(map[string]domain.ScoreRecord)
			s.scores[r.QueryID] = byScene
		}
		if _, exists := byScene[r.SceneKey]; !exists {
			byScene[r.SceneKey] = r
		}
	}
	return nil
}

func (s *Store) PutLedger(_ context.Context, entry domain.LedgerEntry) error {
	if entry.ExpectedScenes < 0 {
		return fmt.Errorf("ledger for %s: negative expected count %d", entry.QueryID, entry.ExpectedScenes)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledgers[entry.RegionRef] = entry
	s.queries[entry.QueryID] = entry.RegionRef
	return nil
}

func (s *Store) Ledger(_ context.Context, queryID string) (domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledgerLocked(queryID)
}

func (s *Store) ledgerLocked(queryID string) (domain.LedgerEntry, error) {
	ref, ok := s.queries[queryID]
	if !ok {
		return domain.LedgerEntry{}, fmt.Errorf("ledger for query %s: %w", queryID, domain.ErrNotFound)
	}
	entry, ok := s.ledgers[ref]
	if !ok || entry.QueryID != queryID {
		return domain.LedgerEntry{}, fmt.Errorf("ledger for query %s: %w", queryID, domain.ErrNotFound)
	}
	return entry, nil
}

func (s *Store) UpdateScore(_ context.Context, record domain.ScoreRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, skipped := s.skipped[record.QueryID+"/"+record.SceneKey]; skipped {
		return fmt.Errorf("score %s/%s: %w", record.QueryID, record.SceneKey, domain.ErrSceneSkipped)
	}
	byScene, ok := s.scores[record.QueryID]
	if !ok {
		byScene = make(map[string]domain.ScoreRecord)
		s.scores[record.QueryID] = byScene
	}
	if existing, ok := byScene[record.SceneKey]; ok {
		record.SceneDateTime = existing.SceneDateTime
	}
	byScene[record.SceneKey] = record
	return nil
}

func (s *Store) RecordSkip(_ context.Context, req domain.SkipRequest) (domain.SkipResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.ledgers[req.RegionRef]
	current := ok && entry.QueryID == req.QueryID

	settled := func(res domain.SkipResult) domain.SkipResult {
		if current {
			res.Remaining = entry.ExpectedScenes
		}
		return res
	}
	if r, ok := s.scores[req.QueryID][req.SceneKey]; ok && r.Done() {
		return settled(domain.SkipResult{Scored: true}), nil
	}
	marker := req.QueryID + "/" + req.SceneKey
	if _, seen := s.skipped[marker]; seen {
		return settled(domain.SkipResult{}), nil
	}
	s.skipped[marker] = struct{}{}

	if !current {
		return domain.SkipResult{}, nil
	}
	if entry.ExpectedScenes == 0 {
		return domain.SkipResult{Applied: true, Underflow: true}, nil
	}
	entry.ExpectedScenes--
	s.ledgers[req.RegionRef] = entry
	return domain.SkipResult{Applied: true, Remaining: entry.ExpectedScenes}, nil
}

func (s *Store) Scores(_ context.Context, queryID string) ([]domain.ScoreRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byScene := s.scores[queryID]
	out := make([]domain.ScoreRecord, 0, len(byScene))
	for _, r := range byScene {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SceneKey < out[j].SceneKey })
	return out, nil
}
