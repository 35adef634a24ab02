package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/compliance-scanner/internal/scanner"
)

// ResultStore keeps run summaries and outcomes in memory.
type ResultStore struct {
	mu       sync.RWMutex
	runs     map[string]scanner.RunSummary
	outcomes map[string][]scanner.ValidationOutcome
}

// NewResultStore constructs an empty ResultStore.
func NewResultStore() *ResultStore {
	return &ResultStore{
		runs:     make(map[string]scanner.RunSummary),
		outcomes: make(map[string][]scanner.ValidationOutcome),
	}
}

// SaveOutcome appends an outcome to the run, replacing any previous outcome for the same URL.
func (s *ResultStore) SaveOutcome(_ context.Context, runID string, outcome scanner.ValidationOutcome) error {
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.outcomes[runID]
	for i := range list {
		if list[i].URL == outcome.URL {
			list[i] = outcome
			return nil
		}
	}
	s.outcomes[runID] = append(list, outcome)
	return nil
}

// SaveRun stores or replaces a run summary.
func (s *ResultStore) SaveRun(_ context.Context, run scanner.RunSummary) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	run.Stats = run.Stats.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

// LatestRun returns the run with the latest FinishedAt.
func (s *ResultStore) LatestRun(_ context.Context) (scanner.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.runs) == 0 {
		return scanner.RunSummary{}, scanner.ErrNotFound
	}
	runs := make([]scanner.RunSummary, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].FinishedAt.Equal(runs[j].FinishedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].FinishedAt.After(runs[j].FinishedAt)
	})
	latest := runs[0]
	latest.Stats = latest.Stats.Clone()
	return latest, nil
}

// Outcomes returns the outcomes recorded for a run in insertion order.
func (s *ResultStore) Outcomes(runID string) []scanner.ValidationOutcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]scanner.ValidationOutcome(nil), s.outcomes[runID]...)
}
