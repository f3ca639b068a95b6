// Package query implements the read-side API over persisted runs and
// results (C8), a thin layer over the persistence.Store the way
// the teacher's HTTP handlers sit thinly over its repositories.
package query

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	"github.com/aristath/screenerengine/internal/domain"
	"github.com/aristath/screenerengine/internal/persistence"
)

// Service answers run/result queries (spec.md §4.8).
type Service struct {
	store *persistence.Store
	log   zerolog.Logger
}

// New wires a Service over an opened Store.
func New(store *persistence.Store, log zerolog.Logger) *Service {
	return &Service{store: store, log: log.With().Str("component", "query_service").Logger()}
}

// ListRuns pages runs by the stated filters (spec.md §4.8 list_runs).
func (s *Service) ListRuns(ctx context.Context, filter persistence.ListRunsFilter) ([]domain.StrategyRun, error) {
	return s.store.ListRuns(ctx, filter)
}

// RunDetail is a terminal-or-live run plus its score distribution and its
// top-N results by score (spec.md §4.8 get_run_detail).
type RunDetail struct {
	Run        domain.StrategyRun
	TopResults []domain.TickerResult
}

const defaultTopN = 10

// GetRunDetail assembles the full run row plus its top-N results by score.
func (s *Service) GetRunDetail(ctx context.Context, runID string, topN int) (*RunDetail, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if topN <= 0 {
		topN = defaultTopN
	}
	top, err := s.store.GetRunResults(ctx, runID, persistence.ResultsFilter{OrderBy: "score", Desc: true, Limit: topN})
	if err != nil {
		return nil, err
	}
	return &RunDetail{Run: *run, TopResults: top}, nil
}

// GetRunResults pages TickerResults for a run (spec.md §4.8
// get_run_results); the rows carry no instrument metadata.
func (s *Service) GetRunResults(ctx context.Context, runID string, filter persistence.ResultsFilter) ([]domain.TickerResult, error) {
	return s.store.GetRunResults(ctx, runID, filter)
}

// GetLatestByStrategy returns, per strategy_code, its most recent `limit`
// runs (spec.md §4.8 get_latest_by_strategy). The map has no defined key
// order; GetLatestByStrategySorted also returns the codes sorted.
func (s *Service) GetLatestByStrategy(ctx context.Context, limit int) (map[string][]domain.StrategyRun, error) {
	grouped, err := s.store.GetLatestByStrategy(ctx, limit)
	if err != nil {
		return nil, err
	}
	return grouped, nil
}

// GetLatestByStrategySorted is GetLatestByStrategy with its strategy_code
// keys returned in sorted order, convenient for deterministic rendering.
func (s *Service) GetLatestByStrategySorted(ctx context.Context, limit int) ([]string, map[string][]domain.StrategyRun, error) {
	grouped, err := s.GetLatestByStrategy(ctx, limit)
	if err != nil {
		return nil, nil, err
	}
	codes := make([]string, 0, len(grouped))
	for code := range grouped {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes, grouped, nil
}
