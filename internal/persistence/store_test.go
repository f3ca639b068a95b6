package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/screenerengine/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(Config{Path: "file::memory:?cache=shared", Profile: ProfileCache})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestCreateRunAndGetRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := domain.StrategyRun{
		RunID:          "run-1",
		StrategyCode:   "bullish_breakout",
		StrategyVersion: 1,
		ParamsHash:     "abc123",
		ParamsBlob:     `{"min_score":70}`,
		StartedAt:      time.Now(),
		UniverseSource: "manual",
		UniverseSize:   1,
		MinScore:       70,
		TotalCount:     1,
	}
	require.NoError(t, store.CreateRun(ctx, run))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, domain.ExitPending, got.ExitStatus)
	require.Equal(t, 1, got.TotalCount)
	require.Equal(t, 0, got.ProcessedCount)
}

func TestGetRunNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetRun(context.Background(), "missing")
	require.Error(t, err)
	kind, ok := domain.KindOf(err)
	require.True(t, ok)
	require.Equal(t, domain.KindNotFound, kind)
}

func TestAppendTickerResultUpdatesProgress(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := domain.StrategyRun{
		RunID: "run-2", StrategyCode: "bullish_breakout", StrategyVersion: 1,
		ParamsHash: "h", ParamsBlob: "{}", StartedAt: time.Now(),
		UniverseSource: "manual", UniverseSize: 2, MinScore: 70, TotalCount: 2,
	}
	require.NoError(t, store.CreateRun(ctx, run))
	require.NoError(t, store.TransitionToRunning(ctx, "run-2"))

	now := time.Now()
	result := domain.TickerResult{
		RunID: "run-2", Ticker: "AAA", Passed: true, Score: 88,
		Classification: domain.ClassificationBuy, Reasons: []string{"sma_alignment"},
		Metrics: domain.Metrics{"close": domain.MFloat(160.0)}, CreatedAt: now,
	}
	progress := domain.ExecutionProgress{
		RunID: "run-2", Ticker: "AAA", SequenceNumber: 1, ProcessedAt: now,
		Passed: true, Score: 88, Classification: domain.ClassificationBuy,
	}
	require.NoError(t, store.AppendTickerResult(ctx, result, progress, 2))

	got, err := store.GetRun(ctx, "run-2")
	require.NoError(t, err)
	require.Equal(t, 1, got.ProcessedCount)
	require.Equal(t, 50, got.ProgressPercent)
	require.NotNil(t, got.CurrentTicker)
	require.Equal(t, "AAA", *got.CurrentTicker)

	results, err := store.GetRunResults(ctx, "run-2", ResultsFilter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, domain.ClassificationBuy, results[0].Classification)
	closeVal, ok := results[0].Metrics.Float("close")
	require.True(t, ok)
	require.InDelta(t, 160.0, closeVal, 0.001)
}

func TestFinalizeRunIsTerminal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := domain.StrategyRun{
		RunID: "run-3", StrategyCode: "leap_entry", StrategyVersion: 1,
		ParamsHash: "h", ParamsBlob: "{}", StartedAt: time.Now(),
		UniverseSource: "manual", UniverseSize: 1, MinScore: 60, TotalCount: 1,
	}
	require.NoError(t, store.CreateRun(ctx, run))
	require.NoError(t, store.TransitionToRunning(ctx, "run-3"))

	summary := &domain.RunSummary{PassedCount: 1, PassRate: 1.0, AvgScore: 85, MaxScore: 85, MinScoreActual: 85,
		ScoreBuckets: map[string]int{"81-100": 1}}
	require.NoError(t, store.FinalizeRun(ctx, "run-3", domain.ExitOK, nil, summary, time.Now(), 120))

	got, err := store.GetRun(ctx, "run-3")
	require.NoError(t, err)
	require.True(t, got.ExitStatus.Terminal())
	require.NotNil(t, got.Summary)
	require.Equal(t, 1, got.Summary.PassedCount)

	// A second finalize is rejected: the run is no longer pending/running.
	err = store.FinalizeRun(ctx, "run-3", domain.ExitError, nil, nil, time.Now(), 1)
	require.Error(t, err)
}

func TestRequestCancelIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := domain.StrategyRun{
		RunID: "run-4", StrategyCode: "bullish_breakout", StrategyVersion: 1,
		ParamsHash: "h", ParamsBlob: "{}", StartedAt: time.Now(),
		UniverseSource: "manual", UniverseSize: 1, MinScore: 70, TotalCount: 1,
	}
	require.NoError(t, store.CreateRun(ctx, run))

	require.NoError(t, store.RequestCancel(ctx, "run-4"))
	require.NoError(t, store.RequestCancel(ctx, "run-4"))

	flag, err := store.IsCancelRequested(ctx, "run-4")
	require.NoError(t, err)
	require.True(t, flag)
}

func TestListRunsFiltersByStrategyCode(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, code := range []string{"bullish_breakout", "leap_entry", "bullish_breakout"} {
		run := domain.StrategyRun{
			RunID: "run-list-" + string(rune('a'+i)), StrategyCode: code, StrategyVersion: 1,
			ParamsHash: "h", ParamsBlob: "{}", StartedAt: time.Now(),
			UniverseSource: "manual", UniverseSize: 1, MinScore: 70, TotalCount: 1,
		}
		require.NoError(t, store.CreateRun(ctx, run))
	}

	code := "bullish_breakout"
	runs, err := store.ListRuns(ctx, ListRunsFilter{StrategyCode: &code})
	require.NoError(t, err)
	require.Len(t, runs, 2)
}
