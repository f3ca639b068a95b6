package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/screenerengine/internal/domain"
	"github.com/aristath/screenerengine/internal/marketdata"
	"github.com/aristath/screenerengine/internal/persistence"
	"github.com/aristath/screenerengine/internal/strategy"
)

// sleepyEvaluator sleeps on every Evaluate call, for exercising cooperative
// cancellation (spec.md §8.4 S3).
type sleepyEvaluator struct {
	delay time.Duration
}

func (s sleepyEvaluator) Code() string { return "sleepy" }
func (s sleepyEvaluator) Version() int { return 1 }
func (s sleepyEvaluator) Validate(p strategy.RawParams) (strategy.NormalizedParams, error) {
	return strategy.NormalizedParams{"min_score": 0, "period": "2y"}, nil
}
func (s sleepyEvaluator) Evaluate(_ context.Context, ticker string, _ strategy.NormalizedParams, _ marketdata.Series, _ *marketdata.Metadata) (strategy.TickerEvaluation, error) {
	time.Sleep(s.delay)
	return strategy.TickerEvaluation{Passed: true, Score: 50, Classification: domain.ClassificationWatch, Metrics: domain.Metrics{}}, nil
}

// fixedEvaluator always returns the same verdict, for deterministic tests.
type fixedEvaluator struct {
	code string
}

func (f fixedEvaluator) Code() string { return f.code }
func (f fixedEvaluator) Version() int { return 1 }
func (f fixedEvaluator) Validate(p strategy.RawParams) (strategy.NormalizedParams, error) {
	return strategy.NormalizedParams{"min_score": 50, "period": "2y"}, nil
}
func (f fixedEvaluator) Evaluate(_ context.Context, ticker string, _ strategy.NormalizedParams, series marketdata.Series, _ *marketdata.Metadata) (strategy.TickerEvaluation, error) {
	if len(series) == 0 {
		return strategy.TickerEvaluation{Passed: false, Score: 0, Classification: domain.ClassificationWait, Metrics: domain.Metrics{}}, nil
	}
	return strategy.TickerEvaluation{Passed: true, Score: 90, Classification: domain.ClassificationBuy, Metrics: domain.Metrics{}}, nil
}

func newTestCoordinator(t *testing.T, evaluator strategy.Evaluator, fetcher marketdata.Fetcher, cfg Config) (*Coordinator, *persistence.Store) {
	t.Helper()
	db, err := persistence.Open(persistence.Config{Path: "file::memory:?cache=shared", Profile: persistence.ProfileCache, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := persistence.NewStore(db)
	registry := strategy.NewRegistry(zerolog.Nop())
	registry.Register(evaluator)

	if cfg.MaxConcurrentRuns == 0 {
		cfg.MaxConcurrentRuns = 2
	}
	if cfg.MaxWorkersPerRun == 0 {
		cfg.MaxWorkersPerRun = 4
	}
	if cfg.MaxQueueSize == 0 {
		cfg.MaxQueueSize = 32
	}
	if cfg.RunTimeout == 0 {
		cfg.RunTimeout = 30 * time.Second
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = 5 * time.Second
	}

	return New(store, registry, fetcher, cfg, zerolog.Nop()), store
}

func waitForTerminal(t *testing.T, c *Coordinator, runID string, timeout time.Duration) *domain.StrategyRun {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		run, _, err := c.Status(context.Background(), runID)
		require.NoError(t, err)
		if run.ExitStatus.Terminal() {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach a terminal state within %s", runID, timeout)
	return nil
}

func TestSubmitAndRunToCompletion(t *testing.T) {
	fetcher := marketdata.NewStaticFetcher()
	fetcher.Series["AAA"] = marketdata.Series{{Timestamp: time.Now(), Close: 100, Volume: 1}}

	c, _ := newTestCoordinator(t, fixedEvaluator{code: "bullish_breakout"}, fetcher, Config{})
	runID, err := c.Submit(context.Background(), "bullish_breakout", strategy.RawParams{}, []string{"AAA"}, domain.PriorityNormal)
	require.NoError(t, err)

	run := waitForTerminal(t, c, runID, 2*time.Second)
	require.Equal(t, domain.ExitOK, run.ExitStatus)
	require.Equal(t, 1, run.ProcessedCount)
	require.NotNil(t, run.Summary)
	require.Equal(t, 1, run.Summary.PassedCount)
}

func TestSubmitUnknownStrategyRejected(t *testing.T) {
	fetcher := marketdata.NewStaticFetcher()
	c, _ := newTestCoordinator(t, fixedEvaluator{code: "bullish_breakout"}, fetcher, Config{})

	_, err := c.Submit(context.Background(), "does_not_exist", strategy.RawParams{}, []string{"AAA"}, domain.PriorityNormal)
	require.Error(t, err)
	kind, ok := domain.KindOf(err)
	require.True(t, ok)
	require.Equal(t, domain.KindUnknownStrategy, kind)
}

func TestSubmitEmptyUniverseRejected(t *testing.T) {
	fetcher := marketdata.NewStaticFetcher()
	c, _ := newTestCoordinator(t, fixedEvaluator{code: "bullish_breakout"}, fetcher, Config{})

	_, err := c.Submit(context.Background(), "bullish_breakout", strategy.RawParams{}, []string{"not a ticker!!"}, domain.PriorityNormal)
	require.Error(t, err)
	kind, ok := domain.KindOf(err)
	require.True(t, ok)
	require.Equal(t, domain.KindEmptyUniverse, kind)
}

func TestCancelMidRunStopsProcessingFurtherTickers(t *testing.T) {
	fetcher := marketdata.NewStaticFetcher()
	tickers := []string{"A1", "A2", "A3", "A4", "A5"}
	for _, tk := range tickers {
		fetcher.Series[tk] = marketdata.Series{{Timestamp: time.Now(), Close: 100, Volume: 1}}
	}

	c, _ := newTestCoordinator(t, sleepyEvaluator{delay: 200 * time.Millisecond}, fetcher, Config{MaxWorkersPerRun: 1})
	runID, err := c.Submit(context.Background(), "sleepy", strategy.RawParams{}, tickers, domain.PriorityNormal)
	require.NoError(t, err)

	time.Sleep(250 * time.Millisecond)
	require.NoError(t, c.Cancel(context.Background(), runID))

	run := waitForTerminal(t, c, runID, 2*time.Second)
	require.Equal(t, domain.ExitCancelled, run.ExitStatus)
	require.LessOrEqual(t, run.ProcessedCount, 3)
}

func TestPerTickerMarketDataErrorDoesNotAbortRun(t *testing.T) {
	fetcher := marketdata.NewStaticFetcher()
	fetcher.FailWith["BAD"] = errors.New("upstream outage")
	fetcher.Series["GOOD"] = marketdata.Series{{Timestamp: time.Now(), Close: 100, Volume: 1}}

	c, store := newTestCoordinator(t, fixedEvaluator{code: "bullish_breakout"}, fetcher, Config{})
	runID, err := c.Submit(context.Background(), "bullish_breakout", strategy.RawParams{}, []string{"BAD", "GOOD"}, domain.PriorityNormal)
	require.NoError(t, err)

	run := waitForTerminal(t, c, runID, 2*time.Second)
	require.Equal(t, domain.ExitOK, run.ExitStatus)
	require.Equal(t, 2, run.ProcessedCount)

	results, err := store.GetRunResults(context.Background(), runID, persistence.ResultsFilter{OrderBy: "ticker"})
	require.NoError(t, err)
	require.Len(t, results, 2)

	var bad, good *domain.TickerResult
	for i := range results {
		switch results[i].Ticker {
		case "BAD":
			bad = &results[i]
		case "GOOD":
			good = &results[i]
		}
	}
	require.NotNil(t, bad)
	require.NotNil(t, good)
	require.Equal(t, domain.ClassificationError, bad.Classification)
	require.False(t, bad.Passed)
	require.NotNil(t, bad.ErrorMessage)
	require.True(t, good.Passed)
}
