package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/aristath/screenerengine/internal/domain"
	"github.com/aristath/screenerengine/internal/marketdata"
	"github.com/aristath/screenerengine/internal/strategy"
)

// fetchJob is one indexed unit of market-data work (teacher's
// evaluation.jobItem shape).
type fetchJob struct {
	index  int
	ticker string
}

// fetchOutcome is the result of fetching one ticker's data, or the error
// that occurred fetching it.
type fetchOutcome struct {
	series marketdata.Series
	meta   *marketdata.Metadata
	err    error
}

// dispatchFetches overlaps market-data I/O across up to maxWorkers goroutines
// (teacher's evaluation.WorkerPool job/result channel shape), while handing
// the results back as one channel per ticker index so the caller can still
// consume them strictly in ticker order. Intra-run parallelism is bounded to
// the fetch step only; evaluation and persistence stay single-threaded so
// sequence_number assignment and processed_count remain monotonic (spec.md
// §5 "Ordering guarantees").
func dispatchFetches(ctx context.Context, fetcher marketdata.Fetcher, tickers []string, period marketdata.Period, fetchTimeout time.Duration, maxWorkers int) []<-chan fetchOutcome {
	jobs := make(chan fetchJob, len(tickers))
	out := make([]chan fetchOutcome, len(tickers))
	for i, ticker := range tickers {
		out[i] = make(chan fetchOutcome, 1)
		jobs <- fetchJob{index: i, ticker: ticker}
	}
	close(jobs)

	numWorkers := maxWorkers
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if len(tickers) < numWorkers {
		numWorkers = len(tickers)
	}

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				out[job.index] <- fetchOne(ctx, fetcher, job.ticker, period, fetchTimeout)
			}
		}()
	}

	readOnly := make([]<-chan fetchOutcome, len(out))
	for i, c := range out {
		readOnly[i] = c
	}
	return readOnly
}

func fetchOne(ctx context.Context, fetcher marketdata.Fetcher, ticker string, period marketdata.Period, timeout time.Duration) fetchOutcome {
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	series, err := fetcher.FetchOHLCV(fctx, ticker, period, "1d")
	if err != nil {
		return fetchOutcome{err: err}
	}
	meta, _ := fetcher.FetchMetadata(fctx, ticker)
	return fetchOutcome{series: series, meta: meta}
}

// evaluateOutcome turns one fetch outcome into a TickerEvaluation plus an
// optional error message, classifying market-data and evaluator failures as
// error results rather than aborting the run (spec.md §4.7 main loop).
func evaluateOutcome(ctx context.Context, evaluator strategy.Evaluator, ticker string, params strategy.NormalizedParams, outcome fetchOutcome) (strategy.TickerEvaluation, *string) {
	if outcome.err != nil {
		derr := domain.MarketDataUnavailable(ticker, outcome.err)
		msg := derr.Error()
		return errorEvaluation(string(domain.KindMarketDataOutage)), &msg
	}

	eval, err := evaluator.Evaluate(ctx, ticker, params, outcome.series, outcome.meta)
	if err != nil {
		derr := domain.EvaluatorException(ticker, err)
		msg := derr.Error()
		return errorEvaluation(string(domain.KindEvaluatorException)), &msg
	}
	return eval, nil
}

func errorEvaluation(reason string) strategy.TickerEvaluation {
	return strategy.TickerEvaluation{
		Passed:         false,
		Score:          0,
		Classification: domain.ClassificationError,
		Reasons:        []string{reason},
		Metrics:        domain.Metrics{},
	}
}

// periodFromParams reads the "period" normalized parameter shared by the
// bullish and LEAP evaluators, defaulting to 2y.
func periodFromParams(params strategy.NormalizedParams) marketdata.Period {
	if v, ok := params["period"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return marketdata.Period(s)
		}
	}
	return marketdata.Period2Y
}

// minScoreFromParams extracts the min_score normalized parameter for the
// run row (spec.md §3.1 StrategyRun.min_score); both evaluators store it
// as an int.
func minScoreFromParams(params strategy.NormalizedParams) float64 {
	switch v := params["min_score"].(type) {
	case int:
		return float64(v)
	case float64:
		return v
	default:
		return 0
	}
}

// bucketFor classifies a score into the fixed distribution buckets (spec.md
// §4.7 "Completion summary").
func bucketFor(score float64) string {
	switch {
	case score > 100:
		return "100+"
	case score >= 81:
		return "81-100"
	case score >= 61:
		return "61-80"
	case score >= 41:
		return "41-60"
	case score >= 21:
		return "21-40"
	default:
		return "0-20"
	}
}

// computeSummary derives the completion summary from every processed
// ticker's score (for the distribution buckets) and the passed subset (for
// avg/max/min), over the submitted universe size (spec.md §4.7).
func computeSummary(allScores []float64, passedScores []float64, universeSize int) *domain.RunSummary {
	buckets := map[string]int{"0-20": 0, "21-40": 0, "41-60": 0, "61-80": 0, "81-100": 0, "100+": 0}
	for _, s := range allScores {
		buckets[bucketFor(s)]++
	}

	summary := &domain.RunSummary{
		PassedCount:  len(passedScores),
		ScoreBuckets: buckets,
	}
	if universeSize > 0 {
		summary.PassRate = float64(len(passedScores)) / float64(universeSize)
	}
	if len(passedScores) == 0 {
		return summary
	}

	var sum, max, min float64
	min = passedScores[0]
	for _, s := range passedScores {
		sum += s
		if s > max {
			max = s
		}
		if s < min {
			min = s
		}
	}
	summary.AvgScore = sum / float64(len(passedScores))
	summary.MaxScore = max
	summary.MinScoreActual = min
	return summary
}
