// Package coordinator owns the lifecycle of a strategy run from admission
// to terminal state (C7), following the teacher's work.Processor admission
// queue and evaluation.WorkerPool concurrency shape.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/screenerengine/internal/domain"
	"github.com/aristath/screenerengine/internal/marketdata"
	"github.com/aristath/screenerengine/internal/persistence"
	"github.com/aristath/screenerengine/internal/strategy"
)

// Config bounds the coordinator's resource usage (spec.md §5, §6.5).
type Config struct {
	MaxConcurrentRuns int
	MaxWorkersPerRun  int
	MaxQueueSize      int
	RunTimeout        time.Duration
	FetchTimeout      time.Duration
}

// runHandle tracks an in-flight run for introspection (spec.md §6.1 "queue()").
type runHandle struct {
	startedAt time.Time
}

// Coordinator is the process-wide admission queue and bounded run pool.
type Coordinator struct {
	store    *persistence.Store
	registry *strategy.Registry
	fetcher  marketdata.Fetcher
	cfg      Config
	log      zerolog.Logger

	mu      sync.Mutex
	queue   []queuedRun
	running map[string]*runHandle
	sem     chan struct{}
}

// New wires a Coordinator over its dependencies. Evaluators must already be
// registered on registry before the first Submit call.
func New(store *persistence.Store, registry *strategy.Registry, fetcher marketdata.Fetcher, cfg Config, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		registry: registry,
		fetcher:  fetcher,
		cfg:      cfg,
		log:      log.With().Str("component", "coordinator").Logger(),
		running:  make(map[string]*runHandle),
		sem:      make(chan struct{}, cfg.MaxConcurrentRuns),
	}
}

// Submit admits a new run (spec.md §4.7 "Admission", §6.1 submit).
func (c *Coordinator) Submit(ctx context.Context, strategyCode string, rawParams strategy.RawParams, rawTickers []string, priority domain.Priority) (string, error) {
	evaluator, err := c.registry.Get(strategyCode)
	if err != nil {
		return "", err
	}

	normalized, err := evaluator.Validate(rawParams)
	if err != nil {
		return "", err
	}

	tickers := normalizeTickers(rawTickers)
	if len(tickers) == 0 {
		return "", domain.EmptyUniverse()
	}

	hash, canonicalJSON, err := strategy.HashParams(normalized)
	if err != nil {
		return "", domain.PersistenceError("hash_params", err)
	}

	c.mu.Lock()
	if len(c.queue) >= c.cfg.MaxQueueSize {
		c.mu.Unlock()
		return "", domain.Overloaded(len(c.queue), c.cfg.MaxQueueSize)
	}
	c.mu.Unlock()

	runID := uuid.NewString()
	run := domain.StrategyRun{
		RunID:           runID,
		StrategyCode:    strategyCode,
		StrategyVersion: evaluator.Version(),
		ParamsHash:      hash,
		ParamsBlob:      canonicalJSON,
		StartedAt:       time.Now().UTC(),
		UniverseSource:  "submitted_list",
		UniverseSize:    len(tickers),
		MinScore:        minScoreFromParams(normalized),
		TotalCount:      len(tickers),
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return "", err
	}

	qr := queuedRun{
		runID:        runID,
		strategyCode: strategyCode,
		priority:     priority,
		arrival:      time.Now(),
		work:         runWork{evaluator: evaluator, params: normalized, tickers: tickers},
	}

	c.mu.Lock()
	c.queue = insertByPriority(c.queue, qr)
	c.mu.Unlock()

	go c.dispatch()

	return runID, nil
}

// dispatch pops the next queued run if a concurrency slot is free, and
// recurses once that run finishes so the next queued run starts promptly
// (teacher's Processor.Run "done -> processOne" chaining).
func (c *Coordinator) dispatch() {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return
	}
	select {
	case c.sem <- struct{}{}:
	default:
		c.mu.Unlock()
		return
	}
	qr := c.queue[0]
	c.queue = c.queue[1:]
	c.running[qr.runID] = &runHandle{startedAt: time.Now()}
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.running, qr.runID)
			c.mu.Unlock()
			<-c.sem
			c.dispatch()
		}()
		c.executeRun(qr)
	}()
}

// executeRun walks the ticker universe per spec.md §4.7's main loop,
// checking cancellation and the wall-clock deadline before each ticker.
func (c *Coordinator) executeRun(qr queuedRun) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RunTimeout)
	defer cancel()

	log := c.log.With().Str("run_id", qr.runID).Str("strategy_code", qr.strategyCode).Logger()

	if err := c.store.TransitionToRunning(ctx, qr.runID); err != nil {
		log.Error().Err(err).Msg("failed to transition run to running")
		return
	}

	startedAt := time.Now()
	period := periodFromParams(qr.work.params)
	outcomes := dispatchFetches(ctx, c.fetcher, qr.work.tickers, period, c.cfg.FetchTimeout, c.cfg.MaxWorkersPerRun)

	total := len(qr.work.tickers)
	finalStatus := domain.ExitOK
	var finalErrMsg *string

	var allScores, passedScores []float64

	for i, ticker := range qr.work.tickers {
		if cancelled, err := c.store.IsCancelRequested(ctx, qr.runID); err == nil && cancelled {
			finalStatus = domain.ExitCancelled
			break
		}
		if time.Since(startedAt) > c.cfg.RunTimeout {
			finalStatus = domain.ExitTimeout
			break
		}

		t0 := time.Now()
		outcome := <-outcomes[i]
		eval, errMsg := evaluateOutcome(ctx, qr.work.evaluator, ticker, qr.work.params, outcome)
		elapsedMS := time.Since(t0).Milliseconds()

		now := time.Now().UTC()
		seq := i + 1
		result := domain.TickerResult{
			RunID: qr.runID, Ticker: ticker, Passed: eval.Passed, Score: eval.Score,
			Classification: eval.Classification, Reasons: eval.Reasons, Metrics: eval.Metrics,
			CreatedAt: now, ProcessingTimeMS: &elapsedMS, ErrorMessage: errMsg,
		}
		progress := domain.ExecutionProgress{
			RunID: qr.runID, Ticker: ticker, SequenceNumber: seq, ProcessedAt: now,
			Passed: eval.Passed, Score: eval.Score, Classification: eval.Classification,
			ErrorMessage: errMsg, ProcessingTimeMS: &elapsedMS,
		}

		if err := c.store.AppendTickerResult(ctx, result, progress, total); err != nil {
			log.Error().Err(err).Str("ticker", ticker).Msg("failed to persist ticker result, finalizing run as error")
			finalStatus = domain.ExitError
			msg := err.Error()
			finalErrMsg = &msg
			break
		}

		allScores = append(allScores, eval.Score)
		if eval.Passed {
			passedScores = append(passedScores, eval.Score)
		}
	}

	summary := computeSummary(allScores, passedScores, total)
	completedAt := time.Now().UTC()
	duration := completedAt.Sub(startedAt).Milliseconds()

	if err := c.store.FinalizeRun(context.Background(), qr.runID, finalStatus, finalErrMsg, summary, completedAt, duration); err != nil {
		log.Error().Err(err).Msg("failed to finalize run")
	}
}

// Status reports the current or terminal state of a run (spec.md §6.1).
func (c *Coordinator) Status(ctx context.Context, runID string) (*domain.StrategyRun, []domain.TickerResult, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	recent, err := c.store.GetRunResults(ctx, runID, persistence.ResultsFilter{
		OrderBy: "created_at", Desc: true, Limit: 10,
	})
	if err != nil {
		return nil, nil, err
	}
	return run, recent, nil
}

// Cancel requests cancellation of a run; idempotent and a no-op on a
// terminal run (spec.md §6.1).
func (c *Coordinator) Cancel(ctx context.Context, runID string) error {
	return c.store.RequestCancel(ctx, runID)
}

// normalizeTickers uppercases, trims, deduplicates preserving first
// occurrence, and silently drops malformed entries (spec.md §4.7 step 3).
func normalizeTickers(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		t, ok := domain.NormalizeTicker(r)
		if !ok || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
