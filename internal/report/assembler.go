// Package report assembles the structured report payload consumed by an
// external renderer (C9). It is a pure transformation over persisted state;
// it performs no further market-data fetches.
package report

import (
	"context"
	"fmt"
	"sort"

	"github.com/aristath/screenerengine/internal/domain"
	"github.com/aristath/screenerengine/internal/persistence"
)

// Assembler builds report payloads from terminal runs (spec.md §4.9).
type Assembler struct {
	store *persistence.Store
}

// New wires an Assembler over an opened Store.
func New(store *persistence.Store) *Assembler {
	return &Assembler{store: store}
}

// Header carries common run identity fields (spec.md §4.9 "Common header").
type Header struct {
	RunID         string
	StrategyCode  string
	StartedAt     string
	CompletedAt   string
	UniverseSize  int
	QualifyingCount int
	PassRate      float64
	ExecutionMS   int64
}

// ExecutiveSummary is the narrative roll-up (spec.md §4.9 "Executive summary").
type ExecutiveSummary struct {
	RiskDistribution    string
	SectorDistribution  string
	RecommendationText  string
}

// ResultsAnalysis is the strategy-specific breakdown (spec.md §4.9
// "Results analysis").
type ResultsAnalysis struct {
	Subsections map[string]string
}

// Opportunity is one detailed, per-ticker entry in the report (spec.md §4.9
// "Detailed opportunities").
type Opportunity struct {
	Ticker         string
	Score          float64
	Classification domain.Classification
	Metrics        domain.Metrics
}

// Report is the full assembled payload.
type Report struct {
	Header      Header
	Summary     ExecutiveSummary
	Analysis    ResultsAnalysis
	Opportunities []Opportunity
	Methodology string
}

const defaultTopK = 20

// Assemble builds the report for a terminal run (spec.md §4.9: "fails with
// RunNotTerminal if called on a non-terminal run").
func (a *Assembler) Assemble(ctx context.Context, runID string, topK int) (*Report, error) {
	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !run.ExitStatus.Terminal() {
		return nil, domain.RunNotTerminal(runID, run.ExitStatus)
	}
	if topK <= 0 {
		topK = defaultTopK
	}

	results, err := a.store.GetRunResults(ctx, runID, persistence.ResultsFilter{OrderBy: "score", Desc: true, Limit: 500})
	if err != nil {
		return nil, err
	}

	qualifying := 0
	for _, r := range results {
		if r.Passed {
			qualifying++
		}
	}

	var passRate float64
	if run.TotalCount > 0 {
		passRate = float64(qualifying) / float64(run.TotalCount)
	}

	header := Header{
		RunID: run.RunID, StrategyCode: run.StrategyCode,
		StartedAt: run.StartedAt.Format("2006-01-02T15:04:05Z07:00"),
		UniverseSize: run.UniverseSize, QualifyingCount: qualifying, PassRate: passRate,
	}
	if run.CompletedAt != nil {
		header.CompletedAt = run.CompletedAt.Format("2006-01-02T15:04:05Z07:00")
	}
	if run.DurationMS != nil {
		header.ExecutionMS = *run.DurationMS
	}

	sectorByTicker, err := a.sectorLookup(ctx, results)
	if err != nil {
		return nil, err
	}

	summary := ExecutiveSummary{
		RiskDistribution:   riskDistribution(results),
		SectorDistribution: sectorDistribution(results, sectorByTicker),
		RecommendationText: recommendationText(qualifying),
	}

	analysis := ResultsAnalysis{Subsections: resultsAnalysis(run.StrategyCode, results)}

	opportunities := make([]Opportunity, 0, topK)
	for i, r := range results {
		if i >= topK {
			break
		}
		if !r.Passed {
			continue
		}
		opportunities = append(opportunities, Opportunity{Ticker: r.Ticker, Score: r.Score, Classification: r.Classification, Metrics: r.Metrics})
	}

	return &Report{
		Header:        header,
		Summary:       summary,
		Analysis:      analysis,
		Opportunities: opportunities,
		Methodology:   Methodology(run.StrategyCode, run.StrategyVersion),
	}, nil
}

func (a *Assembler) sectorLookup(ctx context.Context, results []domain.TickerResult) (map[string]string, error) {
	tickers := make([]string, 0, len(results))
	for _, r := range results {
		tickers = append(tickers, r.Ticker)
	}
	return a.store.GetInstrumentSectors(ctx, tickers)
}

// recommendationText implements the fixed thresholds on qualifying count
// (spec.md §4.9).
func recommendationText(qualifyingCount int) string {
	switch {
	case qualifyingCount == 0:
		return "no opportunities identified in this universe"
	case qualifyingCount < 5:
		return "limited opportunities identified"
	case qualifyingCount < 15:
		return "moderate opportunities identified"
	default:
		return "rich opportunities identified"
	}
}

// riskDistribution summarizes the "risk" metric the bullish evaluator
// attaches; strategies that don't set it contribute nothing to the count.
func riskDistribution(results []domain.TickerResult) string {
	counts := map[string]int{}
	for _, r := range results {
		if !r.Passed {
			continue
		}
		if risk, ok := r.Metrics["risk"]; ok && risk.Kind == "string" {
			counts[risk.String]++
		}
	}
	if len(counts) == 0 {
		return "risk distribution unavailable for this strategy"
	}
	return fmt.Sprintf("low: %d, medium: %d, high: %d", counts["low"], counts["medium"], counts["high"])
}

func sectorDistribution(results []domain.TickerResult, sectorByTicker map[string]string) string {
	counts := map[string]int{}
	for _, r := range results {
		if !r.Passed {
			continue
		}
		sector, ok := sectorByTicker[r.Ticker]
		if !ok || sector == "" {
			sector = "unknown"
		}
		counts[sector]++
	}
	if len(counts) == 0 {
		return "no qualifying tickers"
	}
	sectors := make([]string, 0, len(counts))
	for s := range counts {
		sectors = append(sectors, s)
	}
	sort.Strings(sectors)
	parts := make([]string, 0, len(sectors))
	for _, s := range sectors {
		parts = append(parts, fmt.Sprintf("%s: %d", s, counts[s]))
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

// resultsAnalysis builds the strategy-specific subsections (spec.md §4.9:
// "SMA-alignment analysis, MACD analysis, volume analysis for bullish; RSI
// positioning, VWAP positioning, classification breakdown for LEAP").
func resultsAnalysis(strategyCode string, results []domain.TickerResult) map[string]string {
	switch strategyCode {
	case "bullish_breakout":
		return bullishAnalysis(results)
	case "leap_entry":
		return leapAnalysis(results)
	default:
		return map[string]string{}
	}
}

func bullishAnalysis(results []domain.TickerResult) map[string]string {
	aboveBoth, macdPositive, volumeStrong := 0, 0, 0
	total := 0
	for _, r := range results {
		if !r.Passed {
			continue
		}
		total++
		if close, ok := r.Metrics.Float("close"); ok {
			sma50, ok50 := r.Metrics.Float("sma50")
			sma200, ok200 := r.Metrics.Float("sma200")
			if ok50 && ok200 && close > sma50 && close > sma200 {
				aboveBoth++
			}
		}
		if hist, ok := r.Metrics.Float("macd_hist"); ok && hist > 0 {
			macdPositive++
		}
		if vm, ok := r.Metrics.Float("volume_multiple"); ok && vm >= 1.0 {
			volumeStrong++
		}
	}
	return map[string]string{
		"sma_alignment": fmt.Sprintf("%d/%d qualifying tickers trading above both SMA50 and SMA200", aboveBoth, total),
		"macd":          fmt.Sprintf("%d/%d qualifying tickers with a positive MACD histogram", macdPositive, total),
		"volume":        fmt.Sprintf("%d/%d qualifying tickers at or above their 20-day average volume", volumeStrong, total),
	}
}

func leapAnalysis(results []domain.TickerResult) map[string]string {
	rsiInBand, belowVWAP := 0, 0
	byClassification := map[string]int{}
	total := 0
	for _, r := range results {
		if !r.Passed {
			continue
		}
		total++
		byClassification[string(r.Classification)]++
		if rsi, ok := r.Metrics.Float("rsi"); ok && rsi >= 45 && rsi <= 60 {
			rsiInBand++
		}
		if distance, ok := r.Metrics.Float("avwap_distance_pct"); ok && distance < 0 {
			belowVWAP++
		}
	}
	classBreakdown := ""
	classes := make([]string, 0, len(byClassification))
	for c := range byClassification {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	for i, c := range classes {
		if i > 0 {
			classBreakdown += ", "
		}
		classBreakdown += fmt.Sprintf("%s: %d", c, byClassification[c])
	}
	if classBreakdown == "" {
		classBreakdown = "no qualifying tickers"
	}
	return map[string]string{
		"rsi_positioning":  fmt.Sprintf("%d/%d qualifying tickers within the preferred RSI window", rsiInBand, total),
		"vwap_positioning": fmt.Sprintf("%d/%d qualifying tickers trading below their anchored VWAP", belowVWAP, total),
		"classification":   classBreakdown,
	}
}
