// Package leap implements the LEAP-entry screener (C6).
package leap

import (
	"context"
	"time"

	"github.com/aristath/screenerengine/internal/domain"
	"github.com/aristath/screenerengine/internal/indicators"
	"github.com/aristath/screenerengine/internal/marketdata"
	"github.com/aristath/screenerengine/internal/strategy"
)

// Code is the stable strategy_code this evaluator registers under.
const Code = "leap_entry"

// Version bumps whenever scoring or thresholds change (spec.md §4.4).
const Version = 1

var allowedFields = map[string]bool{
	"min_score": true, "rsi_band": true, "vwap_tolerance_pct": true, "period": true,
}
var allowedPeriods = map[string]bool{"1y": true, "2y": true, "5y": true}

// majorExchanges backs the "quality factor" metadata bonus (spec.md §4.6:
// "the exchange is a major listing").
var majorExchanges = map[string]bool{
	"NYSE": true, "NASDAQ": true, "AMEX": true, "ARCA": true,
}

// Evaluator implements strategy.Evaluator for the LEAP-entry screener.
type Evaluator struct{}

// New returns a ready-to-register LEAP-entry evaluator.
func New() *Evaluator { return &Evaluator{} }

func (e *Evaluator) Code() string { return Code }
func (e *Evaluator) Version() int { return Version }

// Validate normalizes and bounds-checks the recognized parameters
// (spec.md §4.6 parameter table).
func (e *Evaluator) Validate(params strategy.RawParams) (strategy.NormalizedParams, error) {
	for field := range params {
		if !allowedFields[field] {
			return nil, domain.InvalidParameters(field, "unrecognized parameter")
		}
	}

	minScore := strategy.GetInt(params, "min_score", 60)
	if minScore < 0 || minScore > 100 {
		return nil, domain.InvalidParameters("min_score", "must be between 0 and 100")
	}

	rsiLow, rsiHigh := 45.0, 60.0
	if raw, ok := params["rsi_band"]; ok {
		pair, ok := raw.([]any)
		if !ok || len(pair) != 2 {
			return nil, domain.InvalidParameters("rsi_band", "must be a two-element [low, high] pair")
		}
		lo, loOK := toFloat(pair[0])
		hi, hiOK := toFloat(pair[1])
		if !loOK || !hiOK || lo >= hi {
			return nil, domain.InvalidParameters("rsi_band", "must be [low, high] with low < high")
		}
		rsiLow, rsiHigh = lo, hi
	}

	vwapTolerance := strategy.GetFloat(params, "vwap_tolerance_pct", 2.0)
	if vwapTolerance < 0 {
		return nil, domain.InvalidParameters("vwap_tolerance_pct", "must be >= 0")
	}

	period := strategy.GetString(params, "period", "2y")
	if !allowedPeriods[period] {
		return nil, domain.InvalidParameters("period", "must be one of 1y, 2y, 5y")
	}

	return strategy.NormalizedParams{
		"min_score":          minScore,
		"rsi_band_low":       rsiLow,
		"rsi_band_high":      rsiHigh,
		"vwap_tolerance_pct": vwapTolerance,
		"period":             period,
	}, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func waiting(reason string) strategy.TickerEvaluation {
	return strategy.TickerEvaluation{
		Passed:         false,
		Score:          0,
		Classification: domain.ClassificationWait,
		Reasons:        []string{reason},
		Metrics:        domain.Metrics{},
	}
}

// Evaluate scores one ticker per spec.md §4.6.
func (e *Evaluator) Evaluate(_ context.Context, _ string, params strategy.NormalizedParams, series marketdata.Series, meta *marketdata.Metadata) (strategy.TickerEvaluation, error) {
	if len(series) < 220 {
		return waiting("data_insufficient"), nil
	}
	if time.Since(series[len(series)-1].Timestamp) > 5*24*time.Hour {
		return waiting("data_stale"), nil
	}

	anchorIdx, found := indicators.FindLEAPAnchor(series)
	if !found {
		return waiting("avwap_undefined"), nil
	}
	avwap := indicators.AnchoredVWAP(series, anchorIdx)
	if !avwap.Valid {
		return waiting("avwap_undefined"), nil
	}

	minScore := params["min_score"].(int)
	rsiLow := params["rsi_band_low"].(float64)
	rsiHigh := params["rsi_band_high"].(float64)
	vwapTolerance := params["vwap_tolerance_pct"].(float64)

	closes := series.Closes()
	lastClose := closes[len(closes)-1]
	rsi := indicators.RSI14(closes)
	sma50 := indicators.SMA(closes, 50)
	sma200 := indicators.SMA(closes, 200)
	volMultiple := indicators.VolumeMultiple(series)

	score := 0.0
	metrics := domain.Metrics{}
	var reasons []string

	rsiPoints := rsiPositioningPoints(rsi, rsiLow, rsiHigh)
	score += rsiPoints
	metrics["points_rsi_positioning"] = domain.MFloat(rsiPoints)
	if rsiPoints > 0 {
		reasons = append(reasons, "rsi_positioning")
	}

	vwapPoints := vwapPositioningPoints(lastClose, avwap.Value, vwapTolerance)
	score += vwapPoints
	metrics["points_vwap_positioning"] = domain.MFloat(vwapPoints)
	if vwapPoints > 0 {
		reasons = append(reasons, "vwap_positioning")
	}

	avg20, hasAvg20 := trailingVolumeMean(series, 20)
	volumePoints := volumeAdequacyPoints(avg20, hasAvg20)
	score += volumePoints
	metrics["points_volume_adequacy"] = domain.MFloat(volumePoints)
	if volumePoints > 0 {
		reasons = append(reasons, "volume_adequacy")
	}

	sma50NotDeclining := smaNotDeclining(closes, 50, 5)
	technicalPoints := 0.0
	if sma200.Valid && lastClose > sma200.Value && sma50NotDeclining {
		technicalPoints = 15
		reasons = append(reasons, "technical_setup")
	}
	score += technicalPoints
	metrics["points_technical_setup"] = domain.MFloat(technicalPoints)

	qualityPoints := qualityFactorPoints(meta)
	score += qualityPoints
	metrics["points_quality_factor"] = domain.MFloat(qualityPoints)
	if qualityPoints > 0 {
		reasons = append(reasons, "quality_factor")
	}

	passed := score >= float64(minScore)

	rsiInPrimeBand := rsi.Valid && rsi.Value >= 50 && rsi.Value <= 55
	closeBelowAVWAP := lastClose <= avwap.Value

	var classification domain.Classification
	switch {
	case score >= 80 && rsiInPrimeBand && closeBelowAVWAP:
		classification = domain.ClassificationPrime
	case score >= float64(minScore) && score < 80:
		classification = domain.ClassificationWatch
	case score >= float64(minScore)-10 && score < float64(minScore):
		classification = domain.ClassificationStandard
	default:
		classification = domain.ClassificationWait
	}

	metrics["close"] = domain.MFloat(lastClose)
	if rsi.Valid {
		metrics["rsi"] = domain.MFloat(rsi.Value)
	}
	metrics["avwap"] = domain.MFloat(avwap.Value)
	if avwap.Value != 0 {
		metrics["avwap_distance_pct"] = domain.MFloat((lastClose - avwap.Value) / avwap.Value * 100)
	}
	if volMultiple.Valid {
		metrics["volume_ratio"] = domain.MFloat(volMultiple.Value)
	}
	if sma50.Valid {
		metrics["sma50"] = domain.MFloat(sma50.Value)
	}
	if sma200.Valid {
		metrics["sma200"] = domain.MFloat(sma200.Value)
	}
	metrics["classification"] = domain.MString(string(classification))

	return strategy.TickerEvaluation{
		Passed:         passed,
		Score:          score,
		Classification: classification,
		Reasons:        reasons,
		Metrics:        metrics,
	}, nil
}

// rsiPositioningPoints awards up to 30 points (spec.md §4.6): full 30 if RSI
// is in the tight [50,55] sweet spot, 20 within the wider rsi_band, linear
// falloff to 0 at the fixed 40/70 edges otherwise.
func rsiPositioningPoints(rsi indicators.Result, bandLow, bandHigh float64) float64 {
	if !rsi.Valid {
		return 0
	}
	v := rsi.Value
	switch {
	case v >= 50 && v <= 55:
		return 30
	case v >= bandLow && v <= bandHigh:
		return 20
	case v > bandHigh && v < 70:
		return 20 * (70 - v) / (70 - bandHigh)
	case v < bandLow && v > 40:
		return 20 * (v - 40) / (bandLow - 40)
	default:
		return 0
	}
}

// vwapPositioningPoints awards up to 25 points (spec.md §4.6).
func vwapPositioningPoints(close, avwap, tolerancePct float64) float64 {
	if avwap == 0 {
		return 0
	}
	lower := avwap * (1 - tolerancePct/100)
	upper := avwap * (1 + tolerancePct/100)
	switch {
	case close < lower:
		return 25
	case close <= upper:
		return 15
	default:
		return 0
	}
}

// volumeAdequacyPoints awards up to 20 points, scaled linearly from 0 at
// 100,000 average shares to full at 500,000 (spec.md §4.6).
func volumeAdequacyPoints(avg20 float64, has bool) float64 {
	if !has {
		return 0
	}
	if avg20 >= 500_000 {
		return 20
	}
	if avg20 <= 100_000 {
		return 0
	}
	return 20 * (avg20 - 100_000) / (500_000 - 100_000)
}

// qualityFactorPoints awards up to 10 points when metadata lists a sector
// and the exchange is a major listing (spec.md §4.6; metadata is optional —
// contribution is zero when absent, per spec.md §9 open-question resolution).
func qualityFactorPoints(meta *marketdata.Metadata) float64 {
	if meta == nil || meta.Sector == nil || *meta.Sector == "" {
		return 0
	}
	if meta.Exchange == nil || !majorExchanges[*meta.Exchange] {
		return 0
	}
	return 10
}

// smaNotDeclining reports whether the n-period SMA today is not lower than
// it was `lookback` bars ago (spec.md §4.6 "SMA50 not declining").
func smaNotDeclining(closes []float64, n, lookback int) bool {
	if len(closes) < n+lookback {
		return false
	}
	today := indicators.SMA(closes, n)
	prior := indicators.SMA(closes[:len(closes)-lookback], n)
	if !today.Valid || !prior.Valid {
		return false
	}
	return today.Value >= prior.Value
}

// trailingVolumeMean mirrors the indicator kernel's 20-bar trailing mean,
// exposed here because volume-adequacy scoring needs the raw average in
// addition to the current/average ratio VolumeMultiple already returns.
func trailingVolumeMean(bars marketdata.Series, n int) (float64, bool) {
	if len(bars) < n+1 {
		return 0, false
	}
	end := len(bars) - 1
	start := end - n
	var sum float64
	for _, b := range bars[start:end] {
		sum += b.Volume
	}
	return sum / float64(n), true
}
