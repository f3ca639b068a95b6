// Package bullish implements the technical bullish-breakout screener (C5).
package bullish

import (
	"context"
	"time"

	"github.com/aristath/screenerengine/internal/domain"
	"github.com/aristath/screenerengine/internal/indicators"
	"github.com/aristath/screenerengine/internal/marketdata"
	"github.com/aristath/screenerengine/internal/strategy"
)

// Code is the stable strategy_code this evaluator registers under.
const Code = "bullish_breakout"

// Version bumps whenever scoring or thresholds change (spec.md §4.4).
const Version = 1

var allowedFields = map[string]bool{
	"min_score": true, "min_volume_multiple": true, "strict_macd_positive": true,
	"allow_overbought": true, "require_52w_high": true, "period": true, "lookback_ref_high": true,
}

var allowedPeriods = map[string]bool{"1y": true, "2y": true, "5y": true}

// Evaluator implements strategy.Evaluator for the bullish-breakout screener.
type Evaluator struct{}

// New returns a ready-to-register bullish-breakout evaluator.
func New() *Evaluator { return &Evaluator{} }

func (e *Evaluator) Code() string { return Code }
func (e *Evaluator) Version() int { return Version }

// Validate normalizes and bounds-checks the recognized parameters
// (spec.md §4.5 parameter table).
func (e *Evaluator) Validate(params strategy.RawParams) (strategy.NormalizedParams, error) {
	for field := range params {
		if !allowedFields[field] {
			return nil, domain.InvalidParameters(field, "unrecognized parameter")
		}
	}

	minScore := strategy.GetInt(params, "min_score", 70)
	if minScore < 0 || minScore > 100 {
		return nil, domain.InvalidParameters("min_score", "must be between 0 and 100")
	}

	minVolumeMultiple := strategy.GetFloat(params, "min_volume_multiple", 1.0)
	if minVolumeMultiple < 0 {
		return nil, domain.InvalidParameters("min_volume_multiple", "must be >= 0")
	}

	period := strategy.GetString(params, "period", "2y")
	if !allowedPeriods[period] {
		return nil, domain.InvalidParameters("period", "must be one of 1y, 2y, 5y")
	}

	lookbackRefHigh := strategy.GetInt(params, "lookback_ref_high", 126)
	if lookbackRefHigh <= 0 {
		return nil, domain.InvalidParameters("lookback_ref_high", "must be positive")
	}

	return strategy.NormalizedParams{
		"min_score":            minScore,
		"min_volume_multiple":  minVolumeMultiple,
		"strict_macd_positive": strategy.GetBool(params, "strict_macd_positive", false),
		"allow_overbought":     strategy.GetBool(params, "allow_overbought", false),
		"require_52w_high":     strategy.GetBool(params, "require_52w_high", false),
		"period":               period,
		"lookback_ref_high":    lookbackRefHigh,
	}, nil
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

// Evaluate scores one ticker per spec.md §4.5.
func (e *Evaluator) Evaluate(_ context.Context, ticker string, params strategy.NormalizedParams, series marketdata.Series, meta *marketdata.Metadata) (strategy.TickerEvaluation, error) {
	if len(series) < 220 {
		return waiting("data_insufficient"), nil
	}
	if time.Since(series[len(series)-1].Timestamp) > 5*24*time.Hour {
		return waiting("data_stale"), nil
	}

	minScore := params["min_score"].(int)
	minVolumeMultiple := params["min_volume_multiple"].(float64)
	strictMACDPositive := params["strict_macd_positive"].(bool)
	allowOverbought := params["allow_overbought"].(bool)
	require52wHigh := params["require_52w_high"].(bool)
	lookbackRefHigh := params["lookback_ref_high"].(int)

	closes := series.Closes()
	lastClose := closes[len(closes)-1]

	sma10 := indicators.SMA(closes, 10)
	sma50 := indicators.SMA(closes, 50)
	sma200 := indicators.SMA(closes, 200)
	rsi14 := indicators.RSI14(closes)
	macd := indicators.MACD(closes)
	atr14 := indicators.ATR14(series)
	refHigh := indicators.RefHigh(series, lookbackRefHigh)
	ref52wHigh := indicators.RefHigh(series, 252)
	volMultiple := indicators.VolumeMultiple(series)
	volContinuity := indicators.VolumeContinuityRatio(series)

	if !allowOverbought && rsi14.Valid && rsi14.Value > 80 {
		return strategy.TickerEvaluation{
			Passed: false, Score: 0, Classification: domain.ClassificationWait,
			Reasons: []string{"overbought"}, Metrics: domain.Metrics{"rsi14": domain.MFloat(rsi14.Value)},
		}, nil
	}

	var score float64
	metrics := domain.Metrics{}
	var reasons []string

	addPoints := func(name string, pts float64, ok bool) {
		if ok {
			score += pts
			metrics["points_"+name] = domain.MFloat(pts)
			reasons = append(reasons, name)
		} else {
			metrics["points_"+name] = domain.MFloat(0)
		}
	}

	addPoints("close_above_sma10", 8, sma10.Valid && lastClose > sma10.Value)
	addPoints("close_above_sma50", 9, sma50.Valid && lastClose > sma50.Value)
	addPoints("close_above_sma200", 8, sma200.Valid && lastClose > sma200.Value)
	addPoints("macd_hist_positive", 12, macd.Hist.Valid && macd.Hist.Value > 0)

	macdLinePositive := macd.Macd.Valid && macd.Macd.Value > 0
	if strictMACDPositive {
		addPoints("macd_line_positive", 8, macdLinePositive)
	} else {
		addPoints("macd_line_positive_bonus", 8, macdLinePositive)
	}

	addPoints("rsi_band", rsiBandPoints(rsi14), rsi14.Valid && rsiBandPoints(rsi14) > 0)

	addPoints("volume_multiple", 20, volMultiple.Valid && volMultiple.Value >= minVolumeMultiple)
	addPoints("near_ref_high", 15, refHigh.Valid && refHigh.Value > 0 && lastClose >= 0.99*refHigh.Value)
	addPoints("volume_continuity_bonus", 5, volContinuity.Valid && volContinuity.Value >= 0.6)

	var within52wHighBonus bool
	if ref52wHigh.Valid && ref52wHigh.Value > 0 {
		within52wHighBonus = lastClose >= 0.99*ref52wHigh.Value
	}
	addPoints("within_52w_high_bonus", 5, within52wHighBonus)

	if require52wHigh && !within52wHighBonus {
		return strategy.TickerEvaluation{
			Passed: false, Score: 0, Classification: domain.ClassificationWait,
			Reasons: []string{"52w_high_required"}, Metrics: metrics,
		}, nil
	}

	if score < 0 {
		score = 0
	}

	extensionPct := 0.0
	if sma50.Valid && sma50.Value != 0 {
		extensionPct = (lastClose - sma50.Value) / sma50.Value
	}
	risk := "low"
	if (rsi14.Valid && rsi14.Value > 75) || extensionPct > 0.07 {
		risk = "high"
	} else if extensionPct >= 0.04 {
		risk = "medium"
	}

	var breakoutPct float64
	if refHigh.Valid && refHigh.Value != 0 {
		breakoutPct = (lastClose - refHigh.Value) / refHigh.Value
	}

	suggestedStop := lastClose * 0.94
	if sma50.Valid {
		alt := sma50.Value * 0.98
		if alt < suggestedStop {
			suggestedStop = alt
		}
	}

	passed := score >= float64(minScore)

	var classification domain.Classification
	switch {
	case score >= 90 && risk == "low":
		classification = domain.ClassificationStrongBuy
	case score >= float64(minScore):
		classification = domain.ClassificationBuy
	case score >= float64(minScore)-10:
		classification = domain.ClassificationWatch
	default:
		classification = domain.ClassificationWait
	}

	metrics["close"] = domain.MFloat(lastClose)
	if sma10.Valid {
		metrics["sma10"] = domain.MFloat(sma10.Value)
	}
	if sma50.Valid {
		metrics["sma50"] = domain.MFloat(sma50.Value)
	}
	if sma200.Valid {
		metrics["sma200"] = domain.MFloat(sma200.Value)
	}
	if rsi14.Valid {
		metrics["rsi14"] = domain.MFloat(rsi14.Value)
	}
	if macd.Macd.Valid {
		metrics["macd"] = domain.MFloat(macd.Macd.Value)
	}
	if macd.Signal.Valid {
		metrics["macd_signal"] = domain.MFloat(macd.Signal.Value)
	}
	if macd.Hist.Valid {
		metrics["macd_hist"] = domain.MFloat(macd.Hist.Value)
	}
	if atr14.Valid {
		metrics["atr14"] = domain.MFloat(atr14.Value)
	}
	metrics["volume"] = domain.MFloat(series[len(series)-1].Volume)
	if volMultiple.Valid {
		metrics["volume_multiple"] = domain.MFloat(volMultiple.Value)
		metrics["vol_avg20"] = domain.MFloat(series[len(series)-1].Volume / maxFloat(volMultiple.Value, 1e-9))
	}
	if refHigh.Valid {
		metrics["ref_high"] = domain.MFloat(refHigh.Value)
	}
	if ref52wHigh.Valid {
		metrics["ref_52w_high"] = domain.MFloat(ref52wHigh.Value)
	}
	metrics["breakout_pct"] = domain.MFloat(breakoutPct)
	metrics["extension_pct"] = domain.MFloat(extensionPct)
	metrics["suggested_stop"] = domain.MFloat(suggestedStop)
	metrics["risk"] = domain.MString(risk)
	metrics["entry"] = domain.MFloat(lastClose)
	metrics["target"] = domain.MFloat(lastClose * 1.10)
	metrics["stop"] = domain.MFloat(suggestedStop)

	return strategy.TickerEvaluation{
		Passed:         passed,
		Score:          score,
		Classification: classification,
		Reasons:        reasons,
		Metrics:        metrics,
	}, nil
}

// rsiBandPoints implements the RSI14 in [55,80] band worth 20 points, with
// linear falloff to 0 at 40 and 85 (spec.md §4.5 scoring table).
func rsiBandPoints(rsi indicators.Result) float64 {
	if !rsi.Valid {
		return 0
	}
	v := rsi.Value
	switch {
	case v >= 55 && v <= 80:
		return 20
	case v > 80 && v < 85:
		return 20 * (85 - v) / 5
	case v < 55 && v > 40:
		return 20 * (v - 40) / 15
	default:
		return 0
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
