// Package indicators is the pure, side-effect-free indicator kernel (C3).
// Every function validates minimum input length and returns a sentinel
// "insufficient" Result rather than panicking (spec.md §4.3). Computation is
// delegated to github.com/markcheno/go-talib and gonum.org/v1/gonum/stat,
// following the teacher's trader/pkg/formulas package.
package indicators

import (
	"math"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/screenerengine/internal/marketdata"
)

// Result is a scalar indicator output. Valid is false when the input series
// was too short to compute the value ("insufficient" sentinel, spec.md §4.3).
type Result struct {
	Valid bool
	Value float64
}

func ok(v float64) Result { return Result{Valid: true, Value: v} }

var insufficient = Result{}

func lastValid(series []float64) Result {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) {
			return ok(series[i])
		}
	}
	return insufficient
}

// SMA is the simple mean over the last n closes (spec.md §4.3). Requires >= n bars.
func SMA(closes []float64, n int) Result {
	if n <= 0 || len(closes) < n {
		return insufficient
	}
	return lastValid(talib.Sma(closes, n))
}

// EMA is standard exponential smoothing seeded with the SMA of the first n
// bars (spec.md §4.3). Requires >= n bars.
func EMA(closes []float64, n int) Result {
	if n <= 0 || len(closes) < n {
		return insufficient
	}
	return lastValid(talib.Ema(closes, n))
}

// RSI14 is Wilder's smoothed relative strength index. Undefined for < 15 bars.
func RSI14(closes []float64) Result {
	if len(closes) < 15 {
		return insufficient
	}
	return lastValid(talib.Rsi(closes, 14))
}

// MACDResult bundles the MACD line, signal line, and histogram.
type MACDResult struct {
	Macd   Result
	Signal Result
	Hist   Result
}

// MACD computes the (12, 26, 9) MACD line, signal line, and histogram.
// Needs >= 35 bars (26 + 9).
func MACD(closes []float64) MACDResult {
	if len(closes) < 35 {
		return MACDResult{}
	}
	macd, signal, hist := talib.Macd(closes, 12, 26, 9)
	return MACDResult{
		Macd:   lastValid(macd),
		Signal: lastValid(signal),
		Hist:   lastValid(hist),
	}
}

// ATR14 is the Wilder-smoothed average true range. Requires >= 15 bars.
func ATR14(bars marketdata.Series) Result {
	if len(bars) < 15 {
		return insufficient
	}
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, b := range bars {
		highs[i] = b.High
		lows[i] = b.Low
		closes[i] = b.Close
	}
	return lastValid(talib.Atr(highs, lows, closes, 14))
}

// BollingerResult bundles the upper/middle/lower bands and the price
// position within them (0 = lower band, 1 = upper band).
type BollingerResult struct {
	Upper    Result
	Middle   Result
	Lower    Result
	Position Result
}

// Bollinger computes SMA(n) +/- numStdDev sigma of the last n closes (20 and
// 2 in the standard setting) and the price's normalized position within the
// bands.
func Bollinger(closes []float64, n int, numStdDev float64) BollingerResult {
	if n <= 0 || len(closes) < n {
		return BollingerResult{}
	}
	upper, middle, lower := talib.BBands(closes, n, numStdDev, numStdDev, 0)
	u, m, l := lastValid(upper), lastValid(middle), lastValid(lower)
	if !u.Valid || !m.Valid || !l.Valid {
		return BollingerResult{Upper: u, Middle: m, Lower: l}
	}

	price := closes[len(closes)-1]
	width := u.Value - l.Value
	pos := 0.5
	if width != 0 {
		pos = (price - l.Value) / width
		if pos < 0 {
			pos = 0
		}
		if pos > 1 {
			pos = 1
		}
	}
	return BollingerResult{Upper: u, Middle: m, Lower: l, Position: ok(pos)}
}

// AnchoredVWAP computes the cumulative volume-weighted average price from
// anchorIdx (inclusive) to the end of bars.
func AnchoredVWAP(bars marketdata.Series, anchorIdx int) Result {
	if anchorIdx < 0 || anchorIdx >= len(bars) {
		return insufficient
	}
	var sumPV, sumV float64
	for _, b := range bars[anchorIdx:] {
		typical := (b.High + b.Low + b.Close) / 3
		sumPV += typical * b.Volume
		sumV += b.Volume
	}
	if sumV == 0 {
		return insufficient
	}
	return ok(sumPV / sumV)
}

// leapAnchorEpsilon is the tolerance used when locating the "last
// significant low" anchor bar for the LEAP evaluator (spec.md §4.3).
const leapAnchorEpsilon = 1e-6

// FindLEAPAnchor locates the first bar of the most recent 252-bar window
// whose close is within epsilon of the window minimum (spec.md §4.3:
// "last significant low"). A series shorter than 252 bars is searched whole;
// (0, false) is returned only for an empty series.
func FindLEAPAnchor(bars marketdata.Series) (int, bool) {
	windowSize := 252
	if len(bars) < windowSize {
		windowSize = len(bars)
	}
	if windowSize == 0 {
		return 0, false
	}
	start := len(bars) - windowSize
	window := bars[start:]

	minClose := window[0].Close
	for _, b := range window {
		if b.Close < minClose {
			minClose = b.Close
		}
	}

	for i, b := range window {
		if b.Close <= minClose+leapAnchorEpsilon {
			return start + i, true
		}
	}
	return 0, false
}

// RefHigh is the maximum high over the `lookback` bars preceding the last bar
// (default lookback 126, spec.md §4.3).
func RefHigh(bars marketdata.Series, lookback int) Result {
	if lookback <= 0 || len(bars) < lookback+1 {
		return insufficient
	}
	// The window is the `lookback` bars immediately before the current (last) bar.
	end := len(bars) - 1
	start := end - lookback
	maxHigh := bars[start].High
	for _, b := range bars[start:end] {
		if b.High > maxHigh {
			maxHigh = b.High
		}
	}
	return ok(maxHigh)
}

// VolumeMultiple is the last bar's volume divided by the mean volume of the
// 20 completed bars preceding it (spec.md §4.3).
func VolumeMultiple(bars marketdata.Series) Result {
	avg, ok20 := trailingVolumeMean(bars, 20)
	if !ok20 || avg == 0 {
		return insufficient
	}
	last := bars[len(bars)-1].Volume
	return ok(last / avg)
}

// VolumeContinuityRatio is the fraction of the last 10 bars whose volume
// exceeds the mean volume of the 20 bars immediately preceding that 10-bar
// window (spec.md §4.3).
func VolumeContinuityRatio(bars marketdata.Series) Result {
	if len(bars) < 30 {
		return insufficient
	}
	last10 := bars[len(bars)-10:]
	preceding20 := bars[len(bars)-30 : len(bars)-10]

	volumes := make([]float64, len(preceding20))
	for i, b := range preceding20 {
		volumes[i] = b.Volume
	}
	avg := stat.Mean(volumes, nil)
	if avg == 0 {
		return insufficient
	}

	above := 0
	for _, b := range last10 {
		if b.Volume > avg {
			above++
		}
	}
	return ok(float64(above) / float64(len(last10)))
}

// trailingVolumeMean returns the mean volume of the n completed bars
// preceding the final bar in the series.
func trailingVolumeMean(bars marketdata.Series, n int) (float64, bool) {
	if len(bars) < n+1 {
		return 0, false
	}
	end := len(bars) - 1
	start := end - n
	volumes := make([]float64, 0, n)
	for _, b := range bars[start:end] {
		volumes = append(volumes, b.Volume)
	}
	return stat.Mean(volumes, nil), true
}
