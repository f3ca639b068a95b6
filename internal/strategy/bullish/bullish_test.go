package bullish

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/screenerengine/internal/domain"
	"github.com/aristath/screenerengine/internal/marketdata"
	"github.com/aristath/screenerengine/internal/strategy"
)

// risingSeries builds a synthetic n-bar series with linearly rising closes
// and constant volume, ending "today".
func risingSeries(n int, startClose, endClose, volume float64) marketdata.Series {
	series := make(marketdata.Series, n)
	step := (endClose - startClose) / float64(n-1)
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		c := startClose + step*float64(i)
		series[i] = marketdata.Bar{
			Timestamp: now.AddDate(0, 0, -(n - 1 - i)),
			Open:      c, High: c * 1.01, Low: c * 0.99, Close: c,
			Volume: volume,
		}
	}
	return series
}

// sawtoothUptrendSeries builds an n-bar series that alternates a +5 up move
// with a -2.7 down move, ending on a down move. The net drift per two-bar
// cycle is positive (an uptrend), but every other bar is a real loss, so
// Wilder's RSI settles into the mid-60s instead of pinning at 100 the way a
// strictly monotonic series would (spec.md §8.4 S1).
func sawtoothUptrendSeries(n int, startClose, volume float64) marketdata.Series {
	series := make(marketdata.Series, n)
	now := time.Now().UTC()
	price := startClose
	for i := 0; i < n; i++ {
		if i > 0 {
			if i%2 == 0 {
				price += 5
			} else {
				price -= 2.7
			}
		}
		series[i] = marketdata.Bar{
			Timestamp: now.AddDate(0, 0, -(n - 1 - i)),
			Open:      price, High: price * 1.01, Low: price * 0.99, Close: price,
			Volume: volume,
		}
	}
	return series
}

func TestEvaluateDeterministicSmallRun(t *testing.T) {
	e := New()
	normalized, err := e.Validate(strategy.RawParams{"min_score": 70, "min_volume_multiple": 1.0})
	require.NoError(t, err)

	series := sawtoothUptrendSeries(260, 100, 1_000_000)
	result, err := e.Evaluate(context.Background(), "AAA", normalized, series, nil)
	require.NoError(t, err)

	require.True(t, result.Passed)
	require.Equal(t, domain.ClassificationBuy, result.Classification)
	require.GreaterOrEqual(t, result.Score, 85.0)
	require.LessOrEqual(t, result.Score, 100.0)

	closeVal, ok := result.Metrics.Float("close")
	require.True(t, ok)
	require.InDelta(t, 394.0, closeVal, 0.01)

	sma50, ok := result.Metrics.Float("sma50")
	require.True(t, ok)
	sma200, ok := result.Metrics.Float("sma200")
	require.True(t, ok)
	require.Greater(t, sma50, sma200)

	rsi, ok := result.Metrics.Float("rsi14")
	require.True(t, ok)
	require.Greater(t, rsi, 55.0)
}

func TestEvaluateInsufficientData(t *testing.T) {
	e := New()
	normalized, err := e.Validate(strategy.RawParams{"min_score": 70, "min_volume_multiple": 1.0})
	require.NoError(t, err)

	series := risingSeries(50, 100, 110, 1_000_000)
	result, err := e.Evaluate(context.Background(), "BBB", normalized, series, nil)
	require.NoError(t, err)

	require.False(t, result.Passed)
	require.Equal(t, domain.ClassificationWait, result.Classification)
	require.Contains(t, result.Reasons, "data_insufficient")
}

func TestValidateRejectsUnknownField(t *testing.T) {
	e := New()
	_, err := e.Validate(strategy.RawParams{"not_a_real_param": 1})
	require.Error(t, err)
	kind, ok := domain.KindOf(err)
	require.True(t, ok)
	require.Equal(t, domain.KindInvalidParameters, kind)
}

func TestValidateAppliesDefaults(t *testing.T) {
	e := New()
	normalized, err := e.Validate(strategy.RawParams{})
	require.NoError(t, err)
	require.Equal(t, 70, normalized["min_score"])
	require.Equal(t, "2y", normalized["period"])
	require.Equal(t, 126, normalized["lookback_ref_high"])
}
