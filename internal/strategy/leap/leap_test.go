package leap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/screenerengine/internal/domain"
	"github.com/aristath/screenerengine/internal/marketdata"
	"github.com/aristath/screenerengine/internal/strategy"
)

// pullbackSeries builds a 280-bar series: a long uptrend, a sharp pullback,
// then a shallow sideways chop, ending below its own anchored VWAP with a
// moderate RSI (spec.md §8.4 S4 scenario shape).
func pullbackSeries(volume float64) marketdata.Series {
	const n = 280
	closes := make([]float64, n)

	for i := 0; i < 28; i++ {
		closes[i] = 140
	}

	step := (400.0 - 150.0) / 199.0
	for i := 0; i < 200; i++ {
		closes[28+i] = 150 + step*float64(i)
	}

	for j := 0; j < 10; j++ {
		closes[228+j] = 400 - float64(j+1)*14
	}

	prev := closes[237]
	for k := 0; k < 42; k++ {
		if k%2 == 0 {
			prev += 3
		} else {
			prev -= 2.85
		}
		closes[238+k] = prev
	}

	now := time.Now().UTC()
	series := make(marketdata.Series, n)
	for i, c := range closes {
		series[i] = marketdata.Bar{
			Timestamp: now.AddDate(0, 0, -(n - 1 - i)),
			Open:      c, High: c, Low: c, Close: c,
			Volume: volume,
		}
	}
	return series
}

func TestEvaluatePullbackBelowAnchoredVWAP(t *testing.T) {
	e := New()
	normalized, err := e.Validate(strategy.RawParams{"min_score": 60})
	require.NoError(t, err)

	series := pullbackSeries(800_000)
	sector := "Technology"
	exchange := "NASDAQ"
	meta := &marketdata.Metadata{Sector: &sector, Exchange: &exchange}

	result, err := e.Evaluate(context.Background(), "CCC", normalized, series, meta)
	require.NoError(t, err)

	require.True(t, result.Passed)
	require.Contains(t, []domain.Classification{domain.ClassificationPrime, domain.ClassificationWatch}, result.Classification)
	require.GreaterOrEqual(t, result.Score, 70.0)

	distance, ok := result.Metrics.Float("avwap_distance_pct")
	require.True(t, ok)
	require.Less(t, distance, -2.0)

	volRatio, ok := result.Metrics.Float("volume_ratio")
	require.True(t, ok)
	require.InDelta(t, 1.0, volRatio, 0.05)

	rsi, ok := result.Metrics.Float("rsi")
	require.True(t, ok)
	require.Greater(t, rsi, 40.0)
	require.Less(t, rsi, 65.0)
}

func TestEvaluateInsufficientData(t *testing.T) {
	e := New()
	normalized, err := e.Validate(strategy.RawParams{})
	require.NoError(t, err)

	series := pullbackSeries(800_000)[:50]
	result, err := e.Evaluate(context.Background(), "DDD", normalized, series, nil)
	require.NoError(t, err)

	require.False(t, result.Passed)
	require.Equal(t, domain.ClassificationWait, result.Classification)
	require.Contains(t, result.Reasons, "data_insufficient")
}

func TestValidateRejectsInvertedRSIBand(t *testing.T) {
	e := New()
	_, err := e.Validate(strategy.RawParams{"rsi_band": []any{60.0, 45.0}})
	require.Error(t, err)
	kind, ok := domain.KindOf(err)
	require.True(t, ok)
	require.Equal(t, domain.KindInvalidParameters, kind)
}

func TestValidateAppliesDefaults(t *testing.T) {
	e := New()
	normalized, err := e.Validate(strategy.RawParams{})
	require.NoError(t, err)
	require.Equal(t, 60, normalized["min_score"])
	require.Equal(t, "2y", normalized["period"])
	require.Equal(t, 45.0, normalized["rsi_band_low"])
	require.Equal(t, 60.0, normalized["rsi_band_high"])
}
