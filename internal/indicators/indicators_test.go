package indicators

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/screenerengine/internal/marketdata"
)

func flatSeries(n int, close, volume float64) marketdata.Series {
	out := make(marketdata.Series, n)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		out[i] = marketdata.Bar{
			Timestamp: base.AddDate(0, 0, i),
			Open:      close, High: close, Low: close, Close: close, Volume: volume,
		}
	}
	return out
}

func TestSMAInsufficientData(t *testing.T) {
	result := SMA([]float64{1, 2, 3}, 10)
	require.False(t, result.Valid)
}

func TestSMAFlatSeries(t *testing.T) {
	series := flatSeries(60, 100, 1000)
	result := SMA(series.Closes(), 50)
	require.True(t, result.Valid)
	require.InDelta(t, 100, result.Value, 0.001)
}

func TestRSI14InsufficientData(t *testing.T) {
	result := RSI14([]float64{1, 2, 3})
	require.False(t, result.Valid)
}

func TestRSI14SteadyUptrendIsHigh(t *testing.T) {
	series := flatSeries(30, 100, 1000)
	for i := range series {
		series[i].Close = 100 + float64(i)
	}
	result := RSI14(series.Closes())
	require.True(t, result.Valid)
	// A monotonic uptrend has no losses at all, so RSI should sit high.
	require.Greater(t, result.Value, 80.0)
}

func TestMACDRequiresThirtyFiveBars(t *testing.T) {
	short := flatSeries(20, 100, 1000)
	result := MACD(short.Closes())
	require.False(t, result.Macd.Valid)

	long := flatSeries(40, 100, 1000)
	result = MACD(long.Closes())
	require.True(t, result.Macd.Valid)
}

func TestAnchoredVWAPWeightsByVolume(t *testing.T) {
	series := marketdata.Series{
		{Close: 100, High: 100, Low: 100, Volume: 100},
		{Close: 200, High: 200, Low: 200, Volume: 300},
	}
	result := AnchoredVWAP(series, 0)
	require.True(t, result.Valid)
	// (100*100 + 200*300) / 400 = 175
	require.InDelta(t, 175, result.Value, 0.001)
}

func TestAnchoredVWAPOutOfRangeAnchor(t *testing.T) {
	series := flatSeries(5, 100, 1000)
	result := AnchoredVWAP(series, 10)
	require.False(t, result.Valid)
}

func TestFindLEAPAnchorLocatesWindowMinimum(t *testing.T) {
	series := make(marketdata.Series, 260)
	for i := range series {
		series[i] = marketdata.Bar{Close: 200, High: 200, Low: 200, Volume: 1000}
	}
	// Plant a low at index 200 (within the most recent 252-bar window).
	series[200].Close = 50

	idx, ok := FindLEAPAnchor(series)
	require.True(t, ok)
	require.Equal(t, 200, idx)
}

func TestFindLEAPAnchorTooShort(t *testing.T) {
	_, ok := FindLEAPAnchor(marketdata.Series{})
	require.False(t, ok)
}

func TestVolumeMultiple(t *testing.T) {
	series := flatSeries(25, 100, 1000)
	series[len(series)-1].Volume = 2000
	result := VolumeMultiple(series)
	require.True(t, result.Valid)
	require.InDelta(t, 2.0, result.Value, 0.001)
}

func TestVolumeContinuityRatio(t *testing.T) {
	series := flatSeries(30, 100, 1000)
	for i := 20; i < 30; i++ {
		series[i].Volume = 5000
	}
	result := VolumeContinuityRatio(series)
	require.True(t, result.Valid)
	require.InDelta(t, 1.0, result.Value, 0.001)
}
