package strategy

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/screenerengine/internal/domain"
	"github.com/aristath/screenerengine/internal/marketdata"
)

func TestHashParamsStableUnderKeyReordering(t *testing.T) {
	a := NormalizedParams{"min_score": 70, "min_volume_multiple": 1.0, "strict_macd_positive": false}
	b := NormalizedParams{"strict_macd_positive": false, "min_volume_multiple": 1.0, "min_score": 70}

	hashA, _, err := HashParams(a)
	require.NoError(t, err)
	hashB, _, err := HashParams(b)
	require.NoError(t, err)
	require.Equal(t, hashA, hashB)
}

func TestHashParamsIdempotentUnderDoubleNormalize(t *testing.T) {
	p := NormalizedParams{"min_score": 70}
	hash1, canon1, err := HashParams(p)
	require.NoError(t, err)

	var reparsed NormalizedParams
	require.NoError(t, json.Unmarshal([]byte(canon1), &reparsed))
	hash2, canon2, err := HashParams(reparsed)
	require.NoError(t, err)

	require.Equal(t, hash1, hash2)
	require.Equal(t, canon1, canon2)
}

type stubEvaluator struct {
	code string
}

func (s stubEvaluator) Code() string    { return s.code }
func (s stubEvaluator) Version() int    { return 1 }
func (s stubEvaluator) Validate(p RawParams) (NormalizedParams, error) {
	return NormalizedParams(p), nil
}
func (s stubEvaluator) Evaluate(_ context.Context, _ string, _ NormalizedParams, _ marketdata.Series, _ *marketdata.Metadata) (TickerEvaluation, error) {
	return TickerEvaluation{}, nil
}

func TestRegistryUnknownStrategy(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Register(stubEvaluator{code: "bullish_breakout"})

	_, err := r.Get("bullish_breakout")
	require.NoError(t, err)

	_, err = r.Get("does_not_exist")
	require.Error(t, err)
	kind, ok := domain.KindOf(err)
	require.True(t, ok)
	require.Equal(t, domain.KindUnknownStrategy, kind)
}
