// Package strategy defines the evaluator contract and the process-wide
// registry mapping strategy_code to a concrete evaluator (C4), following the
// teacher's CalculatorRegistry/OpportunityCalculator shape.
package strategy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/screenerengine/internal/domain"
	"github.com/aristath/screenerengine/internal/marketdata"
)

// RawParams is the caller-supplied, unvalidated parameter map.
type RawParams map[string]any

// NormalizedParams is RawParams after Validate: unknown fields rejected,
// documented defaults applied, types coerced to their canonical Go form.
type NormalizedParams map[string]any

// TickerEvaluation is the result of evaluating one ticker (spec.md §4.4).
type TickerEvaluation struct {
	Passed         bool
	Score          float64
	Classification domain.Classification
	Reasons        []string
	Metrics        domain.Metrics
}

// Evaluator is the capability every strategy satisfies (spec.md §9: "tagged
// variant of evaluator configurations plus a single Evaluator capability").
type Evaluator interface {
	// Code is the stable strategy_code identifier.
	Code() string

	// Version bumps on scoring/threshold change (spec.md §4.4).
	Version() int

	// Validate normalizes and validates params, failing with
	// domain.InvalidParameters describing the offending field.
	Validate(params RawParams) (NormalizedParams, error)

	// Evaluate is deterministic over (ticker, params, ohlcv).
	Evaluate(ctx context.Context, ticker string, params NormalizedParams, series marketdata.Series, meta *marketdata.Metadata) (TickerEvaluation, error)
}

// Registry is the process-wide, read-mostly strategy_code -> Evaluator
// mapping (spec.md §4.4, §9 "no ambient mutation after initialization").
type Registry struct {
	evaluators map[string]Evaluator
	mu         sync.RWMutex
	log        zerolog.Logger
}

// NewRegistry creates an empty registry. Register every evaluator at process
// startup; lookups after that point never mutate the map.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		evaluators: make(map[string]Evaluator),
		log:        log.With().Str("component", "strategy_registry").Logger(),
	}
}

// Register adds an evaluator under its own Code().
func (r *Registry) Register(e Evaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluators[e.Code()] = e
	r.log.Debug().Str("strategy_code", e.Code()).Int("version", e.Version()).Msg("registered evaluator")
}

// Get resolves strategy_code to an Evaluator (spec.md I1, "UnknownStrategy").
func (r *Registry) Get(strategyCode string) (Evaluator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.evaluators[strategyCode]
	if !ok {
		return nil, domain.UnknownStrategy(strategyCode)
	}
	return e, nil
}

// List returns every registered evaluator, for diagnostics.
func (r *Registry) List() []Evaluator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Evaluator, 0, len(r.evaluators))
	for _, e := range r.evaluators {
		out = append(out, e)
	}
	return out
}

// HashParams computes the stable params_hash over a canonical serialization
// of normalized parameters (spec.md §4.4, I7, I8): keys sorted, a minimal
// JSON encoding, hex-digested with SHA-256.
func HashParams(params NormalizedParams) (hash string, canonicalJSON string, err error) {
	canon, err := canonicalize(params)
	if err != nil {
		return "", "", fmt.Errorf("canonicalize params: %w", err)
	}
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:]), canon, nil
}

// canonicalize renders params as JSON with deterministically sorted keys so
// that reordering input keys yields an identical digest (spec.md §8.1
// "params_hash stability").
func canonicalize(params NormalizedParams) (string, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]byte, 0, 256)
	ordered = append(ordered, '{')
	for i, k := range keys {
		if i > 0 {
			ordered = append(ordered, ',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return "", err
		}
		valJSON, err := json.Marshal(params[k])
		if err != nil {
			return "", err
		}
		ordered = append(ordered, keyJSON...)
		ordered = append(ordered, ':')
		ordered = append(ordered, valJSON...)
	}
	ordered = append(ordered, '}')
	return string(ordered), nil
}

// GetFloat reads a float64/int parameter with a default (teacher's
// calculators.GetFloatParam).
func GetFloat(params map[string]any, key string, defaultValue float64) float64 {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return defaultValue
}

// GetInt reads an int parameter with a default (teacher's
// calculators.GetIntParam).
func GetInt(params map[string]any, key string, defaultValue int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return defaultValue
}

// GetBool reads a bool parameter with a default (teacher's
// calculators.GetBoolParam).
func GetBool(params map[string]any, key string, defaultValue bool) bool {
	if v, ok := params[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultValue
}

// GetString reads a string parameter with a default.
func GetString(params map[string]any, key string, defaultValue string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultValue
}
