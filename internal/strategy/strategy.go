// Package strategy implements the trading strategy contract and the three
// bundled strategies: threshold, SMA crossover, and RSI.
//
// A Strategy is a pure evaluator: given the current price, an OHLCV series,
// and the current holding (if any), it emits a BUY/SELL/HOLD signal and
// records a human-readable reason for the decision. Parameters are validated
// once at construction; a strategy that constructed successfully never fails
// to evaluate.
package strategy

import (
	"errors"
	"fmt"

	"kis-autotrader/pkg/types"
)

// Error kinds surfaced at construction time.
var (
	ErrConfig          = errors.New("strategy: invalid parameters")
	ErrUnknownStrategy = errors.New("strategy: unknown strategy type")
)

// Strategy evaluates market data into trading signals.
//
// Evaluate performs no I/O; its only side effect is overwriting the last
// reason. The candle series is ordered as delivered by the broker adapter,
// with the latest bar last in scenario fixtures.
type Strategy interface {
	// Evaluate returns the signal for the given market snapshot. holding is
	// nil when the account has no position in the symbol.
	Evaluate(currentPrice float64, ohlcv []types.Candle, holding *types.Holding) types.Signal

	// LastReason returns the justification recorded by the most recent
	// Evaluate call.
	LastReason() string

	// Type returns the registry type name, e.g. "threshold".
	Type() string
}

// ParamSpec describes one accepted strategy parameter.
type ParamSpec struct {
	Type        string `json:"type"` // "integer" or "number"
	Default     any    `json:"default,omitempty"`
	Min         any    `json:"min,omitempty"`
	Max         any    `json:"max,omitempty"`
	Description string `json:"description"`
}

// Descriptor describes one registered strategy type for API listings.
type Descriptor struct {
	TypeName        string               `json:"type_name"`
	DisplayName     string               `json:"display_name"`
	Description     string               `json:"description"`
	ParameterSchema map[string]ParamSpec `json:"parameter_schema"`
}

type entry struct {
	displayName string
	description string
	schema      map[string]ParamSpec
	build       func(params map[string]any) (Strategy, error)
}

// registry maps strategy type names to constructors. Populated at init by
// the bundled strategies; read-only afterwards.
var registry = map[string]entry{}

// New constructs a strategy of the given type, validating params.
func New(strategyType string, params map[string]any) (Strategy, error) {
	e, ok := registry[strategyType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategyType)
	}
	return e.build(params)
}

// Available lists every registered strategy with its parameter schema,
// ordered for stable API output.
func Available() []Descriptor {
	order := []string{"threshold", "sma_crossover", "rsi"}
	result := make([]Descriptor, 0, len(order))
	for _, name := range order {
		e, ok := registry[name]
		if !ok {
			continue
		}
		result = append(result, Descriptor{
			TypeName:        name,
			DisplayName:     e.displayName,
			Description:     e.description,
			ParameterSchema: e.schema,
		})
	}
	return result
}

// floatParam reads a numeric parameter, tolerating the types JSON decoding
// and YAML config produce.
func floatParam(params map[string]any, key string, def float64) float64 {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return def
	}
}

func intParam(params map[string]any, key string, def int) int {
	return int(floatParam(params, key, float64(def)))
}
