package strategy

import (
	"fmt"
	"math"

	"kis-autotrader/pkg/types"
)

// RSI signals on the Wilder-smoothed relative strength index of the close
// series: BUY at or below the oversold bound, SELL at or above the
// overbought bound.
type RSI struct {
	period     int
	oversold   float64
	overbought float64
	lastReason string
}

// NewRSI validates rsi_period, oversold and overbought and constructs the
// strategy.
func NewRSI(params map[string]any) (Strategy, error) {
	period := intParam(params, "rsi_period", 14)
	oversold := floatParam(params, "oversold", 30)
	overbought := floatParam(params, "overbought", 70)
	if period < 2 {
		return nil, fmt.Errorf("%w: rsi_period must be at least 2", ErrConfig)
	}
	if oversold <= 0 || overbought >= 100 {
		return nil, fmt.Errorf("%w: oversold and overbought must be within (0, 100)", ErrConfig)
	}
	if oversold >= overbought {
		return nil, fmt.Errorf("%w: oversold must be less than overbought", ErrConfig)
	}
	return &RSI{period: period, oversold: oversold, overbought: overbought}, nil
}

func (s *RSI) Evaluate(_ float64, ohlcv []types.Candle, _ *types.Holding) types.Signal {
	if len(ohlcv) < s.period+1 {
		s.lastReason = fmt.Sprintf("Insufficient data: need %d candles", s.period+1)
		return types.SignalHold
	}

	rsi := rsiSeries(closes(ohlcv), s.period)
	if len(rsi) == 0 {
		s.lastReason = "RSI value not available"
		return types.SignalHold
	}
	current := rsi[len(rsi)-1]

	// A series with no losses and no gains yields 0/0.
	if math.IsNaN(current) {
		s.lastReason = "RSI value not available"
		return types.SignalHold
	}

	if current <= s.oversold {
		s.lastReason = fmt.Sprintf("RSI oversold: %.1f <= %g", current, s.oversold)
		return types.SignalBuy
	}
	if current >= s.overbought {
		s.lastReason = fmt.Sprintf("RSI overbought: %.1f >= %g", current, s.overbought)
		return types.SignalSell
	}

	s.lastReason = fmt.Sprintf("RSI neutral: %.1f", current)
	return types.SignalHold
}

func (s *RSI) LastReason() string { return s.lastReason }
func (s *RSI) Type() string       { return "rsi" }

func init() {
	registry["rsi"] = entry{
		displayName: "rsi",
		description: "RSI 전략 - RSI가 과매도 기준 이하이면 매수, 과매수 기준 이상이면 매도",
		schema: map[string]ParamSpec{
			"rsi_period": {
				Type:        "integer",
				Default:     14,
				Min:         2,
				Max:         50,
				Description: "RSI 기간",
			},
			"oversold": {
				Type:        "number",
				Default:     30,
				Min:         10,
				Max:         50,
				Description: "과매도 기준 (이하이면 매수)",
			},
			"overbought": {
				Type:        "number",
				Default:     70,
				Min:         50,
				Max:         90,
				Description: "과매수 기준 (이상이면 매도)",
			},
		},
		build: NewRSI,
	}
}
