package strategy

import (
	"fmt"

	"kis-autotrader/pkg/types"
)

// SMACrossover signals on moving-average crossovers of the close series:
// BUY when the short SMA crosses above the long SMA on the latest bar
// (golden cross), SELL on the opposite cross (death cross).
type SMACrossover struct {
	shortPeriod int
	longPeriod  int
	lastReason  string
}

// NewSMACrossover validates short_period and long_period and constructs the
// strategy.
func NewSMACrossover(params map[string]any) (Strategy, error) {
	short := intParam(params, "short_period", 5)
	long := intParam(params, "long_period", 20)
	if short < 2 {
		return nil, fmt.Errorf("%w: short_period must be at least 2", ErrConfig)
	}
	if short >= long {
		return nil, fmt.Errorf("%w: short_period must be less than long_period", ErrConfig)
	}
	return &SMACrossover{shortPeriod: short, longPeriod: long}, nil
}

func (s *SMACrossover) Evaluate(_ float64, ohlcv []types.Candle, _ *types.Holding) types.Signal {
	if len(ohlcv) < s.longPeriod+1 {
		s.lastReason = fmt.Sprintf("Insufficient data: need %d candles", s.longPeriod+1)
		return types.SignalHold
	}

	close := closes(ohlcv)
	shortMA := smaSeries(close, s.shortPeriod)
	longMA := smaSeries(close, s.longPeriod)

	// Both series end at the latest bar; the previous element is the value
	// one bar earlier. A series shorter than two means the window has not
	// produced a comparable pair yet.
	if len(shortMA) < 2 || len(longMA) < 2 {
		s.lastReason = "MA values not available yet"
		return types.SignalHold
	}

	prevShort, currShort := shortMA[len(shortMA)-2], shortMA[len(shortMA)-1]
	prevLong, currLong := longMA[len(longMA)-2], longMA[len(longMA)-1]

	if prevShort <= prevLong && currShort > currLong {
		s.lastReason = fmt.Sprintf("Golden cross: SMA%d(%.0f) > SMA%d(%.0f)",
			s.shortPeriod, currShort, s.longPeriod, currLong)
		return types.SignalBuy
	}
	if prevShort >= prevLong && currShort < currLong {
		s.lastReason = fmt.Sprintf("Death cross: SMA%d(%.0f) < SMA%d(%.0f)",
			s.shortPeriod, currShort, s.longPeriod, currLong)
		return types.SignalSell
	}

	s.lastReason = fmt.Sprintf("No crossover: SMA%d=%.0f, SMA%d=%.0f",
		s.shortPeriod, currShort, s.longPeriod, currLong)
	return types.SignalHold
}

func (s *SMACrossover) LastReason() string { return s.lastReason }
func (s *SMACrossover) Type() string       { return "sma_crossover" }

func init() {
	registry["sma_crossover"] = entry{
		displayName: "sma_crossover",
		description: "이동평균 교차 전략 - 단기 MA가 장기 MA를 상향돌파하면 매수, 하향돌파하면 매도",
		schema: map[string]ParamSpec{
			"short_period": {
				Type:        "integer",
				Default:     5,
				Min:         2,
				Max:         50,
				Description: "단기 이동평균 기간",
			},
			"long_period": {
				Type:        "integer",
				Default:     20,
				Min:         5,
				Max:         200,
				Description: "장기 이동평균 기간",
			},
		},
		build: NewSMACrossover,
	}
}
