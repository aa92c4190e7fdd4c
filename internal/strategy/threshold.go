package strategy

import (
	"fmt"

	"kis-autotrader/pkg/types"
)

// Threshold buys when the price falls to the buy threshold and sells when it
// rises to the sell threshold. OHLCV and holdings are ignored.
type Threshold struct {
	buyPrice   float64
	sellPrice  float64
	lastReason string
}

// NewThreshold validates buy_price and sell_price and constructs the strategy.
func NewThreshold(params map[string]any) (Strategy, error) {
	buy := floatParam(params, "buy_price", 0)
	sell := floatParam(params, "sell_price", 0)
	if buy <= 0 || sell <= 0 {
		return nil, fmt.Errorf("%w: buy_price and sell_price must be positive", ErrConfig)
	}
	if buy >= sell {
		return nil, fmt.Errorf("%w: buy_price must be less than sell_price", ErrConfig)
	}
	return &Threshold{buyPrice: buy, sellPrice: sell}, nil
}

func (s *Threshold) Evaluate(currentPrice float64, _ []types.Candle, _ *types.Holding) types.Signal {
	if currentPrice <= s.buyPrice {
		s.lastReason = fmt.Sprintf("Price %.0f <= buy threshold %.0f", currentPrice, s.buyPrice)
		return types.SignalBuy
	}
	if currentPrice >= s.sellPrice {
		s.lastReason = fmt.Sprintf("Price %.0f >= sell threshold %.0f", currentPrice, s.sellPrice)
		return types.SignalSell
	}
	s.lastReason = fmt.Sprintf("Price %.0f between %.0f and %.0f", currentPrice, s.buyPrice, s.sellPrice)
	return types.SignalHold
}

func (s *Threshold) LastReason() string { return s.lastReason }
func (s *Threshold) Type() string       { return "threshold" }

func init() {
	registry["threshold"] = entry{
		displayName: "threshold",
		description: "가격 기준 전략 - 현재가가 매수가 이하이면 매수, 매도가 이상이면 매도",
		schema: map[string]ParamSpec{
			"buy_price": {
				Type:        "number",
				Min:         1,
				Description: "매수 기준가 (이하이면 매수)",
			},
			"sell_price": {
				Type:        "number",
				Min:         1,
				Description: "매도 기준가 (이상이면 매도)",
			},
		},
		build: NewThreshold,
	}
}
