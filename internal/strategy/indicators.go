package strategy

import (
	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"

	"kis-autotrader/pkg/types"
)

// closes extracts the close series from a candle slice.
func closes(ohlcv []types.Candle) []float64 {
	out := make([]float64, len(ohlcv))
	for i, c := range ohlcv {
		out[i] = c.Close
	}
	return out
}

// smaSeries computes the simple moving average over values. The result is
// shorter than the input by period-1: the first element is the SMA of the
// first full window, the last element is the SMA ending at the latest bar.
func smaSeries(values []float64, period int) []float64 {
	sma := trend.NewSmaWithPeriod[float64](period)
	return drain(sma.Compute(feed(values)))
}

// rsiSeries computes the Wilder-smoothed RSI over values. The result is
// shorter than the input by period; the last element is the current RSI.
func rsiSeries(values []float64, period int) []float64 {
	rsi := momentum.NewRsiWithPeriod[float64](period)
	return drain(rsi.Compute(feed(values)))
}

func feed(values []float64) <-chan float64 {
	ch := make(chan float64, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

func drain(ch <-chan float64) []float64 {
	var out []float64
	for v := range ch {
		out = append(out, v)
	}
	return out
}
