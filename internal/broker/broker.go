// Package broker implements the brokerage adapter for the trading engine.
//
// The Adapter interface is the engine's only view of a brokerage: connect,
// read balance/holdings/prices/candles, place market and limit orders. The
// one concrete implementation (KIS) talks to the Korea Investment &
// Securities open API over REST; every outbound call first waits on a
// token-bucket rate limiter so the per-app-key call budget is never
// exceeded.
package broker

import (
	"context"
	"errors"

	"kis-autotrader/pkg/types"
)

// Error kinds. Connection errors cover every non-order upstream failure;
// order errors cover order placement only. Callers branch with errors.Is.
var (
	ErrConnection = errors.New("broker: connection failed")
	ErrOrder      = errors.New("broker: order failed")
)

// Adapter is the capability set the engine requires from a brokerage.
//
// Implementations must be safe for use from a single executor goroutine;
// they are never shared between sessions. All methods honour ctx
// cancellation while waiting on the rate limiter or the network.
type Adapter interface {
	// Connect establishes the upstream session and primes the balance
	// cache. It must be called before any other method.
	Connect(ctx context.Context) error

	// GetBalance returns the normalized account balance summary.
	GetBalance(ctx context.Context) (types.Balance, error)

	// GetHoldings returns the positions with a non-zero held quantity.
	GetHoldings(ctx context.Context) ([]types.Holding, error)

	// GetCurrentPrice returns the normalized quote for one symbol.
	GetCurrentPrice(ctx context.Context, stockCode string) (types.PriceQuote, error)

	// GetOHLCV returns up to count candles for the symbol. Period is the
	// bar interval: "D" (daily, default), "W", or "M".
	GetOHLCV(ctx context.Context, stockCode, period string, count int) ([]types.Candle, error)

	// BuyMarket and SellMarket place market orders for qty shares.
	BuyMarket(ctx context.Context, stockCode string, qty int) (types.OrderResult, error)
	SellMarket(ctx context.Context, stockCode string, qty int) (types.OrderResult, error)

	// BuyLimit and SellLimit place limit orders at the given price.
	BuyLimit(ctx context.Context, stockCode string, qty int, price float64) (types.OrderResult, error)
	SellLimit(ctx context.Context, stockCode string, qty int, price float64) (types.OrderResult, error)
}
