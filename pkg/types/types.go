// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trading engine — signals,
// session lifecycle states, and the normalized broker records (price quotes,
// OHLCV candles, holdings, balances, order results). It has no dependencies
// on internal packages, so it can be imported by any layer.
package types

import "encoding/json"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Signal is the outcome of a strategy evaluation.
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalHold Signal = "HOLD"
)

// SessionState is the lifecycle status of a trading session.
type SessionState string

const (
	StatePending SessionState = "pending"
	StateRunning SessionState = "running"
	StatePaused  SessionState = "paused"
	StateStopped SessionState = "stopped"
	StateError   SessionState = "error"
)

// validTransitions is the complete transition table for session states.
// STOPPED is terminal; ERROR can only be acknowledged into STOPPED.
var validTransitions = map[SessionState][]SessionState{
	StatePending: {StateRunning, StateStopped},
	StateRunning: {StatePaused, StateStopped, StateError},
	StatePaused:  {StateRunning, StateStopped},
	StateStopped: {},
	StateError:   {StateStopped},
}

// CanTransition reports whether moving from current to target is legal.
// Callers must check before mutating a session's stored status; this table
// is the only authority on transition legality.
func CanTransition(current, target SessionState) bool {
	for _, t := range validTransitions[current] {
		if t == target {
			return true
		}
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Normalized broker records
// ————————————————————————————————————————————————————————————————————————

// Balance is the normalized account balance summary. Field values are the
// broker's decimal strings for non-negative KRW amounts; they are kept as
// strings so no precision is lost before a consumer decides how to parse.
type Balance struct {
	TotalEvalAmount      string `json:"tot_evlu_amt"`        // total evaluation amount
	EvalProfitLossAmount string `json:"evlu_pfls_smtl_amt"`  // evaluation P&L subtotal
	PurchaseAmount       string `json:"pchs_amt_smtl_amt"`   // purchase amount subtotal
	DepositAmount        string `json:"dnca_tot_amt"`        // cash deposit total
	NextDayExecAmount    string `json:"nxdy_excc_amt"`       // next-day settlement amount
}

// PriceQuote is the normalized current-price record for one symbol.
type PriceQuote struct {
	StockCode    string  `json:"stock_code"`
	StockName    string  `json:"stock_name"`
	CurrentPrice float64 `json:"current_price"`
	Change       float64 `json:"change"`
	ChangeRate   float64 `json:"change_rate"`
	Volume       int64   `json:"volume"`
	High         float64 `json:"high"`
	Low          float64 `json:"low"`
	OpenPrice    float64 `json:"open_price"`
}

// Candle is one normalized OHLCV bar.
type Candle struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// Holding is one normalized position row from the account balance sheet.
// Only rows with Quantity > 0 are surfaced by the broker adapter.
type Holding struct {
	StockCode      string  `json:"pdno"`
	StockName      string  `json:"prdt_name"`
	Quantity       int     `json:"hldg_qty"`
	AvgPrice       float64 `json:"pchs_avg_pric"`
	CurrentPrice   float64 `json:"prpr"`
	EvalProfitLoss float64 `json:"evlu_pfls_amt"`
}

// OrderResult is the normalized response to an order placement.
// FilledPrice and FilledQuantity are nil when the broker did not report a
// fill in the placement response. Raw preserves the original payload.
type OrderResult struct {
	OrderNo        string          `json:"order_no"`
	FilledPrice    *float64        `json:"filled_price"`
	FilledQuantity *int            `json:"filled_quantity"`
	Raw            json.RawMessage `json:"raw,omitempty"`
}
