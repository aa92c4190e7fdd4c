package engine

import "time"

// Notifier delivers an event to every live connection of one user. The
// WebSocket hub implements it; a nil Notifier disables delivery without
// changing executor behavior.
type Notifier interface {
	SendToUser(userID int64, msgType, channel string, payload any)
}

// Status values emitted on the "trading" channel as session.status events.
const (
	StatusPaused        = "paused"
	StatusRunning       = "running"
	StatusWaitingMarket = "waiting_market"
	StatusChecking      = "checking"
	StatusEvaluating    = "evaluating"
	StatusEvaluated     = "evaluated"
	StatusOrdering      = "ordering"
	StatusError         = "error"
	StatusStopped       = "stopped"
)

// StatusEvent is the payload of a session.status message. Timestamps carry
// the +09:00 offset so clients render exchange-local time directly.
type StatusEvent struct {
	SessionID     int64   `json:"session_id"`
	StockCode     string  `json:"stock_code"`
	StockName     string  `json:"stock_name"`
	Status        string  `json:"status"`
	Message       string  `json:"message,omitempty"`
	Timestamp     string  `json:"timestamp"`
	CurrentPrice  float64 `json:"current_price,omitempty"`
	Signal        string  `json:"signal,omitempty"`
	SignalReason  string  `json:"signal_reason,omitempty"`
	LastCheckedAt string  `json:"last_checked_at,omitempty"`
	NextCheckAt   string  `json:"next_check_at,omitempty"`
	MarketStatus  string  `json:"market_status,omitempty"`
}

func kstStamp(t time.Time) string {
	return t.In(kst).Format(time.RFC3339)
}
