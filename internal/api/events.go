package api

import "time"

// Envelope is the wire format of every WebSocket message. Timestamp is
// RFC3339 UTC; payloads carry their own exchange-local timestamps.
type Envelope struct {
	Type      string    `json:"type"`
	Channel   string    `json:"channel"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

func newEnvelope(msgType, channel string, payload any) Envelope {
	return Envelope{
		Type:      msgType,
		Channel:   channel,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// SessionEvent is the payload of session.started and session.stopped
// messages emitted by the control plane on lifecycle boundaries.
type SessionEvent struct {
	SessionID int64  `json:"session_id"`
	StockCode string `json:"stock_code"`
	StockName string `json:"stock_name"`
	Status    string `json:"status"`
}
