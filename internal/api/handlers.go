package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"kis-autotrader/internal/broker"
	"kis-autotrader/internal/config"
	"kis-autotrader/internal/engine"
	"kis-autotrader/internal/store"
	"kis-autotrader/internal/strategy"
	"kis-autotrader/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for local development
		// TODO: restrict in production
		return true
	},
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	cfg     *config.Config
	store   *store.Store
	manager *engine.Manager
	hub     *Hub
	logger  *slog.Logger

	// newBroker builds the per-session broker adapter. Swappable in tests.
	newBroker func(cfg config.BrokerConfig, dryRun bool, logger *slog.Logger) broker.Adapter

	// healthBroker is the shared adapter behind the health probe, built
	// lazily on the first /health request.
	healthOnce   sync.Once
	healthBroker broker.Adapter
}

// NewHandlers creates a new handlers instance.
func NewHandlers(cfg *config.Config, st *store.Store, manager *engine.Manager, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		cfg:     cfg,
		store:   st,
		manager: manager,
		hub:     hub,
		logger:  logger.With("component", "api-handlers"),
		newBroker: func(cfg config.BrokerConfig, dryRun bool, logger *slog.Logger) broker.Adapter {
			return broker.NewKIS(cfg, dryRun, logger)
		},
	}
}

// startRequest is the body of POST /api/trading/start.
type startRequest struct {
	StockCode       string         `json:"stock_code"`
	StockName       string         `json:"stock_name"`
	StrategyType    string         `json:"strategy_type"`
	StrategyParams  map[string]any `json:"strategy_params"`
	Quantity        int            `json:"quantity"`
	IntervalSeconds int            `json:"interval_seconds"`
}

// HandleHealth reports liveness plus broker reachability, probed with a
// balance inquiry. The probe adapter is shared across requests so its token
// cache survives between pings.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.healthOnce.Do(func() {
		h.healthBroker = h.newBroker(h.cfg.Broker, h.cfg.DryRun, h.logger)
	})
	if _, err := h.healthBroker.GetBalance(r.Context()); err != nil {
		h.logger.Warn("health probe failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"broker": "unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"broker": "connected",
	})
}

// HandleStrategies lists the available strategy types with their parameter
// schemas.
func (h *Handlers) HandleStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, strategy.Available())
}

// HandleStart validates the request, connects a broker, persists the new
// session as running and launches its executor.
func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.StockCode == "" {
		writeError(w, http.StatusBadRequest, "stock_code is required")
		return
	}
	if req.Quantity <= 0 {
		req.Quantity = h.cfg.Engine.OrderQuantity
	}
	if req.IntervalSeconds <= 0 {
		req.IntervalSeconds = h.cfg.Engine.IntervalSeconds
	}

	strat, err := strategy.New(req.StrategyType, req.StrategyParams)
	if err != nil {
		if errors.Is(err, strategy.ErrConfig) || errors.Is(err, strategy.ErrUnknownStrategy) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	adapter := h.newBroker(h.cfg.Broker, h.cfg.DryRun, h.logger)
	if err := adapter.Connect(r.Context()); err != nil {
		h.logger.Error("broker connect failed", "user", userID, "error", err)
		writeError(w, http.StatusBadGateway, "broker connection failed")
		return
	}

	now := time.Now().UTC()
	rec := store.SessionRecord{
		ID:              h.store.NextID(),
		UserID:          userID,
		StockCode:       req.StockCode,
		StockName:       req.StockName,
		StrategyType:    strat.Type(),
		StrategyParams:  req.StrategyParams,
		Quantity:        req.Quantity,
		IntervalSeconds: req.IntervalSeconds,
		Status:          types.StateRunning,
		StartedAt:       &now,
	}
	if err := h.store.Save(rec); err != nil {
		h.logger.Error("persist session failed", "session", rec.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist session")
		return
	}

	_, err = h.manager.StartSession(engine.ExecutorConfig{
		SessionID:     rec.ID,
		UserID:        userID,
		Broker:        adapter,
		Strategy:      strat,
		StockCode:     req.StockCode,
		StockName:     req.StockName,
		Interval:      time.Duration(req.IntervalSeconds) * time.Second,
		OrderQuantity: req.Quantity,
		OnTrade: func() {
			if err := h.store.RecordTrade(rec.ID); err != nil {
				h.logger.Error("record trade failed", "session", rec.ID, "error", err)
			}
		},
	})
	if err != nil {
		rec.Status = types.StateStopped
		rec.StoppedAt = &now
		_ = h.store.Save(rec)
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	h.hub.SendToUser(userID, "session.started", "trading", SessionEvent{
		SessionID: rec.ID,
		StockCode: rec.StockCode,
		StockName: rec.StockName,
		Status:    string(rec.Status),
	})
	writeJSON(w, http.StatusCreated, rec)
}

// HandleStop stops a running or paused session.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	userID, rec, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	if !types.CanTransition(rec.Status, types.StateStopped) {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("Cannot stop session in '%s' state", rec.Status))
		return
	}

	h.manager.StopSession(rec.ID)
	now := time.Now().UTC()
	rec.Status = types.StateStopped
	rec.StoppedAt = &now
	if err := h.store.Save(*rec); err != nil {
		h.logger.Error("persist session failed", "session", rec.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist session")
		return
	}

	h.hub.SendToUser(userID, "session.stopped", "trading", SessionEvent{
		SessionID: rec.ID,
		StockCode: rec.StockCode,
		StockName: rec.StockName,
		Status:    string(rec.Status),
	})
	writeJSON(w, http.StatusOK, rec)
}

// HandlePause pauses a running session.
func (h *Handlers) HandlePause(w http.ResponseWriter, r *http.Request) {
	_, rec, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	if !types.CanTransition(rec.Status, types.StatePaused) {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("Cannot pause session in '%s' state", rec.Status))
		return
	}

	h.manager.PauseSession(rec.ID)
	rec.Status = types.StatePaused
	if err := h.store.Save(*rec); err != nil {
		h.logger.Error("persist session failed", "session", rec.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist session")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleResume resumes a paused session.
func (h *Handlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	_, rec, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	if !types.CanTransition(rec.Status, types.StateRunning) {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("Cannot resume session in '%s' state", rec.Status))
		return
	}

	h.manager.ResumeSession(rec.ID)
	rec.Status = types.StateRunning
	if err := h.store.Save(*rec); err != nil {
		h.logger.Error("persist session failed", "session", rec.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist session")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleSessions lists the caller's sessions, newest id last.
func (h *Handlers) HandleSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	recs, err := h.store.ListByUser(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// HandleActive lists the caller's sessions that have a live executor.
func (h *Handlers) HandleActive(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	recs, err := h.store.ListByUser(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	active := make([]int64, 0, len(recs))
	for _, rec := range recs {
		if h.manager.IsActive(rec.ID) {
			active = append(active, rec.ID)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"active_session_ids": active})
}

// HandleSummary aggregates the caller's sessions: counts, total trades and
// realized P&L summed across every record.
func (h *Handlers) HandleSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	recs, err := h.store.ListByUser(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	pnl, err := h.store.TotalPnLForUser(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to aggregate pnl")
		return
	}

	trades := 0
	for _, rec := range recs {
		trades += rec.TotalTrades
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_sessions": len(recs),
		"total_trades":   trades,
		"total_pnl":      pnl,
	})
}

// HandleDeleteAccount stops every live session the caller owns, marks them
// stopped and removes their records.
func (h *Handlers) HandleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	stopped := h.manager.StopAllForUser(userID)
	recs, err := h.store.ListByUser(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	now := time.Now().UTC()
	for _, rec := range recs {
		switch rec.Status {
		case types.StateRunning, types.StatePaused, types.StatePending:
			rec.Status = types.StateStopped
			rec.StoppedAt = &now
			if err := h.store.Save(rec); err != nil {
				h.logger.Error("persist session failed", "session", rec.ID, "error", err)
			}
		}
	}

	deleted, err := h.store.DeleteByUser(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stopped_sessions": len(stopped),
		"deleted_records":  deleted,
	})
}

// HandleWebSocket upgrades the connection and registers it under the
// calling user until the peer disconnects.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	c := h.hub.Connect(ws, userID)
	defer h.hub.Disconnect(c)

	go pingLoop(c)

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		// The stream is server-to-client only; reads exist to notice the
		// peer going away and to service pong frames.
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func pingLoop(c *Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		deadline := time.Now().Add(writeWait)
		if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			return
		}
	}
}

// userID authenticates the caller. Header X-User-ID stands in for real
// token auth; WebSocket clients may pass user_id as a query parameter
// since browsers cannot set headers on the upgrade request.
func (h *Handlers) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		raw = r.URL.Query().Get("user_id")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusUnauthorized, "missing or invalid user identity")
		return 0, false
	}
	return id, true
}

// loadSession resolves the {id} path segment to the caller's session
// record. Writes the error response itself when the lookup fails.
func (h *Handlers) loadSession(w http.ResponseWriter, r *http.Request) (int64, *store.SessionRecord, bool) {
	userID, ok := h.userID(w, r)
	if !ok {
		return 0, nil, false
	}

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return 0, nil, false
	}
	rec, err := h.store.Load(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return 0, nil, false
	}
	if rec == nil || rec.UserID != userID {
		writeError(w, http.StatusNotFound, "Session not found")
		return 0, nil, false
	}
	return userID, rec, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
