// Package engine runs the trading sessions.
//
// Each session is one Executor goroutine that loops: check pause flag,
// check market hours, fetch price/candles/holdings through the broker,
// evaluate the strategy, place an order when it signals, then wait out the
// configured interval. A Manager owns the executors and supervises their
// goroutines. Every state change is published to the owning user over the
// Notifier as a session.status event.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"kis-autotrader/internal/broker"
	"kis-autotrader/internal/strategy"
	"kis-autotrader/pkg/types"
)

// Executor evaluates one strategy against one stock for one session.
//
// Lifecycle flags follow a latch model: stopping closes stopCh exactly once
// and can never be undone; pausing toggles an atomic flag the loop polls at
// its suspension points. Stop also clears pause so a paused loop wakes up
// and observes the stop.
type Executor struct {
	sessionID int64
	userID    int64
	broker    broker.Adapter
	strat     strategy.Strategy
	stockCode string
	stockName string
	interval  time.Duration
	orderQty  int

	notifier Notifier
	onTrade  func()
	logger   *slog.Logger

	paused   atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}

	// Overridable in tests.
	now        func() time.Time
	pausePoll  time.Duration
	marketWait time.Duration
}

// ExecutorConfig carries everything an Executor needs. Interval and
// OrderQuantity fall back to 60s and 1 share when unset.
type ExecutorConfig struct {
	SessionID     int64
	UserID        int64
	Broker        broker.Adapter
	Strategy      strategy.Strategy
	StockCode     string
	StockName     string
	Interval      time.Duration
	OrderQuantity int

	// OnTrade is called after every successfully placed order, typically
	// to bump the session's persisted trade counter. Nil disables it.
	OnTrade func()

	// Now overrides the clock used for market hours and timestamps.
	// Nil means time.Now.
	Now func() time.Time
}

// NewExecutor constructs an executor in the running, unpaused state.
func NewExecutor(cfg ExecutorConfig, notifier Notifier, logger *slog.Logger) *Executor {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.OrderQuantity <= 0 {
		cfg.OrderQuantity = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Executor{
		sessionID:  cfg.SessionID,
		userID:     cfg.UserID,
		broker:     cfg.Broker,
		strat:      cfg.Strategy,
		stockCode:  cfg.StockCode,
		stockName:  cfg.StockName,
		interval:   cfg.Interval,
		orderQty:   cfg.OrderQuantity,
		notifier:   notifier,
		onTrade:    cfg.OnTrade,
		logger:     logger.With("component", "executor", "session", cfg.SessionID),
		stopCh:     make(chan struct{}),
		now:        cfg.Now,
		pausePoll:  time.Second,
		marketWait: 30 * time.Second,
	}
}

// Pause suspends cycle execution at the next suspension point.
func (e *Executor) Pause() { e.paused.Store(true) }

// Resume clears the pause flag; the loop picks it up within one poll.
func (e *Executor) Resume() { e.paused.Store(false) }

// Stop latches the executor stopped. Idempotent; also clears pause so a
// paused loop can observe the stop.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.paused.Store(false)
}

// IsPaused reports the pause flag.
func (e *Executor) IsPaused() bool { return e.paused.Load() }

// IsRunning reports whether the executor has not been stopped.
func (e *Executor) IsRunning() bool {
	select {
	case <-e.stopCh:
		return false
	default:
		return true
	}
}

// UserID returns the owning user.
func (e *Executor) UserID() int64 { return e.userID }

// Run is the main loop. It returns when Stop is called or ctx is cancelled,
// after emitting the terminal "stopped" status exactly once.
func (e *Executor) Run(ctx context.Context) {
	e.logger.Info("executor started", "stock", e.stockCode)
	defer func() {
		e.emit(StatusStopped, "중지됨", nil)
		e.logger.Info("executor stopped", "stock", e.stockCode)
	}()

	for e.IsRunning() {
		if e.paused.Load() {
			e.emit(StatusPaused, "일시정지됨", nil)
			if !e.waitWhilePaused(ctx) {
				return
			}
			e.emit(StatusRunning, "재개됨", nil)
		}

		open, reason, nextOpen := marketSession(e.now())
		if !open {
			e.emit(StatusWaitingMarket, fmt.Sprintf("장 마감 - 다음 개장: %s", nextOpen), func(ev *StatusEvent) {
				ev.MarketStatus = reason
			})
			if !e.sleep(ctx, e.marketWait) {
				return
			}
			continue
		}

		if err := e.cycle(ctx); err != nil {
			e.logger.Error("cycle error", "stock", e.stockCode, "error", err)
			e.emit(StatusError, err.Error(), nil)
		}

		next := e.now().Add(e.interval)
		e.emit(StatusRunning, fmt.Sprintf("next check: %s", next.In(kst).Format("15:04:05")), func(ev *StatusEvent) {
			ev.NextCheckAt = kstStamp(next)
		})
		if !e.sleep(ctx, e.interval) {
			return
		}
	}
}

// cycle performs one evaluation pass. Errors it returns are reported as an
// "error" status by the caller and never terminate the loop.
func (e *Executor) cycle(ctx context.Context) error {
	e.emit(StatusChecking, "시세 조회 중...", nil)

	quote, err := e.broker.GetCurrentPrice(ctx, e.stockCode)
	if err != nil {
		return fmt.Errorf("fetch price: %w", err)
	}
	if quote.CurrentPrice <= 0 {
		e.logger.Warn("invalid price", "stock", e.stockCode, "price", quote.CurrentPrice)
		e.emit(StatusError, "시세 조회 실패", nil)
		return nil
	}

	ohlcv, err := e.broker.GetOHLCV(ctx, e.stockCode, "D", 60)
	if err != nil {
		return fmt.Errorf("fetch ohlcv: %w", err)
	}

	holdings, err := e.broker.GetHoldings(ctx)
	if err != nil {
		return fmt.Errorf("fetch holdings: %w", err)
	}
	var holding *types.Holding
	for i := range holdings {
		if holdings[i].StockCode == e.stockCode {
			holding = &holdings[i]
			break
		}
	}

	e.emit(StatusEvaluating, "전략 평가 중...", nil)
	signal := e.strat.Evaluate(quote.CurrentPrice, ohlcv, holding)
	reason := e.strat.LastReason()
	checkedAt := kstStamp(e.now())
	e.logger.Info("evaluated",
		"stock", e.stockCode, "price", quote.CurrentPrice, "signal", signal, "reason", reason)

	e.emit(StatusEvaluated, reason, func(ev *StatusEvent) {
		ev.CurrentPrice = quote.CurrentPrice
		ev.Signal = string(signal)
		ev.SignalReason = reason
		ev.LastCheckedAt = checkedAt
	})

	switch signal {
	case types.SignalBuy:
		e.emit(StatusOrdering, "매수 주문 중...", nil)
		e.placeOrder(ctx, types.SignalBuy, quote.CurrentPrice, reason)
	case types.SignalSell:
		e.emit(StatusOrdering, "매도 주문 중...", nil)
		e.placeOrder(ctx, types.SignalSell, quote.CurrentPrice, reason)
	}
	return nil
}

// placeOrder sends the market order for the signal. Order failures are
// logged and swallowed; the session keeps running.
func (e *Executor) placeOrder(ctx context.Context, signal types.Signal, price float64, reason string) {
	var (
		result types.OrderResult
		err    error
	)
	if signal == types.SignalBuy {
		result, err = e.broker.BuyMarket(ctx, e.stockCode, e.orderQty)
	} else {
		result, err = e.broker.SellMarket(ctx, e.stockCode, e.orderQty)
	}
	if err != nil {
		e.logger.Error("order failed",
			"stock", e.stockCode, "signal", signal, "qty", e.orderQty, "error", err)
		return
	}
	e.logger.Info("order placed",
		"stock", e.stockCode, "signal", signal, "qty", e.orderQty,
		"price", price, "order_no", result.OrderNo, "reason", reason)
	if e.onTrade != nil {
		e.onTrade()
	}
}

// waitWhilePaused polls the pause flag until it clears. Returns false when
// the executor stopped or ctx was cancelled while waiting.
func (e *Executor) waitWhilePaused(ctx context.Context) bool {
	for e.paused.Load() {
		if !e.sleep(ctx, e.pausePoll) {
			return false
		}
	}
	return e.IsRunning()
}

// sleep waits for d. Returns false when Stop or ctx cancellation cut the
// wait short.
func (e *Executor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-e.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// emit publishes a session.status event on the "trading" channel. decorate,
// when non-nil, fills the optional fields.
func (e *Executor) emit(status, message string, decorate func(*StatusEvent)) {
	if e.notifier == nil {
		return
	}
	ev := StatusEvent{
		SessionID: e.sessionID,
		StockCode: e.stockCode,
		StockName: e.stockName,
		Status:    status,
		Message:   message,
		Timestamp: kstStamp(e.now()),
	}
	if decorate != nil {
		decorate(&ev)
	}
	e.notifier.SendToUser(e.userID, "session.status", "trading", ev)
}
