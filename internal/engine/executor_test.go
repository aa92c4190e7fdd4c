package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"kis-autotrader/pkg/types"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// tradingHours is a Wednesday at 10:00 Seoul time.
var tradingHours = time.Date(2026, 1, 7, 10, 0, 0, 0, kst)

// weekendHours is a Saturday noon.
var weekendHours = time.Date(2026, 1, 3, 12, 0, 0, 0, kst)

// fakeBroker satisfies broker.Adapter with canned responses.
type fakeBroker struct {
	mu       sync.Mutex
	price    float64
	priceErr error
	sellErr  error
	holdings []types.Holding
	buys     int
	sells    int
}

var errOrderRejected = errors.New("order rejected")

func (f *fakeBroker) Connect(context.Context) error { return nil }

func (f *fakeBroker) GetBalance(context.Context) (types.Balance, error) {
	return types.Balance{}, nil
}

func (f *fakeBroker) GetHoldings(context.Context) ([]types.Holding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.holdings, nil
}

func (f *fakeBroker) GetCurrentPrice(_ context.Context, code string) (types.PriceQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.priceErr != nil {
		return types.PriceQuote{}, f.priceErr
	}
	return types.PriceQuote{StockCode: code, CurrentPrice: f.price}, nil
}

func (f *fakeBroker) GetOHLCV(_ context.Context, _, _ string, count int) ([]types.Candle, error) {
	return nil, nil
}

func (f *fakeBroker) BuyMarket(_ context.Context, _ string, _ int) (types.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buys++
	return types.OrderResult{OrderNo: "B-1"}, nil
}

func (f *fakeBroker) SellMarket(_ context.Context, _ string, _ int) (types.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sellErr != nil {
		return types.OrderResult{}, f.sellErr
	}
	f.sells++
	return types.OrderResult{OrderNo: "S-1"}, nil
}

func (f *fakeBroker) BuyLimit(context.Context, string, int, float64) (types.OrderResult, error) {
	return types.OrderResult{}, nil
}

func (f *fakeBroker) SellLimit(context.Context, string, int, float64) (types.OrderResult, error) {
	return types.OrderResult{}, nil
}

func (f *fakeBroker) orderCounts() (buys, sells int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buys, f.sells
}

// fakeStrategy always returns the configured signal.
type fakeStrategy struct {
	signal types.Signal
	reason string
}

func (f *fakeStrategy) Evaluate(float64, []types.Candle, *types.Holding) types.Signal {
	return f.signal
}
func (f *fakeStrategy) LastReason() string { return f.reason }
func (f *fakeStrategy) Type() string       { return "fake" }

// recorder collects emitted status events.
type recorder struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (r *recorder) SendToUser(_ int64, msgType, channel string, payload any) {
	ev, ok := payload.(StatusEvent)
	if !ok {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StatusEvent(nil), r.events...)
}

func (r *recorder) statuses() []string {
	var out []string
	for _, ev := range r.snapshot() {
		out = append(out, ev.Status)
	}
	return out
}

func (r *recorder) count(status string) int {
	n := 0
	for _, ev := range r.snapshot() {
		if ev.Status == status {
			n++
		}
	}
	return n
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newTestExecutor(b *fakeBroker, s *fakeStrategy, rec *recorder, at time.Time) *Executor {
	e := NewExecutor(ExecutorConfig{
		SessionID:     1,
		UserID:        7,
		Broker:        b,
		Strategy:      s,
		StockCode:     "005930",
		StockName:     "삼성전자",
		Interval:      10 * time.Millisecond,
		OrderQuantity: 2,
	}, rec, testLogger)
	e.now = func() time.Time { return at }
	e.pausePoll = time.Millisecond
	e.marketWait = time.Millisecond
	return e
}

func TestCycleBuySignalPlacesOrder(t *testing.T) {
	t.Parallel()
	b := &fakeBroker{price: 50000}
	rec := &recorder{}
	e := newTestExecutor(b, &fakeStrategy{signal: types.SignalBuy, reason: "dip"}, rec, tradingHours)

	if err := e.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	buys, sells := b.orderCounts()
	if buys != 1 || sells != 0 {
		t.Errorf("orders = %d buys / %d sells, want 1/0", buys, sells)
	}

	want := []string{StatusChecking, StatusEvaluating, StatusEvaluated, StatusOrdering}
	got := rec.statuses()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("statuses = %v, want %v", got, want)
	}

	evaluated := rec.snapshot()[2]
	if evaluated.CurrentPrice != 50000 {
		t.Errorf("current_price = %v, want 50000", evaluated.CurrentPrice)
	}
	if evaluated.Signal != "BUY" || evaluated.SignalReason != "dip" {
		t.Errorf("signal = %q/%q, want BUY/dip", evaluated.Signal, evaluated.SignalReason)
	}
	if evaluated.LastCheckedAt == "" || !strings.HasSuffix(evaluated.LastCheckedAt, "+09:00") {
		t.Errorf("last_checked_at = %q, want +09:00 offset", evaluated.LastCheckedAt)
	}
}

func TestCycleReportsPlacedOrders(t *testing.T) {
	t.Parallel()
	b := &fakeBroker{price: 50000}
	var trades int
	e := NewExecutor(ExecutorConfig{
		SessionID: 1,
		UserID:    7,
		Broker:    b,
		Strategy:  &fakeStrategy{signal: types.SignalSell, reason: "peak"},
		StockCode: "005930",
		OnTrade:   func() { trades++ },
		Now:       func() time.Time { return tradingHours },
	}, &recorder{}, testLogger)

	if err := e.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if trades != 1 {
		t.Errorf("trades reported = %d, want 1", trades)
	}

	// A failed order must not count as a trade.
	b.mu.Lock()
	b.sellErr = errOrderRejected
	b.mu.Unlock()
	if err := e.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if trades != 1 {
		t.Errorf("trades reported = %d after rejected order, want 1", trades)
	}
}

func TestCycleHoldSignalPlacesNoOrder(t *testing.T) {
	t.Parallel()
	b := &fakeBroker{price: 50000}
	rec := &recorder{}
	e := newTestExecutor(b, &fakeStrategy{signal: types.SignalHold, reason: "flat"}, rec, tradingHours)

	if err := e.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	buys, sells := b.orderCounts()
	if buys != 0 || sells != 0 {
		t.Errorf("orders = %d buys / %d sells, want none", buys, sells)
	}
	if rec.count(StatusOrdering) != 0 {
		t.Error("ordering status emitted for HOLD")
	}
}

func TestCycleInvalidPriceEmitsError(t *testing.T) {
	t.Parallel()
	b := &fakeBroker{price: 0}
	rec := &recorder{}
	e := newTestExecutor(b, &fakeStrategy{signal: types.SignalBuy}, rec, tradingHours)

	if err := e.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	events := rec.snapshot()
	last := events[len(events)-1]
	if last.Status != StatusError || last.Message != "시세 조회 실패" {
		t.Errorf("last event = %s/%q, want error/시세 조회 실패", last.Status, last.Message)
	}
	if buys, _ := b.orderCounts(); buys != 0 {
		t.Error("order placed despite invalid price")
	}
}

func TestCycleMatchesHoldingByStockCode(t *testing.T) {
	t.Parallel()
	var seen *types.Holding
	b := &fakeBroker{
		price: 50000,
		holdings: []types.Holding{
			{StockCode: "000660", Quantity: 3},
			{StockCode: "005930", Quantity: 5},
		},
	}
	s := &capturingStrategy{}
	e := newTestExecutor(b, &fakeStrategy{signal: types.SignalHold}, &recorder{}, tradingHours)
	e.strat = s

	if err := e.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	seen = s.holding
	if seen == nil || seen.StockCode != "005930" || seen.Quantity != 5 {
		t.Errorf("holding = %+v, want 005930 x5", seen)
	}
}

// capturingStrategy records the holding passed to Evaluate.
type capturingStrategy struct {
	holding *types.Holding
}

func (c *capturingStrategy) Evaluate(_ float64, _ []types.Candle, h *types.Holding) types.Signal {
	c.holding = h
	return types.SignalHold
}
func (c *capturingStrategy) LastReason() string { return "" }
func (c *capturingStrategy) Type() string       { return "capturing" }

func TestRunStopsAndEmitsTerminalStatusOnce(t *testing.T) {
	t.Parallel()
	b := &fakeBroker{price: 50000}
	rec := &recorder{}
	e := newTestExecutor(b, &fakeStrategy{signal: types.SignalHold}, rec, tradingHours)

	done := make(chan struct{})
	go func() {
		e.Run(context.Background())
		close(done)
	}()

	waitFor(t, func() bool { return rec.count(StatusEvaluated) >= 2 })
	e.Stop()
	e.Stop() // idempotent

	<-done
	if e.IsRunning() {
		t.Error("IsRunning() = true after stop")
	}
	if n := rec.count(StatusStopped); n != 1 {
		t.Errorf("stopped emitted %d times, want 1", n)
	}
	last := rec.snapshot()[len(rec.snapshot())-1]
	if last.Status != StatusStopped || last.Message != "중지됨" {
		t.Errorf("terminal event = %s/%q, want stopped/중지됨", last.Status, last.Message)
	}
}

func TestRunWaitsWhenMarketClosed(t *testing.T) {
	t.Parallel()
	b := &fakeBroker{price: 50000}
	rec := &recorder{}
	e := newTestExecutor(b, &fakeStrategy{signal: types.SignalBuy}, rec, weekendHours)

	done := make(chan struct{})
	go func() {
		e.Run(context.Background())
		close(done)
	}()

	waitFor(t, func() bool { return rec.count(StatusWaitingMarket) >= 2 })
	e.Stop()
	<-done

	for _, ev := range rec.snapshot() {
		if ev.Status == StatusWaitingMarket {
			if ev.MarketStatus != "weekend" {
				t.Errorf("market_status = %q, want weekend", ev.MarketStatus)
			}
			if !strings.Contains(ev.Message, "월요일 09:00") {
				t.Errorf("message = %q, want next-open hint", ev.Message)
			}
			break
		}
	}
	if buys, sells := b.orderCounts(); buys != 0 || sells != 0 {
		t.Error("orders placed while market closed")
	}
}

func TestPauseAndResume(t *testing.T) {
	t.Parallel()
	b := &fakeBroker{price: 50000}
	rec := &recorder{}
	e := newTestExecutor(b, &fakeStrategy{signal: types.SignalHold}, rec, tradingHours)
	e.Pause()

	done := make(chan struct{})
	go func() {
		e.Run(context.Background())
		close(done)
	}()

	waitFor(t, func() bool { return rec.count(StatusPaused) >= 1 })
	if rec.count(StatusChecking) != 0 {
		t.Error("cycle ran while paused")
	}

	e.Resume()
	waitFor(t, func() bool { return rec.count(StatusEvaluated) >= 1 })

	e.Stop()
	<-done
}

func TestStopUnblocksPausedLoop(t *testing.T) {
	t.Parallel()
	b := &fakeBroker{price: 50000}
	rec := &recorder{}
	e := newTestExecutor(b, &fakeStrategy{signal: types.SignalHold}, rec, tradingHours)
	e.Pause()

	done := make(chan struct{})
	go func() {
		e.Run(context.Background())
		close(done)
	}()

	waitFor(t, func() bool { return rec.count(StatusPaused) >= 1 })
	e.Stop()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("paused loop did not observe stop")
	}
	if e.IsPaused() {
		t.Error("IsPaused() = true after stop")
	}
}

func TestCycleErrorDoesNotTerminateLoop(t *testing.T) {
	t.Parallel()
	b := &fakeBroker{priceErr: context.DeadlineExceeded}
	rec := &recorder{}
	e := newTestExecutor(b, &fakeStrategy{signal: types.SignalBuy}, rec, tradingHours)

	done := make(chan struct{})
	go func() {
		e.Run(context.Background())
		close(done)
	}()

	// Multiple error statuses prove the loop survived the first failure.
	waitFor(t, func() bool { return rec.count(StatusError) >= 2 })
	e.Stop()
	<-done
}
