package store

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kis-autotrader/pkg/types"
)

func TestSaveAndLoadSession(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	started := time.Date(2026, 1, 7, 9, 30, 0, 0, time.UTC)
	rec := SessionRecord{
		ID:              1,
		UserID:          7,
		StockCode:       "005930",
		StockName:       "삼성전자",
		StrategyType:    "threshold",
		StrategyParams:  map[string]any{"buy_price": 50000.0, "sell_price": 60000.0},
		Quantity:        2,
		IntervalSeconds: 60,
		Status:          types.StateRunning,
		StartedAt:       &started,
		TotalPnL:        decimal.NewFromInt(1500),
		TotalTrades:     4,
	}
	if err := s.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load(1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil {
		t.Fatal("Load returned nil")
	}
	if loaded.StockCode != "005930" || loaded.Status != types.StateRunning {
		t.Errorf("loaded = %+v", loaded)
	}
	if !loaded.TotalPnL.Equal(decimal.NewFromInt(1500)) {
		t.Errorf("TotalPnL = %s, want 1500", loaded.TotalPnL)
	}
	if loaded.TotalTrades != 4 {
		t.Errorf("TotalTrades = %d, want 4", loaded.TotalTrades)
	}
	if loaded.StartedAt == nil || !loaded.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", loaded.StartedAt, started)
	}
}

func TestLoadMissingSession(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	loaded, err := s.Load(99)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for missing session, got %+v", loaded)
	}
}

func TestSaveOverwrites(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_ = s.Save(SessionRecord{ID: 1, Status: types.StateRunning})
	_ = s.Save(SessionRecord{ID: 1, Status: types.StateStopped})

	loaded, err := s.Load(1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Status != types.StateStopped {
		t.Errorf("Status = %s, want stopped (latest save)", loaded.Status)
	}
}

func TestListByUserAndOrdering(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for _, rec := range []SessionRecord{
		{ID: 3, UserID: 1},
		{ID: 1, UserID: 1},
		{ID: 2, UserID: 2},
	} {
		if err := s.Save(rec); err != nil {
			t.Fatalf("Save %d: %v", rec.ID, err)
		}
	}

	all, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 || all[0].ID != 1 || all[2].ID != 3 {
		t.Errorf("List() ids out of order: %+v", all)
	}

	mine, err := s.ListByUser(1)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(mine) != 2 {
		t.Errorf("ListByUser(1) returned %d records, want 2", len(mine))
	}
}

func TestNextIDSkipsExistingRecords(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = s.Save(SessionRecord{ID: s.NextID()}) // 1
	_ = s.Save(SessionRecord{ID: s.NextID()}) // 2
	s.Close()

	// Reopen: the sequence must continue past persisted ids.
	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if id := s2.NextID(); id != 3 {
		t.Errorf("NextID after reopen = %d, want 3", id)
	}
}

func TestRecordTradeIncrementsCounter(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	pnl := decimal.NewFromInt(1500)
	_ = s.Save(SessionRecord{ID: 1, UserID: 1, TotalPnL: pnl})

	for i := 0; i < 3; i++ {
		if err := s.RecordTrade(1); err != nil {
			t.Fatalf("RecordTrade %d: %v", i, err)
		}
	}

	loaded, err := s.Load(1)
	if err != nil || loaded == nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.TotalTrades != 3 {
		t.Errorf("TotalTrades = %d, want 3", loaded.TotalTrades)
	}
	// The rest of the record must survive the read-modify-write.
	if !loaded.TotalPnL.Equal(pnl) {
		t.Errorf("TotalPnL = %s, want %s", loaded.TotalPnL, pnl)
	}

	if err := s.RecordTrade(99); err == nil {
		t.Error("RecordTrade on a missing session succeeded")
	}
}

func TestTotalPnLForUser(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_ = s.Save(SessionRecord{ID: 1, UserID: 1, TotalPnL: decimal.RequireFromString("1000.50")})
	_ = s.Save(SessionRecord{ID: 2, UserID: 1, TotalPnL: decimal.RequireFromString("-250.25")})
	_ = s.Save(SessionRecord{ID: 3, UserID: 2, TotalPnL: decimal.NewFromInt(9999)})

	total, err := s.TotalPnLForUser(1)
	if err != nil {
		t.Fatalf("TotalPnLForUser: %v", err)
	}
	if want := decimal.RequireFromString("750.25"); !total.Equal(want) {
		t.Errorf("total = %s, want %s", total, want)
	}
}

func TestDeleteByUser(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_ = s.Save(SessionRecord{ID: 1, UserID: 1})
	_ = s.Save(SessionRecord{ID: 2, UserID: 2})

	n, err := s.DeleteByUser(1)
	if err != nil {
		t.Fatalf("DeleteByUser: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}

	if rec, _ := s.Load(1); rec != nil {
		t.Error("user 1 session still present")
	}
	if rec, _ := s.Load(2); rec == nil {
		t.Error("user 2 session was deleted")
	}
}
