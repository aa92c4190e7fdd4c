// Package store provides crash-safe session persistence using JSON files.
//
// Each trading session is stored as a separate file: session_<id>.json.
// Writes use atomic file replacement (write to .tmp, then rename) to prevent
// corruption from partial writes or crashes mid-save. The control plane
// saves a record on every lifecycle transition and lists records to answer
// session queries after a restart.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kis-autotrader/pkg/types"
)

// SessionRecord is the persisted form of one trading session.
type SessionRecord struct {
	ID              int64              `json:"id"`
	UserID          int64              `json:"user_id"`
	StockCode       string             `json:"stock_code"`
	StockName       string             `json:"stock_name"`
	StrategyType    string             `json:"strategy_type"`
	StrategyParams  map[string]any     `json:"strategy_params"`
	Quantity        int                `json:"quantity"`
	IntervalSeconds int                `json:"interval_seconds"`
	Status          types.SessionState `json:"status"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	StoppedAt       *time.Time         `json:"stopped_at,omitempty"`

	// TotalPnL accumulates realized profit and loss in KRW. Decimal keeps
	// the arithmetic exact when summing across sessions.
	TotalPnL decimal.Decimal `json:"total_pnl"`

	// TotalTrades counts the orders the session's executor has placed.
	TotalTrades int `json:"total_trades"`
}

// Store persists session records to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir    string
	mu     sync.Mutex
	nextID int64
}

// Open creates a store backed by the given directory and seeds the id
// sequence past any existing records.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	s := &Store{dir: dir}

	ids, err := s.sessionIDs()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if id > s.nextID {
			s.nextID = id
		}
	}
	return s, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// NextID allocates a session id one past the highest ever seen.
func (s *Store) NextID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

// Save atomically persists a session record. It writes to a .tmp file
// first, then renames over the target so the file is never left in a
// partial state.
func (s *Store) Save(rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(rec)
}

// RecordTrade increments the trade counter of one session. Load and save
// happen under one lock so concurrent executors never lose an increment.
func (s *Store) RecordTrade(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("record trade: session %d not found", id)
	}
	rec.TotalTrades++
	return s.save(*rec)
}

// Load reads one session record. Returns nil, nil when no record exists.
func (s *Store) Load(id int64) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(id)
}

// List returns every session record, ordered by id.
func (s *Store) List() ([]SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.sessionIDs()
	if err != nil {
		return nil, err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]SessionRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.load(id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// ListByUser returns the records owned by userID, ordered by id.
func (s *Store) ListByUser(userID int64) ([]SessionRecord, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	out := make([]SessionRecord, 0, len(all))
	for _, rec := range all {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// TotalPnLForUser sums realized P&L across all of one user's sessions.
func (s *Store) TotalPnLForUser(userID int64) (decimal.Decimal, error) {
	recs, err := s.ListByUser(userID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, rec := range recs {
		total = total.Add(rec.TotalPnL)
	}
	return total, nil
}

// DeleteByUser removes every record owned by userID and returns how many
// files were deleted. Used by account deletion after the sessions have
// been stopped.
func (s *Store) DeleteByUser(userID int64) (int, error) {
	recs, err := s.ListByUser(userID)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for _, rec := range recs {
		if err := os.Remove(s.path(rec.ID)); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return deleted, fmt.Errorf("delete session %d: %w", rec.ID, err)
		}
		deleted++
	}
	return deleted, nil
}

func (s *Store) path(id int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("session_%d.json", id))
}

// save writes one record via tmp-then-rename. Caller holds s.mu.
func (s *Store) save(rec SessionRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	path := s.path(rec.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return os.Rename(tmp, path)
}

// load reads one record. Caller holds s.mu.
func (s *Store) load(id int64) (*SessionRecord, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session: %w", err)
	}

	var rec SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &rec, nil
}

// sessionIDs scans the directory for session files. Callers hold s.mu,
// except Open before the store is shared.
func (s *Store) sessionIDs() ([]int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read store dir: %w", err)
	}

	var ids []int64
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "session_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		raw := strings.TrimSuffix(strings.TrimPrefix(name, "session_"), ".json")
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
