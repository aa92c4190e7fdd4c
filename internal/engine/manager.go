package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager owns every live executor in the process. Control-plane handlers
// go through it to start, pause, resume and stop sessions; it supervises
// each executor goroutine and removes the session from its maps when the
// goroutine ends, however it ends.
type Manager struct {
	notifier Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[int64]*Executor
	cancels  map[int64]context.CancelFunc
	wg       sync.WaitGroup
}

// NewManager constructs an empty manager. notifier may be nil.
func NewManager(notifier Notifier, logger *slog.Logger) *Manager {
	return &Manager{
		notifier: notifier,
		logger:   logger.With("component", "manager"),
		sessions: make(map[int64]*Executor),
		cancels:  make(map[int64]context.CancelFunc),
	}
}

// StartSession constructs an executor for cfg and launches it under
// supervision. It fails when the session id is already active.
func (m *Manager) StartSession(cfg ExecutorConfig) (*Executor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[cfg.SessionID]; ok {
		return nil, fmt.Errorf("session %d already active", cfg.SessionID)
	}

	exec := NewExecutor(cfg, m.notifier, m.logger)
	ctx, cancel := context.WithCancel(context.Background())
	m.sessions[cfg.SessionID] = exec
	m.cancels[cfg.SessionID] = cancel

	m.wg.Add(1)
	go m.supervise(ctx, cfg.SessionID, exec)

	m.logger.Info("session started", "session", cfg.SessionID, "stock", cfg.StockCode)
	return exec, nil
}

// supervise runs the executor and guarantees cleanup: a panic is logged,
// and the session is removed from both maps whichever way Run returns.
func (m *Manager) supervise(ctx context.Context, sessionID int64, exec *Executor) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("session panicked", "session", sessionID, "panic", r)
		}
		m.mu.Lock()
		delete(m.sessions, sessionID)
		if cancel, ok := m.cancels[sessionID]; ok {
			cancel()
			delete(m.cancels, sessionID)
		}
		m.mu.Unlock()
		m.logger.Info("session cleaned up", "session", sessionID)
	}()

	exec.Run(ctx)
}

// StopSession stops the executor for id. No-op when id is not active.
func (m *Manager) StopSession(id int64) {
	if exec := m.get(id); exec != nil {
		exec.Stop()
		m.logger.Info("session stop requested", "session", id)
	}
}

// PauseSession pauses the executor for id. No-op when id is not active.
func (m *Manager) PauseSession(id int64) {
	if exec := m.get(id); exec != nil {
		exec.Pause()
		m.logger.Info("session paused", "session", id)
	}
}

// ResumeSession resumes the executor for id. No-op when id is not active.
func (m *Manager) ResumeSession(id int64) {
	if exec := m.get(id); exec != nil {
		exec.Resume()
		m.logger.Info("session resumed", "session", id)
	}
}

// ActiveSessionIDs returns the ids of all live sessions.
func (m *Manager) ActiveSessionIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// IsActive reports whether id has a live executor.
func (m *Manager) IsActive(id int64) bool {
	return m.get(id) != nil
}

// StopAllForUser stops every live session owned by userID and returns the
// ids it stopped. Used by account deletion.
func (m *Manager) StopAllForUser(userID int64) []int64 {
	m.mu.Lock()
	var stopped []int64
	for id, exec := range m.sessions {
		if exec.UserID() == userID {
			stopped = append(stopped, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stopped {
		m.StopSession(id)
	}
	return stopped
}

// Shutdown stops every session and waits for all executor goroutines.
func (m *Manager) Shutdown() {
	for _, id := range m.ActiveSessionIDs() {
		m.StopSession(id)
	}
	m.wg.Wait()
	m.logger.Info("all sessions stopped")
}

func (m *Manager) get(id int64) *Executor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}
