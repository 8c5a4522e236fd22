package database

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore 未启用数据库时使用的进程内存储
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionRecord
	actions  map[string][]ActionRecordDoc
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*SessionRecord),
		actions:  make(map[string][]ActionRecordDoc),
	}
}

func (ms *MemoryStore) UpsertSession(_ context.Context, session *SessionRecord) error {
	if session.SessionID == "" {
		return ErrEmptyID
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	cp := *session
	ms.sessions[session.SessionID] = &cp
	return nil
}

func (ms *MemoryStore) UpdateStatus(_ context.Context, sessionID, status, reason, result string, at time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	s, ok := ms.sessions[sessionID]
	if !ok {
		return fmt.Errorf("update status %s: %w", sessionID, ErrSessionNotFound)
	}
	s.Status, s.Reason, s.Result, s.UpdatedAt = status, reason, result, at
	return nil
}

func (ms *MemoryStore) UpdateMetrics(_ context.Context, sessionID string, metrics MetricsRecord, at time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	s, ok := ms.sessions[sessionID]
	if !ok {
		return fmt.Errorf("update metrics %s: %w", sessionID, ErrSessionNotFound)
	}
	s.Metrics, s.UpdatedAt = metrics, at
	return nil
}

func (ms *MemoryStore) AppendActionRecord(_ context.Context, record *ActionRecordDoc) error {
	if record.SessionID == "" {
		return ErrEmptyID
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.actions[record.SessionID] = append(ms.actions[record.SessionID], *record)
	return nil
}

func (ms *MemoryStore) GetSession(_ context.Context, sessionID string) (*SessionRecord, error) {
	if sessionID == "" {
		return nil, ErrEmptyID
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	s, ok := ms.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("get session %s: %w", sessionID, ErrSessionNotFound)
	}
	cp := *s
	return &cp, nil
}

func (ms *MemoryStore) GetActiveSessionForUser(_ context.Context, userID string) (*SessionRecord, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var latest *SessionRecord
	for _, s := range ms.sessions {
		if s.UserID != userID || !slices.Contains(ActiveStatuses, s.Status) {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("active session for %s: %w", userID, ErrSessionNotFound)
	}
	cp := *latest
	return &cp, nil
}

func (ms *MemoryStore) GetHistory(_ context.Context, sessionID string) ([]ActionRecordDoc, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if _, ok := ms.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("get history %s: %w", sessionID, ErrSessionNotFound)
	}
	history := append([]ActionRecordDoc{}, ms.actions[sessionID]...)
	sort.SliceStable(history, func(i, j int) bool { return history[i].Step < history[j].Step })
	return history, nil
}
